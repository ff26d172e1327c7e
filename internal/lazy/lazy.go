// Package lazy provides the handle returned by deferred calls.
//
// A Value stands for the result stored in one entry. Constructing it never
// runs its materializer; the first Force runs it exactly once and every later
// Force replays the same outcome, including a failure. Whether something is
// lazy, and which entry it stands for, is decidable without materializing.
package lazy

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

// Handle is the type-erased view of a Value.
type Handle interface {
	// EntryID is the entry the value is stored in.
	EntryID() string

	// Producer is the id of the call that produces the entry, or "" for
	// values supplied locally.
	Producer() string

	// Type is the static type of the value.
	Type() reflect.Type

	// Materialized reports whether Force has completed.
	Materialized() bool

	// ForceAny materializes and returns the value as any.
	ForceAny(ctx context.Context) (any, error)
}

// Value is a lazily materialized T.
type Value[T any] struct {
	entryID  string
	producer string
	typ      reflect.Type
	fn       func(context.Context) (T, error)
	parent   Handle

	once sync.Once
	done atomic.Bool
	val  T
	err  error
}

// New creates a Value whose materializer is fn.
func New[T any](entryID, producer string, fn func(context.Context) (T, error)) *Value[T] {
	return &Value[T]{
		entryID:  entryID,
		producer: producer,
		typ:      reflect.TypeOf((*T)(nil)).Elem(),
		fn:       fn,
	}
}

// NewUntyped creates a Value[any] that reports typ as its type. Used where
// the type is only known through reflection.
func NewUntyped(entryID, producer string, typ reflect.Type, fn func(context.Context) (any, error)) *Value[any] {
	v := New(entryID, producer, fn)
	v.typ = typ
	return v
}

// Resolved creates an already materialized Value.
func Resolved[T any](entryID, producer string, val T) *Value[T] {
	v := New[T](entryID, producer, nil)
	v.once.Do(func() {
		v.val = val
		v.done.Store(true)
	})
	return v
}

// EntryID implements Handle.
func (v *Value[T]) EntryID() string { return v.entryID }

// Producer implements Handle.
func (v *Value[T]) Producer() string { return v.producer }

// Type implements Handle.
func (v *Value[T]) Type() reflect.Type { return v.typ }

// Materialized implements Handle.
func (v *Value[T]) Materialized() bool {
	return v.done.Load() || (v.parent != nil && v.parent.Materialized())
}

// Force materializes the value. The materializer runs at most once; its
// result or error is cached and returned on every call.
func (v *Value[T]) Force(ctx context.Context) (T, error) {
	v.once.Do(func() {
		defer v.done.Store(true)
		defer func() {
			if r := recover(); r != nil {
				v.err = fmt.Errorf("materialize entry %s: panic: %v", v.entryID, r)
			}
		}()
		v.val, v.err = v.fn(ctx)
	})
	return v.val, v.err
}

// MustForce is like Force but panics on error.
func (v *Value[T]) MustForce(ctx context.Context) T {
	val, err := v.Force(ctx)
	if err != nil {
		panic(err)
	}
	return val
}

// ForceAny implements Handle.
func (v *Value[T]) ForceAny(ctx context.Context) (any, error) {
	val, err := v.Force(ctx)
	if err != nil {
		return nil, err
	}
	return val, nil
}

// String describes the handle without materializing it.
func (v *Value[T]) String() string {
	return fmt.Sprintf("lazy[%s](entry=%s)", v.typ, v.entryID)
}

// IsLazy reports whether x is a lazy handle. It never materializes x.
func IsLazy(x any) bool {
	_, ok := x.(Handle)
	return ok
}

// EntryIDOf returns the entry id of a lazy handle.
func EntryIDOf(x any) (string, bool) {
	h, ok := x.(Handle)
	if !ok {
		return "", false
	}
	return h.EntryID(), true
}

// Same reports whether two handles stand for the same entry.
func Same(a, b Handle) bool {
	return a != nil && b != nil && a.EntryID() == b.EntryID()
}

// Cast views h as a Value[T]. The returned value shares h's
// materialization: forcing either forces the producer at most once.
func Cast[T any](h Handle) (*Value[T], error) {
	if v, ok := h.(*Value[T]); ok {
		return v, nil
	}
	want := reflect.TypeOf((*T)(nil)).Elem()
	if !h.Type().AssignableTo(want) {
		return nil, fmt.Errorf("lazy: entry %s holds %s, not %s", h.EntryID(), h.Type(), want)
	}
	v := New(h.EntryID(), h.Producer(), func(ctx context.Context) (T, error) {
		var zero T
		raw, err := h.ForceAny(ctx)
		if err != nil {
			return zero, err
		}
		if raw == nil {
			return zero, nil
		}
		typed, ok := raw.(T)
		if !ok {
			return zero, fmt.Errorf("lazy: type assertion failed: expected %s, got %T (entry %s)", want, raw, h.EntryID())
		}
		return typed, nil
	})
	v.parent = h
	return v, nil
}
