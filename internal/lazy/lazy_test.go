package lazy

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counting[T any](calls *atomic.Int32, val T, err error) func(context.Context) (T, error) {
	return func(context.Context) (T, error) {
		calls.Add(1)
		return val, err
	}
}

func TestConstructionDoesNotMaterialize(t *testing.T) {
	var calls atomic.Int32
	v := New("e-1", "call-1", counting(&calls, 3, nil))

	assert.True(t, IsLazy(v))
	id, ok := EntryIDOf(v)
	assert.True(t, ok)
	assert.Equal(t, "e-1", id)
	assert.Equal(t, "call-1", v.Producer())
	assert.Equal(t, reflect.TypeOf(0), v.Type())
	assert.Equal(t, "lazy[int](entry=e-1)", v.String())
	assert.False(t, v.Materialized())
	assert.Equal(t, int32(0), calls.Load())
}

func TestForceOnce(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	v := New("e-1", "", counting(&calls, []int{1, 2}, nil))

	a, err := v.Force(ctx)
	require.NoError(t, err)
	b, err := v.Force(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, a, b)
	assert.True(t, v.Materialized())
}

func TestForceConcurrent(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	v := New("e-1", "", counting(&calls, "x", nil))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := v.Force(ctx)
			assert.NoError(t, err)
			assert.Equal(t, "x", got)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestStickyError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	var calls atomic.Int32
	v := New("e-1", "", counting(&calls, 0, boom))

	_, err1 := v.Force(ctx)
	_, err2 := v.Force(ctx)

	assert.Same(t, boom, err1)
	assert.Same(t, err1, err2, "the identical error is replayed")
	assert.Equal(t, int32(1), calls.Load(), "never re-attempted")
	assert.True(t, v.Materialized())
}

func TestPanicBecomesStickyError(t *testing.T) {
	ctx := context.Background()
	v := New("e-1", "", func(context.Context) (int, error) { panic("bad") })

	_, err1 := v.Force(ctx)
	require.Error(t, err1)
	assert.Contains(t, err1.Error(), "panic: bad")

	_, err2 := v.Force(ctx)
	assert.Same(t, err1, err2)
}

func TestMustForce(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, 2, New("e", "", func(context.Context) (int, error) { return 2, nil }).MustForce(ctx))
	assert.Panics(t, func() {
		New("e", "", func(context.Context) (int, error) { return 0, errors.New("x") }).MustForce(ctx)
	})
}

func TestResolved(t *testing.T) {
	v := Resolved("e-1", "call-1", 10)

	assert.True(t, v.Materialized())
	got, err := v.Force(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, got)
}

func TestSame(t *testing.T) {
	a := New("e-1", "", func(context.Context) (int, error) { return 1, nil })
	b := New("e-1", "", func(context.Context) (int, error) { return 1, nil })
	c := New("e-2", "", func(context.Context) (int, error) { return 1, nil })

	assert.True(t, Same(a, b), "same entry, distinct handles")
	assert.False(t, Same(a, c))
	assert.False(t, Same(a, nil))
}

func TestIsLazyPlainValues(t *testing.T) {
	assert.False(t, IsLazy(3))
	assert.False(t, IsLazy(nil))
	_, ok := EntryIDOf("x")
	assert.False(t, ok)
}

func TestCastSharesMaterialization(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	untyped := NewUntyped("e-1", "call-1", reflect.TypeOf(""), func(context.Context) (any, error) {
		calls.Add(1)
		return "hello", nil
	})

	typed, err := Cast[string](untyped)
	require.NoError(t, err)
	assert.Equal(t, "e-1", typed.EntryID())
	assert.False(t, typed.Materialized())

	_, err = untyped.Force(ctx)
	require.NoError(t, err)
	assert.True(t, typed.Materialized(), "reflects the underlying handle")

	got, err := typed.Force(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCastIdentityAndMismatch(t *testing.T) {
	v := New("e-1", "", func(context.Context) (int, error) { return 1, nil })

	same, err := Cast[int](v)
	require.NoError(t, err)
	assert.Same(t, v, same)

	_, err = Cast[string](v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "holds int, not string")
}
