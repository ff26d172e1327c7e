package op

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"

	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/lazy"
)

// Arg is one bound argument.
type Arg struct {
	// Param is the parameter name.
	Param string

	// Index is the parameter position.
	Index int

	// Value is a concrete value or a lazy.Handle.
	Value any

	// Keyword is true for arguments passed (or defaulted) by name.
	Keyword bool

	// Default is true when the value came from the parameter default.
	Default bool
}

// Type returns the static type of the argument value.
func (a Arg) Type() reflect.Type {
	if h, ok := a.Value.(lazy.Handle); ok {
		return h.Type()
	}
	return reflect.TypeOf(a.Value)
}

// Binding maps call arguments onto an op's parameters.
type Binding struct {
	Op *Op

	// Positional holds positional arguments in call order.
	Positional []Arg

	// Keyword holds keyword and defaulted arguments sorted by name.
	Keyword []Arg
}

// InOrder returns all arguments in parameter order.
func (b Binding) InOrder() []Arg {
	out := make([]Arg, 0, len(b.Positional)+len(b.Keyword))
	out = append(out, b.Positional...)
	out = append(out, b.Keyword...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Bind checks arguments against the declared signature.
//
// Fails with SignatureError on arity or name problems and with TypeError
// when an argument's type (the entry type for lazy handles) is not
// assignable to its parameter.
func (o *Op) Bind(args []any, kwargs map[string]any) (Binding, error) {
	if len(args) > len(o.params) {
		return Binding{}, o.signatureError("takes %d positional arguments but %d were given", len(o.params), len(args))
	}

	b := Binding{Op: o}
	assigned := make([]bool, len(o.params))
	for i, v := range args {
		p := o.params[i]
		if err := o.checkType(p, v); err != nil {
			return Binding{}, err
		}
		assigned[i] = true
		b.Positional = append(b.Positional, Arg{Param: p.Name, Index: i, Value: v})
	}

	names := make([]string, 0, len(kwargs))
	for name := range kwargs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		idx := o.paramIndex(name)
		if idx < 0 {
			return Binding{}, o.signatureError("got an unexpected keyword argument %q", name)
		}
		if assigned[idx] {
			return Binding{}, o.signatureError("got multiple values for argument %q", name)
		}
		v := kwargs[name]
		if err := o.checkType(o.params[idx], v); err != nil {
			return Binding{}, err
		}
		assigned[idx] = true
		b.Keyword = append(b.Keyword, Arg{Param: name, Index: idx, Value: v, Keyword: true})
	}

	var missing []string
	for i, p := range o.params {
		if assigned[i] {
			continue
		}
		if !p.HasDefault {
			missing = append(missing, p.Name)
			continue
		}
		b.Keyword = append(b.Keyword, Arg{Param: p.Name, Index: i, Value: p.Default, Keyword: true, Default: true})
	}
	if len(missing) > 0 {
		return Binding{}, o.signatureError("missing required arguments %v", missing)
	}
	sort.Slice(b.Keyword, func(i, j int) bool { return b.Keyword[i].Param < b.Keyword[j].Param })
	return b, nil
}

func (o *Op) checkType(p Param, v any) error {
	var got reflect.Type
	if h, ok := v.(lazy.Handle); ok {
		got = h.Type()
	} else {
		got = reflect.TypeOf(v)
	}
	if got == nil {
		return errs.New(errs.CodeType, "argument %q is nil", p.Name).With("op", o.name)
	}
	if !got.AssignableTo(p.Type) {
		return errs.New(errs.CodeType, "argument %q has type %s, want %s", p.Name, got, p.Type).With("op", o.name)
	}
	return nil
}

func (o *Op) signatureError(format string, args ...any) error {
	return errs.New(errs.CodeSignature, "%s: %s", o.describe(), fmt.Sprintf(format, args...)).With("op", o.name)
}

// PanicError reports a panic raised by an op function.
type PanicError struct {
	Op    string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("op %s panicked: %v", e.Op, e.Value)
}

// Invoke calls the op function with values in parameter order and returns
// its outputs. A returned error is passed through; a panic is converted to
// *PanicError.
func (o *Op) Invoke(ctx context.Context, values []any) (outs []any, err error) {
	if len(values) != len(o.params) {
		return nil, o.signatureError("invoked with %d values", len(values))
	}

	in := make([]reflect.Value, 0, len(values)+1)
	if o.takesContext {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, v := range values {
		p := o.params[i]
		if v == nil {
			in = append(in, reflect.Zero(p.Type))
			continue
		}
		rv := reflect.ValueOf(v)
		if !rv.Type().AssignableTo(p.Type) {
			return nil, errs.New(errs.CodeType, "argument %q has type %s, want %s", p.Name, rv.Type(), p.Type).With("op", o.name)
		}
		in = append(in, rv)
	}

	defer func() {
		if r := recover(); r != nil {
			outs = nil
			err = &PanicError{Op: o.name, Value: r, Stack: debug.Stack()}
		}
	}()

	res := o.fn.Call(in)
	if o.returnsError {
		if e := res[len(res)-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
		res = res[:len(res)-1]
	}
	outs = make([]any, len(res))
	for i, r := range res {
		outs[i] = r.Interface()
	}
	return outs, nil
}
