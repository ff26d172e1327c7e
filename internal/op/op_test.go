package op

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/lazy"
)

func add(a, b int) int { return a + b }

func scale(ctx context.Context, x int, factor int) (int, error) {
	if factor < 0 {
		return 0, errors.New("negative factor")
	}
	return x * factor, nil
}

func TestDefine(t *testing.T) {
	o, err := Define("scale", scale,
		WithParams("x", "factor"),
		WithDefaults(map[string]any{"factor": 2}),
		WithVersion("1.2"),
		WithCache(true),
	)
	require.NoError(t, err)

	assert.Equal(t, "scale", o.Name())
	assert.Equal(t, "1.2", o.Version())
	assert.True(t, o.CacheEnabled())
	assert.Equal(t, "scale@1.2", o.String())

	params := o.Params()
	require.Len(t, params, 2, "context parameter is not declared")
	assert.Equal(t, "x", params[0].Name)
	assert.False(t, params[0].HasDefault)
	assert.Equal(t, 2, params[1].Default)
	assert.Equal(t, []reflect.Type{reflect.TypeOf(0)}, o.Outputs(), "trailing error is not an output")
}

func TestDefineDefaults(t *testing.T) {
	o, err := Define("add", add)
	require.NoError(t, err)

	assert.Equal(t, DefaultVersion, o.Version())
	assert.False(t, o.CacheEnabled())
	assert.Equal(t, "p0", o.Params()[0].Name)
	assert.Equal(t, "p1", o.Params()[1].Name)
}

func TestDefineErrors(t *testing.T) {
	tests := []struct {
		name string
		op   string
		fn   any
		opts []Option
		pred func(error) bool
	}{
		{"bad name", "has space", add, nil, nil},
		{"not a function", "x", 42, nil, nil},
		{"variadic", "x", func(xs ...int) int { return 0 }, nil, errs.IsSignature},
		{"param count", "x", add, []Option{WithParams("a")}, errs.IsSignature},
		{"duplicate param", "x", add, []Option{WithParams("a", "a")}, errs.IsSignature},
		{"unknown default", "x", add, []Option{WithParams("a", "b"), WithDefaults(map[string]any{"c": 1})}, errs.IsSignature},
		{"default type", "x", add, []Option{WithParams("a", "b"), WithDefaults(map[string]any{"b": "two"})}, errs.IsType},
		{"output count", "x", add, []Option{WithOutputs(reflect.TypeOf(0), reflect.TypeOf(0))}, errs.IsSignature},
		{"output type", "x", add, []Option{WithOutputs(reflect.TypeOf(""))}, errs.IsSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Define(tt.op, tt.fn, tt.opts...)
			require.Error(t, err)
			if tt.pred != nil {
				assert.True(t, tt.pred(err), "unexpected error: %v", err)
			}
		})
	}
}

func TestMustDefinePanics(t *testing.T) {
	assert.Panics(t, func() { MustDefine("x", "not a func") })
}

func TestBindPositionalAndKeyword(t *testing.T) {
	o := MustDefine("scale", scale, WithParams("x", "factor"))

	b, err := o.Bind([]any{3}, map[string]any{"factor": 4})
	require.NoError(t, err)
	require.Len(t, b.Positional, 1)
	require.Len(t, b.Keyword, 1)
	assert.Equal(t, Arg{Param: "x", Index: 0, Value: 3}, b.Positional[0])
	assert.Equal(t, Arg{Param: "factor", Index: 1, Value: 4, Keyword: true}, b.Keyword[0])
}

func TestBindFillsDefaultsAsKeywords(t *testing.T) {
	o := MustDefine("scale", scale, WithParams("x", "factor"), WithDefaults(map[string]any{"factor": 2}))

	b, err := o.Bind([]any{3}, nil)
	require.NoError(t, err)
	require.Len(t, b.Keyword, 1)
	assert.True(t, b.Keyword[0].Default)
	assert.Equal(t, 2, b.Keyword[0].Value)

	ordered := b.InOrder()
	assert.Equal(t, "x", ordered[0].Param)
	assert.Equal(t, "factor", ordered[1].Param)
}

func TestBindSignatureErrors(t *testing.T) {
	o := MustDefine("add", add, WithParams("a", "b"))

	tests := []struct {
		name   string
		args   []any
		kwargs map[string]any
	}{
		{"too many positional", []any{1, 2, 3}, nil},
		{"unknown keyword", []any{1, 2}, map[string]any{"c": 3}},
		{"duplicate value", []any{1, 2}, map[string]any{"a": 3}},
		{"missing required", []any{1}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Bind(tt.args, tt.kwargs)
			require.Error(t, err)
			assert.True(t, errs.IsSignature(err))
			assert.Contains(t, err.Error(), "add(a int, b int)")
		})
	}
}

func TestBindTypeErrors(t *testing.T) {
	o := MustDefine("add", add, WithParams("a", "b"))

	_, err := o.Bind([]any{1, "two"}, nil)
	assert.True(t, errs.IsType(err))

	_, err = o.Bind([]any{1, nil}, nil)
	assert.True(t, errs.IsType(err))

	strHandle := lazy.New("e-1", "call-1", func(context.Context) (string, error) { return "x", nil })
	_, err = o.Bind([]any{1, strHandle}, nil)
	assert.True(t, errs.IsType(err), "lazy handles are checked by entry type")
	assert.False(t, strHandle.Materialized(), "binding never materializes")
}

func TestBindAcceptsLazyHandle(t *testing.T) {
	o := MustDefine("add", add, WithParams("a", "b"))
	h := lazy.New("e-1", "call-1", func(context.Context) (int, error) { return 1, nil })

	b, err := o.Bind([]any{h, 2}, nil)
	require.NoError(t, err)
	assert.Same(t, h, b.Positional[0].Value)
	assert.Equal(t, reflect.TypeOf(0), b.Positional[0].Type())
}

func TestBindInterfaceParam(t *testing.T) {
	o := MustDefine("describe", func(v any) string { return "" }, WithParams("v"))

	_, err := o.Bind([]any{42}, nil)
	assert.NoError(t, err)
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()
	o := MustDefine("scale", scale, WithParams("x", "factor"))

	outs, err := o.Invoke(ctx, []any{3, 4})
	require.NoError(t, err)
	assert.Equal(t, []any{12}, outs)

	_, err = o.Invoke(ctx, []any{3, -1})
	assert.EqualError(t, err, "negative factor")

	_, err = o.Invoke(ctx, []any{3})
	assert.True(t, errs.IsSignature(err))
}

func TestInvokeMultipleOutputs(t *testing.T) {
	o := MustDefine("divmod", func(a, b int) (int, int) { return a / b, a % b })

	outs, err := o.Invoke(context.Background(), []any{7, 2})
	require.NoError(t, err)
	assert.Equal(t, []any{3, 1}, outs)
}

func TestInvokeRecoversPanic(t *testing.T) {
	o := MustDefine("boom", func() int { panic("kaboom") })

	_, err := o.Invoke(context.Background(), nil)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Op)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestRegistry(t *testing.T) {
	a := MustDefine("a", add)
	r := NewRegistry(a)
	r.Register(MustDefine("b", add))

	got, ok := r.Lookup("a")
	assert.True(t, ok)
	assert.Same(t, a, got)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestProvisioningAndEnvMerge(t *testing.T) {
	p := Provisioning{GPUCount: 1}.Merge(Provisioning{CPUCount: 4, GPUCount: 2, GPUType: "A100"})
	assert.Equal(t, Provisioning{CPUCount: 4, GPUCount: 1, GPUType: "A100"}, p)

	e := Env{Vars: map[string]string{"A": "op"}}.Merge(Env{Image: "base", Vars: map[string]string{"A": "wf", "B": "wf"}})
	assert.Equal(t, "base", e.Image)
	assert.Equal(t, map[string]string{"A": "op", "B": "wf"}, e.Vars)
}
