// Package op turns ordinary Go functions into remotely executable
// operations.
//
// An Op records the function's parameters (named, optionally defaulted),
// its declared outputs, its version and cache setting, and the provisioning
// and environment a runtime should give it. A leading context.Context
// parameter and a trailing error result are recognized and excluded from
// the declared signature.
package op

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/lazyflow/internal/errs"
)

// DefaultVersion is the version of ops that don't declare one.
const DefaultVersion = "0.0"

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	nameRe      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)
)

// Param is one declared parameter.
type Param struct {
	Name       string
	Type       reflect.Type
	Default    any
	HasDefault bool
}

// Provisioning describes the resources an op asks the runtime for.
type Provisioning struct {
	CPUCount  int    `json:"cpu_count,omitempty" yaml:"cpu_count,omitempty"`
	GPUCount  int    `json:"gpu_count,omitempty" yaml:"gpu_count,omitempty"`
	GPUType   string `json:"gpu_type,omitempty" yaml:"gpu_type,omitempty"`
	RAMSizeGB int    `json:"ram_size_gb,omitempty" yaml:"ram_size_gb,omitempty"`
}

// Merge returns p with unset fields taken from base.
func (p Provisioning) Merge(base Provisioning) Provisioning {
	if p.CPUCount == 0 {
		p.CPUCount = base.CPUCount
	}
	if p.GPUCount == 0 {
		p.GPUCount = base.GPUCount
	}
	if p.GPUType == "" {
		p.GPUType = base.GPUType
	}
	if p.RAMSizeGB == 0 {
		p.RAMSizeGB = base.RAMSizeGB
	}
	return p
}

// Env describes the execution environment of an op.
type Env struct {
	Image    string            `json:"image,omitempty" yaml:"image,omitempty"`
	Vars     map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`
	Packages []string          `json:"packages,omitempty" yaml:"packages,omitempty"`
}

// Merge returns e with unset fields taken from base; vars are unioned with
// e taking precedence.
func (e Env) Merge(base Env) Env {
	if e.Image == "" {
		e.Image = base.Image
	}
	if len(base.Vars) > 0 {
		vars := make(map[string]string, len(base.Vars)+len(e.Vars))
		for k, v := range base.Vars {
			vars[k] = v
		}
		for k, v := range e.Vars {
			vars[k] = v
		}
		e.Vars = vars
	}
	if len(e.Packages) == 0 {
		e.Packages = base.Packages
	}
	return e
}

// Op is a deferred-callable operation.
type Op struct {
	name         string
	version      string
	cache        bool
	description  string
	provisioning Provisioning
	env          Env

	fn           reflect.Value
	params       []Param
	outputs      []reflect.Type
	takesContext bool
	returnsError bool
}

// Option configures an Op.
type Option func(*config)

type config struct {
	params       []string
	defaults     map[string]any
	outputs      []reflect.Type
	version      string
	cache        bool
	description  string
	provisioning Provisioning
	env          Env
}

// WithParams names the function parameters in order. Without it
// parameters are named p0, p1, ...
func WithParams(names ...string) Option {
	return func(c *config) { c.params = names }
}

// WithDefaults declares default values for named parameters.
func WithDefaults(defaults map[string]any) Option {
	return func(c *config) { c.defaults = defaults }
}

// WithOutputs declares the output types. Define fails if they don't match
// the function's results.
func WithOutputs(types ...reflect.Type) Option {
	return func(c *config) { c.outputs = types }
}

// WithVersion sets the op version used in cache keys.
func WithVersion(v string) Option {
	return func(c *config) { c.version = v }
}

// WithCache enables or disables result caching.
func WithCache(enabled bool) Option {
	return func(c *config) { c.cache = enabled }
}

// WithDescription sets a human-readable description.
func WithDescription(d string) Option {
	return func(c *config) { c.description = d }
}

// WithProvisioning sets requested resources.
func WithProvisioning(p Provisioning) Option {
	return func(c *config) { c.provisioning = p }
}

// WithEnv sets the execution environment.
func WithEnv(e Env) Option {
	return func(c *config) { c.env = e }
}

// Define reflects fn into an Op named name.
func Define(name string, fn any, opts ...Option) (*Op, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("define op: invalid name %q", name)
	}
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func || fv.IsNil() {
		return nil, fmt.Errorf("define op %s: expected a function, got %T", name, fn)
	}
	ft := fv.Type()
	if ft.IsVariadic() {
		return nil, errs.New(errs.CodeSignature, "variadic functions are not supported").With("op", name)
	}

	cfg := config{version: DefaultVersion}
	for _, opt := range opts {
		opt(&cfg)
	}

	o := &Op{
		name:         name,
		version:      cfg.version,
		cache:        cfg.cache,
		description:  cfg.description,
		provisioning: cfg.provisioning,
		env:          cfg.env,
		fn:           fv,
	}

	first := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		o.takesContext = true
		first = 1
	}
	n := ft.NumIn() - first
	if cfg.params != nil && len(cfg.params) != n {
		return nil, errs.New(errs.CodeSignature, "%d parameter names given for %d parameters", len(cfg.params), n).With("op", name)
	}
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		pname := fmt.Sprintf("p%d", i)
		if cfg.params != nil {
			pname = cfg.params[i]
		}
		if seen[pname] {
			return nil, errs.New(errs.CodeSignature, "duplicate parameter %q", pname).With("op", name)
		}
		seen[pname] = true
		o.params = append(o.params, Param{Name: pname, Type: ft.In(first + i)})
	}

	for dname, dval := range cfg.defaults {
		idx := o.paramIndex(dname)
		if idx < 0 {
			return nil, errs.New(errs.CodeSignature, "default for unknown parameter %q", dname).With("op", name)
		}
		p := &o.params[idx]
		if dt := reflect.TypeOf(dval); dt == nil || !dt.AssignableTo(p.Type) {
			return nil, errs.New(errs.CodeType, "default for %q has type %v, want %s", dname, dt, p.Type).With("op", name)
		}
		p.Default = dval
		p.HasDefault = true
	}

	nout := ft.NumOut()
	if nout > 0 && ft.Out(nout-1) == errorType {
		o.returnsError = true
		nout--
	}
	for i := 0; i < nout; i++ {
		o.outputs = append(o.outputs, ft.Out(i))
	}
	if cfg.outputs != nil {
		if len(cfg.outputs) != len(o.outputs) {
			return nil, errs.New(errs.CodeSignature, "declared %d outputs but function returns %d", len(cfg.outputs), len(o.outputs)).With("op", name)
		}
		for i, t := range cfg.outputs {
			if t != o.outputs[i] {
				return nil, errs.New(errs.CodeSignature, "output %d declared %s but function returns %s", i, t, o.outputs[i]).With("op", name)
			}
		}
	}
	return o, nil
}

// MustDefine is like Define but panics on error.
// Use for package-level op variables.
func MustDefine(name string, fn any, opts ...Option) *Op {
	o, err := Define(name, fn, opts...)
	if err != nil {
		panic(err)
	}
	return o
}

// Name is the op identity used in cache keys and URIs.
func (o *Op) Name() string { return o.name }

func (o *Op) Version() string { return o.version }

// CacheEnabled reports whether outputs are stored at cache-key derived URIs.
func (o *Op) CacheEnabled() bool { return o.cache }

func (o *Op) Description() string { return o.description }

func (o *Op) Provisioning() Provisioning { return o.provisioning }

func (o *Op) Env() Env { return o.env }

// Params returns the declared parameters in order.
func (o *Op) Params() []Param { return append([]Param(nil), o.params...) }

// Outputs returns the declared output types in order.
func (o *Op) Outputs() []reflect.Type { return append([]reflect.Type(nil), o.outputs...) }

func (o *Op) String() string { return o.name + "@" + o.version }

func (o *Op) paramIndex(name string) int {
	for i, p := range o.params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Registry resolves ops by name.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]*Op
}

// NewRegistry creates a registry holding ops.
func NewRegistry(ops ...*Op) *Registry {
	r := &Registry{ops: make(map[string]*Op)}
	for _, o := range ops {
		r.ops[o.name] = o
	}
	return r
}

// Register adds an op, replacing any op of the same name.
func (r *Registry) Register(o *Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[o.name] = o
}

// Lookup returns the op named name.
func (r *Registry) Lookup(name string) (*Op, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.ops[name]
	return o, ok
}

// Names returns the registered op names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for n := range r.ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// describe renders a signature for error messages, e.g. "train(x int, lr float64)".
func (o *Op) describe() string {
	parts := make([]string, len(o.params))
	for i, p := range o.params {
		parts[i] = p.Name + " " + p.Type.String()
	}
	return o.name + "(" + strings.Join(parts, ", ") + ")"
}
