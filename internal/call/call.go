// Package call builds the nodes of a deferred call graph.
//
// Building a node resolves every bound argument to an entry: lazy handles
// contribute their entry id directly, which is the only way producer to
// consumer edges are formed, while concrete values get a fresh entry that is
// staged immediately and uploaded later. Output entries are allocated and
// bound to their final locations before anything executes.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/roach88/lazyflow/internal/cache"
	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/ids"
	"github.com/roach88/lazyflow/internal/ir"
	"github.com/roach88/lazyflow/internal/lazy"
	"github.com/roach88/lazyflow/internal/op"
	"github.com/roach88/lazyflow/internal/snapshot"
)

var exceptionType = reflect.TypeOf("")

// Node is one deferred op call.
type Node struct {
	ID      string
	Op      *op.Op
	OpName  string
	Version string
	Cache   bool

	// CacheKey is set when Cache is true.
	CacheKey string

	// ResultDir holds the outputs and the exception blob.
	ResultDir string

	ArgEntryIDs      []string
	KwargEntryIDs    map[string]string
	OutputEntryIDs   []string
	ExceptionEntryID string

	Env          op.Env
	Provisioning op.Provisioning
	Description  string
}

// InputEntryIDs returns positional entry ids followed by keyword entry ids
// sorted by parameter name.
func (n *Node) InputEntryIDs() []string {
	out := append([]string(nil), n.ArgEntryIDs...)
	for _, name := range n.KwargNames() {
		out = append(out, n.KwargEntryIDs[name])
	}
	return out
}

// KwargNames returns the keyword parameter names, sorted.
func (n *Node) KwargNames() []string {
	names := make([]string, 0, len(n.KwargEntryIDs))
	for name := range n.KwargEntryIDs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (n *Node) String() string {
	return fmt.Sprintf("%s[%s]", n.OpName, n.ID)
}

// Builder constructs nodes against one entry store.
type Builder struct {
	store        *snapshot.Store
	layout       cache.Layout
	ids          ids.Generator
	env          op.Env
	provisioning op.Provisioning
	logger       *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithIDGenerator overrides the call id generator (default UUIDv7).
func WithIDGenerator(g ids.Generator) Option {
	return func(b *Builder) { b.ids = g }
}

// WithDefaults sets workflow-level env and provisioning that op settings
// are merged over.
func WithDefaults(env op.Env, p op.Provisioning) Option {
	return func(b *Builder) {
		b.env = env
		b.provisioning = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder creates a builder placing results according to layout.
func NewBuilder(store *snapshot.Store, layout cache.Layout, opts ...Option) *Builder {
	b := &Builder{
		store:  store,
		layout: layout,
		ids:    ids.UUIDv7{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type resolved struct {
	arg     op.Arg
	handle  lazy.Handle
	value   any
	typ     reflect.Type
	entryID string
	hash    string
	encoded *snapshot.Encoded
}

// Build turns a binding into a node. Concrete arguments are serialized
// synchronously, so later mutation by the caller is not observed; the
// returned uploads must complete before the node is submitted.
//
// Every concrete argument is encoded and every output type checked before
// the first entry is created, so a failing call leaves no entries behind.
func (b *Builder) Build(ctx context.Context, binding op.Binding) (*Node, []*snapshot.Staged, error) {
	o := binding.Op
	args := make([]resolved, 0, len(binding.Positional)+len(binding.Keyword))
	for _, a := range binding.InOrder() {
		r, err := b.classify(ctx, a)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, r)
	}
	for i, t := range o.Outputs() {
		if _, err := b.store.Registry().FindForType(t); err != nil {
			return nil, nil, fmt.Errorf("output %d of %s: %w", i, o.Name(), err)
		}
	}

	n := &Node{
		ID:            b.ids.Generate(),
		Op:            o,
		OpName:        o.Name(),
		Version:       o.Version(),
		Cache:         o.CacheEnabled(),
		KwargEntryIDs: make(map[string]string),
		Env:           o.Env().Merge(b.env),
		Provisioning:  o.Provisioning().Merge(b.provisioning),
		Description:   o.Description(),
	}

	var pending []*snapshot.Staged
	for i := range args {
		r := &args[i]
		if r.handle == nil {
			e, err := b.store.CreateEntry(o.Name()+"."+r.arg.Param, r.typ)
			if err != nil {
				return nil, nil, err
			}
			st, err := b.store.StageEncoded(e.ID, r.encoded)
			if err != nil {
				return nil, nil, err
			}
			r.entryID, r.hash = e.ID, st.Hash
			pending = append(pending, st)
		}
		if r.arg.Keyword {
			n.KwargEntryIDs[r.arg.Param] = r.entryID
		} else {
			n.ArgEntryIDs = append(n.ArgEntryIDs, r.entryID)
		}
	}

	if n.Cache {
		var posHashes []string
		kwHashes := make(map[string]string)
		for _, r := range args {
			if r.arg.Keyword {
				kwHashes[r.arg.Param] = r.hash
			} else {
				posHashes = append(posHashes, r.hash)
			}
		}
		key, err := cache.Key(n.OpName, n.Version, posHashes, kwHashes)
		if err != nil {
			return nil, nil, err
		}
		n.CacheKey = key
		n.ResultDir = b.layout.CachedDir(n.OpName, n.Version, key)
	} else {
		n.ResultDir = b.layout.CallDir(n.OpName, n.ID)
	}

	for i, t := range o.Outputs() {
		e, err := b.store.CreateEntry(fmt.Sprintf("%s.return_%d", n.OpName, i), t)
		if err != nil {
			return nil, nil, err
		}
		uri := b.layout.RandomOutputURI(n.OpName, n.ID, i)
		if n.Cache {
			uri = b.layout.OutputURI(n.OpName, n.Version, n.CacheKey, i)
		}
		if err := b.store.BindURI(e.ID, uri, ir.URIHash(uri)); err != nil {
			return nil, nil, err
		}
		n.OutputEntryIDs = append(n.OutputEntryIDs, e.ID)
	}

	e, err := b.store.CreateEntry(n.OpName+".exception", exceptionType)
	if err != nil {
		return nil, nil, err
	}
	excURI := cache.ExceptionURI(n.ResultDir)
	if err := b.store.BindURI(e.ID, excURI, ir.URIHash(excURI)); err != nil {
		return nil, nil, err
	}
	n.ExceptionEntryID = e.ID

	b.logger.Debug("call built",
		"call", n.ID,
		"op", n.OpName,
		"args", len(n.ArgEntryIDs),
		"kwargs", len(n.KwargEntryIDs),
		"uploads", len(pending),
		"cached", n.Cache,
	)
	return n, pending, nil
}

// classify resolves an argument to an existing entry or to a value that
// needs one. A materialized handle whose entry belongs to another store is
// treated as its value.
func (b *Builder) classify(ctx context.Context, a op.Arg) (resolved, error) {
	r := resolved{arg: a}
	if h, ok := a.Value.(lazy.Handle); ok {
		e, err := b.store.Get(h.EntryID())
		if err == nil {
			if !e.Bound() {
				return r, errs.NewNotFound(e.ID, "argument entry has no data hash").With("param", a.Param)
			}
			r.handle, r.entryID, r.hash = h, e.ID, e.DataHash
			return r, nil
		}
		if !errs.IsNotFound(err) || !h.Materialized() {
			return r, fmt.Errorf("argument %q: %w", a.Param, err)
		}
		v, ferr := h.ForceAny(ctx)
		if ferr != nil {
			return r, fmt.Errorf("argument %q: %w", a.Param, ferr)
		}
		a.Value = v
		r.arg = a
	}
	r.value = a.Value
	r.typ = reflect.TypeOf(a.Value)
	if r.typ == nil {
		return r, errs.New(errs.CodeType, "argument %q is nil", a.Param)
	}
	enc, err := b.store.Encode(r.typ, r.value)
	if err != nil {
		return r, fmt.Errorf("argument %q: %w", a.Param, err)
	}
	r.encoded = enc
	return r, nil
}
