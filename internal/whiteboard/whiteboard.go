// Package whiteboard aggregates workflow outputs into named, write-once
// fields that stay queryable after the workflow ends.
//
// A field is bound to an entry. Assigning a lazy handle aliases the
// producer's entry; assigning a concrete value stores it in a new entry.
// After each barrier, fields whose entries are filled are copied next to the
// whiteboard. Closing the whiteboard is reserved to the owning workflow
// through Control: it fills unassigned fields with their defaults (or marks
// them missing), writes the meta file and records the final status.
package whiteboard

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/ir"
	"github.com/roach88/lazyflow/internal/lazy"
	"github.com/roach88/lazyflow/internal/serial"
	"github.com/roach88/lazyflow/internal/snapshot"
	"github.com/roach88/lazyflow/internal/storage"
)

// MetaFile is the name of the meta blob under a whiteboard's URI.
const MetaFile = ".whiteboard"

// Missing is the value of a field that was never assigned and has no
// default.
type Missing struct{}

func (Missing) String() string { return "MISSING_FIELD" }

// MissingField is the sentinel returned for missing fields.
var MissingField = Missing{}

// IsMissing reports whether v is the missing-field sentinel.
func IsMissing(v any) bool {
	_, ok := v.(Missing)
	return ok
}

// Owner gives a whiteboard access to the workflow's entries.
type Owner interface {
	Store() *snapshot.Store
	Filled(entryID string) bool
}

type field struct {
	spec      FieldSpec
	schema    serial.Schema
	status    FieldStatus
	entryID   string
	handle    lazy.Handle
	value     any
	local     bool // value was put directly, not produced by a call
	defaulted bool
}

// Whiteboard is a set of write-once fields.
type Whiteboard struct {
	id        string
	uri       string
	schema    Schema
	tags      []string
	owner     Owner
	index     Index
	logger    *slog.Logger
	createdAt time.Time

	mu     sync.Mutex
	status Status
	fields map[string]*field
}

// Control closes a whiteboard. Only the owning workflow holds it.
type Control struct {
	wb *Whiteboard
}

// Option configures a Whiteboard.
type Option func(*Whiteboard)

// WithTags attaches tags.
func WithTags(tags ...string) Option {
	return func(w *Whiteboard) { w.tags = append(w.tags, tags...) }
}

// WithIndex registers the whiteboard in idx.
func WithIndex(idx Index) Option {
	return func(w *Whiteboard) { w.index = idx }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Whiteboard) { w.logger = l }
}

// WithCreatedAt overrides the creation time.
func WithCreatedAt(t time.Time) Option {
	return func(w *Whiteboard) { w.createdAt = t }
}

// New creates a whiteboard stored at uri and registers it in the index.
// Every field type must have a stable serializer.
func New(ctx context.Context, owner Owner, schema Schema, id, uri string, opts ...Option) (*Whiteboard, *Control, error) {
	w := &Whiteboard{
		id:        id,
		uri:       uri,
		schema:    schema,
		owner:     owner,
		logger:    slog.Default(),
		createdAt: time.Now().UTC(),
		status:    StatusCreated,
		fields:    make(map[string]*field, len(schema.Fields)),
	}
	for _, opt := range opts {
		opt(w)
	}

	reg := owner.Store().Registry()
	for _, spec := range schema.Fields {
		ser, err := reg.FindForType(spec.Type)
		if err != nil {
			return nil, nil, err
		}
		if !ser.Stable() {
			return nil, nil, errs.NewUnsupportedType(spec.Type.String(), "whiteboard fields need a stable serializer").
				With("field", spec.Name).
				With("format", ser.Format())
		}
		sch, err := ser.Schema(spec.Type)
		if err != nil {
			return nil, nil, err
		}
		w.fields[spec.Name] = &field{spec: spec, schema: sch, status: FieldUnassigned}
	}

	if w.index != nil {
		if err := w.index.Register(ctx, w.Meta()); err != nil {
			return nil, nil, fmt.Errorf("register whiteboard %s: %w", id, err)
		}
	}
	w.logger.Debug("whiteboard created", "whiteboard", id, "name", schema.Name, "uri", uri)
	return w, &Control{wb: w}, nil
}

// ID returns the whiteboard id.
func (w *Whiteboard) ID() string { return w.id }

// URI returns the storage location of the whiteboard.
func (w *Whiteboard) URI() string { return w.uri }

// Schema returns the declared schema.
func (w *Whiteboard) Schema() Schema { return w.schema }

// Status returns the lifecycle state.
func (w *Whiteboard) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Set assigns a field once. value may be a lazy handle, which aliases its
// entry, or a concrete value, which is stored immediately.
func (w *Whiteboard) Set(ctx context.Context, name string, value any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != StatusCreated {
		return errs.NewWhiteboardField(w.id, name, "whiteboard is closed").With("status", string(w.status))
	}
	f, ok := w.fields[name]
	if !ok {
		return errs.NewWhiteboardField(w.id, name, "no such field")
	}
	if f.status != FieldUnassigned {
		return errs.NewWhiteboardField(w.id, name, "field is already assigned")
	}

	store := w.owner.Store()
	if h, ok := value.(lazy.Handle); ok {
		if !h.Type().AssignableTo(f.spec.Type) {
			return errs.New(errs.CodeType, "value of type %s is not assignable to field type %s", h.Type(), f.spec.Type).
				With("whiteboard", w.id).
				With("field", name)
		}
		e, err := store.Get(h.EntryID())
		if err != nil {
			return err
		}
		ser, err := store.Registry().FindByFormat(e.Schema.DataFormat)
		if err != nil {
			return err
		}
		if !ser.Stable() {
			return errs.NewUnsupportedType(e.Type.String(), "whiteboard fields need a stable serializer").
				With("field", name).
				With("format", ser.Format())
		}
		f.entryID, f.handle, f.schema = e.ID, h, e.Schema
		f.status = FieldAssigned
		return nil
	}

	return w.putLocked(ctx, f, value, false)
}

// putLocked stores a concrete value in a new entry.
func (w *Whiteboard) putLocked(ctx context.Context, f *field, value any, defaulted bool) error {
	vt := reflect.TypeOf(value)
	if vt == nil || !vt.AssignableTo(f.spec.Type) {
		return errs.New(errs.CodeType, "value of type %v is not assignable to field type %s", vt, f.spec.Type).
			With("whiteboard", w.id).
			With("field", f.spec.Name)
	}
	store := w.owner.Store()
	e, err := store.CreateEntry(w.schema.Name+"."+f.spec.Name, f.spec.Type)
	if err != nil {
		return err
	}
	if err := store.PutData(ctx, e.ID, value); err != nil {
		return fmt.Errorf("whiteboard %s field %s: %w", w.id, f.spec.Name, err)
	}
	f.entryID, f.value, f.local, f.defaulted = e.ID, value, true, defaulted
	f.status = FieldAssigned
	return nil
}

// Get returns a field's value. Lazy fields are materialized. Before the
// whiteboard is finalized, reading an unassigned field fails with a
// WhiteboardField error; afterwards every field has a value, possibly
// MissingField.
func (w *Whiteboard) Get(ctx context.Context, name string) (any, error) {
	w.mu.Lock()
	f, ok := w.fields[name]
	if !ok {
		w.mu.Unlock()
		return nil, errs.NewWhiteboardField(w.id, name, "no such field")
	}
	status, handle, value := f.status, f.handle, f.value
	w.mu.Unlock()

	switch {
	case status == FieldMissing:
		return MissingField, nil
	case status == FieldUnassigned:
		return nil, errs.NewWhiteboardField(w.id, name, "field is not assigned")
	case handle != nil:
		return handle.ForceAny(ctx)
	default:
		return value, nil
	}
}

// GetAs is Get with a typed result.
func GetAs[T any](ctx context.Context, w *Whiteboard, name string) (T, error) {
	var zero T
	v, err := w.Get(ctx, name)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, errs.New(errs.CodeType, "field holds %T", v).With("whiteboard", w.id).With("field", name)
	}
	return typed, nil
}

// Meta returns the current description of the whiteboard.
func (w *Whiteboard) Meta() Meta {
	m := Meta{
		ID:         w.id,
		Name:       w.schema.Name,
		Namespace:  w.schema.Namespace,
		Tags:       slices.Clone(w.tags),
		StorageURI: w.uri,
		Status:     w.status,
		CreatedAt:  w.createdAt,
	}
	for _, spec := range w.schema.Fields {
		f := w.fields[spec.Name]
		m.Fields = append(m.Fields, FieldMeta{Name: spec.Name, Status: f.status, Schema: f.schema})
	}
	return m
}

// FieldURI is where a field's value is stored once linked.
func (w *Whiteboard) FieldURI(name string) string {
	return storage.Join(w.uri, name)
}

// Link copies every assigned field whose entry is filled to its field URI.
func (c *Control) Link(ctx context.Context) error {
	w := c.wb
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.linkLocked(ctx)
}

func (w *Whiteboard) linkLocked(ctx context.Context) error {
	changed := false
	for _, name := range w.schema.FieldNames() {
		f := w.fields[name]
		if f.status != FieldAssigned {
			continue
		}
		if !f.local && !w.owner.Filled(f.entryID) {
			continue
		}
		if err := w.owner.Store().CopyData(ctx, f.entryID, w.FieldURI(name)); err != nil {
			return fmt.Errorf("link whiteboard %s field %s: %w", w.id, name, err)
		}
		f.status = FieldFinalized
		changed = true
	}
	if changed && w.index != nil {
		if err := w.index.Update(ctx, w.Meta()); err != nil {
			return fmt.Errorf("update whiteboard %s: %w", w.id, err)
		}
	}
	return nil
}

// Finalize fills unassigned fields with defaults, or marks them missing,
// links all fields and writes the meta file. Default-fill is the only write
// allowed to bypass the assigned-once rule.
func (c *Control) Finalize(ctx context.Context) error {
	w := c.wb
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != StatusCreated {
		return errs.New(errs.CodeInvalidState, "whiteboard is already closed").With("whiteboard", w.id)
	}
	for _, name := range w.schema.FieldNames() {
		f := w.fields[name]
		if f.status != FieldUnassigned {
			continue
		}
		if !f.spec.HasDefault {
			f.status = FieldMissing
			continue
		}
		if err := w.putLocked(ctx, f, f.spec.Default, true); err != nil {
			return err
		}
	}
	if err := w.linkLocked(ctx); err != nil {
		return err
	}
	for _, name := range w.schema.FieldNames() {
		if w.fields[name].status == FieldAssigned {
			return errs.NewWhiteboardField(w.id, name, "field value was never produced")
		}
	}

	w.status = StatusFinalized
	if err := w.writeMetaLocked(ctx); err != nil {
		return err
	}
	w.logger.Info("whiteboard finalized", "whiteboard", w.id, "name", w.schema.Name)
	return nil
}

// Abort marks the whiteboard ERRORED.
func (c *Control) Abort(ctx context.Context) error {
	w := c.wb
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusCreated {
		return nil
	}
	w.status = StatusErrored
	w.logger.Info("whiteboard errored", "whiteboard", w.id, "name", w.schema.Name)
	return w.writeMetaLocked(ctx)
}

// metaDoc is the meta file layout.
type metaDoc struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Namespace  string      `json:"namespace"`
	Tags       []string    `json:"tags"`
	StorageURI string      `json:"storage_uri"`
	Status     Status      `json:"status"`
	Fields     []FieldMeta `json:"fields"`
	CreatedAt  string      `json:"created_at"`
	Format     string      `json:"format_version"`
}

func toDoc(m Meta) metaDoc {
	return metaDoc{
		ID:         m.ID,
		Name:       m.Name,
		Namespace:  m.Namespace,
		Tags:       m.Tags,
		StorageURI: m.StorageURI,
		Status:     m.Status,
		Fields:     m.Fields,
		CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Format:     ir.FormatVersion,
	}
}

func (d metaDoc) meta() (Meta, error) {
	if d.Format != ir.FormatVersion {
		return Meta{}, fmt.Errorf("whiteboard %s: unsupported format version %q", d.ID, d.Format)
	}
	created, err := time.Parse(time.RFC3339Nano, d.CreatedAt)
	if err != nil {
		return Meta{}, fmt.Errorf("whiteboard %s: created_at: %w", d.ID, err)
	}
	return Meta{
		ID:         d.ID,
		Name:       d.Name,
		Namespace:  d.Namespace,
		Tags:       d.Tags,
		StorageURI: d.StorageURI,
		Status:     d.Status,
		Fields:     d.Fields,
		CreatedAt:  created,
	}, nil
}

func (w *Whiteboard) writeMetaLocked(ctx context.Context) error {
	m := w.Meta()
	data, err := ir.MarshalCanonical(toDoc(m))
	if err != nil {
		return fmt.Errorf("encode whiteboard %s meta: %w", w.id, err)
	}
	if _, err := w.owner.Store().Client().Write(ctx, storage.Join(w.uri, MetaFile), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write whiteboard %s meta: %w", w.id, err)
	}
	if w.index != nil {
		if err := w.index.Update(ctx, m); err != nil {
			return fmt.Errorf("update whiteboard %s: %w", w.id, err)
		}
	}
	return nil
}
