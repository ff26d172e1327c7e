package whiteboard

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/serial"
)

// Status is the lifecycle state of a whiteboard.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusFinalized Status = "FINALIZED"
	StatusErrored   Status = "ERRORED"
)

// FieldStatus is the state of one field.
type FieldStatus string

const (
	FieldUnassigned FieldStatus = "UNASSIGNED"
	FieldAssigned   FieldStatus = "ASSIGNED"
	FieldFinalized  FieldStatus = "FINALIZED"
	FieldMissing    FieldStatus = "MISSING"
)

// FieldMeta describes a field as recorded in the index and the meta file.
type FieldMeta struct {
	Name   string        `json:"name"`
	Status FieldStatus   `json:"status"`
	Schema serial.Schema `json:"schema"`
}

// Meta describes a whiteboard.
type Meta struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Namespace  string      `json:"namespace"`
	Tags       []string    `json:"tags"`
	StorageURI string      `json:"storage_uri"`
	Status     Status      `json:"status"`
	Fields     []FieldMeta `json:"fields"`
	CreatedAt  time.Time   `json:"-"`
}

// Field returns the meta of a named field.
func (m Meta) Field(name string) (FieldMeta, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldMeta{}, false
}

// Query selects whiteboards. Zero fields match everything; all tags must
// be present.
type Query struct {
	Name      string
	Tags      []string
	NotBefore time.Time
	NotAfter  time.Time
}

// Matches reports whether m satisfies q.
func (q Query) Matches(m Meta) bool {
	if q.Name != "" && m.Name != q.Name {
		return false
	}
	for _, t := range q.Tags {
		if !slices.Contains(m.Tags, t) {
			return false
		}
	}
	if !q.NotBefore.IsZero() && m.CreatedAt.Before(q.NotBefore) {
		return false
	}
	if !q.NotAfter.IsZero() && m.CreatedAt.After(q.NotAfter) {
		return false
	}
	return true
}

// Index is the external registry of whiteboards.
type Index interface {
	// Register records a new whiteboard. Registering an existing id is a
	// no-op.
	Register(ctx context.Context, m Meta) error

	// Update replaces the status and fields of a registered whiteboard.
	Update(ctx context.Context, m Meta) error

	// Get returns a whiteboard by id, NotFound if absent.
	Get(ctx context.Context, id string) (Meta, error)

	// Query returns matching whiteboards ordered by creation time, then id.
	Query(ctx context.Context, q Query) ([]Meta, error)
}

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu    sync.RWMutex
	metas map[string]Meta
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{metas: make(map[string]Meta)}
}

// Register implements Index.
func (x *MemoryIndex) Register(ctx context.Context, m Meta) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.metas[m.ID]; !ok {
		x.metas[m.ID] = cloneMeta(m)
	}
	return nil
}

// Update implements Index.
func (x *MemoryIndex) Update(ctx context.Context, m Meta) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	cur, ok := x.metas[m.ID]
	if !ok {
		return errs.NewNotFound(m.ID, "whiteboard is not registered")
	}
	cur.Status = m.Status
	cur.Fields = slices.Clone(m.Fields)
	x.metas[m.ID] = cur
	return nil
}

// Get implements Index.
func (x *MemoryIndex) Get(ctx context.Context, id string) (Meta, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	m, ok := x.metas[id]
	if !ok {
		return Meta{}, errs.NewNotFound(id, "whiteboard is not registered")
	}
	return cloneMeta(m), nil
}

// Query implements Index.
func (x *MemoryIndex) Query(ctx context.Context, q Query) ([]Meta, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []Meta
	for _, m := range x.metas {
		if q.Matches(m) {
			out = append(out, cloneMeta(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func cloneMeta(m Meta) Meta {
	m.Tags = slices.Clone(m.Tags)
	m.Fields = slices.Clone(m.Fields)
	return m
}
