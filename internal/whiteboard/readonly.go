package whiteboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/serial"
	"github.com/roach88/lazyflow/internal/storage"
)

// ReadOnly is a view of a closed whiteboard read back from storage.
type ReadOnly struct {
	meta     Meta
	client   storage.Client
	registry *serial.Registry
}

// Open reads the whiteboard stored at uri.
func Open(ctx context.Context, client storage.Client, registry *serial.Registry, uri string) (*ReadOnly, error) {
	var buf bytes.Buffer
	if err := client.Read(ctx, storage.Join(uri, MetaFile), &buf); err != nil {
		return nil, fmt.Errorf("open whiteboard at %s: %w", uri, err)
	}
	var doc metaDoc
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		return nil, fmt.Errorf("open whiteboard at %s: %w", uri, err)
	}
	m, err := doc.meta()
	if err != nil {
		return nil, err
	}
	return &ReadOnly{meta: m, client: client, registry: registry}, nil
}

// OpenByID looks a whiteboard up in the index and opens it.
func OpenByID(ctx context.Context, idx Index, client storage.Client, registry *serial.Registry, id string) (*ReadOnly, error) {
	m, err := idx.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return Open(ctx, client, registry, m.StorageURI)
}

// Meta returns the whiteboard description.
func (r *ReadOnly) Meta() Meta { return r.meta }

// Get reads a field. Missing fields yield MissingField.
func (r *ReadOnly) Get(ctx context.Context, name string) (any, error) {
	f, ok := r.meta.Field(name)
	if !ok {
		return nil, errs.NewWhiteboardField(r.meta.ID, name, "no such field")
	}
	switch f.Status {
	case FieldMissing:
		return MissingField, nil
	case FieldFinalized:
	default:
		return nil, errs.NewWhiteboardField(r.meta.ID, name, "field has no stored value").With("status", string(f.Status))
	}

	ser, err := r.registry.FindByFormat(f.Schema.DataFormat)
	if err != nil {
		return nil, err
	}
	typ, err := r.registry.ResolveType(f.Schema)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := r.client.Read(ctx, storage.Join(r.meta.StorageURI, name), &buf); err != nil {
		return nil, fmt.Errorf("read whiteboard %s field %s: %w", r.meta.ID, name, err)
	}
	return ser.Deserialize(&buf, typ)
}
