// Package snapshot implements the entry store: the mapping from logical data
// identifiers (entries) to type, serialization schema, storage location and
// content hash.
//
// Entries are write-once. An entry is created unbound; its storage URI and
// data hash are set exactly once, either from the content of a local value
// (content-addressed under the store prefix) or by binding a precomputed
// location for an op output. Rebinding a bound entry fails with
// AlreadyFilled.
//
// Physical uploads are deduplicated by URI: concurrent uploads of the same
// URI share one write, and a URI known to hold a blob is never written
// again.
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/ids"
	"github.com/roach88/lazyflow/internal/serial"
	"github.com/roach88/lazyflow/internal/storage"
)

// Entry is an addressable unit of data flow.
type Entry struct {
	ID         string
	Name       string
	Type       reflect.Type
	Schema     serial.Schema
	StorageURI string
	DataHash   string
}

// Bound reports whether the entry has a storage location.
func (e Entry) Bound() bool {
	return e.StorageURI != ""
}

// Store owns the entries of one workflow run.
type Store struct {
	registry *serial.Registry
	client   storage.Client
	prefix   string
	ids      ids.Generator
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string

	uploads singleflight.Group
	written sync.Map // uri -> struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the entry id generator (default UUIDv7).
func WithIDGenerator(g ids.Generator) Option {
	return func(s *Store) { s.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a store that places local values under prefix.
func New(registry *serial.Registry, client storage.Client, prefix string, opts ...Option) *Store {
	s := &Store{
		registry: registry,
		client:   client,
		prefix:   prefix,
		ids:      ids.UUIDv7{},
		logger:   slog.Default(),
		entries:  make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prefix returns the base prefix for content-addressed local values.
func (s *Store) Prefix() string { return s.prefix }

// Client returns the storage client.
func (s *Store) Client() storage.Client { return s.client }

// Registry returns the serializer registry.
func (s *Store) Registry() *serial.Registry { return s.registry }

// CreateEntry allocates an unbound entry for values of typ.
// Fails with UnsupportedType if no available serializer supports typ.
func (s *Store) CreateEntry(name string, typ reflect.Type) (Entry, error) {
	ser, err := s.registry.FindForType(typ)
	if err != nil {
		return Entry{}, err
	}
	schema, err := ser.Schema(typ)
	if err != nil {
		return Entry{}, errs.NewUnsupportedType(typ.String(), "schema unavailable").Wrap(err)
	}

	e := &Entry{
		ID:     s.ids.Generate(),
		Name:   name,
		Type:   typ,
		Schema: schema,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[e.ID]; dup {
		return Entry{}, fmt.Errorf("create entry: duplicate id %q", e.ID)
	}
	s.entries[e.ID] = e
	s.order = append(s.order, e.ID)
	return *e, nil
}

// Get returns a copy of the entry. Fails with NotFound if id is unknown.
func (s *Store) Get(id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, errs.NewNotFound(id, "entry is unknown to this store")
	}
	return *e, nil
}

// Entries returns copies of all entries in creation order.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.order))
	for i, id := range s.order {
		out[i] = *s.entries[id]
	}
	return out
}

// Staged is a serialized local value bound to its entry but not yet uploaded.
type Staged struct {
	EntryID string
	URI     string
	Hash    string

	store *Store
	data  []byte
}

// Size returns the serialized size.
func (st *Staged) Size() int { return len(st.data) }

// Upload writes the staged bytes unless the URI already holds a blob.
func (st *Staged) Upload(ctx context.Context) error {
	return st.store.upload(ctx, st.URI, st.data)
}

// Encoded is a value serialized ahead of entry creation.
type Encoded struct {
	Type   reflect.Type
	Format string
	Hash   string
	data   []byte
}

// Encode serializes value with the serializer entries of typ get, without
// touching the store. Callers creating several entries encode every value
// first so a failing value leaves no entries behind.
func (s *Store) Encode(typ reflect.Type, value any) (*Encoded, error) {
	vt := reflect.TypeOf(value)
	if vt == nil || !vt.AssignableTo(typ) {
		return nil, errs.New(errs.CodeType, "value of type %v is not assignable to %v", vt, typ)
	}
	ser, err := s.registry.FindForType(typ)
	if err != nil {
		return nil, err
	}
	return encode(ser, typ, value)
}

func encode(ser serial.Serializer, typ reflect.Type, value any) (*Encoded, error) {
	var buf bytes.Buffer
	h := sha256.New()
	if err := ser.Serialize(value, io.MultiWriter(&buf, h)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return &Encoded{Type: typ, Format: ser.Format(), Hash: hex.EncodeToString(h.Sum(nil)), data: buf.Bytes()}, nil
}

// Stage serializes value, computes its content hash and binds the entry to
// prefix/hash. The value is captured now; Upload completes the put.
func (s *Store) Stage(id string, value any) (*Staged, error) {
	e, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if e.Bound() {
		return nil, alreadyFilled(e)
	}
	ser, err := s.serializerFor(e, value)
	if err != nil {
		return nil, err
	}
	enc, err := encode(ser, e.Type, value)
	if err != nil {
		return nil, fmt.Errorf("put data %s: %w", id, err)
	}
	return s.StageEncoded(id, enc)
}

// StageEncoded binds the entry to the content address of an encoded value.
func (s *Store) StageEncoded(id string, enc *Encoded) (*Staged, error) {
	e, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if enc.Format != e.Schema.DataFormat {
		return nil, errs.New(errs.CodeType, "value encoded as %s, entry expects %s", enc.Format, e.Schema.DataFormat).With("entry", id)
	}
	uri := storage.Join(s.prefix, enc.Hash)
	if err := s.bind(id, uri, enc.Hash); err != nil {
		return nil, err
	}
	return &Staged{EntryID: id, URI: uri, Hash: enc.Hash, store: s, data: enc.data}, nil
}

// PutData serializes value, binds the entry to its content-addressed URI and
// uploads it. Byte-identical values map to the same URI and are physically
// written at most once. Putting to a filled entry fails with AlreadyFilled.
func (s *Store) PutData(ctx context.Context, id string, value any) error {
	st, err := s.Stage(id, value)
	if err != nil {
		return err
	}
	return st.Upload(ctx)
}

// BindURI binds an entry to a precomputed location. Used for op outputs,
// whose location is known before their data exists.
func (s *Store) BindURI(id, uri, hash string) error {
	return s.bind(id, uri, hash)
}

func (s *Store) bind(id, uri, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return errs.NewNotFound(id, "entry is unknown to this store")
	}
	if e.Bound() {
		return alreadyFilled(*e)
	}
	e.StorageURI = uri
	e.DataHash = hash
	return nil
}

// WriteResult serializes a producer's result to the entry's bound URI.
// Runtimes call this when an op completes.
func (s *Store) WriteResult(ctx context.Context, id string, value any) error {
	e, err := s.Get(id)
	if err != nil {
		return err
	}
	if !e.Bound() {
		return errs.NewNotFound(id, "no storage uri bound")
	}
	ser, err := s.serializerFor(e, value)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := ser.Serialize(value, &buf); err != nil {
		return fmt.Errorf("write result %s: %w", id, err)
	}
	return s.upload(ctx, e.StorageURI, buf.Bytes())
}

func (s *Store) serializerFor(e Entry, value any) (serial.Serializer, error) {
	vt := reflect.TypeOf(value)
	if vt == nil || !vt.AssignableTo(e.Type) {
		return nil, errs.New(errs.CodeType, "value of type %v is not assignable to %s", vt, e.Type).With("entry", e.ID)
	}
	ser, err := s.registry.FindByFormat(e.Schema.DataFormat)
	if err != nil {
		return nil, errs.NewUnsupportedType(e.Type.String(), "serializer missing").Wrap(err)
	}
	return ser, nil
}

func (s *Store) upload(ctx context.Context, uri string, data []byte) error {
	if _, ok := s.written.Load(uri); ok {
		s.logger.Debug("blob already written, skipping upload", "uri", uri)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upload %s: %w", uri, err)
	}
	// The shared write outlives any single caller; each caller still stops
	// waiting when its own context ends.
	wctx := context.WithoutCancel(ctx)
	ch := s.uploads.DoChan(uri, func() (any, error) {
		if _, ok := s.written.Load(uri); ok {
			return nil, nil
		}
		exists, err := s.client.BlobExists(wctx, uri)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", uri, err)
		}
		if exists {
			s.logger.Debug("blob exists, skipping upload", "uri", uri)
		} else {
			if _, err := s.client.Write(wctx, uri, bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("upload %s: %w", uri, err)
			}
			s.logger.Debug("blob uploaded", "uri", uri, "bytes", len(data))
		}
		s.written.Store(uri, struct{}{})
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("upload %s: %w", uri, ctx.Err())
	}
}

// GetData reads and deserializes an entry's value.
// Fails with NotFound if the entry has no URI yet or the blob is absent,
// which is expected while the producer has not completed.
func (s *Store) GetData(ctx context.Context, id string) (any, error) {
	e, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !e.Bound() {
		return nil, errs.NewNotFound(id, "no storage uri bound")
	}
	ser, err := s.registry.FindByFormat(e.Schema.DataFormat)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := s.client.Read(ctx, e.StorageURI, &buf); err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.NewNotFound(id, "blob is absent").With("uri", e.StorageURI)
		}
		return nil, fmt.Errorf("get data %s: %w", id, err)
	}
	v, err := ser.Deserialize(&buf, e.Type)
	if err != nil {
		return nil, fmt.Errorf("get data %s: %w", id, err)
	}
	return v, nil
}

// AwaitData polls GetData until the value exists or ctx is done.
// Errors other than NotFound are returned immediately.
func (s *Store) AwaitData(ctx context.Context, id string, interval time.Duration) (any, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		v, err := s.GetData(ctx, id)
		if err == nil || !errs.IsNotFound(err) {
			return v, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("await data %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// CopyData copies an entry's blob to another URI inside storage.
func (s *Store) CopyData(ctx context.Context, fromID, toURI string) error {
	e, err := s.Get(fromID)
	if err != nil {
		return err
	}
	if !e.Bound() {
		return errs.NewNotFound(fromID, "no storage uri bound")
	}
	if err := s.client.Copy(ctx, e.StorageURI, toURI); err != nil {
		return fmt.Errorf("copy data %s: %w", fromID, err)
	}
	return nil
}

// BlobExists reports whether the entry's blob is present in storage.
func (s *Store) BlobExists(ctx context.Context, id string) (bool, error) {
	e, err := s.Get(id)
	if err != nil {
		return false, err
	}
	if !e.Bound() {
		return false, nil
	}
	if _, ok := s.written.Load(e.StorageURI); ok {
		return true, nil
	}
	return s.client.BlobExists(ctx, e.StorageURI)
}

func alreadyFilled(e Entry) error {
	return errs.New(errs.CodeAlreadyFilled, "entry is already bound").
		With("entry", e.ID).
		With("uri", e.StorageURI)
}
