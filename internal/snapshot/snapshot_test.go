package snapshot

import (
	"context"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/ids"
	"github.com/roach88/lazyflow/internal/serial"
	"github.com/roach88/lazyflow/internal/storage"
)

var intType = reflect.TypeOf(0)

func createTestStore(t *testing.T) (*Store, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	s := New(serial.Default(), mem, "mem://root/inputs", WithIDGenerator(ids.NewSequence("e")))
	return s, mem
}

func TestCreateEntry(t *testing.T) {
	s, _ := createTestStore(t)

	e, err := s.CreateEntry("train.epochs", intType)
	require.NoError(t, err)
	assert.Equal(t, "e-1", e.ID)
	assert.Equal(t, "train.epochs", e.Name)
	assert.Equal(t, intType, e.Type)
	assert.Equal(t, serial.FormatCanonicalJSON, e.Schema.DataFormat)
	assert.False(t, e.Bound())

	got, err := s.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestCreateEntryUnsupportedType(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.CreateEntry("ch", reflect.TypeOf(make(chan int)))
	require.Error(t, err)
	assert.True(t, errs.IsUnsupportedType(err))
	assert.Empty(t, s.Entries(), "no entry is allocated on failure")
}

func TestGetUnknownEntry(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPutDataContentAddressed(t *testing.T) {
	ctx := context.Background()
	s, mem := createTestStore(t)

	a, err := s.CreateEntry("a", intType)
	require.NoError(t, err)
	b, err := s.CreateEntry("b", intType)
	require.NoError(t, err)

	require.NoError(t, s.PutData(ctx, a.ID, 42))
	require.NoError(t, s.PutData(ctx, b.ID, 42))

	ea, _ := s.Get(a.ID)
	eb, _ := s.Get(b.ID)
	assert.Equal(t, ea.StorageURI, eb.StorageURI, "identical values share a URI")
	assert.Equal(t, ea.DataHash, eb.DataHash)
	assert.True(t, strings.HasPrefix(ea.StorageURI, "mem://root/inputs/"))
	assert.Equal(t, "mem://root/inputs/"+ea.DataHash, ea.StorageURI)
	assert.Equal(t, 1, mem.Writes(ea.StorageURI), "physical write happens once")
}

func TestPutDataConcurrentDedup(t *testing.T) {
	ctx := context.Background()
	s, mem := createTestStore(t)

	const n = 20
	entryIDs := make([]string, n)
	for i := range entryIDs {
		e, err := s.CreateEntry("v", intType)
		require.NoError(t, err)
		entryIDs[i] = e.ID
	}

	var wg sync.WaitGroup
	for _, id := range entryIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, s.PutData(ctx, id, 7))
		}(id)
	}
	wg.Wait()

	e, _ := s.Get(entryIDs[0])
	assert.Equal(t, 1, mem.Writes(e.StorageURI))
	assert.Equal(t, 1, mem.TotalWrites())
}

func TestPutDataSkipsExistingBlob(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()

	first := New(serial.Default(), mem, "mem://root/inputs")
	e1, err := first.CreateEntry("x", intType)
	require.NoError(t, err)
	require.NoError(t, first.PutData(ctx, e1.ID, 1))

	// a second run with a fresh store sees the blob through storage
	second := New(serial.Default(), mem, "mem://root/inputs")
	e2, err := second.CreateEntry("x", intType)
	require.NoError(t, err)
	require.NoError(t, second.PutData(ctx, e2.ID, 1))

	got, _ := second.Get(e2.ID)
	assert.Equal(t, 1, mem.Writes(got.StorageURI))
}

func TestPutDataOnFilledEntry(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	e, err := s.CreateEntry("x", intType)
	require.NoError(t, err)
	require.NoError(t, s.PutData(ctx, e.ID, 1))
	before, _ := s.Get(e.ID)

	err = s.PutData(ctx, e.ID, 2)
	assert.True(t, errs.IsAlreadyFilled(err))

	after, _ := s.Get(e.ID)
	assert.Equal(t, before.StorageURI, after.StorageURI, "bound URI never changes")
}

func TestPutDataTypeMismatch(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	e, err := s.CreateEntry("x", intType)
	require.NoError(t, err)

	err = s.PutData(ctx, e.ID, "not an int")
	assert.True(t, errs.IsType(err))

	got, _ := s.Get(e.ID)
	assert.False(t, got.Bound())
}

func TestStageCapturesValueBeforeUpload(t *testing.T) {
	ctx := context.Background()
	s, mem := createTestStore(t)

	e, err := s.CreateEntry("xs", reflect.TypeOf([]int{}))
	require.NoError(t, err)

	xs := []int{1, 2, 3}
	st, err := s.Stage(e.ID, xs)
	require.NoError(t, err)
	xs[0] = 100 // mutation after staging is not observed

	bound, _ := s.Get(e.ID)
	assert.Equal(t, st.URI, bound.StorageURI)
	assert.Equal(t, 0, mem.TotalWrites(), "nothing written before Upload")

	require.NoError(t, st.Upload(ctx))
	v, err := s.GetData(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, v)
}

func TestGetDataNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	e, err := s.CreateEntry("out", intType)
	require.NoError(t, err)

	_, err = s.GetData(ctx, e.ID)
	assert.True(t, errs.IsNotFound(err), "unbound entry")

	require.NoError(t, s.BindURI(e.ID, "mem://root/ops/f/return_0", "h"))
	_, err = s.GetData(ctx, e.ID)
	assert.True(t, errs.IsNotFound(err), "bound but producer has not run")

	require.NoError(t, s.WriteResult(ctx, e.ID, 9))
	v, err := s.GetData(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, v)
}

func TestBindURIWriteOnce(t *testing.T) {
	s, _ := createTestStore(t)

	e, err := s.CreateEntry("out", intType)
	require.NoError(t, err)
	require.NoError(t, s.BindURI(e.ID, "mem://a", "ha"))

	err = s.BindURI(e.ID, "mem://b", "hb")
	assert.True(t, errs.IsAlreadyFilled(err))

	got, _ := s.Get(e.ID)
	assert.Equal(t, "mem://a", got.StorageURI)
}

func TestAwaitData(t *testing.T) {
	s, _ := createTestStore(t)

	e, err := s.CreateEntry("out", intType)
	require.NoError(t, err)
	require.NoError(t, s.BindURI(e.ID, "mem://root/out", "h"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.WriteResult(context.Background(), e.ID, 5)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := s.AwaitData(ctx, e.ID, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestAwaitDataTimeout(t *testing.T) {
	s, _ := createTestStore(t)

	e, err := s.CreateEntry("out", intType)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = s.AwaitData(ctx, e.ID, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCopyData(t *testing.T) {
	ctx := context.Background()
	s, mem := createTestStore(t)

	e, err := s.CreateEntry("x", intType)
	require.NoError(t, err)

	err = s.CopyData(ctx, e.ID, "mem://wb/x")
	assert.True(t, errs.IsNotFound(err))

	require.NoError(t, s.PutData(ctx, e.ID, 3))
	require.NoError(t, s.CopyData(ctx, e.ID, "mem://wb/x"))

	exists, err := mem.BlobExists(ctx, "mem://wb/x")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBlobExists(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	e, err := s.CreateEntry("x", intType)
	require.NoError(t, err)

	ok, err := s.BlobExists(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutData(ctx, e.ID, 3))
	ok, err = s.BlobExists(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEntriesInCreationOrder(t *testing.T) {
	s, _ := createTestStore(t)

	for _, name := range []string{"a", "b", "c"} {
		_, err := s.CreateEntry(name, intType)
		require.NoError(t, err)
	}

	var names []string
	for _, e := range s.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestPutDataDistinctTimesDistinctURIs(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)
	timeType := reflect.TypeOf(time.Time{})

	early := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	a, err := s.CreateEntry("a", timeType)
	require.NoError(t, err)
	assert.Equal(t, serial.FormatYAML, a.Schema.DataFormat)
	b, err := s.CreateEntry("b", timeType)
	require.NoError(t, err)

	require.NoError(t, s.PutData(ctx, a.ID, early))
	require.NoError(t, s.PutData(ctx, b.ID, late))

	ea, _ := s.Get(a.ID)
	eb, _ := s.Get(b.ID)
	assert.NotEqual(t, ea.StorageURI, eb.StorageURI)

	got, err := s.GetData(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, early.Equal(got.(time.Time)), "got %v", got)
	got, err = s.GetData(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, late.Equal(got.(time.Time)), "got %v", got)
}

type token struct{ secret int }

func TestCreateEntryRejectsOpaqueStruct(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.CreateEntry("tok", reflect.TypeOf(token{}))
	require.Error(t, err)
	assert.True(t, errs.IsUnsupportedType(err))
	assert.Empty(t, s.Entries())
}

func TestEncodeDoesNotTouchStore(t *testing.T) {
	s, mem := createTestStore(t)

	enc, err := s.Encode(intType, 5)
	require.NoError(t, err)
	assert.Equal(t, serial.FormatCanonicalJSON, enc.Format)
	assert.Empty(t, s.Entries())
	assert.Zero(t, mem.TotalWrites())

	_, err = s.Encode(intType, "five")
	assert.True(t, errs.IsType(err))

	e, err := s.CreateEntry("n", intType)
	require.NoError(t, err)
	st, err := s.StageEncoded(e.ID, enc)
	require.NoError(t, err)
	assert.Equal(t, "mem://root/inputs/"+enc.Hash, st.URI)

	other, err := s.CreateEntry("f", reflect.TypeOf(1.5))
	require.NoError(t, err)
	_, err = s.StageEncoded(other.ID, enc)
	assert.True(t, errs.IsType(err), "format must match the entry")
}

// gatedStorage blocks writes until released.
type gatedStorage struct {
	*storage.Memory
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStorage) Write(ctx context.Context, uri string, src io.Reader) (string, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.Memory.Write(ctx, uri, src)
}

func TestSharedUploadSurvivesCancelledCaller(t *testing.T) {
	mem := storage.NewMemory()
	gated := &gatedStorage{Memory: mem, started: make(chan struct{}), release: make(chan struct{})}
	s := New(serial.Default(), gated, "mem://root/inputs", WithIDGenerator(ids.NewSequence("e")))

	a, err := s.CreateEntry("a", intType)
	require.NoError(t, err)
	b, err := s.CreateEntry("b", intType)
	require.NoError(t, err)

	cancelCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- s.PutData(cancelCtx, a.ID, 9) }()
	<-gated.started

	second := make(chan error, 1)
	go func() { second <- s.PutData(context.Background(), b.ID, 9) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(gated.release)
	require.NoError(t, <-second)

	e, _ := s.Get(b.ID)
	assert.Equal(t, 1, mem.Writes(e.StorageURI))
	got, err := s.GetData(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, got)
}
