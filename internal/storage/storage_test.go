package storage

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lazyflow/internal/errs"
)

type clientCase struct {
	name   string
	client Client
	root   string
}

func clientCases(t *testing.T) []clientCase {
	t.Helper()
	return []clientCase{
		{name: "memory", client: NewMemory(), root: "mem://bucket"},
		{name: "fs", client: NewFS(), root: "file://" + t.TempDir()},
	}
}

func TestClientContract(t *testing.T) {
	ctx := context.Background()
	for _, tc := range clientCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			uri := Join(tc.root, "runs", "blob")

			exists, err := tc.client.BlobExists(ctx, uri)
			require.NoError(t, err)
			assert.False(t, exists)

			written, err := tc.client.Write(ctx, uri, strings.NewReader("payload"))
			require.NoError(t, err)
			assert.Equal(t, uri, written)

			exists, err = tc.client.BlobExists(ctx, uri)
			require.NoError(t, err)
			assert.True(t, exists)

			size, err := tc.client.SizeInBytes(ctx, uri)
			require.NoError(t, err)
			assert.Equal(t, int64(7), size)

			var buf bytes.Buffer
			require.NoError(t, tc.client.Read(ctx, uri, &buf))
			assert.Equal(t, "payload", buf.String())

			dst := Join(tc.root, "copies", "blob")
			require.NoError(t, tc.client.Copy(ctx, uri, dst))
			buf.Reset()
			require.NoError(t, tc.client.Read(ctx, dst, &buf))
			assert.Equal(t, "payload", buf.String())
		})
	}
}

func TestClientMissingBlob(t *testing.T) {
	ctx := context.Background()
	for _, tc := range clientCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			uri := Join(tc.root, "absent")

			err := tc.client.Read(ctx, uri, &bytes.Buffer{})
			assert.True(t, errs.IsNotFound(err), "got %v", err)

			_, err = tc.client.SizeInBytes(ctx, uri)
			assert.True(t, errs.IsNotFound(err), "got %v", err)

			err = tc.client.Copy(ctx, uri, Join(tc.root, "other"))
			assert.True(t, errs.IsNotFound(err), "got %v", err)
		})
	}
}

func TestClientCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, tc := range clientCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.client.Write(ctx, Join(tc.root, "x"), strings.NewReader("x"))
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestMemoryCountsWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Write(ctx, "mem://a", strings.NewReader("1"))
	require.NoError(t, err)
	_, err = m.Write(ctx, "mem://a", strings.NewReader("1"))
	require.NoError(t, err)

	assert.Equal(t, 2, m.Writes("mem://a"))
	assert.Equal(t, 0, m.Writes("mem://b"))
	assert.Equal(t, 2, m.TotalWrites())
	assert.Equal(t, []string{"mem://a"}, m.URIs())
}

func TestOpen(t *testing.T) {
	c, err := Open("mem://x")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, c)

	c, err = Open("file:///tmp/lazyflow")
	require.NoError(t, err)
	assert.IsType(t, &FS{}, c)

	_, err = Open("s3://bucket")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")

	_, err = Open("/no/scheme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing scheme")
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "mem://root/a/b", Join("mem://root/", "/a/", "b"))
	assert.Equal(t, "mem://root", Join("mem://root"))
	assert.Equal(t, "mem://root/a", Join("mem://root", "", "a"))
}

func TestFSPath(t *testing.T) {
	f := NewFS()

	p, err := f.Path("file:///var/data/x")
	require.NoError(t, err)
	assert.Equal(t, "/var/data/x", p)

	p, err = f.Path("file://rel/dir")
	require.NoError(t, err)
	assert.Equal(t, "rel/dir", p)

	_, err = f.Path("mem://x")
	assert.Error(t, err)
}
