package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// Memory is an in-process Client keyed by URI. It counts physical writes
// per URI so deduplication can be observed.
type Memory struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	writes map[string]int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		blobs:  make(map[string][]byte),
		writes: make(map[string]int),
	}
}

// Read implements Client.
func (m *Memory) Read(ctx context.Context, uri string, dest io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	data, ok := m.blobs[uri]
	m.mu.RUnlock()
	if !ok {
		return blobNotFound(uri)
	}
	if _, err := dest.Write(data); err != nil {
		return fmt.Errorf("read %s: %w", uri, err)
	}
	return nil
}

// Write implements Client.
func (m *Memory) Write(ctx context.Context, uri string, src io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, src); err != nil {
		return "", fmt.Errorf("write %s: %w", uri, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[uri] = buf.Bytes()
	m.writes[uri]++
	return uri, nil
}

// Copy implements Client.
func (m *Memory) Copy(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[from]
	if !ok {
		return blobNotFound(from)
	}
	m.blobs[to] = bytes.Clone(data)
	m.writes[to]++
	return nil
}

// BlobExists implements Client.
func (m *Memory) BlobExists(ctx context.Context, uri string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[uri]
	return ok, nil
}

// SizeInBytes implements Client.
func (m *Memory) SizeInBytes(ctx context.Context, uri string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[uri]
	if !ok {
		return 0, blobNotFound(uri)
	}
	return int64(len(data)), nil
}

// Writes returns how many physical writes landed on uri.
func (m *Memory) Writes(uri string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[uri]
}

// TotalWrites returns the number of physical writes across all URIs.
func (m *Memory) TotalWrites() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.writes {
		n += c
	}
	return n
}

// URIs returns all stored URIs.
func (m *Memory) URIs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.blobs))
	for uri := range m.blobs {
		out = append(out, uri)
	}
	return out
}
