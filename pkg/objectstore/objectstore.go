// Package objectstore implements OS: content storage for findings
// shards and report artifacts, keyed as <tenant>/<date>/<type>/<shard>.gz
// (§3). It is grounded on the teacher's PersistenceBackend interface
// (infrastructure/state), generalized from a single in-memory
// key/value map into a pluggable Backend with gzip, presigned-URL and
// copy support.
package objectstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
)

// Backend is the storage primitive OS is built on. A Backend stores
// opaque bytes under a flat key namespace; OS layers gzip, prefixing
// and key construction on top.
type Backend interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close(ctx context.Context) error
}

// ObjectStore is the OS handle.
type ObjectStore struct {
	backend Backend
}

// New wraps backend as an ObjectStore.
func New(backend Backend) *ObjectStore { return &ObjectStore{backend: backend} }

// Key builds the canonical <tenant>/<date>/<type>/<shard>.gz object key.
func Key(tenant, date, typ, shard string) string {
	return strings.Join([]string{tenant, date, typ, shard + ".gz"}, "/")
}

// Put gzip-compresses data and saves it under key.
func (o *ObjectStore) Put(ctx context.Context, key string, data []byte) error {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return internalerrors.Wrap(err, internalerrors.KindInternal, "objectstore: gzip write")
	}
	if err := gw.Close(); err != nil {
		return internalerrors.Wrap(err, internalerrors.KindInternal, "objectstore: gzip close")
	}
	if err := o.backend.Save(ctx, key, buf.Bytes()); err != nil {
		return internalerrors.Wrap(err, internalerrors.KindUnavailable, "objectstore: save")
	}
	return nil
}

// Get loads and gunzips the object at key.
func (o *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := o.backend.Load(ctx, key)
	if err != nil {
		return nil, internalerrors.NotFound("object", key)
	}
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, internalerrors.Wrap(err, internalerrors.KindInternal, "objectstore: gzip reader")
	}
	defer gr.Close()
	data, err := io.ReadAll(gr)
	if err != nil {
		return nil, internalerrors.Wrap(err, internalerrors.KindInternal, "objectstore: gzip read")
	}
	return data, nil
}

// Head reports whether an object exists at key without fetching its body.
func (o *ObjectStore) Head(ctx context.Context, key string) (bool, error) {
	if _, err := o.backend.Load(ctx, key); err != nil {
		return false, nil
	}
	return true, nil
}

// List returns every key under prefix.
func (o *ObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := o.backend.List(ctx, prefix)
	if err != nil {
		return nil, internalerrors.Wrap(err, internalerrors.KindUnavailable, "objectstore: list")
	}
	return keys, nil
}

// Delete removes the object at key.
func (o *ObjectStore) Delete(ctx context.Context, key string) error {
	if err := o.backend.Delete(ctx, key); err != nil {
		return internalerrors.Wrap(err, internalerrors.KindUnavailable, "objectstore: delete")
	}
	return nil
}

// Copy duplicates the object at src to dst without re-compressing.
func (o *ObjectStore) Copy(ctx context.Context, src, dst string) error {
	raw, err := o.backend.Load(ctx, src)
	if err != nil {
		return internalerrors.NotFound("object", src)
	}
	if err := o.backend.Save(ctx, dst, raw); err != nil {
		return internalerrors.Wrap(err, internalerrors.KindUnavailable, "objectstore: copy")
	}
	return nil
}

// Presign returns a capability URL a caller can use to fetch the object
// out of band. The in-process backend has no native notion of
// presigning, so this returns a locally-interpretable
// "objectstore://<key>?expires=<RFC3339>" URL; nothing in this module
// resolves that URL back to the object.
func (o *ObjectStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ok, _ := o.Head(ctx, key); !ok {
		return "", internalerrors.NotFound("object", key)
	}
	return "objectstore://" + key + "?expires=" + time.Now().Add(ttl).UTC().Format(time.RFC3339), nil
}

// Close releases the backend.
func (o *ObjectStore) Close(ctx context.Context) error { return o.backend.Close(ctx) }

// MemoryBackend is an in-process Backend, used in tests and wired as the
// object store backend by both cmd/ entrypoints.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.data[key] = cp
	return nil
}

func (m *MemoryBackend) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, internalerrors.NotFound("object", key)
	}
	return data, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryBackend) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	return nil
}
