package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	os := New(NewMemoryBackend())
	ctx := context.Background()
	key := Key("acme/prod", "2026-08-01", "findings", "us-east-1")

	require.NoError(t, os.Put(ctx, key, []byte(`{"findings":[]}`)))
	got, err := os.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"findings":[]}`, string(got))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	os := New(NewMemoryBackend())
	_, err := os.Get(context.Background(), "missing")
	assert.Error(t, err)
}

func TestListByPrefix(t *testing.T) {
	os := New(NewMemoryBackend())
	ctx := context.Background()
	require.NoError(t, os.Put(ctx, "acme/2026-08-01/findings/a.gz", []byte("a")))
	require.NoError(t, os.Put(ctx, "acme/2026-08-01/findings/b.gz", []byte("b")))
	require.NoError(t, os.Put(ctx, "other/2026-08-01/findings/a.gz", []byte("c")))

	keys, err := os.List(ctx, "acme/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestCopyDuplicatesObject(t *testing.T) {
	os := New(NewMemoryBackend())
	ctx := context.Background()
	require.NoError(t, os.Put(ctx, "src", []byte("payload")))
	require.NoError(t, os.Copy(ctx, "src", "dst"))

	got, err := os.Get(ctx, "dst")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestPresignRequiresExistingObject(t *testing.T) {
	os := New(NewMemoryBackend())
	_, err := os.Presign(context.Background(), "missing", 0)
	assert.Error(t, err)
}
