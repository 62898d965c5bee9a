package blobstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convertd/config"
)

func localBackends(t *testing.T) map[string]Store {
	t.Helper()
	peb, err := OpenPebble(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	fs, err := OpenFS(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	t.Cleanup(func() {
		peb.Close()
		fs.Close()
	})
	return map[string]Store{BackendPebble: peb, BackendFS: fs}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range localBackends(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("converted output bytes")
			ref, err := store.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, RefFor(data), ref)

			again, err := store.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, ref, again)

			got, err := store.Get(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			require.NoError(t, store.Delete(ctx, ref))
			_, err = store.Get(ctx, ref)
			assert.ErrorIs(t, err, ErrNotFound)

			// deleting twice is fine
			assert.NoError(t, store.Delete(ctx, ref))
		})
	}
}

func TestStoreRejectsInvalidRefs(t *testing.T) {
	ctx := context.Background()
	for name, store := range localBackends(t) {
		t.Run(name, func(t *testing.T) {
			for _, ref := range []string{"", "abc", "md5:00", "sha256:zz", "sha256:" + string(make([]byte, 64))} {
				_, err := store.Get(ctx, ref)
				assert.ErrorIs(t, err, ErrInvalidRef, ref)
				assert.ErrorIs(t, store.Delete(ctx, ref), ErrInvalidRef, ref)
			}
		})
	}
}

func TestStoreMissingBlob(t *testing.T) {
	ctx := context.Background()
	for name, store := range localBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, RefFor([]byte("never stored")))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, store := range localBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Put(ctx, []byte("x"))
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "abc", objectKey("", "abc"))
	assert.Equal(t, "jobs/abc", objectKey("jobs/", "abc"))
	assert.Equal(t, "jobs/abc", objectKey("jobs", "abc"))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), config.Blob{Backend: BackendFS}, dir)
	require.NoError(t, err)
	assert.IsType(t, &FSStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), config.Blob{}, dir)
	require.NoError(t, err)
	assert.IsType(t, &PebbleStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), config.Blob{Backend: "tape"}, dir)
	assert.Error(t, err)
}
