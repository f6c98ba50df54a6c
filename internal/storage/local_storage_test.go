package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_PutGet(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir(), "/evidence-files/", 1)
	require.NoError(t, err)
	ctx := context.Background()

	url, err := s.Put(ctx, "agreement/file.jpg", []byte("content"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "/evidence-files/agreement/file.jpg", url)

	data, err := s.Get(ctx, "agreement/file.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), data)

	_, err = os.Stat(filepath.Join(s.Root(), "agreement", "file.jpg.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalStorage_GetMissing(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir(), "", 1)
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "missing.jpg")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalStorage_RejectsTraversal(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir(), "", 1)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Put(ctx, "../escape.jpg", []byte("x"), "image/jpeg")
	assert.Error(t, err)

	_, err = s.Get(ctx, "/etc/passwd")
	assert.Error(t, err)
}

func TestLocalStorage_SizeLimit(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir(), "", 1)
	require.NoError(t, err)

	big := make([]byte, 1024*1024+1)
	_, err = s.Put(context.Background(), "big.bin", big, "application/octet-stream")
	assert.Error(t, err)
}

func TestLocalStorage_CanceledContext(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir(), "", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Put(ctx, "a.jpg", []byte("x"), "image/jpeg")
	assert.ErrorIs(t, err, context.Canceled)
}
