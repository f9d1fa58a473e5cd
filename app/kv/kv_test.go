package kv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

func TestBackends(t *testing.T) {
	makers := map[string]func(t *testing.T) backend{
		"file": func(t *testing.T) backend {
			f, err := NewFile(t.TempDir())
			require.NoError(t, err)
			return f
		},
		"sqlite": func(t *testing.T) backend {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "kv.db"))
			require.NoError(t, err)
			return s
		},
	}

	for name, mk := range makers {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			defer b.Close()

			_, err := b.Get("queue")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Set("queue", []byte(`[{"id":"1"}]`)))
			v, err := b.Get("queue")
			require.NoError(t, err)
			assert.JSONEq(t, `[{"id":"1"}]`, string(v))

			require.NoError(t, b.Set("queue", []byte(`[]`)), "overwrite")
			v, err = b.Get("queue")
			require.NoError(t, err)
			assert.Equal(t, "[]", string(v))

			require.NoError(t, b.Delete("queue"))
			_, err = b.Get("queue")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NoError(t, b.Delete("queue"), "delete missing key")
		})
	}
}

func TestSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("k", []byte("v1")))
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))
}

func TestFile_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.Set("queue", []byte("data")))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "queue.json", entries[0].Name())
}

func TestFile_InvalidKey(t *testing.T) {
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, f.Set("../x", []byte("v")))
	_, err = f.Get("a/b")
	assert.Error(t, err)
	assert.Error(t, f.Delete(""))
}
