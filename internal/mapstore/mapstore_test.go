package mapstore

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutIfAbsent(t *testing.T) {
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	got, created, err := s.PutIfAbsent([]byte("k"), []byte("first"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []byte("first"), got)

	got, created, err = s.PutIfAbsent([]byte("k"), []byte("second"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []byte("first"), got)

	v, ok, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("first"), v)

	_, ok, err = s.Get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCountAndIterate(t *testing.T) {
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put([]byte("a/1"), []byte("x")))
	require.NoError(t, s.Put([]byte("a/2"), []byte("y")))
	require.NoError(t, s.Put([]byte("b/1"), []byte("z")))

	n, err := s.Count([]byte("a/"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var keys []string
	require.NoError(t, s.Iterate([]byte("a/"), func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	}))
	assert.Equal(t, []string{"a/1", "a/2"}, keys)
}

func TestEncryptedReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "map")
	key := bytes.Repeat([]byte{7}, 32)

	s, err := Open(Options{Path: dir, EncryptionKey: key})
	require.NoError(t, err)
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	require.NoError(t, s.Close())

	s, err = Open(Options{Path: dir, EncryptionKey: key})
	require.NoError(t, err)
	v, ok, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	require.NoError(t, s.Close())

	_, err = Open(Options{Path: dir, EncryptionKey: bytes.Repeat([]byte{8}, 32)})
	assert.Error(t, err)
}

func TestInvalidKeyLength(t *testing.T) {
	_, err := Open(Options{InMemory: true, EncryptionKey: []byte("short")})
	assert.Error(t, err)
}

func TestLoadOrCreateSalt(t *testing.T) {
	dir := t.TempDir()
	salt, created, err := LoadOrCreateSalt(dir)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, salt, SaltSize)

	again, created, err := LoadOrCreateSalt(dir)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, salt, again)
}
