package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "badger")
	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Set([]byte("k"), []byte("v")))

	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(v))
}

func TestGetMissingKeyReturnsErrKeyNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSetIfAbsentClaimsOnce(t *testing.T) {
	s := openTestStore(t)

	claimed, err := s.SetIfAbsent([]byte("env-1"), []byte{1})
	require.NoError(t, err)
	require.True(t, claimed)

	claimedAgain, err := s.SetIfAbsent([]byte("env-1"), []byte{1})
	require.NoError(t, err)
	require.False(t, claimedAgain, "a second claim of the same key must be rejected")
}

func TestSetWithTTLExpires(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SetWithTTL([]byte("ephemeral"), []byte("v"), 2*time.Second))

	exists, err := s.Exists([]byte("ephemeral"))
	require.NoError(t, err)
	require.True(t, exists)

	require.Eventually(t, func() bool {
		e, err := s.Exists([]byte("ephemeral"))
		return err == nil && !e
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCloseIsIdempotentAndBlocksFurtherWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "badger")
	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.Set([]byte("k"), []byte("v"))
	require.Error(t, err)
}
