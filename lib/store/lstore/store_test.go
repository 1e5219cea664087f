package lstore

import (
	"testing"
	"time"

	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/lib/db/engines/ordered"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	s := newLocalStore(func() db.KVDB { return ordered.NewOrderedDB() }, func() time.Time { return now })

	require.NoError(t, s.Set("/a/1", []byte("x")))
	ok, err := s.SetEIfUnset("/a/1", []byte("y"), 0)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CompareAndSet("/a/1", []byte("x"), []byte("z"), 0)
	require.NoError(t, err)
	require.True(t, ok)

	val, found, err := s.Get("/a/1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("z"), val)

	// deleteIn is relative to the store clock
	require.NoError(t, s.SetE("/a/2", []byte("ttl"), 500))
	has, _ := s.Has("/a/2")
	require.True(t, has)
	now = now.Add(time.Second)
	has, _ = s.Has("/a/2")
	require.False(t, has)

	entries, err := s.Scan("/a/", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, s.Delete("/a/1"))
	entries, _ = s.Scan("/a/", 0)
	require.Empty(t, entries)
}
