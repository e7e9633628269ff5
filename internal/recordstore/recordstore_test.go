package recordstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type peerRecord struct {
	Addresses []string `json:"addresses"`
}

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("peer:abc", peerRecord{Addresses: []string{"/memory/abc"}}))
	rec, err := s.Get("peer:abc")
	require.NoError(t, err)

	var decoded peerRecord
	require.NoError(t, json.Unmarshal(rec.Value, &decoded))
	require.Equal(t, []string{"/memory/abc"}, decoded.Addresses)
	require.False(t, rec.CreatedAt.IsZero())
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutPreservesCreatedAtAcrossUpdates(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("k", peerRecord{Addresses: []string{"a"}}))
	first, err := s.Get("k")
	require.NoError(t, err)

	require.NoError(t, s.Put("k", peerRecord{Addresses: []string{"a", "b"}}))
	second, err := s.Get("k")
	require.NoError(t, err)

	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.True(t, !second.UpdatedAt.Before(first.UpdatedAt))
}

func TestDeleteThenHas(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Put("k", peerRecord{}))
	require.True(t, s.Has("k"))
	require.NoError(t, s.Delete("k"))
	require.False(t, s.Has("k"))
	require.NoError(t, s.Delete("k")) // idempotent
}

