package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	s, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	now := time.Unix(70_000, 0).UTC()
	s.WithClock(func() time.Time { return now })
	return s, &now
}

func TestSetGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Set("agent-1", "notes", "remember the milk", 0))
	e, err := s.Get("agent-1", "notes")
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", e.Value)
	assert.Nil(t, e.ExpiresAt)
}

func TestExpiredEntriesNeverSurface(t *testing.T) {
	s, now := newTestStore(t)

	require.NoError(t, s.Set("agent-1", "temp", 42, time.Minute))
	_, err := s.Get("agent-1", "temp")
	require.NoError(t, err)

	*now = now.Add(61 * time.Second)
	_, err = s.Get("agent-1", "temp")
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := s.List("agent-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAgentsIsolated(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Set("agent-1", "k", "a", 0))
	require.NoError(t, s.Set("agent-2", "k", "b", 0))

	e, err := s.Get("agent-1", "k")
	require.NoError(t, err)
	assert.Equal(t, "a", e.Value)
	e, err = s.Get("agent-2", "k")
	require.NoError(t, err)
	assert.Equal(t, "b", e.Value)
}

func TestDeleteAndMissingKey(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Set("agent-1", "k", "v", 0))
	require.NoError(t, s.Delete("agent-1", "k"))
	assert.ErrorIs(t, s.Delete("agent-1", "k"), ErrNotFound)
	_, err := s.Get("agent-1", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneCountsRemovals(t *testing.T) {
	s, now := newTestStore(t)

	require.NoError(t, s.Set("agent-1", "a", 1, time.Second))
	require.NoError(t, s.Set("agent-1", "b", 2, time.Second))
	require.NoError(t, s.Set("agent-1", "c", 3, 0))

	*now = now.Add(2 * time.Second)
	removed, err := s.Prune("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := s.List("agent-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c", entries[0].Key)
}

func TestAgentIDValidation(t *testing.T) {
	s, _ := newTestStore(t)

	for _, bad := range []string{"", "../escape", "a/b", ".hidden", "x y"} {
		assert.ErrorIs(t, s.Set(bad, "k", "v", 0), ErrBadAgentID, "id %q", bad)
	}
	assert.NoError(t, s.Set("Agent_1.prod-x", "k", "v", 0))
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := OpenStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Set("agent-1", "k", map[string]any{"nested": true}, 0))

	s2, err := OpenStore(dir)
	require.NoError(t, err)
	e, err := s2.Get("agent-1", "k")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"nested": true}, e.Value)
}
