package consent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "consent.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendAndTimeline(t *testing.T) {
	l := newTestLog(t)
	now := time.Unix(80_000, 0).UTC()
	l.WithClock(func() time.Time { return now })

	require.NoError(t, l.Append("agent-1", "https://shop.test", []string{"email", "card_number"}))
	require.NoError(t, l.Append("agent-2", "https://bank.test", []string{"iban"}))

	tl, err := l.Timeline()
	require.NoError(t, err)
	require.Len(t, tl, 2)
	assert.Equal(t, "agent-1", tl[0].Actor)
	assert.Equal(t, []string{"email", "card_number"}, tl[0].FieldNames)
	assert.Equal(t, now, tl[0].Timestamp)
	assert.Equal(t, "https://bank.test", tl[1].Origin)
}

func TestExportFiltersByActor(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append("agent-1", "https://a.test", []string{"x"}))
	require.NoError(t, l.Append("agent-2", "https://b.test", []string{"y"}))
	require.NoError(t, l.Append("agent-1", "https://c.test", []string{"z"}))

	recs, err := l.Export("agent-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "https://a.test", recs[0].Origin)
	assert.Equal(t, "https://c.test", recs[1].Origin)
}

func TestEraseRemovesActorOnly(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append("agent-1", "https://a.test", []string{"x"}))
	require.NoError(t, l.Append("agent-2", "https://b.test", []string{"y"}))

	removed, err := l.Erase("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	tl, err := l.Timeline()
	require.NoError(t, err)
	require.Len(t, tl, 1)
	assert.Equal(t, "agent-2", tl[0].Actor)

	// The log keeps accepting appends after the rewrite.
	require.NoError(t, l.Append("agent-3", "https://c.test", []string{"q"}))
	tl, err = l.Timeline()
	require.NoError(t, err)
	assert.Len(t, tl, 2)
}

func TestEraseUnknownActorIsNoop(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append("agent-1", "https://a.test", []string{"x"}))
	removed, err := l.Erase("ghost")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestNoFieldValuesOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consent.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	// The API only accepts names; make sure nothing else sneaks into the
	// serialized form.
	require.NoError(t, l.Append("agent-1", "https://shop.test", []string{"card_number"}))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "card_number")
	assert.NotContains(t, string(raw), "value")
}

func TestEmptyLogTimeline(t *testing.T) {
	l := newTestLog(t)
	tl, err := l.Timeline()
	require.NoError(t, err)
	assert.Empty(t, tl)
}
