package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kissdb/kissengine/internal/store/logrecord"
)

func mustAppend(t *testing.T, l *Log, offset int64) logrecord.Event {
	t.Helper()
	rec := logrecord.Event{Offset: offset, TSMs: 1000, Type: logrecord.StateUpdated, Data: json.RawMessage(`{}`)}
	require.NoError(t, l.Append(rec))
	return rec
}

func TestAppendAndReplayFrom(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 1<<20, 8)
	require.NoError(t, err)
	defer l.Close()

	for i := int64(1); i <= 5; i++ {
		mustAppend(t, l, i)
	}

	var offsets []int64
	require.NoError(t, l.ReplayFrom(2, func(rec logrecord.Event) bool {
		offsets = append(offsets, rec.Offset)
		return true
	}))
	require.Equal(t, []int64{3, 4, 5}, offsets)
}

func TestReplayFromIsLenientToTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 1<<20, 8)
	require.NoError(t, err)

	for i := int64(1); i <= 3; i++ {
		mustAppend(t, l, i)
	}
	require.NoError(t, l.Close())

	// Corrupt the tail of the single segment by truncating a few bytes
	// off the end, simulating a crash mid-write.
	path := filepath.Join(dir, "events-000001.log")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	l2, err := Open(dir, 1<<20, 8)
	require.NoError(t, err)
	defer l2.Close()

	var offsets []int64
	require.NoError(t, l2.ReplayFrom(0, func(rec logrecord.Event) bool {
		offsets = append(offsets, rec.Offset)
		return true
	}))
	// The truncated final record is dropped; everything before it survives.
	require.Equal(t, []int64{1, 2}, offsets)
}

// TestRotationBySizeCreatesNewSegment exercises Append's own rotation
// path (as opposed to the explicit Rotate used after a snapshot).
func TestRotationBySizeCreatesNewSegment(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 64, 8) // tiny segment size forces rotation quickly
	require.NoError(t, err)
	defer l.Close()

	for i := int64(1); i <= 10; i++ {
		mustAppend(t, l, i)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(entries), 1, "expected more than one segment file after size-triggered rotation")
}

// TestRetentionNeverPrunesPastSnapshotOffset covers the safety rule a
// size-triggered rotation must not violate: a segment holding an offset
// not yet covered by the last recorded snapshot survives retention even
// when it falls outside the count-based window.
func TestRetentionNeverPrunesPastSnapshotOffset(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 48, 1) // degree-1 retention: aggressive pruning by count alone
	require.NoError(t, err)
	defer l.Close()

	for i := int64(1); i <= 20; i++ {
		mustAppend(t, l, i)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(entries), 1, "test setup expects multiple segments before retention can matter")

	// Without ever recording a snapshot offset, every event offset
	// written so far exceeds the default (zero) snapshot offset, so
	// retention must have left every segment in place.
	idsAfter, err := listSegmentIDs(dir)
	require.NoError(t, err)
	require.Len(t, idsAfter, len(entries))

	l.SetSnapshotOffset(20)
	require.NoError(t, l.Rotate())

	// Now that every event is covered by the snapshot, a further rotation
	// is free to prune down to the retention window.
	idsAfterSnapshot, err := listSegmentIDs(dir)
	require.NoError(t, err)
	require.LessOrEqual(t, len(idsAfterSnapshot), 2)
}

func TestCloseIsIdempotentAndRejectsFurtherAppends(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 1<<20, 8)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	err = l.Append(logrecord.Event{Offset: 1, Type: logrecord.StateUpdated, Data: json.RawMessage(`{}`)})
	require.Error(t, err)
}
