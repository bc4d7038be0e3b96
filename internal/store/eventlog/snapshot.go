package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
)

const snapshotFileName = "snapshot.json"
const snapshotCompressedFileName = "snapshot.json.lz4"

// Snapshot is a flattened point-in-time dump of the engine's in-memory
// state, written atomically (temp file + rename) so a reader never
// observes a partially-written snapshot. Compare
// _examples/original_source/src/engine/persist.rs's load_snapshot /
// write_snapshot_and_rotate.
type Snapshot struct {
	AppliedOffset int64           `json:"applied_offset"`
	State         json.RawMessage `json:"state"`
	Vectors       json.RawMessage `json:"vectors"`
}

// WriteSnapshot writes snap to dir atomically. When compress is true the
// payload is LZ4-framed before being written, trading a little CPU for
// smaller snapshot files on large datasets.
func WriteSnapshot(dir string, snap Snapshot, compress bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("eventlog: snapshot mkdir: %w", err)
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("eventlog: snapshot marshal: %w", err)
	}

	name := snapshotFileName
	if compress {
		name = snapshotCompressedFileName
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return fmt.Errorf("eventlog: lz4 compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("eventlog: lz4 close: %w", err)
		}
		payload = buf.Bytes()
	}

	final := filepath.Join(dir, name)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: snapshot create temp: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("eventlog: snapshot write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("eventlog: snapshot fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("eventlog: snapshot close: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("eventlog: snapshot rename: %w", err)
	}

	other := snapshotFileName
	if !compress {
		other = snapshotCompressedFileName
	}
	_ = os.Remove(filepath.Join(dir, other))
	return nil
}

// LoadSnapshot loads the most recently written snapshot from dir, trying
// the compressed form first. It returns (Snapshot{}, false, nil) when no
// snapshot exists yet, which is the normal state for a brand new engine.
func LoadSnapshot(dir string) (Snapshot, bool, error) {
	if snap, ok, err := loadSnapshotFile(filepath.Join(dir, snapshotCompressedFileName), true); ok || err != nil {
		return snap, ok, err
	}
	return loadSnapshotFile(filepath.Join(dir, snapshotFileName), false)
}

func loadSnapshotFile(path string, compressed bool) (Snapshot, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("eventlog: read snapshot: %w", err)
	}
	if compressed {
		zr := lz4.NewReader(bytes.NewReader(raw))
		decoded, err := io.ReadAll(zr)
		if err != nil {
			return Snapshot{}, false, fmt.Errorf("eventlog: lz4 decompress: %w", err)
		}
		raw = decoded
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("eventlog: unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}
