// Package logrecord defines the wire shape of an event log entry and the
// single framing scheme used for both the event log and per-collection
// vector record files: a 4-byte little-endian length prefix followed by a
// JSON payload.
package logrecord

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// EventType enumerates the closed set of event tags the core can emit.
type EventType string

const (
	StateUpdated            EventType = "state_updated"
	StateDeleted            EventType = "state_deleted"
	VectorCollectionCreated EventType = "vector_collection_created"
	VectorAdded             EventType = "vector_added"
	VectorUpserted          EventType = "vector_upserted"
	VectorUpdated           EventType = "vector_updated"
	VectorDeleted           EventType = "vector_deleted"
)

// Event is the system's sole source-of-truth record: a monotonic offset,
// a millisecond timestamp, a closed-set type tag and type-specific data.
type Event struct {
	Offset int64           `json:"offset"`
	TSMs   int64           `json:"ts_ms"`
	Type   EventType       `json:"type"`
	Data   json.RawMessage `json:"data"`
}

const maxRecordBytes = 64 << 20 // defensive cap against a corrupt length prefix

// WriteFramed writes v as length-prefixed JSON to w. It does not flush or
// sync — callers that need durability must do that themselves after the
// write returns, since fsync cost should be paid once per batch, not once
// per record.
func WriteFramed(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("logrecord: marshal: %w", err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFramed reads one length-prefixed JSON record from r into v.
// io.EOF is returned when r is exhausted exactly at a record boundary.
// ErrTruncated is returned when a partial length prefix or payload is
// found at EOF — callers should treat this as "the log ends here", not
// as a hard failure.
var ErrTruncated = fmt.Errorf("logrecord: truncated record")

func ReadFramed(r *bufio.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return ErrTruncated
		}
		return err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxRecordBytes {
		return ErrTruncated
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.ErrUnexpectedEOF {
			return ErrTruncated
		}
		return err
	}
	return json.Unmarshal(payload, v)
}
