// Package state implements the revisioned key/value store: every key
// carries a monotonically increasing revision, optional millisecond TTL
// expiry, and optimistic-concurrency writes guarded by an expected
// revision.
//
// Grounded on _examples/original_source/src/engine/state.rs's
// StateStore (get/list/put/delete/peek_meta/snapshot/load_snapshot/
// apply_wal_set/prepare_put_revision/apply_put_with_revision/
// exists_live/expired_keys), with an added google/btree ordered index
// over keys so prefix scans don't require a full map walk, the way
// _examples/ppriyankuu-godkv/internal/store/store.go keeps its map
// under a single mutex for every mutation.
package state

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/google/btree"
)

// Entry is one live (or tombstoned-by-absence) key/value record.
type Entry struct {
	Value       json.RawMessage `json:"value"`
	Revision    int64           `json:"revision"`
	UpdatedAtMs int64           `json:"updated_at_ms"`
	ExpiresAtMs int64           `json:"expires_at_ms,omitempty"` // 0 means no TTL
}

// ErrRevisionMismatch is returned by CheckRevision when an IfRevision guard
// is given and does not match the key's current revision.
type ErrRevisionMismatch struct {
	Key      string
	Expected int64
	Actual   int64
}

func (e *ErrRevisionMismatch) Error() string {
	return "state: revision mismatch for key " + e.Key
}

// NotFoundError marks a get/delete against a key that is absent or expired.
type NotFoundError struct{ Key string }

func (e *NotFoundError) Error() string { return "state: key not found: " + e.Key }

type keyItem string

func (a keyItem) Less(b btree.Item) bool { return a < b.(keyItem) }

// Store is the revisioned key/value map. All methods are safe for
// concurrent use; mutation still requires external serialization through
// the engine's commit lock for cross-store atomicity, but Store's own
// mutex keeps reads consistent regardless.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	index   *btree.BTree // ordered keyItem set, mirrors entries' key space
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		entries: make(map[string]Entry),
		index:   btree.New(32),
	}
}

// NextRevision returns the revision that would be assigned to key's next
// write: the key's own current revision plus one, or 1 if key is absent
// or expired, matching _examples/original_source/src/engine/state.rs's
// prepare_put_revision (`e.get().revision.saturating_add(1)` /
// `Ok(1)` when vacant). Revisions are per key, not a store-wide counter:
// a key's first write always gets revision 1 regardless of how many
// other keys the store already holds.
func (s *Store) NextRevision(key string, nowMs int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[key]; ok && !isExpired(e, nowMs) {
		return e.Revision + 1
	}
	return 1
}

// PrepareRevision is an alias for NextRevision kept for callers that want
// to read the would-be revision without the "prepare" naming implying a
// store-wide reservation; both simply compute off key's current entry.
func (s *Store) PrepareRevision(key string, nowMs int64) int64 {
	return s.NextRevision(key, nowMs)
}

// Get returns the live value for key, or NotFoundError if absent or
// expired as of nowMs.
func (s *Store) Get(key string, nowMs int64) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || isExpired(e, nowMs) {
		return Entry{}, &NotFoundError{Key: key}
	}
	return e, nil
}

// ExistsLive reports whether key is present and unexpired as of nowMs.
func (s *Store) ExistsLive(key string, nowMs int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return ok && !isExpired(e, nowMs)
}

// PeekMeta returns key's revision without decoding the value, used by the
// engine to rebuild the durable state index at startup.
func (s *Store) PeekMeta(key string, nowMs int64) (revision int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, present := s.entries[key]
	if !present || isExpired(e, nowMs) {
		return 0, false
	}
	return e.Revision, true
}

// List returns every live key with the given prefix, in lexical order,
// using the btree index to avoid a full map scan.
func (s *Store) List(prefix string, nowMs int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	pivot := keyItem(prefix)
	s.index.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		k := string(item.(keyItem))
		if !strings.HasPrefix(k, prefix) {
			return false
		}
		if e, ok := s.entries[k]; ok && !isExpired(e, nowMs) {
			out = append(out, k)
		}
		return true
	})
	sort.Strings(out)
	return out
}

// ApplyPut installs value at key with the given (already-reserved)
// revision, updatedAtMs and ttlMs (0 for no expiry). It is used both for
// a live write and for WAL replay; in both cases the caller computes the
// revision with NextRevision, since the recorded event carries no revision.
func (s *Store) ApplyPut(key string, value json.RawMessage, revision, updatedAtMs, ttlMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expiresAt int64
	if ttlMs > 0 {
		expiresAt = updatedAtMs + ttlMs
	}
	if _, existed := s.entries[key]; !existed {
		s.index.ReplaceOrInsert(keyItem(key))
	}
	s.entries[key] = Entry{
		Value:       value,
		Revision:    revision,
		UpdatedAtMs: updatedAtMs,
		ExpiresAtMs: expiresAt,
	}
}

// ApplyDelete removes key unconditionally, used for live deletes, TTL
// sweeps, and replay.
func (s *Store) ApplyDelete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, existed := s.entries[key]; existed {
		delete(s.entries, key)
		s.index.Delete(keyItem(key))
	}
}

// CheckRevision validates an optimistic-concurrency guard: if
// ifRevision is non-nil, the key's current revision (0 if absent) must
// equal *ifRevision.
func (s *Store) CheckRevision(key string, ifRevision *int64, nowMs int64) error {
	if ifRevision == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var actual int64
	if e, ok := s.entries[key]; ok && !isExpired(e, nowMs) {
		actual = e.Revision
	}
	if actual != *ifRevision {
		return &ErrRevisionMismatch{Key: key, Expected: *ifRevision, Actual: actual}
	}
	return nil
}

// ExpiredKeys returns every key whose TTL has elapsed as of nowMs, for
// the background sweep to delete with a proper state_deleted{reason:ttl}
// event each.
func (s *Store) ExpiredKeys(nowMs int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k, e := range s.entries {
		if isExpired(e, nowMs) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func isExpired(e Entry, nowMs int64) bool {
	return e.ExpiresAtMs != 0 && nowMs >= e.ExpiresAtMs
}

// snapshotDump is the on-disk shape for a flattened dump: entries is a
// plain map keyed by the live key space, carrying each entry's own
// revision; nothing else needs persisting since the btree index is
// rebuilt from it on load and revisions are tracked per key.
type snapshotDump struct {
	Entries map[string]Entry `json:"entries"`
}

// Snapshot returns a flattened, JSON-serializable dump of every live
// entry (including already-expired-but-not-yet-swept ones, so a TTL
// sweep after restart still fires the deletion event for them).
func (s *Store) Snapshot() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dump := snapshotDump{Entries: make(map[string]Entry, len(s.entries))}
	for k, e := range s.entries {
		dump.Entries[k] = e
	}
	raw, err := json.Marshal(dump)
	if err != nil {
		// Entry values are always valid json.RawMessage already marshaled
		// once by the engine before ApplyPut, so re-marshaling cannot fail.
		panic("state: snapshot marshal: " + err.Error())
	}
	return raw
}

// LoadSnapshot replaces the store's contents with the dump produced by a
// prior Snapshot call.
func (s *Store) LoadSnapshot(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var dump snapshotDump
	if err := json.Unmarshal(raw, &dump); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry, len(dump.Entries))
	s.index = btree.New(32)
	for k, e := range dump.Entries {
		s.entries[k] = e
		s.index.ReplaceOrInsert(keyItem(k))
	}
	return nil
}

// Len reports the number of live entries, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
