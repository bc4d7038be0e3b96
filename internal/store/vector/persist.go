package vector

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/kissdb/kissengine/internal/store/logrecord"
)

// RecordOp tags one on-disk vector record as an upsert (covers add,
// upsert and update, all of which fully replace the stored item) or a
// tombstone delete.
type RecordOp string

const (
	RecordUpsert RecordOp = "upsert"
	RecordDelete RecordOp = "delete"
)

// Record is one append-only entry in a collection's vectors.bin file.
// Framing reuses logrecord's length-prefixed JSON scheme so the event
// log and vector files share one reader/writer implementation rather than
// the original's split NDJSON/bincode formats.
type Record struct {
	Offset int64    `json:"offset"`
	Op     RecordOp `json:"op"`
	ID     string   `json:"id"`
	Item   *Item    `json:"item,omitempty"`
}

type handle struct {
	collection *Collection
	file       *os.File
	mu         sync.Mutex // serializes appends to this collection's file
}

// Store manages every vector collection's on-disk directory and the
// matching in-memory Collection.
type Store struct {
	rootDir string

	mu          sync.RWMutex
	collections map[string]*handle
}

// OpenMemoryStore returns a Store that keeps every collection purely in
// memory: no rootDir, no manifest or records file is ever written.
// CreateCollection/AppendUpsert/AppendDelete behave identically from the
// caller's point of view except that nothing survives a restart, matching
// the purely-in-memory mode an engine with no configured data directory
// runs in.
func OpenMemoryStore() *Store {
	return &Store{collections: make(map[string]*handle)}
}

// OpenStore opens rootDir, loading every existing collection subdirectory.
func OpenStore(rootDir string) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("vector: mkdir root: %w", err)
	}
	s := &Store{rootDir: rootDir, collections: make(map[string]*handle)}

	entries, err := os.ReadDir(rootDir)
	if err != nil {
		return nil, fmt.Errorf("vector: read root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := s.loadCollection(e.Name()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) loadCollection(name string) error {
	m, ok, err := readManifest(s.rootDir, name)
	if err != nil {
		return err
	}
	if !ok {
		return nil // directory without a manifest is not a collection, ignore
	}
	coll := NewCollection(name, m.Dim, m.Metric)

	f, err := os.OpenFile(recordsPath(s.rootDir, name), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("vector: open records %s: %w", name, err)
	}

	if err := replayRecords(recordsPath(s.rootDir, name), func(rec Record) {
		switch rec.Op {
		case RecordUpsert:
			if rec.Item != nil {
				coll.applyItemLocked(*rec.Item)
			}
		case RecordDelete:
			if old, existed := coll.items[rec.ID]; existed {
				delete(coll.items, rec.ID)
				coll.unindexMetaLocked(old)
				coll.index.Remove(rec.ID)
			}
		}
		coll.appliedOffset = rec.Offset
	}); err != nil {
		f.Close()
		return err
	}
	coll.SetAppliedOffset(m.AppliedOffset)

	s.mu.Lock()
	s.collections[name] = &handle{collection: coll, file: f}
	s.mu.Unlock()
	return nil
}

func replayRecords(path string, visit func(Record)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("vector: open for replay: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	for {
		var rec Record
		if err := logrecord.ReadFramed(r, &rec); err != nil {
			return nil // truncated tail or EOF: stop cleanly
		}
		visit(rec)
	}
}

// CreateCollection creates a new, empty collection on disk and in memory.
// It fails if the collection already exists.
func (s *Store) CreateCollection(name string, dim int, metric Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.collections[name]; exists {
		return &AlreadyExistsError{ID: name}
	}
	if s.rootDir == "" {
		s.collections[name] = &handle{collection: NewCollection(name, dim, metric)}
		return nil
	}
	if err := writeManifest(s.rootDir, name, Manifest{Version: manifestVersion, Dim: dim, Metric: metric}); err != nil {
		return err
	}
	f, err := os.OpenFile(recordsPath(s.rootDir, name), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("vector: create records %s: %w", name, err)
	}
	s.collections[name] = &handle{collection: NewCollection(name, dim, metric), file: f}
	return nil
}

// Collection returns the named collection, or NotFoundError.
func (s *Store) Collection(name string) (*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.collections[name]
	if !ok {
		return nil, &NotFoundError{ID: name}
	}
	return h.collection, nil
}

// Collections returns every collection name, in no particular order.
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.collections))
	for name := range s.collections {
		out = append(out, name)
	}
	return out
}

// AppendUpsert durably appends an upsert record (covering add, upsert and
// update) and applies it to the in-memory collection, then refreshes the
// manifest's bookkeeping counters.
func (s *Store) AppendUpsert(name string, offset int64, item Item) error {
	h, err := s.handleFor(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file != nil {
		rec := Record{Offset: offset, Op: RecordUpsert, ID: item.ID, Item: &item}
		if err := appendFramed(h.file, rec); err != nil {
			return err
		}
	}
	if err := h.collection.Upsert(item); err != nil {
		return err
	}
	h.collection.SetAppliedOffset(offset)
	return s.refreshManifest(name, h)
}

// AppendDelete durably appends a delete record and removes the item from
// the in-memory collection.
func (s *Store) AppendDelete(name string, offset int64, id string) error {
	h, err := s.handleFor(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file != nil {
		rec := Record{Offset: offset, Op: RecordDelete, ID: id}
		if err := appendFramed(h.file, rec); err != nil {
			return err
		}
	}
	if err := h.collection.Delete(id); err != nil {
		return err
	}
	h.collection.SetAppliedOffset(offset)
	return s.refreshManifest(name, h)
}

func (s *Store) handleFor(name string) (*handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.collections[name]
	if !ok {
		return nil, &NotFoundError{ID: name}
	}
	return h, nil
}

func appendFramed(f *os.File, rec Record) error {
	var buf bytes.Buffer
	if err := logrecord.WriteFramed(&buf, rec); err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("vector: append record: %w", err)
	}
	return f.Sync()
}

func (s *Store) refreshManifest(name string, h *handle) error {
	if h.file == nil {
		return nil
	}
	fi, err := h.file.Stat()
	if err != nil {
		return fmt.Errorf("vector: stat records %s: %w", name, err)
	}
	m := Manifest{
		Version:       manifestVersion,
		Dim:           h.collection.Dim,
		Metric:        h.collection.Metric,
		AppliedOffset: h.collection.AppliedOffset(),
		LiveCount:     int64(h.collection.Len()),
		FileLen:       fi.Size(),
	}
	return writeManifest(s.rootDir, name, m)
}

// Vacuum rewrites a collection's records file to contain exactly one
// upsert record per live item, dropping superseded and deleted history,
// via temp-file-then-rename so a crash mid-vacuum never corrupts the
// collection. Grounded on persist.rs's rewrite_collection.
func (s *Store) Vacuum(name string) error {
	h, err := s.handleFor(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return fmt.Errorf("vector: vacuum %s: collection has no on-disk record file (in-memory store)", name)
	}

	tmpPath := recordsPath(s.rootDir, name) + ".vacuum.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("vector: vacuum create temp %s: %w", name, err)
	}

	offset := h.collection.AppliedOffset()
	for _, item := range h.collection.Items() {
		item := item
		if err := appendFramed(tmp, Record{Offset: offset, Op: RecordUpsert, ID: item.ID, Item: &item}); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vector: vacuum close temp %s: %w", name, err)
	}

	if err := h.file.Close(); err != nil {
		return fmt.Errorf("vector: vacuum close live %s: %w", name, err)
	}
	final := recordsPath(s.rootDir, name)
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("vector: vacuum rename %s: %w", name, err)
	}
	f, err := os.OpenFile(final, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("vector: vacuum reopen %s: %w", name, err)
	}
	h.file = f
	return s.refreshManifest(name, h)
}

// Close closes every collection's records file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, h := range s.collections {
		if h.file == nil {
			continue
		}
		if err := h.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
