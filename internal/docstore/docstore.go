// Package docstore is a thin document layer over the engine's key/value
// state store: documents are JSON objects stored under
// "doc:<collection>:<id>" keys, with an in-memory secondary index over
// top-level scalar fields to support equality-filtered find queries
// without a full collection scan.
//
// Grounded on _examples/original_source/src/docstore/mod.rs's
// DocRecord/put_doc/get_doc/delete_doc/find_docs and its
// update_indexes_add/update_indexes_remove/indexed_candidates helpers.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kissdb/kissengine/internal/engine"
	"github.com/kissdb/kissengine/internal/engine/errs"
)

// DocRecord is one stored document plus the state-store revision it was
// written at, returned to callers so they can pass it back as an
// optimistic-concurrency guard on the next PutDoc.
type DocRecord struct {
	ID       string          `json:"id"`
	Doc      json.RawMessage `json:"doc"`
	Revision int64           `json:"revision"`
}

func docKey(collection, id string) string {
	return fmt.Sprintf("doc:%s:%s", collection, id)
}

func docKeyPrefix(collection string) string {
	return fmt.Sprintf("doc:%s:", collection)
}

// Store layers documents over an *engine.Engine.
type Store struct {
	eng *engine.Engine

	mu sync.RWMutex
	// index[collection]["field=value"] -> set of document IDs matching it.
	index map[string]map[string]map[string]struct{}
}

// New creates a Store and rebuilds its in-memory secondary index by
// scanning every existing document key under eng's state store. The
// index itself is not persisted: it is cheap to rebuild and keeping it
// out of the event log avoids doubling write amplification for every
// document mutation.
func New(ctx context.Context, eng *engine.Engine) (*Store, error) {
	s := &Store{eng: eng, index: make(map[string]map[string]map[string]struct{})}

	for _, key := range eng.ListState(ctx, "doc:") {
		collection, id, ok := splitDocKey(key)
		if !ok {
			continue
		}
		entry, err := eng.GetState(ctx, key)
		if err != nil {
			continue
		}
		var rec DocRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			continue
		}
		rec.ID = id
		s.indexDoc(collection, rec.ID, rec.Doc)
	}
	return s, nil
}

func splitDocKey(key string) (collection, id string, ok bool) {
	if !strings.HasPrefix(key, "doc:") {
		return "", "", false
	}
	rest := key[len("doc:"):]
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// PutDoc writes doc at (collection, id). If ifRevision is non-nil it is
// passed through to the underlying state-store write as an optimistic
// concurrency guard.
func (s *Store) PutDoc(ctx context.Context, collection, id string, doc json.RawMessage, ifRevision *int64) (DocRecord, error) {
	if !json.Valid(doc) {
		return DocRecord{}, errs.InvalidArgument("doc must be valid JSON")
	}
	rec := DocRecord{ID: id, Doc: doc}
	value, err := json.Marshal(rec)
	if err != nil {
		return DocRecord{}, errs.Internal(err)
	}
	revision, err := s.eng.PutState(ctx, docKey(collection, id), value, ifRevision, 0)
	if err != nil {
		return DocRecord{}, err
	}
	rec.Revision = revision

	s.mu.Lock()
	s.unindexDocLocked(collection, id)
	s.indexDocLocked(collection, id, doc)
	s.mu.Unlock()

	return rec, nil
}

// GetDoc returns the document stored at (collection, id).
func (s *Store) GetDoc(ctx context.Context, collection, id string) (DocRecord, error) {
	entry, err := s.eng.GetState(ctx, docKey(collection, id))
	if err != nil {
		return DocRecord{}, err
	}
	var rec DocRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return DocRecord{}, errs.Internal(err)
	}
	rec.Revision = entry.Revision
	return rec, nil
}

// DeleteDoc removes the document at (collection, id).
func (s *Store) DeleteDoc(ctx context.Context, collection, id string) error {
	if err := s.eng.DeleteState(ctx, docKey(collection, id), "client"); err != nil {
		return err
	}
	s.mu.Lock()
	s.unindexDocLocked(collection, id)
	s.mu.Unlock()
	return nil
}

// FindDocs returns every document in collection whose top-level scalar
// fields match every entry in filters. An empty filters set returns every
// live document in the collection (a full prefix scan, same as the
// underlying state store's List).
func (s *Store) FindDocs(ctx context.Context, collection string, filters map[string]string) ([]DocRecord, error) {
	var ids []string
	if len(filters) == 0 {
		for _, key := range s.eng.ListState(ctx, docKeyPrefix(collection)) {
			_, id, ok := splitDocKey(key)
			if ok {
				ids = append(ids, id)
			}
		}
	} else {
		ids = s.candidateIDs(collection, filters)
	}
	sort.Strings(ids)

	out := make([]DocRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetDoc(ctx, collection, id)
		if err != nil {
			continue // deleted between index lookup and fetch; skip
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) candidateIDs(collection string, filters map[string]string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byField := s.index[collection]
	if byField == nil {
		return nil
	}
	var ids map[string]struct{}
	for field, value := range filters {
		set, ok := byField[field+"="+value]
		if !ok {
			return nil
		}
		if ids == nil {
			ids = make(map[string]struct{}, len(set))
			for id := range set {
				ids[id] = struct{}{}
			}
			continue
		}
		for id := range ids {
			if _, present := set[id]; !present {
				delete(ids, id)
			}
		}
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

func (s *Store) indexDoc(collection, id string, doc json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexDocLocked(collection, id, doc)
}

func (s *Store) indexDocLocked(collection, id string, doc json.RawMessage) {
	fields := scalarFields(doc)
	if len(fields) == 0 {
		return
	}
	byField, ok := s.index[collection]
	if !ok {
		byField = make(map[string]map[string]struct{})
		s.index[collection] = byField
	}
	for field, value := range fields {
		key := field + "=" + value
		set, ok := byField[key]
		if !ok {
			set = make(map[string]struct{})
			byField[key] = set
		}
		set[id] = struct{}{}
	}
}

func (s *Store) unindexDocLocked(collection, id string) {
	byField, ok := s.index[collection]
	if !ok {
		return
	}
	for key, set := range byField {
		if _, present := set[id]; present {
			delete(set, id)
			if len(set) == 0 {
				delete(byField, key)
			}
		}
	}
}

// scalarFields extracts every top-level string/number/bool field of a
// JSON object as "field" -> stringified value, ignoring nested objects
// and arrays: only scalar equality filters are supported, matching
// docstore/mod.rs's own indexed_candidates scope.
func scalarFields(doc json.RawMessage) map[string]string {
	var obj map[string]any
	if err := json.Unmarshal(doc, &obj); err != nil {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool:
			out[k] = fmt.Sprintf("%t", val)
		case float64:
			out[k] = fmt.Sprintf("%g", val)
		}
	}
	return out
}
