// Package vector implements the in-memory vector collection store:
// fixed-dimension collections with cosine/dot-product search, optional
// metadata-equality filtering, and an approximate nearest-neighbor index
// that narrows candidates before the exact scoring pass.
//
// Grounded on _examples/original_source/src/vector/mod.rs's Collection
// (create_collection/add/upsert/update/delete/get/search,
// apply_wal_create/apply_wal_item, matches_filters/dot/norm).
package vector

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kissdb/kissengine/internal/store/vector/annindex"
)

// Metric selects the scoring function used by search.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricDot    Metric = "dot"
)

// Item is one stored vector plus its metadata.
type Item struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Collection is a single fixed-dimension, fixed-metric set of vectors.
type Collection struct {
	Name   string `json:"name"`
	Dim    int    `json:"dim"`
	Metric Metric `json:"metric"`

	mu            sync.RWMutex
	items         map[string]Item
	index         *annindex.Index
	appliedOffset int64
	// metaIndex maps "field=value" -> set of item IDs, narrowing filtered
	// search candidates without a full scan.
	metaIndex map[string]map[string]struct{}
}

// ErrDimMismatch is returned when a vector's length does not match the
// collection's declared dimension.
type ErrDimMismatch struct {
	Want, Got int
}

func (e *ErrDimMismatch) Error() string {
	return fmt.Sprintf("vector: dimension mismatch: want %d got %d", e.Want, e.Got)
}

// NotFoundError marks a get/update/delete against an absent item ID.
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string { return "vector: item not found: " + e.ID }

// AlreadyExistsError marks Add against an ID already present in the
// collection (use Upsert to replace).
type AlreadyExistsError struct{ ID string }

func (e *AlreadyExistsError) Error() string { return "vector: item already exists: " + e.ID }

// NewCollection creates an empty collection of the given dimension and metric.
func NewCollection(name string, dim int, metric Metric) *Collection {
	return &Collection{
		Name:      name,
		Dim:       dim,
		Metric:    metric,
		items:     make(map[string]Item),
		index:     annindex.New(dim),
		metaIndex: make(map[string]map[string]struct{}),
	}
}

func (c *Collection) validate(vec []float32) error {
	if len(vec) != c.Dim {
		return &ErrDimMismatch{Want: c.Dim, Got: len(vec)}
	}
	return nil
}

// Add inserts a new item. It fails with AlreadyExistsError if id is
// already present; use Upsert for insert-or-replace semantics.
func (c *Collection) Add(item Item) error {
	if err := c.validate(item.Vector); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[item.ID]; exists {
		return &AlreadyExistsError{ID: item.ID}
	}
	c.applyItemLocked(item)
	return nil
}

// Upsert inserts item or replaces the existing one with the same ID.
func (c *Collection) Upsert(item Item) error {
	if err := c.validate(item.Vector); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyItemLocked(item)
	return nil
}

// Update replaces the vector and/or metadata of an existing item. It
// fails with NotFoundError if id is absent.
func (c *Collection) Update(item Item) error {
	if err := c.validate(item.Vector); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[item.ID]; !exists {
		return &NotFoundError{ID: item.ID}
	}
	c.applyItemLocked(item)
	return nil
}

func (c *Collection) applyItemLocked(item Item) {
	if old, existed := c.items[item.ID]; existed {
		c.unindexMetaLocked(old)
		c.index.Remove(item.ID)
	}
	c.items[item.ID] = item
	c.indexMetaLocked(item)
	c.index.Upsert(item.ID, item.Vector)
}

// Delete removes id, returning NotFoundError if it was absent.
func (c *Collection) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, exists := c.items[id]
	if !exists {
		return &NotFoundError{ID: id}
	}
	delete(c.items, id)
	c.unindexMetaLocked(old)
	c.index.Remove(id)
	return nil
}

// Get returns item by ID.
func (c *Collection) Get(id string) (Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	if !ok {
		return Item{}, &NotFoundError{ID: id}
	}
	return item, nil
}

func (c *Collection) indexMetaLocked(item Item) {
	for k, v := range item.Metadata {
		key := k + "=" + v
		set, ok := c.metaIndex[key]
		if !ok {
			set = make(map[string]struct{})
			c.metaIndex[key] = set
		}
		set[item.ID] = struct{}{}
	}
}

func (c *Collection) unindexMetaLocked(item Item) {
	for k, v := range item.Metadata {
		key := k + "=" + v
		if set, ok := c.metaIndex[key]; ok {
			delete(set, item.ID)
			if len(set) == 0 {
				delete(c.metaIndex, key)
			}
		}
	}
}

func matchesFilters(item Item, filters map[string]string) bool {
	for k, v := range filters {
		if item.Metadata[k] != v {
			return false
		}
	}
	return true
}

// SearchResult is one scored hit from Search.
type SearchResult struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Item  Item    `json:"item"`
}

// Search returns the topK items closest to query under the collection's
// metric, restricted to items matching filters (metadata equality, all
// keys must match). Whenever filters is non-empty, the metadata index
// supplies the candidates and the ANN index is skipped, whatever the size
// of the candidate set. Hits with equal scores are ordered by ascending ID.
func (c *Collection) Search(query []float32, topK int, filters map[string]string) ([]SearchResult, error) {
	if err := c.validate(query); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var candidateIDs []string
	if narrowed, ok := c.narrowByMetaLocked(filters); ok {
		candidateIDs = narrowed
	} else {
		candidateIDs = c.index.Candidates(query, topK)
	}

	results := make([]SearchResult, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		item, ok := c.items[id]
		if !ok || !matchesFilters(item, filters) {
			continue
		}
		results = append(results, SearchResult{
			ID:    id,
			Score: score(c.Metric, query, item.Vector),
			Item:  item,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// narrowByMetaLocked returns the intersection of metaIndex sets for every
// filter key; ok is false only when filters is empty. A filter pair absent
// from the index yields an empty, ok result. This lets an
// exact-match filtered search skip the ANN index's approximate candidate
// set and score every true match directly.
func (c *Collection) narrowByMetaLocked(filters map[string]string) ([]string, bool) {
	if len(filters) == 0 {
		return nil, false
	}
	var ids map[string]struct{}
	for k, v := range filters {
		set, ok := c.metaIndex[k+"="+v]
		if !ok {
			return nil, true // filter matches nothing
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
	return out, true
}

func score(metric Metric, a, b []float32) float64 {
	switch metric {
	case MetricDot:
		return dot(a, b)
	default:
		na, nb := norm(a), norm(b)
		if na == 0 || nb == 0 {
			return 0
		}
		return dot(a, b) / (na * nb)
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(a []float32) float64 {
	var sum float64
	for _, v := range a {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// AppliedOffset returns the highest event-log offset applied to this
// collection, written to the manifest and stamped on vacuumed records.
func (c *Collection) AppliedOffset() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.appliedOffset
}

// SetAppliedOffset records offset as applied; a lower offset than the
// current one is ignored.
func (c *Collection) SetAppliedOffset(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset > c.appliedOffset {
		c.appliedOffset = offset
	}
}

// Items returns every item, for manifest rewrite (vacuum) and snapshot dump.
func (c *Collection) Items() []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Item, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the live item count.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// MarshalDescriptor returns the JSON collection descriptor (name, dim,
// metric) used in manifest files and API responses.
func (c *Collection) MarshalDescriptor() json.RawMessage {
	raw, _ := json.Marshal(struct {
		Name   string `json:"name"`
		Dim    int    `json:"dim"`
		Metric Metric `json:"metric"`
	}{c.Name, c.Dim, c.Metric})
	return raw
}
