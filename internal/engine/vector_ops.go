package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kissdb/kissengine/internal/engine/errs"
	"github.com/kissdb/kissengine/internal/store/logrecord"
	"github.com/kissdb/kissengine/internal/store/vector"
)

// CreateVectorCollection creates a new fixed-dimension, fixed-metric
// vector collection.
func (e *Engine) CreateVectorCollection(ctx context.Context, name string, dim int, metric vector.Metric) error {
	if name == "" {
		return errs.InvalidArgument("collection name must not be empty")
	}
	if dim < 1 {
		return errs.InvalidArgument("dim must be positive")
	}
	if metric != vector.MetricCosine && metric != vector.MetricDot {
		return errs.InvalidArgument("metric must be cosine or dot")
	}

	_, err := e.commit("create_vector_collection", func() (logrecord.EventType, []byte, error) {
		if _, err := e.vectors.Collection(name); err == nil {
			return "", nil, errs.AlreadyExists("collection already exists: " + name)
		}
		payload, merr := json.Marshal(struct {
			Name   string        `json:"name"`
			Dim    int           `json:"dim"`
			Metric vector.Metric `json:"metric"`
		}{Name: name, Dim: dim, Metric: metric})
		if merr != nil {
			return "", nil, errs.Internal(merr)
		}
		return logrecord.VectorCollectionCreated, payload, nil
	}, func(rec logrecord.Event) error {
		if err := e.vectors.CreateCollection(name, dim, metric); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.VectorCollections.Set(float64(len(e.vectors.Collections())))
		}
		return nil
	})
	return err
}

type vectorItemPayload struct {
	Collection string            `json:"collection"`
	ID         string            `json:"id"`
	Vector     []float32         `json:"vector"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *Engine) vectorMutate(eventType logrecord.EventType, opName, collection string, item vector.Item, mustExist, mustNotExist bool, apply func(coll *vector.Collection, offset int64, item vector.Item) error) error {
	coll, err := e.vectors.Collection(collection)
	if err != nil {
		return errs.NotFound("collection not found: " + collection)
	}
	if len(item.Vector) != coll.Dim {
		return errs.DimMismatch(fmt.Sprintf("dimension mismatch: want %d got %d", coll.Dim, len(item.Vector)))
	}

	_, err = e.commit(opName, func() (logrecord.EventType, []byte, error) {
		_, getErr := coll.Get(item.ID)
		exists := getErr == nil
		if mustExist && !exists {
			return "", nil, errs.NotFound("item not found: " + item.ID)
		}
		if mustNotExist && exists {
			return "", nil, errs.AlreadyExists("item already exists: " + item.ID)
		}
		payload, merr := json.Marshal(vectorItemPayload{Collection: collection, ID: item.ID, Vector: item.Vector, Metadata: item.Metadata})
		if merr != nil {
			return "", nil, errs.Internal(merr)
		}
		return eventType, payload, nil
	}, func(rec logrecord.Event) error {
		if err := apply(coll, rec.Offset, item); err != nil {
			return err
		}
		if e.metrics != nil {
			total := 0
			for _, name := range e.vectors.Collections() {
				if c, err := e.vectors.Collection(name); err == nil {
					total += c.Len()
				}
			}
			e.metrics.VectorItemsLive.Set(float64(total))
		}
		return nil
	})
	return err
}

// VectorAdd inserts a new item, failing if the ID already exists.
func (e *Engine) VectorAdd(ctx context.Context, collection string, item vector.Item) error {
	return e.vectorMutate(logrecord.VectorAdded, "vector_add", collection, item, false, true, func(coll *vector.Collection, offset int64, item vector.Item) error {
		return e.vectors.AppendUpsert(collection, offset, item)
	})
}

// VectorUpsert inserts or replaces item.
func (e *Engine) VectorUpsert(ctx context.Context, collection string, item vector.Item) error {
	return e.vectorMutate(logrecord.VectorUpserted, "vector_upsert", collection, item, false, false, func(coll *vector.Collection, offset int64, item vector.Item) error {
		return e.vectors.AppendUpsert(collection, offset, item)
	})
}

// VectorUpdate replaces an existing item, failing if it is absent.
func (e *Engine) VectorUpdate(ctx context.Context, collection string, item vector.Item) error {
	return e.vectorMutate(logrecord.VectorUpdated, "vector_update", collection, item, true, false, func(coll *vector.Collection, offset int64, item vector.Item) error {
		return e.vectors.AppendUpsert(collection, offset, item)
	})
}

// VectorDelete removes id from collection.
func (e *Engine) VectorDelete(ctx context.Context, collection, id string) error {
	coll, err := e.vectors.Collection(collection)
	if err != nil {
		return errs.NotFound("collection not found: " + collection)
	}

	_, err = e.commit("vector_delete", func() (logrecord.EventType, []byte, error) {
		if _, getErr := coll.Get(id); getErr != nil {
			return "", nil, errs.NotFound("item not found: " + id)
		}
		payload, merr := json.Marshal(struct {
			Collection string `json:"collection"`
			ID         string `json:"id"`
		}{Collection: collection, ID: id})
		if merr != nil {
			return "", nil, errs.Internal(merr)
		}
		return logrecord.VectorDeleted, payload, nil
	}, func(rec logrecord.Event) error {
		return e.vectors.AppendDelete(collection, rec.Offset, id)
	})
	return err
}

// VectorItemResult is the per-item outcome of a batch vector mutation:
// exactly one of ID/Err is meaningful past the ID itself.
type VectorItemResult struct {
	ID  string
	Err error
}

// VectorUpsertBatch upserts items sequentially under the commit lock, per
// spec.md's batch-operations rule: per-item errors (e.g. dim mismatch)
// are reported inline without aborting the remaining items, but a
// persistence error aborts the whole batch.
func (e *Engine) VectorUpsertBatch(ctx context.Context, collection string, items []vector.Item) ([]VectorItemResult, error) {
	results := make([]VectorItemResult, len(items))
	for i, item := range items {
		err := e.VectorUpsert(ctx, collection, item)
		if err != nil && errs.KindOf(err) == errs.KindInternal {
			return results, err
		}
		results[i] = VectorItemResult{ID: item.ID, Err: err}
	}
	return results, nil
}

// VectorDeleteBatch deletes ids sequentially under the commit lock. Per
// spec.md's Open Question decision, a missing id is reported per-item as
// not-found rather than treated as an idempotent no-op.
func (e *Engine) VectorDeleteBatch(ctx context.Context, collection string, ids []string) ([]VectorItemResult, error) {
	results := make([]VectorItemResult, len(ids))
	for i, id := range ids {
		err := e.VectorDelete(ctx, collection, id)
		if err != nil && errs.KindOf(err) == errs.KindInternal {
			return results, err
		}
		results[i] = VectorItemResult{ID: id, Err: err}
	}
	return results, nil
}

// ListVectorCollections returns the descriptor of every vector
// collection, for GET /v1/vectors.
func (e *Engine) ListVectorCollections(ctx context.Context) []json.RawMessage {
	names := e.vectors.Collections()
	out := make([]json.RawMessage, 0, len(names))
	for _, name := range names {
		if coll, err := e.vectors.Collection(name); err == nil {
			out = append(out, coll.MarshalDescriptor())
		}
	}
	return out
}

// DescribeVectorCollection returns name's descriptor, for
// GET /v1/vectors/:collection.
func (e *Engine) DescribeVectorCollection(ctx context.Context, name string) (json.RawMessage, error) {
	coll, err := e.vectors.Collection(name)
	if err != nil {
		return nil, errs.NotFound("collection not found: " + name)
	}
	return coll.MarshalDescriptor(), nil
}

// VectorGet returns item by ID.
func (e *Engine) VectorGet(ctx context.Context, collection, id string) (vector.Item, error) {
	coll, err := e.vectors.Collection(collection)
	if err != nil {
		return vector.Item{}, errs.NotFound("collection not found: " + collection)
	}
	item, err := coll.Get(id)
	if err != nil {
		return vector.Item{}, errs.NotFound("item not found: " + id)
	}
	return item, nil
}

// VectorSearch returns the topK nearest items to query in collection,
// restricted to items matching filters.
func (e *Engine) VectorSearch(ctx context.Context, collection string, query []float32, topK int, filters map[string]string) ([]vector.SearchResult, error) {
	coll, err := e.vectors.Collection(collection)
	if err != nil {
		return nil, errs.NotFound("collection not found: " + collection)
	}
	results, err := coll.Search(query, topK, filters)
	if err != nil {
		if dimErr, ok := err.(*vector.ErrDimMismatch); ok {
			return nil, errs.DimMismatch(dimErr.Error())
		}
		return nil, errs.Internal(err)
	}
	return results, nil
}

// VectorVacuum rewrites collection's on-disk record file to drop
// superseded history, used by the `kissengine vacuum` CLI subcommand.
// It does not take the commit lock: it only compacts storage for an
// already-consistent in-memory collection, and AppendUpsert/AppendDelete
// serialize against it via the collection's own handle lock.
func (e *Engine) VectorVacuum(ctx context.Context, collection string) error {
	if err := e.vectors.Vacuum(collection); err != nil {
		return errs.Internal(err)
	}
	return nil
}
