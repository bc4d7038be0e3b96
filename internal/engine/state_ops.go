package engine

import (
	"context"
	"encoding/json"

	"github.com/kissdb/kissengine/internal/engine/errs"
	"github.com/kissdb/kissengine/internal/store/logrecord"
	"github.com/kissdb/kissengine/internal/store/state"
)

// PutState writes value at key. If ifRevision is non-nil, the write only
// applies when the key's current revision equals *ifRevision (0 meaning
// "key must not exist"); a mismatch returns a RevisionMismatch error and
// no event is recorded. ttlMs of 0 means no expiry.
func (e *Engine) PutState(ctx context.Context, key string, value json.RawMessage, ifRevision *int64, ttlMs int64) (int64, error) {
	if key == "" {
		return 0, errs.InvalidArgument("key must not be empty")
	}
	if !json.Valid(value) {
		return 0, errs.InvalidArgument("value must be valid JSON")
	}

	var assignedRevision int64
	rec, err := e.commit("put_state", func() (logrecord.EventType, []byte, error) {
		now := e.nowFn()
		if err := e.state.CheckRevision(key, ifRevision, now); err != nil {
			return "", nil, errs.RevisionMismatch(err.Error())
		}
		assignedRevision = e.state.NextRevision(key, now)
		payload, merr := json.Marshal(struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
			TTLMs int64           `json:"ttl_ms"`
		}{Key: key, Value: value, TTLMs: ttlMs})
		if merr != nil {
			return "", nil, errs.Internal(merr)
		}
		return logrecord.StateUpdated, payload, nil
	}, func(rec logrecord.Event) error {
		e.state.ApplyPut(key, value, assignedRevision, rec.TSMs, ttlMs)
		if e.durable != nil {
			if err := e.durable.Mirror(key, assignedRevision); err != nil {
				return err
			}
		}
		if e.metrics != nil {
			e.metrics.StateKeysLive.Set(float64(e.state.Len()))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	_ = rec
	return assignedRevision, nil
}

// GetState returns the live entry at key.
func (e *Engine) GetState(ctx context.Context, key string) (state.Entry, error) {
	entry, err := e.state.Get(key, e.nowFn())
	if err != nil {
		return state.Entry{}, errs.NotFound(err.Error())
	}
	return entry, nil
}

// ListState returns every live key with the given prefix.
func (e *Engine) ListState(ctx context.Context, prefix string) []string {
	return e.state.List(prefix, e.nowFn())
}

// PutStateItem is one entry of a PutStateBatch call.
type PutStateItem struct {
	Key        string
	Value      json.RawMessage
	IfRevision *int64
	TTLMs      int64
}

// PutStateResult is the per-item outcome of a PutStateBatch call: exactly
// one of Revision/Err is meaningful.
type PutStateResult struct {
	Key      string
	Revision int64
	Err      error
}

// PutStateBatch applies items sequentially under the commit lock, per
// spec.md's batch-operations rule: a per-item validation or revision
// failure is reported inline without aborting the rest of the batch, but
// a persistence (durable-write) error aborts the whole batch.
func (e *Engine) PutStateBatch(ctx context.Context, items []PutStateItem) ([]PutStateResult, error) {
	results := make([]PutStateResult, len(items))
	for i, item := range items {
		rev, err := e.PutState(ctx, item.Key, item.Value, item.IfRevision, item.TTLMs)
		if err != nil && errs.KindOf(err) == errs.KindInternal {
			return results, err
		}
		results[i] = PutStateResult{Key: item.Key, Revision: rev, Err: err}
	}
	return results, nil
}

// DeleteState removes key, recording a state_deleted event tagged with
// reason (e.g. "client" for an explicit API delete, "ttl" for the
// background sweep).
func (e *Engine) DeleteState(ctx context.Context, key, reason string) error {
	_, err := e.commit("delete_state", func() (logrecord.EventType, []byte, error) {
		now := e.nowFn()
		if !e.state.ExistsLive(key, now) {
			return "", nil, errs.NotFound("key not found: " + key)
		}
		payload, merr := json.Marshal(struct {
			Key    string `json:"key"`
			Reason string `json:"reason"`
		}{Key: key, Reason: reason})
		if merr != nil {
			return "", nil, errs.Internal(merr)
		}
		return logrecord.StateDeleted, payload, nil
	}, func(rec logrecord.Event) error {
		e.state.ApplyDelete(key)
		if e.durable != nil {
			if err := e.durable.Forget(key); err != nil {
				return err
			}
		}
		if e.metrics != nil {
			e.metrics.StateKeysLive.Set(float64(e.state.Len()))
		}
		return nil
	})
	return err
}
