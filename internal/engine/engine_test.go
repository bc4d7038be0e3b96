package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kissdb/kissengine/internal/config"
	"github.com/kissdb/kissengine/internal/store/vector"
	"github.com/kissdb/kissengine/internal/telemetry"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.SnapshotCompress = false

	e, err := Open(cfg, telemetry.NewLogger("error"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutGetDeleteState(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rev, err := e.PutState(ctx, "k1", json.RawMessage(`{"a":1}`), nil, 0)
	require.NoError(t, err)
	require.Greater(t, rev, int64(0))

	entry, err := e.GetState(ctx, "k1")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(entry.Value))

	err = e.DeleteState(ctx, "k1", "client")
	require.NoError(t, err)

	_, err = e.GetState(ctx, "k1")
	require.Error(t, err)
}

func TestPutStateRevisionGuard(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	zero := int64(0)
	rev, err := e.PutState(ctx, "k", json.RawMessage(`1`), &zero, 0)
	require.NoError(t, err)

	_, err = e.PutState(ctx, "k", json.RawMessage(`2`), &zero, 0)
	require.Error(t, err)

	_, err = e.PutState(ctx, "k", json.RawMessage(`2`), &rev, 0)
	require.NoError(t, err)
}

func TestVectorLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.CreateVectorCollection(ctx, "docs", 2, vector.MetricCosine))
	err := e.CreateVectorCollection(ctx, "docs", 2, vector.MetricCosine)
	require.Error(t, err)

	require.NoError(t, e.VectorAdd(ctx, "docs", vector.Item{ID: "a", Vector: []float32{1, 0}}))
	err = e.VectorAdd(ctx, "docs", vector.Item{ID: "a", Vector: []float32{1, 0}})
	require.Error(t, err)

	require.NoError(t, e.VectorUpsert(ctx, "docs", vector.Item{ID: "b", Vector: []float32{0, 1}}))

	results, err := e.VectorSearch(ctx, "docs", []float32{1, 0.1}, 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "a", results[0].ID)

	require.NoError(t, e.VectorDelete(ctx, "docs", "a"))
	_, err = e.VectorGet(ctx, "docs", "a")
	require.Error(t, err)
}

func TestEngineReplayAfterReopen(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	ctx := context.Background()

	e, err := Open(cfg, telemetry.NewLogger("error"), nil)
	require.NoError(t, err)
	_, err = e.PutState(ctx, "persisted", json.RawMessage(`"x"`), nil, 0)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2, err := Open(cfg, telemetry.NewLogger("error"), nil)
	require.NoError(t, err)
	defer e2.Close()

	entry, err := e2.GetState(ctx, "persisted")
	require.NoError(t, err)
	require.JSONEq(t, `"x"`, string(entry.Value))
}

// TestInMemoryOnlyEngineHasNoEventLog covers the persistence-optional
// contract: an empty DataDir must still produce a fully functional engine
// (state and vector mutations both work) with no event log opened at all.
func TestInMemoryOnlyEngineHasNoEventLog(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = ""
	require.True(t, cfg.InMemoryOnly())
	ctx := context.Background()

	e, err := Open(cfg, telemetry.NewLogger("error"), nil)
	require.NoError(t, err)
	defer e.Close()
	require.Nil(t, e.eventLog)

	rev, err := e.PutState(ctx, "k", json.RawMessage(`{"n":1}`), nil, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), rev)

	require.NoError(t, e.CreateVectorCollection(ctx, "docs", 2, vector.MetricCosine))
	require.NoError(t, e.VectorAdd(ctx, "docs", vector.Item{ID: "a", Vector: []float32{1, 0}}))

	item, err := e.VectorGet(ctx, "docs", "a")
	require.NoError(t, err)
	require.Equal(t, "a", item.ID)

	// Vacuum has nothing on disk to compact against an in-memory collection.
	err = e.VectorVacuum(ctx, "docs")
	require.Error(t, err)
}

// TestInMemoryOnlyRejectsDurableStateIndex covers the config-level guard:
// the durable state index needs a bolt file under DataDir, so it cannot be
// combined with an in-memory-only configuration.
func TestInMemoryOnlyRejectsDurableStateIndex(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = ""
	cfg.DurableStateIndex = true

	_, err := Open(cfg, telemetry.NewLogger("error"), nil)
	require.Error(t, err)
}
