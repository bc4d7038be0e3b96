package docstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kissdb/kissengine/internal/config"
	"github.com/kissdb/kissengine/internal/engine"
	"github.com/kissdb/kissengine/internal/telemetry"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	ctx := context.Background()

	eng, err := engine.Open(cfg, telemetry.NewLogger("error"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	s, err := New(ctx, eng)
	require.NoError(t, err)
	return s, ctx
}

func TestPutGetDeleteDoc(t *testing.T) {
	s, ctx := newTestStore(t)

	rec, err := s.PutDoc(ctx, "users", "u1", json.RawMessage(`{"name":"ada","active":true}`), nil)
	require.NoError(t, err)
	require.Greater(t, rec.Revision, int64(0))

	got, err := s.GetDoc(ctx, "users", "u1")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"ada","active":true}`, string(got.Doc))

	require.NoError(t, s.DeleteDoc(ctx, "users", "u1"))
	_, err = s.GetDoc(ctx, "users", "u1")
	require.Error(t, err)
}

func TestFindDocsByFilter(t *testing.T) {
	s, ctx := newTestStore(t)

	_, err := s.PutDoc(ctx, "users", "u1", json.RawMessage(`{"role":"admin"}`), nil)
	require.NoError(t, err)
	_, err = s.PutDoc(ctx, "users", "u2", json.RawMessage(`{"role":"member"}`), nil)
	require.NoError(t, err)

	admins, err := s.FindDocs(ctx, "users", map[string]string{"role": "admin"})
	require.NoError(t, err)
	require.Len(t, admins, 1)
	require.Equal(t, "u1", admins[0].ID)

	all, err := s.FindDocs(ctx, "users", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
