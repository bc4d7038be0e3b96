package vector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearchCosinePrefersCloser(t *testing.T) {
	c := NewCollection("docs", 2, MetricCosine)
	require.NoError(t, c.Add(Item{ID: "near", Vector: []float32{1, 0}}))
	require.NoError(t, c.Add(Item{ID: "far", Vector: []float32{0, 1}}))

	results, err := c.Search([]float32{1, 0.01}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "near", results[0].ID)
}

func TestAddRejectsDuplicateUpsertReplaces(t *testing.T) {
	c := NewCollection("docs", 2, MetricDot)
	require.NoError(t, c.Add(Item{ID: "a", Vector: []float32{1, 1}}))

	err := c.Add(Item{ID: "a", Vector: []float32{2, 2}})
	require.Error(t, err)

	require.NoError(t, c.Upsert(Item{ID: "a", Vector: []float32{2, 2}}))
	got, err := c.Get("a")
	require.NoError(t, err)
	require.Equal(t, []float32{2, 2}, got.Vector)
}

func TestDimMismatch(t *testing.T) {
	c := NewCollection("docs", 3, MetricCosine)
	err := c.Add(Item{ID: "a", Vector: []float32{1, 2}})
	require.Error(t, err)
	require.IsType(t, &ErrDimMismatch{}, err)
}

func TestMetadataFilter(t *testing.T) {
	c := NewCollection("docs", 2, MetricDot)
	require.NoError(t, c.Add(Item{ID: "a", Vector: []float32{1, 0}, Metadata: map[string]string{"tenant": "x"}}))
	require.NoError(t, c.Add(Item{ID: "b", Vector: []float32{1, 0}, Metadata: map[string]string{"tenant": "y"}}))

	results, err := c.Search([]float32{1, 0}, 10, map[string]string{"tenant": "x"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].ID)
}

func TestDelete(t *testing.T) {
	c := NewCollection("docs", 2, MetricDot)
	require.NoError(t, c.Add(Item{ID: "a", Vector: []float32{1, 1}}))
	require.NoError(t, c.Delete("a"))
	err := c.Delete("a")
	require.Error(t, err)
	require.IsType(t, &NotFoundError{}, err)
}
