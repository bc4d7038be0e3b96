package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kissdb/kissengine/internal/engine"
	"github.com/kissdb/kissengine/internal/store/vector"
)

type createCollectionRequest struct {
	Name   string        `json:"name" binding:"required"`
	Dim    int           `json:"dim" binding:"required"`
	Metric vector.Metric `json:"metric"`
}

// createVectorCollection handles POST /v1/vectors.
func (s *Server) createVectorCollection(c *gin.Context) {
	var req createCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "invalid_argument", "message": err.Error()}})
		return
	}
	if req.Metric == "" {
		req.Metric = vector.MetricCosine
	}
	if err := s.engine.CreateVectorCollection(c.Request.Context(), req.Name, req.Dim, req.Metric); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "dim": req.Dim, "metric": req.Metric})
}

// listVectorCollections handles GET /v1/vectors.
func (s *Server) listVectorCollections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"collections": s.engine.ListVectorCollections(c.Request.Context())})
}

// describeVectorCollection handles GET /v1/vectors/:collection.
func (s *Server) describeVectorCollection(c *gin.Context) {
	desc, err := s.engine.DescribeVectorCollection(c.Request.Context(), c.Param("collection"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", desc)
}

type vectorItemRequest struct {
	ID       string            `json:"id" binding:"required"`
	Vector   []float32         `json:"vector" binding:"required"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) vectorItemFromBody(c *gin.Context) (vector.Item, bool) {
	var req vectorItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "invalid_argument", "message": err.Error()}})
		return vector.Item{}, false
	}
	return vector.Item{ID: req.ID, Vector: req.Vector, Metadata: req.Metadata}, true
}

// addVectorItem handles POST /v1/vectors/:collection/items.
func (s *Server) addVectorItem(c *gin.Context) {
	item, ok := s.vectorItemFromBody(c)
	if !ok {
		return
	}
	collection := c.Param("collection")
	if err := s.engine.VectorAdd(c.Request.Context(), collection, item); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": item.ID})
}

// upsertVectorItem handles PUT /v1/vectors/:collection/items/:id.
func (s *Server) upsertVectorItem(c *gin.Context) {
	item, ok := s.vectorItemFromBody(c)
	if !ok {
		return
	}
	item.ID = c.Param("id")
	collection := c.Param("collection")
	if err := s.engine.VectorUpsert(c.Request.Context(), collection, item); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": item.ID})
}

// updateVectorItem handles PATCH /v1/vectors/:collection/items/:id.
func (s *Server) updateVectorItem(c *gin.Context) {
	item, ok := s.vectorItemFromBody(c)
	if !ok {
		return
	}
	item.ID = c.Param("id")
	collection := c.Param("collection")
	if err := s.engine.VectorUpdate(c.Request.Context(), collection, item); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": item.ID})
}

// getVectorItem handles GET /v1/vectors/:collection/items/:id.
func (s *Server) getVectorItem(c *gin.Context) {
	collection, id := c.Param("collection"), c.Param("id")
	item, err := s.engine.VectorGet(c.Request.Context(), collection, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// deleteVectorItem handles DELETE /v1/vectors/:collection/items/:id.
func (s *Server) deleteVectorItem(c *gin.Context) {
	collection, id := c.Param("collection"), c.Param("id")
	if err := s.engine.VectorDelete(c.Request.Context(), collection, id); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type vectorItemResult struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

type vectorBatchUpsertRequest struct {
	Items []vectorItemRequest `json:"items" binding:"required"`
}

// batchUpsertVectorItems handles POST /v1/vectors/:collection/items/batch:
// items are upserted sequentially under the commit lock, per-item errors
// reported inline rather than aborting the rest of the batch.
func (s *Server) batchUpsertVectorItems(c *gin.Context) {
	collection := c.Param("collection")
	var req vectorBatchUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "invalid_argument", "message": err.Error()}})
		return
	}
	items := make([]vector.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = vector.Item{ID: it.ID, Vector: it.Vector, Metadata: it.Metadata}
	}
	results, err := s.engine.VectorUpsertBatch(c.Request.Context(), collection, items)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": toVectorItemResults(results)})
}

type vectorBatchDeleteRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// batchDeleteVectorItems handles POST /v1/vectors/:collection/items/batch-delete.
func (s *Server) batchDeleteVectorItems(c *gin.Context) {
	collection := c.Param("collection")
	var req vectorBatchDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "invalid_argument", "message": err.Error()}})
		return
	}
	results, err := s.engine.VectorDeleteBatch(c.Request.Context(), collection, req.IDs)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": toVectorItemResults(results)})
}

func toVectorItemResults(results []engine.VectorItemResult) []vectorItemResult {
	out := make([]vectorItemResult, len(results))
	for i, r := range results {
		out[i] = vectorItemResult{ID: r.ID}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return out
}

type vectorSearchRequest struct {
	Vector  []float32         `json:"vector" binding:"required"`
	TopK    int               `json:"top_k"`
	Filters map[string]string `json:"filters"`
}

// searchVectors handles POST /v1/vectors/:collection/search.
func (s *Server) searchVectors(c *gin.Context) {
	collection := c.Param("collection")
	var req vectorSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "invalid_argument", "message": err.Error()}})
		return
	}
	if req.TopK < 1 {
		req.TopK = 10
	}
	results, err := s.engine.VectorSearch(c.Request.Context(), collection, req.Vector, req.TopK, req.Filters)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// vacuumVectorCollection handles POST /v1/vectors/:collection/vacuum.
func (s *Server) vacuumVectorCollection(c *gin.Context) {
	collection := c.Param("collection")
	if err := s.engine.VectorVacuum(c.Request.Context(), collection); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
