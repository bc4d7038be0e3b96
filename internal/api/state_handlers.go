package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kissdb/kissengine/internal/engine"
)

type putStateRequest struct {
	Value      json.RawMessage `json:"value" binding:"required"`
	IfRevision *int64          `json:"if_revision"`
	TTLMs      int64           `json:"ttl_ms"`
}

// putState handles PUT /v1/state/:key.
func (s *Server) putState(c *gin.Context) {
	key := c.Param("key")
	var req putStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "invalid_argument", "message": err.Error()}})
		return
	}
	revision, err := s.engine.PutState(c.Request.Context(), key, req.Value, req.IfRevision, req.TTLMs)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "revision": revision})
}

// getState handles GET /v1/state/:key.
func (s *Server) getState(c *gin.Context) {
	key := c.Param("key")
	entry, err := s.engine.GetState(c.Request.Context(), key)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key":           key,
		"value":         entry.Value,
		"revision":      entry.Revision,
		"updated_at_ms": entry.UpdatedAtMs,
		"expires_at_ms": entry.ExpiresAtMs,
	})
}

// deleteState handles DELETE /v1/state/:key.
func (s *Server) deleteState(c *gin.Context) {
	key := c.Param("key")
	if err := s.engine.DeleteState(c.Request.Context(), key, "client"); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listState handles GET /v1/state?prefix=.
func (s *Server) listState(c *gin.Context) {
	prefix := c.Query("prefix")
	keys := s.engine.ListState(c.Request.Context(), prefix)
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

type putStateBatchItem struct {
	Key        string          `json:"key" binding:"required"`
	Value      json.RawMessage `json:"value" binding:"required"`
	IfRevision *int64          `json:"if_revision"`
	TTLMs      int64           `json:"ttl_ms"`
}

type putStateBatchRequest struct {
	Items []putStateBatchItem `json:"items" binding:"required"`
}

type putStateBatchResult struct {
	Key      string `json:"key"`
	Revision int64  `json:"revision,omitempty"`
	Error    string `json:"error,omitempty"`
}

// putStateBatch handles POST /v1/state/batch: items are applied
// sequentially under the engine's commit lock, with per-item failures
// reported inline rather than aborting the rest of the batch.
func (s *Server) putStateBatch(c *gin.Context) {
	var req putStateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "invalid_argument", "message": err.Error()}})
		return
	}
	items := make([]engine.PutStateItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = engine.PutStateItem{Key: it.Key, Value: it.Value, IfRevision: it.IfRevision, TTLMs: it.TTLMs}
	}
	results, err := s.engine.PutStateBatch(c.Request.Context(), items)
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]putStateBatchResult, len(results))
	for i, r := range results {
		out[i] = putStateBatchResult{Key: r.Key, Revision: r.Revision}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func parseTopK(c *gin.Context, def int) int {
	v := c.Query("top_k")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
