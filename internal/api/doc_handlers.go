package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

type putDocRequest struct {
	Doc        json.RawMessage `json:"doc" binding:"required"`
	IfRevision *int64          `json:"if_revision"`
}

// putDoc handles PUT /v1/docs/:collection/:id.
func (s *Server) putDoc(c *gin.Context) {
	collection, id := c.Param("collection"), c.Param("id")
	var req putDocRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "invalid_argument", "message": err.Error()}})
		return
	}
	rec, err := s.docs.PutDoc(c.Request.Context(), collection, id, req.Doc, req.IfRevision)
	if err != nil {
		respondErr(c, err)
		return
	}
	if s.sqlSidecar != nil {
		_ = s.sqlSidecar.MirrorDoc(c.Request.Context(), collection, id, string(rec.Doc), rec.Revision)
	}
	c.JSON(http.StatusOK, gin.H{"id": rec.ID, "revision": rec.Revision})
}

// getDoc handles GET /v1/docs/:collection/:id.
func (s *Server) getDoc(c *gin.Context) {
	collection, id := c.Param("collection"), c.Param("id")
	rec, err := s.docs.GetDoc(c.Request.Context(), collection, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": rec.ID, "doc": rec.Doc, "revision": rec.Revision})
}

// deleteDoc handles DELETE /v1/docs/:collection/:id.
func (s *Server) deleteDoc(c *gin.Context) {
	collection, id := c.Param("collection"), c.Param("id")
	if err := s.docs.DeleteDoc(c.Request.Context(), collection, id); err != nil {
		respondErr(c, err)
		return
	}
	if s.sqlSidecar != nil {
		_ = s.sqlSidecar.ForgetDoc(c.Request.Context(), collection, id)
	}
	c.Status(http.StatusNoContent)
}

// findDocs handles GET /v1/docs/:collection?field=value&field2=value2.
func (s *Server) findDocs(c *gin.Context) {
	collection := c.Param("collection")
	filters := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			filters[k] = v[0]
		}
	}
	docs, err := s.docs.FindDocs(c.Request.Context(), collection, filters)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docs": docs})
}
