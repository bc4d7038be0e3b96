// Package api is the HTTP surface: a gin router exposing the state,
// document and vector stores plus a server-sent-events change stream.
//
// Grounded on _examples/ppriyankuu-godkv/internal/api/handlers.go's
// Handler{store,...}/Register(r *gin.Engine) pattern, generalized to the
// engine/docstore split and extended with auth, request IDs and metrics
// middleware per _examples/original_source/src/api/*.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	kitlog "github.com/go-kit/log"

	"github.com/kissdb/kissengine/internal/config"
	"github.com/kissdb/kissengine/internal/docstore"
	"github.com/kissdb/kissengine/internal/engine"
	"github.com/kissdb/kissengine/internal/sqlsidecar"
	"github.com/kissdb/kissengine/internal/telemetry"
)

// Server holds every dependency the HTTP handlers need.
type Server struct {
	engine     *engine.Engine
	docs       *docstore.Store
	cfg        config.Config
	metrics    *telemetry.Metrics
	logger     kitlog.Logger
	sqlSidecar *sqlsidecar.Sidecar
	startedAt  time.Time
}

// New builds the gin.Engine with every route registered. sqlSidecar may
// be nil when the SQL sidecar is disabled.
func New(eng *engine.Engine, docs *docstore.Store, cfg config.Config, metrics *telemetry.Metrics, logger kitlog.Logger, sqlSidecar *sqlsidecar.Sidecar) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	s := &Server{engine: eng, docs: docs, cfg: cfg, metrics: metrics, logger: logger, sqlSidecar: sqlSidecar, startedAt: time.Now()}

	r.Use(RequestID(cfg.RequestIDHdr), Recovery(logger), Logger(logger), Metrics(metrics))
	r.Use(Auth(cfg.AuthToken))

	r.GET("/v1/health", s.health)
	if cfg.MetricsEnabled {
		r.GET("/v1/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1")
	{
		v1.PUT("/state/:key", s.putState)
		v1.GET("/state/:key", s.getState)
		v1.DELETE("/state/:key", s.deleteState)
		v1.GET("/state", s.listState)
		v1.POST("/state/batch", s.putStateBatch)

		v1.PUT("/docs/:collection/:id", s.putDoc)
		v1.GET("/docs/:collection/:id", s.getDoc)
		v1.DELETE("/docs/:collection/:id", s.deleteDoc)
		v1.GET("/docs/:collection", s.findDocs)

		v1.GET("/vectors", s.listVectorCollections)
		v1.POST("/vectors", s.createVectorCollection)
		v1.GET("/vectors/:collection", s.describeVectorCollection)
		v1.POST("/vectors/:collection/items", s.addVectorItem)
		v1.POST("/vectors/:collection/items/batch", s.batchUpsertVectorItems)
		v1.POST("/vectors/:collection/items/batch-delete", s.batchDeleteVectorItems)
		v1.PUT("/vectors/:collection/items/:id", s.upsertVectorItem)
		v1.PATCH("/vectors/:collection/items/:id", s.updateVectorItem)
		v1.GET("/vectors/:collection/items/:id", s.getVectorItem)
		v1.DELETE("/vectors/:collection/items/:id", s.deleteVectorItem)
		v1.POST("/vectors/:collection/search", s.searchVectors)
		v1.POST("/vectors/:collection/vacuum", s.vacuumVectorCollection)

		v1.GET("/events/stream", s.streamEvents)

		if sqlSidecar != nil {
			v1.POST("/sql/exec", s.runSQLExec)
			v1.POST("/sql/query", s.runSQL)
		} else {
			notSupported := func(c *gin.Context) {
				c.JSON(http.StatusNotImplemented, gin.H{"error": gin.H{"kind": "not_supported", "message": "sql sidecar is not enabled"}})
			}
			v1.POST("/sql/exec", notSupported)
			v1.POST("/sql/query", notSupported)
		}
	}

	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime":      time.Since(s.startedAt).String(),
		"last_offset": s.engine.LastOffset(),
	})
}

type sqlRequest struct {
	Query string `json:"query" binding:"required"`
	Args  []any  `json:"args"`
}

// runSQL handles POST /v1/sql/query, only registered when the SQL
// sidecar is enabled via cfg.SQLSidecarPath.
func (s *Server) runSQL(c *gin.Context) {
	var req sqlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "invalid_argument", "message": err.Error()}})
		return
	}
	rows, err := s.sqlSidecar.Query(c.Request.Context(), req.Query, req.Args...)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "invalid_argument", "message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

// runSQLExec handles POST /v1/sql/exec.
func (s *Server) runSQLExec(c *gin.Context) {
	var req sqlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "invalid_argument", "message": err.Error()}})
		return
	}
	affected, err := s.sqlSidecar.Exec(c.Request.Context(), req.Query, req.Args...)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "invalid_argument", "message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows_affected": affected})
}
