package api

import (
	"crypto/subtle"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/kissdb/kissengine/internal/telemetry"
)

// RequestID assigns a UUID to every request that doesn't already carry
// one under headerName, and echoes it back on the response.
func RequestID(headerName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerName)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(headerName, id)
		c.Next()
	}
}

// Logger replaces the teacher's stdlib-log middleware with a structured
// go-kit logger, one log line per request with method/path/status/
// latency/request_id fields.
func Logger(logger kitlog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level.Info(logger).Log(
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"request_id", c.GetString("request_id"),
		)
	}
}

// Recovery wraps Gin's default recovery, logging panics structurally
// instead of to the stdlib logger.
func Recovery(logger kitlog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				level.Error(logger).Log("msg", "panic recovered", "err", r, "request_id", c.GetString("request_id"))
				c.AbortWithStatusJSON(500, gin.H{"error": gin.H{"kind": "internal", "message": "internal server error"}})
			}
		}()
		c.Next()
	}
}

// exemptFromAuth lists routes reachable without a bearer token, matching
// auth.rs exempting health and metrics from the token check.
var exemptFromAuth = map[string]bool{
	"/v1/health":  true,
	"/v1/metrics": true,
}

// Auth enforces a constant-time Bearer token comparison against token, the
// way _examples/original_source/src/api/auth.rs compares against
// subtle::ConstantTimeEq rather than a plain byte comparison, which would
// otherwise leak how long a matching prefix is via response-time
// differences. ConstantTimeCompare still returns at once when the lengths
// differ, so the token's length is not hidden. An empty token disables
// auth entirely.
func Auth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || exemptFromAuth[c.Request.URL.Path] {
			c.Next()
			return
		}
		const prefix = "Bearer "
		header := c.GetHeader("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(401, gin.H{"error": gin.H{"kind": "unauthenticated", "message": "missing bearer token"}})
			return
		}
		presented := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(401, gin.H{"error": gin.H{"kind": "unauthenticated", "message": "invalid bearer token"}})
			return
		}
		c.Next()
	}
}

// Metrics records request counts and latency histograms by route.
func Metrics(m *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.HTTPRequestsTotal.WithLabelValues(route, statusClass(c.Writer.Status())).Inc()
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
