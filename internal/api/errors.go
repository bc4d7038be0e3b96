package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kissdb/kissengine/internal/engine/errs"
)

// errorEnvelope is the uniform JSON body returned for every non-2xx
// response, mirrored from the gin.H{"error": ...} shape
// _examples/ppriyankuu-godkv/internal/api/handlers.go already uses.
type errorEnvelope struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindAlreadyExists:
		return http.StatusConflict
	case errs.KindRevisionMismatch:
		return http.StatusConflict
	case errs.KindDimMismatch, errs.KindInvalidArgument:
		return http.StatusBadRequest
	case errs.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondErr writes err as the uniform error envelope, choosing the HTTP
// status from its Kind.
func respondErr(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := statusForKind(kind)
	env := errorEnvelope{}
	env.Error.Kind = string(kind)
	env.Error.Message = err.Error()
	c.AbortWithStatusJSON(status, env)
}
