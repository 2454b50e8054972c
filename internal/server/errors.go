package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/untoldecay/dedupfs/internal/types"
)

// writeError maps the domain error taxonomy onto status codes and the
// {"detail": ...} body shape. Conflict-family errors share 409 except the
// two backpressure cases, which answer 429; rate-limited responses carry
// a Retry-After header. Anything outside the taxonomy is logged and
// masked behind a generic 500.
func (s *Server) writeError(c *gin.Context, err error) {
	var rateLimited *types.RateLimitedError
	switch {
	case types.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
	case types.IsInvalidState(err), types.IsConflict(err), types.IsPolicy(err):
		c.JSON(http.StatusConflict, gin.H{"detail": err.Error()})
	case errors.As(err, &rateLimited):
		c.Header("Retry-After", strconv.FormatInt(rateLimited.RetryAfterSeconds, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"detail": rateLimited.Message})
	case types.IsQueueFull(err):
		c.JSON(http.StatusTooManyRequests, gin.H{"detail": err.Error()})
	case types.IsValidation(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
	case types.IsQueryError(err):
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
	default:
		s.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
