package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/catalyst-dev/catalyst/pkg/sandbox"
	"github.com/catalyst-dev/catalyst/pkg/store"
)

// mapError maps domain errors to HTTP error responses and writes the body.
func (s *Server) mapError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "resource not found"})
	case errors.Is(err, sandbox.ErrRuntimeUnavailable):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "container runtime unavailable"})
	default:
		s.logger.Error("Unexpected handler error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}
