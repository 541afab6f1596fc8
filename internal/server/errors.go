package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/marketplace-partner/internal/resource"
	"github.com/ChuLiYu/marketplace-partner/internal/transfer"
)

// Codes used only at the boundary.
const (
	codeForbidden = "forbidden"
	codeInternal  = "internal_error"
)

type errorResponse struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// writeError maps a state machine or repository error to a response.
// Store failures are logged and hidden behind a generic 500.
func (s *Server) writeError(c *gin.Context, err error) {
	if e, ok := transfer.AsError(err); ok {
		c.AbortWithStatusJSON(statusOf(e.Kind), errorResponse{Code: e.Code, Description: e.Description})
		return
	}
	if errors.Is(err, resource.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Code: transfer.CodeNotFound, Description: "resource not found"})
		return
	}
	s.log.Error("request failed",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Code: codeInternal, Description: "internal error"})
}

func statusOf(k transfer.Kind) int {
	switch k {
	case transfer.KindValidation:
		return http.StatusBadRequest
	case transfer.KindNotFound:
		return http.StatusNotFound
	case transfer.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeFailure(c *gin.Context, description string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Code: transfer.CodeBadRequest, Description: description})
}

func writeValidation(c *gin.Context, vf *validationFailure) {
	writeFailure(c, vf.Description())
}

func writeForbidden(c *gin.Context, description string) {
	c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Code: codeForbidden, Description: description})
}
