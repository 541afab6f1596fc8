package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/marketplace-partner/internal/auth"
)

const claimsKey = "partner.claims"

// authenticate resolves the bearer token and requires the path installation
// to be the token's installation.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			writeForbidden(c, "missing bearer token")
			return
		}
		claims, err := s.deps.Verifier.Verify(c.Request.Context(), token)
		if errors.Is(err, auth.ErrUnauthorized) {
			s.log.Info("token rejected", "path", c.Request.URL.Path, "error", err)
			writeForbidden(c, "invalid bearer token")
			return
		}
		if err != nil {
			s.log.Error("token verification failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Code: codeInternal, Description: "internal error"})
			return
		}
		if c.Param("installationId") != claims.InstallationID {
			writeForbidden(c, "token does not belong to this installation")
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// caller is the authenticated installation.
func caller(c *gin.Context) string {
	return c.MustGet(claimsKey).(auth.Claims).InstallationID
}

// observe logs every request and records its latency.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveHTTP(c.Request.Method, route, status, elapsed)
		}
		s.log.Debug("http request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration", elapsed)
	}
}
