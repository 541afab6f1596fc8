// Package server is the HTTP boundary of the partner service: it validates
// request bodies, resolves the caller from the bearer token and hands off to
// the claim and transfer request state machines.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/marketplace-partner/internal/auth"
	"github.com/ChuLiYu/marketplace-partner/internal/metrics"
	"github.com/ChuLiYu/marketplace-partner/internal/resource"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
	"github.com/ChuLiYu/marketplace-partner/internal/transfer"
	"github.com/ChuLiYu/marketplace-partner/pkg/types"
)

// healthTimeout bounds the store ping behind /healthz.
const healthTimeout = 2 * time.Second

// Deps are the collaborators the HTTP boundary delegates to.
type Deps struct {
	Store     kv.Store
	Claims    *transfer.Claims
	Requests  *transfer.Requests
	Resources *resource.Repository
	Verifier  auth.Verifier
	Metrics   *metrics.Collector // optional
	Logger    *slog.Logger       // optional
}

// Server owns the gin router.
type Server struct {
	deps   Deps
	log    *slog.Logger
	router *gin.Engine
}

// New builds the router.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{deps: deps, log: deps.Logger, router: gin.New()}
	if s.log == nil {
		s.log = slog.Default()
	}

	router := s.router
	router.Use(gin.Recovery(), s.observe())

	router.GET("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	inst := router.Group("/installations/:installationId", s.authenticate())
	{
		inst.POST("/claims", s.handleCreateClaim)
		inst.POST("/claims/:claimId", s.handleCreateClaim)
		inst.GET("/claims/:claimId", s.handleGetClaim)
		inst.DELETE("/claims/:claimId", s.handleDeleteClaim)
		inst.GET("/claims/:claimId/history", s.handleClaimHistory)
		inst.POST("/claims/:claimId/verify", s.handleVerifyClaim)
		inst.POST("/claims/:claimId/complete", s.handleCompleteClaim)

		rtr := inst.Group("/resource-transfer-requests/:transferId")
		rtr.PUT("", s.handleCreateTransfer)
		rtr.GET("", s.handleGetTransfer)
		rtr.DELETE("", s.handleDeleteTransfer)
		rtr.GET("/history", s.handleTransferHistory)
		rtr.POST("/verify", s.handleVerifyTransfer)
		rtr.POST("/accept", s.handleAcceptTransfer)
		rtr.POST("/complete", s.handleAcceptTransfer)

		inst.GET("/resources", s.handleListResources)
		inst.GET("/resources/:resourceId", s.handleGetResource)
		inst.PUT("/resources/:resourceId", s.handlePutResource)
		inst.DELETE("/resources/:resourceId", s.handleDeleteResource)
	}
	return s
}

// Handler returns the http.Handler to serve.
func (s *Server) Handler() http.Handler {
	return s.router
}

type descriptionResponse struct {
	Description string `json:"description"`
}

type acceptResponse struct {
	Description        string   `json:"description"`
	MovedResourceIDs   []string `json:"movedResourceIds,omitempty"`
	MissingResourceIDs []string `json:"missingResourceIds,omitempty"`
}

type historyResponse struct {
	History []types.HistoryEntry `json:"history"`
}

type resourcesResponse struct {
	Resources []types.Resource `json:"resources"`
}

// decode reads a JSON body into v. An empty body is accepted only when
// optional is set.
func decode(c *gin.Context, v any, optional bool) bool {
	err := c.ShouldBindJSON(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeFailure(c, "invalid JSON body")
	return false
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.log.Warn("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ============================================================================
// Claims
// ============================================================================

func (s *Server) handleCreateClaim(c *gin.Context) {
	var body createClaimBody
	if !decode(c, &body, false) {
		return
	}
	in, vf := validateCreateClaim(body, c.Param("claimId"))
	if vf != nil {
		writeValidation(c, vf)
		return
	}
	claim, err := s.deps.Claims.Create(c.Request.Context(), caller(c), in.ClaimID, in.ResourceIDs, in.Expiration)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (s *Server) handleGetClaim(c *gin.Context) {
	claim, err := s.deps.Claims.Lookup(c.Request.Context(), caller(c), c.Param("claimId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (s *Server) handleDeleteClaim(c *gin.Context) {
	if err := s.deps.Claims.Delete(c.Request.Context(), caller(c), c.Param("claimId")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClaimHistory(c *gin.Context) {
	hist, err := s.deps.Claims.History(c.Request.Context(), caller(c), c.Param("claimId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, historyResponse{History: hist})
}

func (s *Server) handleVerifyClaim(c *gin.Context) {
	var body verifyClaimBody
	if !decode(c, &body, true) {
		return
	}
	target, vf := validateVerifyClaim(body)
	if vf != nil {
		writeValidation(c, vf)
		return
	}
	res, err := s.deps.Claims.Verify(c.Request.Context(), caller(c), c.Param("claimId"), target)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, descriptionResponse{Description: res.Description})
}

func (s *Server) handleCompleteClaim(c *gin.Context) {
	var body completeClaimBody
	if !decode(c, &body, false) {
		return
	}
	target, vf := validateCompleteClaim(body)
	if vf != nil {
		writeValidation(c, vf)
		return
	}
	res, err := s.deps.Claims.Complete(c.Request.Context(), caller(c), c.Param("claimId"), target)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, descriptionResponse{Description: res.Description})
}

// ============================================================================
// Transfer requests
// ============================================================================

func (s *Server) handleCreateTransfer(c *gin.Context) {
	var body createTransferBody
	if !decode(c, &body, false) {
		return
	}
	in, vf := validateCreateTransfer(body)
	if vf != nil {
		writeValidation(c, vf)
		return
	}
	req, err := s.deps.Requests.Create(c.Request.Context(), caller(c), c.Param("transferId"), in.ResourceIDs, in.Expiration)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) handleGetTransfer(c *gin.Context) {
	req, err := s.deps.Requests.Lookup(c.Request.Context(), caller(c), c.Param("transferId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) handleDeleteTransfer(c *gin.Context) {
	if err := s.deps.Requests.Delete(c.Request.Context(), caller(c), c.Param("transferId")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTransferHistory(c *gin.Context) {
	hist, err := s.deps.Requests.History(c.Request.Context(), caller(c), c.Param("transferId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, historyResponse{History: hist})
}

func (s *Server) handleVerifyTransfer(c *gin.Context) {
	res, err := s.deps.Requests.Verify(c.Request.Context(), caller(c), c.Param("transferId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, descriptionResponse{Description: res.Description})
}

func (s *Server) handleAcceptTransfer(c *gin.Context) {
	res, err := s.deps.Requests.Accept(c.Request.Context(), caller(c), c.Param("transferId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acceptResponse{
		Description:        res.Description,
		MovedResourceIDs:   res.Moved,
		MissingResourceIDs: res.Missing,
	})
}

// ============================================================================
// Resources
// ============================================================================

func (s *Server) handleListResources(c *gin.Context) {
	list, err := s.deps.Resources.List(c.Request.Context(), caller(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resourcesResponse{Resources: list})
}

func (s *Server) resourceID(c *gin.Context) (string, bool) {
	id := c.Param("resourceId")
	if !transfer.ValidID(id) {
		writeFailure(c, "invalid resource ID")
		return "", false
	}
	return id, true
}

func (s *Server) handleGetResource(c *gin.Context) {
	id, ok := s.resourceID(c)
	if !ok {
		return
	}
	res, err := s.deps.Resources.Get(c.Request.Context(), caller(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handlePutResource(c *gin.Context) {
	id, ok := s.resourceID(c)
	if !ok {
		return
	}
	var body putResourceBody
	if !decode(c, &body, false) {
		return
	}
	body, vf := validatePutResource(body)
	if vf != nil {
		writeValidation(c, vf)
		return
	}
	res, err := s.deps.Resources.Put(c.Request.Context(), caller(c), types.Resource{
		ID:            id,
		ProductID:     body.ProductID,
		Name:          body.Name,
		Status:        body.Status,
		BillingPlanID: body.BillingPlanID,
		Metadata:      body.Metadata,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleDeleteResource(c *gin.Context) {
	id, ok := s.resourceID(c)
	if !ok {
		return
	}
	if err := s.deps.Resources.Delete(c.Request.Context(), caller(c), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
