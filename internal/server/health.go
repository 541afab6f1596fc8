package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
)

// ServiceName is the gRPC health service name of the transfer API.
const ServiceName = "partner.v1.Transfers"

// Health serves grpc.health.v1 driven by periodic store pings.
type Health struct {
	srv      *health.Server
	store    kv.Store
	interval time.Duration
	log      *slog.Logger
}

// NewHealth creates a health service that starts NOT_SERVING until the
// first successful ping.
func NewHealth(store kv.Store, interval time.Duration) *Health {
	h := &Health{
		srv:      health.NewServer(),
		store:    store,
		interval: interval,
		log:      slog.Default(),
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register adds the health service to g.
func (h *Health) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, h.srv)
}

func (h *Health) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
}

// Check pings the store once and publishes the result.
func (h *Health) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.log.Warn("store ping failed", "error", err)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run checks every interval until ctx is done, then reports NOT_SERVING
// for good.
func (h *Health) Run(ctx context.Context) {
	h.Check(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}
