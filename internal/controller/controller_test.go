package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/marketplace-partner/internal/auth"
	"github.com/ChuLiYu/marketplace-partner/internal/server"
	"github.com/ChuLiYu/marketplace-partner/internal/storage"
	"github.com/ChuLiYu/marketplace-partner/internal/transfer"
	"github.com/ChuLiYu/marketplace-partner/internal/worker"
	"github.com/ChuLiYu/marketplace-partner/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func testConfig() Config {
	return Config{
		HTTP: HTTPConfig{Addr: "127.0.0.1:0", ShutdownTimeout: 2 * time.Second},
		GRPC: GRPCConfig{Addr: "127.0.0.1:0", HealthInterval: 20 * time.Millisecond},
		Auth: auth.Config{
			Mode:         auth.ModeStatic,
			StaticTokens: map[string]string{"tok-a": "inst-a", "tok-b": "inst-b"},
		},
		Sweep:   SweepConfig{Enabled: true, Interval: time.Hour, Workers: 2},
		Metrics: MetricsConfig{Enabled: true},
	}
}

func durableConfig(dir string) Config {
	cfg := testConfig()
	cfg.Storage = storage.Config{
		Driver: storage.DriverMemory,
		Memory: storage.MemoryConfig{
			WALPath:      filepath.Join(dir, "partner.wal"),
			SnapshotPath: filepath.Join(dir, "partner.snapshot"),
		},
	}
	return cfg
}

// createTestController creates and starts a Controller that is stopped on
// cleanup.
func createTestController(t *testing.T, cfg Config, opts ...Option) *Controller {
	t.Helper()
	c, err := NewController(context.Background(), cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestControllerServesHTTP(t *testing.T) {
	c := createTestController(t, testConfig())
	base := "http://" + c.HTTPAddr()

	resp := postJSON(t, base+"/installations/inst-a/claims/c1", "tok-a", map[string]any{
		"resourceIds": []string{"r1"},
		"expiration":  time.Now().Add(time.Hour).UnixMilli(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	claim, err := c.Claims().Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnclaimed, claim.Status)
	assert.Equal(t, "inst-a", claim.SourceInstallationID)

	metricsResp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}

func TestControllerServesGRPCHealth(t *testing.T) {
	c := createTestController(t, testConfig())

	conn, err := grpc.NewClient(c.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStartTwiceAndStopTwice(t *testing.T) {
	c, err := NewController(context.Background(), testConfig())
	require.NoError(t, err)
	require.NoError(t, c.Start())
	assert.Error(t, c.Start())

	c.Stop()
	assert.NotPanics(t, c.Stop)
}

func TestStopWithoutStart(t *testing.T) {
	c, err := NewController(context.Background(), testConfig())
	require.NoError(t, err)
	assert.NotPanics(t, c.Stop)
}

func TestNewControllerRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = auth.Config{Mode: "kerberos"}
	_, err := NewController(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Storage.Driver = "cassandra"
	_, err = NewController(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown driver")
}

func TestGetStatus(t *testing.T) {
	c := createTestController(t, testConfig())
	st := c.GetStatus()
	assert.Equal(t, storage.DriverMemory, st.Driver)
	assert.False(t, st.Durable)
	assert.True(t, st.Sweep)
	assert.Equal(t, 2, st.Workers)
	assert.Equal(t, c.HTTPAddr(), st.HTTP)
	assert.NotEmpty(t, st.GRPC)
}

// ============================================================================
// Sweep
// ============================================================================

func TestSweepOnce(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	c := createTestController(t, testConfig(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	expired := now.Add(-time.Minute).UnixMilli()
	live := now.Add(time.Hour).UnixMilli()

	_, err := c.Claims().Create(ctx, "inst-a", "old", []string{"r1"}, expired)
	require.NoError(t, err)
	_, err = c.Claims().Create(ctx, "inst-a", "new", []string{"r1"}, live)
	require.NoError(t, err)
	_, err = c.Requests().Create(ctx, "inst-a", "t-old", []string{"r1"}, expired)
	require.NoError(t, err)

	counts, err := c.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{transfer.KindClaim: 1, transfer.KindTransfer: 1}, counts)

	_, err = c.Claims().Get(ctx, "old")
	assert.ErrorIs(t, err, transfer.ErrNotFound)
	_, err = c.Claims().Get(ctx, "new")
	assert.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().SweptCounter(transfer.KindClaim)))

	counts, err = c.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestSweepOnceWithoutPool(t *testing.T) {
	cfg := testConfig()
	cfg.Sweep.Enabled = false
	c := createTestController(t, cfg)

	_, err := c.SweepOnce(context.Background())
	assert.ErrorIs(t, err, worker.ErrPoolNotStarted)
}

func TestSweepLoopRuns(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	cfg := testConfig()
	cfg.Sweep.Interval = 20 * time.Millisecond
	c := createTestController(t, cfg, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := c.Claims().Create(ctx, "inst-a", "old", []string{"r1"}, now.Add(-time.Second).UnixMilli())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := c.Claims().Get(ctx, "old")
		return err != nil
	}, 3*time.Second, 20*time.Millisecond)
}

// ============================================================================
// Durability
// ============================================================================

func TestSnapshotRequiresDurableStore(t *testing.T) {
	c := createTestController(t, testConfig())
	_, err := c.Snapshot()
	assert.ErrorIs(t, err, ErrNotDurable)
}

func TestRestartRecoversState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewController(ctx, durableConfig(dir))
	require.NoError(t, err)
	require.NoError(t, first.Start())
	_, err = first.Claims().Create(ctx, "inst-a", "c1", []string{"r1"}, time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)

	info, err := first.Snapshot()
	require.NoError(t, err)
	assert.NotZero(t, info.LastSeq)

	// After the snapshot, so it only lives in the WAL until Stop.
	_, err = first.Claims().Verify(ctx, "inst-b", "c1", "inst-b")
	require.NoError(t, err)
	first.Stop()

	second, err := NewController(ctx, durableConfig(dir))
	require.NoError(t, err)
	defer second.Stop()
	assert.True(t, second.GetStatus().Durable)

	claim, err := second.Claims().Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusVerified, claim.Status)
	assert.Equal(t, "inst-b", claim.TargetInstallationID)

	hist, err := second.Claims().History(ctx, "inst-b", "c1")
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}
