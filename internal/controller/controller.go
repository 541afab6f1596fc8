// ============================================================================
// Partner 控制器 - 服務生命週期協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 打開存儲、組裝狀態機與 HTTP / gRPC 邊界, 運行後台循環, 優雅關閉
//
// 架構設計:
//   Controller 負責協調以下組件：
//   - kv.Store: 按 storage.driver 打開 (memory / redis / sqlite / postgres)
//   - transfer.Claims / transfer.Requests: claim 與 transfer request 狀態機
//   - server.Server: gin HTTP 邊界
//   - server.Health: gRPC health 服務
//   - worker.Pool + transfer.Sweeper: 過期記錄清理
//
// 後台循環 (最多 3 個 Goroutine):
//   1. Health Loop - 定期 ping 存儲並更新 gRPC health 狀態
//   2. Snapshot Loop - 內嵌存儲定期快照並旋轉 WAL
//   3. Sweep Loop - 定期掃描 claim: / transfer: 鍵並刪除過期記錄
//
// 崩潰恢復:
//   由 memkv.Open 完成 (snapshot -> replay WAL), Controller 只把耗時
//   寫入 partner_recovery_time_seconds
//
// 關閉順序:
//  1. cancel(ctx)     → 通知所有循環停止
//  2. pool.Stop()     → 解除阻塞中的清理
//  3. loopWg.Wait()   → 等待所有循環退出
//  4. HTTP Shutdown / gRPC GracefulStop
//  5. 最後一次快照, 關閉存儲
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/marketplace-partner/internal/auth"
	"github.com/ChuLiYu/marketplace-partner/internal/metrics"
	"github.com/ChuLiYu/marketplace-partner/internal/resource"
	"github.com/ChuLiYu/marketplace-partner/internal/server"
	"github.com/ChuLiYu/marketplace-partner/internal/storage"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/memkv"
	"github.com/ChuLiYu/marketplace-partner/internal/transfer"
	"github.com/ChuLiYu/marketplace-partner/internal/worker"
)

// ErrNotDurable is returned by Snapshot when the store keeps no log.
var ErrNotDurable = errors.New("store does not support snapshots")

// ============================================================================
// 資料結構定義
// ============================================================================

// HTTPConfig HTTP 邊界配置
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GRPCConfig gRPC health 服務配置. An empty Addr disables it.
type GRPCConfig struct {
	Addr           string        `yaml:"addr"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// SweepConfig 過期清理配置
type SweepConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Retention   time.Duration `yaml:"retention"`
	Workers     int           `yaml:"workers"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config 服務配置 (configs/default.yaml 中除 log 外的所有段)
type Config struct {
	HTTP    HTTPConfig     `yaml:"http"`
	GRPC    GRPCConfig     `yaml:"grpc"`
	Storage storage.Config `yaml:"storage"`
	Auth    auth.Config    `yaml:"auth"`
	Sweep   SweepConfig    `yaml:"sweep"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// withDefaults fills the zero values that would otherwise stall a loop.
func (c Config) withDefaults() Config {
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.GRPC.HealthInterval <= 0 {
		c.GRPC.HealthInterval = 5 * time.Second
	}
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = time.Minute
	}
	if c.Sweep.Workers <= 0 {
		c.Sweep.Workers = 4
	}
	if c.Sweep.TaskTimeout <= 0 {
		c.Sweep.TaskTimeout = 5 * time.Second
	}
	return c
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides the time source of the state machines and the sweeper.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithVerifier replaces the verifier built from Config.Auth.
func WithVerifier(v auth.Verifier) Option {
	return func(c *Controller) { c.verifier = v }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// Controller 核心控制器
type Controller struct {
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	verifier auth.Verifier

	store     kv.Store
	metrics   *metrics.Collector
	claims    *transfer.Claims
	requests  *transfer.Requests
	resources *resource.Repository
	sweeper   *transfer.Sweeper
	pool      *worker.Pool
	health    *server.Health
	http      *http.Server
	grpc      *grpc.Server

	httpLis net.Listener
	grpcLis net.Listener

	sweepMu sync.Mutex // one sweep at a time

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	cancel    context.CancelFunc
	loopWg    sync.WaitGroup
	serveWg   sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 打開存儲並組裝所有組件. Nothing listens until Start.
func NewController(ctx context.Context, cfg Config, opts ...Option) (*Controller, error) {
	c := &Controller{
		cfg: cfg.withDefaults(),
		log: slog.Default(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.verifier == nil {
		v, err := auth.New(c.cfg.Auth)
		if err != nil {
			return nil, err
		}
		c.verifier = v
	}

	start := time.Now()
	store, err := storage.Open(ctx, c.cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	c.store = store

	c.metrics = metrics.NewCollector(nil)
	recovery := time.Since(start)
	if r, ok := store.(interface{ Recovery() memkv.Recovery }); ok && r.Recovery().Duration > 0 {
		recovery = r.Recovery().Duration
	}
	c.metrics.SetRecoveryTime(recovery)
	if recovery > 3*time.Second {
		c.log.Warn("Recovery time exceeds 3s", "duration", recovery)
	}

	stateOpts := []transfer.Option{
		transfer.WithClock(c.now),
		transfer.WithRecorder(c.metrics),
		transfer.WithLogger(c.log),
	}
	c.resources = resource.NewRepository(store)
	c.resources.SetClock(c.now)
	c.claims = transfer.NewClaims(store, stateOpts...)
	c.requests = transfer.NewRequests(store, c.resources, stateOpts...)

	c.sweeper = transfer.NewSweeper(store, c.cfg.Sweep.Retention)
	c.sweeper.SetClock(c.now)
	c.pool = worker.NewPool(c.cfg.Sweep.Workers*4, c.sweeper.Sweep)

	c.health = server.NewHealth(store, c.cfg.GRPC.HealthInterval)

	deps := server.Deps{
		Store:     store,
		Claims:    c.claims,
		Requests:  c.requests,
		Resources: c.resources,
		Verifier:  c.verifier,
		Logger:    c.log,
	}
	if c.cfg.Metrics.Enabled {
		deps.Metrics = c.metrics
	}
	c.http = &http.Server{
		Handler:           server.New(deps).Handler(),
		ReadTimeout:       c.cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}
	c.grpc = grpc.NewServer()
	c.health.Register(c.grpc)

	return c, nil
}

// Start 開始監聽並啟動後台循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("controller already started")
	}
	c.startTime = time.Now()

	httpLis, err := net.Listen("tcp", c.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", c.cfg.HTTP.Addr, err)
	}
	c.httpLis = httpLis

	if c.cfg.GRPC.Addr != "" {
		grpcLis, err := net.Listen("tcp", c.cfg.GRPC.Addr)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("listen grpc %s: %w", c.cfg.GRPC.Addr, err)
		}
		c.grpcLis = grpcLis
	}

	if c.cfg.Sweep.Enabled {
		if err := c.pool.Start(c.cfg.Sweep.Workers); err != nil {
			c.closeListeners()
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.serveWg.Add(1)
	go func() {
		defer c.serveWg.Done()
		if err := c.http.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("HTTP server failed", "error", err)
		}
	}()
	if c.grpcLis != nil {
		c.serveWg.Add(1)
		go func() {
			defer c.serveWg.Done()
			if err := c.grpc.Serve(c.grpcLis); err != nil {
				c.log.Error("gRPC server failed", "error", err)
			}
		}()
	}

	c.loopWg.Add(1)
	go func() {
		defer c.loopWg.Done()
		c.health.Run(ctx)
	}()
	if c.snapshotter() != nil && c.cfg.Storage.Memory.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop(ctx)
	}
	if c.cfg.Sweep.Enabled {
		c.loopWg.Add(1)
		go c.sweepLoop(ctx)
	}

	c.started = true
	c.log.Info("Controller started",
		"http", httpLis.Addr().String(),
		"grpc", c.GRPCAddr(),
		"driver", c.driver(),
		"sweep", c.cfg.Sweep.Enabled)
	return nil
}

func (c *Controller) closeListeners() {
	if c.httpLis != nil {
		c.httpLis.Close()
	}
	if c.grpcLis != nil {
		c.grpcLis.Close()
	}
}

func (c *Controller) driver() string {
	if c.cfg.Storage.Driver == "" {
		return storage.DriverMemory
	}
	return c.cfg.Storage.Driver
}

// ============================================================================
// 後台循環
// ============================================================================

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.Storage.Memory.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if _, err := c.Snapshot(); err != nil {
				c.log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// sweepLoop 定期清理過期記錄
func (c *Controller) sweepLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.Sweep.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Sweep loop stopped")
			return
		case <-ticker.C:
			if _, err := c.SweepOnce(ctx); err != nil && !errors.Is(err, worker.ErrPoolClosed) {
				c.log.Error("Sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs one sweep through the worker pool and returns how many
// records of each kind were deleted. The pool must be running.
func (c *Controller) SweepOnce(ctx context.Context) (map[string]int, error) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if !c.pool.IsStarted() {
		return nil, worker.ErrPoolNotStarted
	}

	start := time.Now()
	keys, err := c.sweeper.Candidates(ctx)
	if err != nil {
		return nil, err
	}

	// Submit from a separate goroutine so results are drained while tasks
	// are still queued. Submit only fails once the pool is stopping, and
	// then ReceiveResult reports ErrPoolClosed as well.
	go func() {
		for _, key := range keys {
			if err := c.pool.Submit(worker.Task{Key: key, Timeout: c.cfg.Sweep.TaskTimeout}); err != nil {
				return
			}
		}
	}()

	counts := map[string]int{}
	failed := 0
	for range keys {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			return counts, err
		}
		if result.Error != nil {
			failed++
			c.log.Warn("Sweep task failed", "key", result.Key, "error", result.Error)
			continue
		}
		if result.Swept {
			counts[result.Kind]++
		}
	}

	for kind, n := range counts {
		c.metrics.RecordSwept(kind, n)
	}
	c.log.Info("Sweep finished",
		"candidates", len(keys),
		"claims", counts[transfer.KindClaim],
		"transfers", counts[transfer.KindTransfer],
		"failed", failed,
		"duration", time.Since(start))
	return counts, nil
}

// ============================================================================
// 公開方法
// ============================================================================

func (c *Controller) snapshotter() storage.Snapshotter {
	s, ok := c.store.(storage.Snapshotter)
	if !ok || !s.Durable() {
		return nil
	}
	return s
}

// Snapshot writes a snapshot of the embedded store and rotates its WAL.
func (c *Controller) Snapshot() (memkv.SnapshotInfo, error) {
	s := c.snapshotter()
	if s == nil {
		return memkv.SnapshotInfo{}, ErrNotDurable
	}
	start := time.Now()
	info, err := s.Snapshot()
	if err != nil {
		return memkv.SnapshotInfo{}, err
	}
	c.log.Info("Snapshot taken",
		"duration", time.Since(start),
		"lastSeq", info.LastSeq,
		"values", info.Values)
	return info, nil
}

// Store returns the opened store.
func (c *Controller) Store() kv.Store { return c.store }

// Claims returns the claim state machine.
func (c *Controller) Claims() *transfer.Claims { return c.claims }

// Requests returns the transfer request state machine.
func (c *Controller) Requests() *transfer.Requests { return c.requests }

// Metrics returns the collector.
func (c *Controller) Metrics() *metrics.Collector { return c.metrics }

// HTTPAddr returns the bound HTTP address once started.
func (c *Controller) HTTPAddr() string {
	if c.httpLis == nil {
		return ""
	}
	return c.httpLis.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when disabled.
func (c *Controller) GRPCAddr() string {
	if c.grpcLis == nil {
		return ""
	}
	return c.grpcLis.Addr().String()
}

// Status summarizes the running service.
type Status struct {
	Uptime  time.Duration
	Driver  string
	Durable bool
	Sweep   bool
	Workers int
	HTTP    string
	GRPC    string
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Driver:  c.driver(),
		Durable: c.snapshotter() != nil,
		Sweep:   c.cfg.Sweep.Enabled,
		Workers: c.pool.GetWorkerCount(),
		HTTP:    c.HTTPAddr(),
		GRPC:    c.GRPCAddr(),
	}
	if c.started {
		st.Uptime = time.Since(c.startTime)
	}
	return st
}

// Stop 優雅關閉 Controller. It is safe to call more than once and without
// a prior Start.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.log.Info("Stopping controller...")

	if started {
		c.cancel()
		c.pool.Stop()
		c.loopWg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTP.ShutdownTimeout)
		if err := c.http.Shutdown(ctx); err != nil {
			c.log.Error("HTTP shutdown failed", "error", err)
		}
		cancel()
		c.grpc.GracefulStop()
		c.serveWg.Wait()
	}

	if c.snapshotter() != nil {
		if _, err := c.Snapshot(); err != nil {
			c.log.Error("Failed to take final snapshot", "error", err)
		}
	}
	if err := c.store.Close(); err != nil {
		c.log.Error("Failed to close store", "error", err)
	}

	c.log.Info("Controller stopped")
}
