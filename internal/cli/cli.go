// ============================================================================
// Partner CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and operating the partner service
//
// Command Structure:
//   partner                        # Root command
//   ├── serve                      # Start HTTP + gRPC health + background loops
//   ├── status                     # Print config summary
//   │   └── --addr                # Query a running server's gRPC health
//   ├── claims get|delete <id>     # Inspect or remove a claim
//   ├── transfers get|delete <id>  # Inspect or remove a transfer request
//   ├── snapshot                   # Snapshot + rotate the embedded store's WAL
//   ├── wal inspect <path>         # Offline WAL statistics
//   │   └── --dump                # Print every operation
//   └── --config, -c              # Config file (default: configs/default.yaml)
//
// The claims, transfers and snapshot commands open the configured store
// directly. With the embedded store they must not run next to a live
// server on the same WAL.
//
// Signal Handling:
//   serve stops on SIGINT / SIGTERM:
//   1. Stop background loops and the sweep pool
//   2. Drain HTTP and gRPC
//   3. Take a final snapshot (embedded store only)
//   4. Close the store
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ChuLiYu/marketplace-partner/internal/controller"
	"github.com/ChuLiYu/marketplace-partner/internal/resource"
	"github.com/ChuLiYu/marketplace-partner/internal/server"
	"github.com/ChuLiYu/marketplace-partner/internal/storage"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/wal"
	"github.com/ChuLiYu/marketplace-partner/internal/transfer"
)

// Version is reported by --version.
const Version = "1.0.0"

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "partner",
		Short: "Marketplace partner claim and transfer service",
		Long: `partner serves the marketplace partner API for claims and
resource transfer requests:
- claim and transfer request state machines over a pluggable KV store
- OIDC bearer token authentication
- WAL + snapshot durability for the embedded store
- Prometheus metrics and gRPC health`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	cfgPath := func() string { return configFile }

	rootCmd.AddCommand(buildServeCommand(cfgPath))
	rootCmd.AddCommand(buildStatusCommand(cfgPath))
	rootCmd.AddCommand(buildRecordCommand(cfgPath, "claims", "claim"))
	rootCmd.AddCommand(buildRecordCommand(cfgPath, "transfers", "transfer request"))
	rootCmd.AddCommand(buildSnapshotCommand(cfgPath))
	rootCmd.AddCommand(buildWALCommand())

	return rootCmd
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the partner API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(cfgPath())
			if err != nil {
				return err
			}
			logger, err := NewLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

// runServer runs until ctx is done.
func runServer(ctx context.Context, cfg *Config) error {
	logger := slog.Default()
	logger.Info("Starting partner service", "config", cfg.Summary())

	ctrl, err := controller.NewController(ctx, cfg.Config, controller.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping...")
	ctrl.Stop()
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(cfgPath func() string) *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration status and optionally query a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if addr == "" {
				cfg, err := LoadConfig(cfgPath())
				if err != nil {
					return err
				}
				printSummary(out, cfgPath(), cfg)
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return queryHealth(ctx, out, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of a running server (e.g. localhost:9091)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "health check timeout")
	return cmd
}

func printSummary(w io.Writer, path string, cfg *Config) {
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Config File:  %s\n", path)
	fmt.Fprintf(w, "  HTTP:         %s\n", cfg.HTTP.Addr)
	fmt.Fprintf(w, "  gRPC Health:  %s\n", orDash(cfg.GRPC.Addr))
	fmt.Fprintf(w, "  Auth:         %s\n", cfg.Auth.Mode)
	fmt.Fprintln(w, "Storage:")
	fmt.Fprintf(w, "  Driver:       %s\n", cfg.driver())
	if cfg.driver() == storage.DriverMemory {
		fmt.Fprintf(w, "  WAL:          %s\n", orDash(cfg.Storage.Memory.WALPath))
		fmt.Fprintf(w, "  Snapshot:     %s (every %s)\n", orDash(cfg.Storage.Memory.SnapshotPath), cfg.Storage.Memory.SnapshotInterval)
	}
	fmt.Fprintln(w, "Sweep:")
	if cfg.Sweep.Enabled {
		fmt.Fprintf(w, "  Every %s, retention %s, %d workers\n", cfg.Sweep.Interval, cfg.Sweep.Retention, cfg.Sweep.Workers)
	} else {
		fmt.Fprintln(w, "  Disabled")
	}
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "Metrics:        http://%s/metrics\n", cfg.HTTP.Addr)
	} else {
		fmt.Fprintln(w, "Metrics:        disabled")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func queryHealth(ctx context.Context, w io.Writer, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		return fmt.Errorf("health check %s: %w", addr, err)
	}
	data, err := protojson.MarshalOptions{Multiline: true}.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s is %s", addr, resp.GetStatus())
	}
	return nil
}

// ============================================================================
// claims / transfers
// ============================================================================

// recordOps is what the get/delete commands need from a state machine. The
// operator acts with the record's own source installation.
type recordOps struct {
	get    func(ctx context.Context, id string) (any, error)
	delete func(ctx context.Context, id string) error
}

func opsFor(use string, store kv.Store) recordOps {
	if use == "claims" {
		c := transfer.NewClaims(store)
		return recordOps{
			get: func(ctx context.Context, id string) (any, error) { return c.Get(ctx, id) },
			delete: func(ctx context.Context, id string) error {
				claim, err := c.Get(ctx, id)
				if err != nil {
					return err
				}
				return c.Delete(ctx, claim.SourceInstallationID, id)
			},
		}
	}
	r := transfer.NewRequests(store, resource.NewRepository(store))
	return recordOps{
		get: func(ctx context.Context, id string) (any, error) { return r.Get(ctx, id) },
		delete: func(ctx context.Context, id string) error {
			req, err := r.Get(ctx, id)
			if err != nil {
				return err
			}
			return r.Delete(ctx, req.SourceInstallationID, id)
		},
	}
}

func buildRecordCommand(cfgPath func() string, use, noun string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Inspect or remove a %s in the configured store", noun),
	}

	withStore := func(cmd *cobra.Command, fn func(ctx context.Context, ops recordOps) error) error {
		cfg, err := LoadConfig(cfgPath())
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()
		return fn(ctx, opsFor(use, store))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: fmt.Sprintf("Print a %s as JSON", noun),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, ops recordOps) error {
				rec, err := ops.get(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: fmt.Sprintf("Delete a %s and its history", noun),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, ops recordOps) error {
				if err := ops.delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s %s\n", noun, args[0])
				return nil
			})
		},
	})
	return cmd
}

// ============================================================================
// snapshot / wal
// ============================================================================

func buildSnapshotCommand(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Snapshot the embedded store and rotate its WAL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(cfgPath())
			if err != nil {
				return err
			}
			store, err := storage.Open(cmd.Context(), cfg.Storage)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			s, ok := store.(storage.Snapshotter)
			if !ok || !s.Durable() {
				return errors.New("snapshot needs the memory driver with wal_path and snapshot_path")
			}
			info, err := s.Snapshot()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot written: lastSeq=%d values=%d lists=%d\n", info.LastSeq, info.Values, info.Lists)
			return nil
		},
	}
}

func buildWALCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Offline tools for the embedded store's write-ahead log",
	}

	var dump bool
	inspect := &cobra.Command{
		Use:   "inspect <path>",
		Short: "Print WAL statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			stats, err := wal.GetStats(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Entries:   %d\n", stats.Entries)
			fmt.Fprintf(out, "Seq Range: %d..%d\n", stats.FirstSeq, stats.LastSeq)
			for _, t := range []kv.OpType{kv.OpSet, kv.OpDelete, kv.OpAppend} {
				fmt.Fprintf(out, "  %-8s %d\n", t, stats.Ops[t])
			}
			if stats.Entries > 0 {
				fmt.Fprintf(out, "Time:      %s .. %s\n",
					time.UnixMilli(stats.TimeRange[0]).UTC().Format(time.RFC3339),
					time.UnixMilli(stats.TimeRange[1]).UTC().Format(time.RFC3339))
			}
			if stats.TornTail {
				fmt.Fprintln(out, "Torn Tail: yes (last line incomplete, dropped on replay)")
			}
			if dump {
				fmt.Fprintln(out)
				return wal.DumpWAL(args[0], out)
			}
			return nil
		},
	}
	inspect.Flags().BoolVar(&dump, "dump", false, "print every operation")
	cmd.AddCommand(inspect)
	return cmd
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
