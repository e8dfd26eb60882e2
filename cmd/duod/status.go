package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/duodb/duodb/internal/adapter/postgres"
	"github.com/duodb/duodb/internal/adapter/sqlite"
	"github.com/duodb/duodb/internal/changelog"
	"github.com/duodb/duodb/internal/config"
	"github.com/duodb/duodb/internal/conflict"
	"github.com/duodb/duodb/internal/dualwrite"
	"github.com/duodb/duodb/internal/schema"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect a deployment's stores and replication backlog",
	Long: `Probes the primary and reads the replication bookkeeping straight
from the fallback database. Does not take the fencing lock, so it is safe
to run next to a live daemon.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	PrimaryReachable bool   `json:"primary_reachable"`
	PrimaryLatencyMs int64  `json:"primary_latency_ms"`
	PrimaryError     string `json:"primary_error,omitempty"`
	FallbackPath     string `json:"fallback_path"`
	UnsyncedEntries  int64  `json:"unsynced_entries"`
	PendingWrites    int64  `json:"pending_writes"`
	PendingConflicts int64  `json:"pending_conflicts"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	report := statusReport{FallbackPath: cfg.Fallback.Path}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		primary, perr := postgres.New(postgres.Config{
			DSN:             cfg.Primary.DSN,
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Minute,
		}, schema.NewRegistry(cfg.Tables))
		if perr != nil {
			return perr
		}
		defer primary.Close()
		res := primary.HealthCheck(gctx, cfg.Health.Timeout)
		report.PrimaryReachable = res.Healthy
		report.PrimaryLatencyMs = res.Latency.Milliseconds()
		if res.Err != nil {
			report.PrimaryError = res.Err.Error()
		}
		return nil
	})

	g.Go(func() error {
		fb, ferr := sqlite.New(gctx, sqlite.Config{
			Path:          cfg.Fallback.Path,
			JournalMode:   cfg.Fallback.JournalMode,
			Synchronous:   cfg.Fallback.Synchronous,
			BusyTimeoutMs: cfg.Fallback.BusyTimeoutMs,
		}, schema.NewRegistry(cfg.Tables))
		if ferr != nil {
			return fmt.Errorf("open fallback: %w", ferr)
		}
		defer fb.Close()
		var serr error
		if report.UnsyncedEntries, serr = changelog.New(fb.DB()).UnsyncedCount(gctx); serr != nil {
			return serr
		}
		if report.PendingWrites, serr = dualwrite.NewPendingStore(fb.DB()).Count(gctx); serr != nil {
			return serr
		}
		report.PendingConflicts, serr = conflict.NewStore(fb.DB()).PendingCount(gctx)
		return serr
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	primaryLine := "unreachable"
	if report.PrimaryReachable {
		primaryLine = fmt.Sprintf("healthy (%dms)", report.PrimaryLatencyMs)
	} else if report.PrimaryError != "" {
		primaryLine = fmt.Sprintf("unreachable: %s", report.PrimaryError)
	}
	fmt.Printf("Primary:            %s\n", primaryLine)
	fmt.Printf("Fallback:           %s\n", report.FallbackPath)
	fmt.Printf("Unsynced entries:   %d\n", report.UnsyncedEntries)
	fmt.Printf("Pending mirrors:    %d\n", report.PendingWrites)
	fmt.Printf("Pending conflicts:  %d\n", report.PendingConflicts)
	return nil
}
