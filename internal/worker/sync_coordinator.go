// Package worker contains background coordinators run for the lifetime
// of the process.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/chartsync/internal/syncer"
	"github.com/hyperengineering/chartsync/internal/types"
)

// Synchronizer runs one reconciliation pass.
// This interface allows testing with mock implementations.
type Synchronizer interface {
	Synchronize(ctx context.Context, cfg *types.SyncConfig) (*syncer.Result, error)
}

// ConfigSource loads the persisted sync configuration.
type ConfigSource interface {
	LoadSyncConfig(ctx context.Context) (*types.SyncConfig, error)
}

// AttentionFunc is invoked when a sync cycle needs an explicit user
// decision (first-sync choice or conflict). The coordinator never
// resolves either on its own.
type AttentionFunc func(result *syncer.Result)

// SyncCoordinator triggers periodic background synchronization.
type SyncCoordinator struct {
	source      ConfigSource
	syncer      Synchronizer
	interval    time.Duration
	onAttention AttentionFunc
}

// NewSyncCoordinator creates a coordinator that synchronizes on the given
// interval. onAttention is optional; if nil, decision states are only
// logged and left pending for the next interactive sync.
func NewSyncCoordinator(
	source ConfigSource,
	s Synchronizer,
	interval time.Duration,
	onAttention AttentionFunc,
) *SyncCoordinator {
	return &SyncCoordinator{
		source:      source,
		syncer:      s,
		interval:    interval,
		onAttention: onAttention,
	}
}

// Run starts the coordinator loop.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Synchronize immediately on start
	c.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

// runCycle executes one background sync pass.
func (c *SyncCoordinator) runCycle(ctx context.Context) {
	cfg, err := c.source.LoadSyncConfig(ctx)
	if err != nil {
		slog.Error("failed to load sync config",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "load_config_failed",
			"error", err,
		)
		return
	}
	if cfg == nil {
		// First-run state; nothing to do until setup completes.
		slog.Debug("sync not configured, skipping cycle",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "cycle_skipped",
		)
		return
	}

	result, err := c.syncer.Synchronize(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown, don't log as error
		}
		slog.Warn("background sync failed",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "sync_failed",
			"error", err,
		)
		return
	}

	switch result.State {
	case syncer.StateFirstSyncChoice, syncer.StateConflict:
		slog.Warn("sync needs a user decision",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "attention_required",
			"state", result.State.String(),
			"versions", len(result.Versions),
		)
		if c.onAttention != nil {
			c.onAttention(result)
		}
	default:
		slog.Info("background sync cycle completed",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "cycle_complete",
			"state", result.State.String(),
		)
	}
}
