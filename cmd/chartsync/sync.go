package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/chartsync/internal/syncer"
	"github.com/hyperengineering/chartsync/internal/worker"
)

var syncWatch bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile local data with the room's remote snapshot",
	Long:  "Run one synchronization pass: push, pull, or report that a decision is needed. With --watch, keep syncing on the configured interval until interrupted.",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false,
		"Keep syncing on the configured interval")
}

func runSync(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if syncWatch {
		return runSyncWatch(cmd, rt)
	}

	ctx := context.Background()
	cfg, err := rt.store.LoadSyncConfig(ctx)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("sync is not configured; run \"chartsync setup\" first")
	}

	result, err := rt.syncerFor(cfg).Synchronize(ctx, cfg)
	if err != nil {
		return err
	}
	printSyncResult(cmd, result)
	return nil
}

// runSyncWatch runs the background coordinator until SIGINT/SIGTERM.
func runSyncWatch(cmd *cobra.Command, rt *runtime) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	coordinator := worker.NewSyncCoordinator(
		rt.store,
		rt.syncer,
		time.Duration(rt.cfg.Sync.AutoInterval),
		func(result *syncer.Result) { printSyncResult(cmd, result) },
	)
	coordinator.Run(ctx)
	return nil
}

func printSyncResult(cmd *cobra.Command, result *syncer.Result) {
	out := cmd.OutOrStdout()

	switch result.State {
	case syncer.StatePushed:
		fmt.Fprintln(out, "Pushed: local data is now the room's newest snapshot.")
	case syncer.StatePulled:
		fmt.Fprintln(out, "Pulled: local data was replaced with the room's snapshot.")
	case syncer.StateNoOp:
		fmt.Fprintln(out, "Already in sync; nothing to do.")
	case syncer.StateFirstSyncChoice:
		fmt.Fprintln(out, "This room already has a snapshot and this device has never synced against it.")
		fmt.Fprintln(out, "Pick what to keep:")
		printVersionTable(out, result.Versions)
		fmt.Fprintln(out, "  chartsync resolve local            keep this device's data (overwrites remote)")
		fmt.Fprintln(out, "  chartsync resolve version <sha>    adopt a remote version (overwrites local)")
	case syncer.StateConflict:
		fmt.Fprintln(out, "Conflict: both this device and the room changed since the last sync.")
		fmt.Fprintln(out, "Pick one side; the other side's changes will be discarded:")
		printVersionTable(out, result.Versions)
		fmt.Fprintln(out, "  chartsync resolve local            keep this device's data (overwrites remote)")
		fmt.Fprintln(out, "  chartsync resolve version <sha>    adopt a remote version (overwrites local)")
	}
}
