package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/chartsync/internal/types"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve a pending first-sync choice or conflict",
}

var resolveLocalCmd = &cobra.Command{
	Use:   "local",
	Short: "Keep this device's data, overwriting the remote snapshot",
	RunE:  runResolveLocal,
}

var resolveVersionCmd = &cobra.Command{
	Use:   "version <sha>",
	Short: "Adopt a remote version locally, replacing this device's data",
	Long:  "Download the given remote version (or \"latest\"), decrypt it, and replace all local patients and notes with its contents. The remote snapshot is not changed.",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolveVersion,
}

func init() {
	resolveCmd.AddCommand(resolveLocalCmd)
	resolveCmd.AddCommand(resolveVersionCmd)
}

func runResolveLocal(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := context.Background()

	cfg, err := loadRequiredSyncConfig(ctx, rt)
	if err != nil {
		return err
	}

	result, err := rt.syncerFor(cfg).ResolveKeepLocal(ctx, cfg)
	if err != nil {
		return err
	}
	printSyncResult(cmd, result)
	return nil
}

func runResolveVersion(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := context.Background()

	cfg, err := loadRequiredSyncConfig(ctx, rt)
	if err != nil {
		return err
	}

	result, err := rt.syncerFor(cfg).ResolveWithVersion(ctx, cfg, args[0])
	if err != nil {
		return err
	}
	printSyncResult(cmd, result)
	return nil
}

func loadRequiredSyncConfig(ctx context.Context, rt *runtime) (*types.SyncConfig, error) {
	cfg, err := rt.store.LoadSyncConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("sync is not configured; run \"chartsync setup\" first")
	}
	return cfg, nil
}
