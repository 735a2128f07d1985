package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/chartsync/internal/types"
)

var (
	setupSecret   string
	setupDevice   string
	setupEndpoint string
	setupForce    bool
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure this device for a sync room",
	Long:  "Derive the room identity from a shared secret and store this device's sync configuration. All devices using the same secret share one remote snapshot.",
	RunE:  runSetup,
}

func init() {
	setupCmd.Flags().StringVar(&setupSecret, "secret", "",
		"Shared room secret (required; never transmitted)")
	setupCmd.Flags().StringVar(&setupDevice, "device", "",
		"Device label, e.g. \"Phone\" or \"Laptop\" (required)")
	setupCmd.Flags().StringVar(&setupEndpoint, "endpoint", "",
		"Remote blob host base URL (default from config)")
	setupCmd.Flags().BoolVar(&setupForce, "force", false,
		"Replace an existing configuration")
}

func runSetup(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := context.Background()

	existing, err := rt.store.LoadSyncConfig(ctx)
	if err != nil {
		return err
	}
	if existing != nil && !setupForce {
		return fmt.Errorf("device already configured for room %s; use --force to replace", existing.RoomFingerprint)
	}

	endpoint := setupEndpoint
	if endpoint == "" {
		endpoint = rt.cfg.Remote.Endpoint
	}

	cfg, err := types.BuildSyncConfig(setupSecret, setupDevice, endpoint)
	if err != nil {
		return err
	}
	if err := rt.store.SaveSyncConfig(ctx, cfg); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configured device %q for room %s\n", cfg.DeviceLabel, cfg.RoomFingerprint)
	fmt.Fprintf(cmd.OutOrStdout(), "Device tag: %s\n", cfg.DeviceTag)
	fmt.Fprintln(cmd.OutOrStdout(), "Run \"chartsync sync\" to link this device to the room's snapshot.")
	return nil
}
