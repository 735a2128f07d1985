package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this device's sync configuration and local record counts",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := context.Background()

	patients, notes, err := rt.store.CountRecords(ctx)
	if err != nil {
		return err
	}

	cfg, err := rt.store.LoadSyncConfig(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if cfg == nil {
		fmt.Fprintln(out, "Sync is not configured; run \"chartsync setup\".")
		fmt.Fprintf(out, "Local data: %d patients, %d notes\n", patients, notes)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Room:\t%s\n", cfg.RoomFingerprint)
	fmt.Fprintf(w, "Device:\t%s\n", cfg.DeviceTag)
	fmt.Fprintf(w, "Endpoint:\t%s\n", cfg.RemoteEndpoint)
	if cfg.RemoteBlobID == "" {
		fmt.Fprintf(w, "Remote blob:\tnot linked yet\n")
	} else {
		fmt.Fprintf(w, "Remote blob:\t%s\n", cfg.RemoteBlobID)
	}
	if last, ok := cfg.LastSynced(); ok {
		fmt.Fprintf(w, "Last synced:\t%s\n", last.Local())
	} else {
		fmt.Fprintf(w, "Last synced:\tnever\n")
	}
	fmt.Fprintf(w, "Local data:\t%d patients, %d notes\n", patients, notes)
	return w.Flush()
}
