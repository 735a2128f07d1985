package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/chartsync/internal/types"
)

var versionsCount int

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List the room's remote snapshot versions, newest first",
	RunE:  runVersions,
}

func init() {
	versionsCmd.Flags().IntVar(&versionsCount, "count", 10,
		"Maximum number of versions to list")
}

func runVersions(cmd *cobra.Command, args []string) error {
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
	if cfg.RemoteBlobID == "" {
		return fmt.Errorf("this device is not linked to a remote snapshot yet; run \"chartsync sync\"")
	}

	versions, err := rt.remote.ListVersions(ctx, cfg.RemoteBlobID, versionsCount)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "The remote store reports no version history.")
		return nil
	}

	printVersionTable(cmd.OutOrStdout(), versions)
	return nil
}

func printVersionTable(out io.Writer, versions []types.RemoteVersion) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  SHA\tPUSHED AT\tDEVICE\tSIZE")
	for _, v := range versions {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\n",
			v.Handle,
			v.PushedAt.Local().Format(time.RFC3339),
			v.DeviceTag,
			v.SizeBytes,
		)
	}
	w.Flush()
}
