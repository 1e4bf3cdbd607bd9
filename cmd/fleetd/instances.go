package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fleetd/internal/cluster"
	"fleetd/internal/config"
	"fleetd/internal/storage"
	logx "fleetd/pkg/logx"
)

func newInstancesCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List the fleet members recorded in the shared store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return listInstances(ctx, cmd, root.configPath)
		},
	}
}

func listInstances(ctx context.Context, cmd *cobra.Command, cfgPath string) error {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	s, err := config.Resolve(cfg)
	if err != nil {
		return err
	}
	stores, err := storage.Open(ctx, s.Storage, logx.Nop())
	if err != nil {
		return err
	}
	defer stores.Close()

	dir := cluster.NewDirectory(cluster.Config{
		ActiveWindow: s.Cluster.ActiveWindow,
		InstanceTTL:  s.Cluster.InstanceTTL,
	}, cluster.Self{ID: s.InstanceID, Location: s.Location}, cluster.Deps{KV: stores.KV, Log: logx.Nop()})
	if err := dir.EnsureTables(ctx); err != nil {
		return err
	}
	insts, err := dir.Instances(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOCATION\tSTATE\tLAST SEEN\tQUEUE")
	now := dir.Now()
	for _, i := range insts {
		state := "inactive"
		switch {
		case dir.IsLive(i):
			state = "live"
		case dir.IsStale(i):
			state = "stale"
		}
		seen := now.Sub(i.LastSeenTime()).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\t%s\n", i.ID, i.Location, state, seen, i.QueueID)
	}
	return w.Flush()
}
