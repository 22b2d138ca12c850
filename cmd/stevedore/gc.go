package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmelnic/stevedore/internal/stevedore/gc"
)

func newGCCmd() *cobra.Command {
	var (
		dryRun        bool
		providerName  string
		keepSnapshots int
		keepGoing     bool
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim resources no longer referenced by any live host",
		Long: "Finds orphaned machines, snapshots, volumes, work directories, logs, and\n" +
			"cache entries, then reclaims them. Unreachable providers are skipped\n" +
			"entirely: nothing is ever reclaimed based on stale data.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC(cmd, dryRun, providerName, keepSnapshots, keepGoing)
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "print the plan without reclaiming anything")
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "restrict to one provider instance")
	cmd.Flags().IntVar(&keepSnapshots, "keep-snapshots", 0, "keep the N most recent snapshots per destroyed host")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue past per-item failures instead of aborting")
	return cmd
}

func runGC(cmd *cobra.Command, dryRun bool, providerName string, keepSnapshots int, keepGoing bool) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	filter := &gc.Filter{KeepRecentSnapshots: keepSnapshots}
	if providerName != "" {
		filter.Providers = []string{providerName}
	}

	ctx := a.ctx()
	candidates, err := a.planner.Plan(ctx, gc.AllKinds, filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(candidates) == 0 {
		fmt.Fprintln(out, "nothing to reclaim")
		return nil
	}
	for _, c := range candidates {
		fmt.Fprintf(out, "%-8s %s/%s  %s  (%s)\n", c.Kind, c.Provider, c.HostID, c.ID, c.Reason)
	}
	if dryRun {
		fmt.Fprintf(out, "dry run: %d candidate(s), nothing reclaimed\n", len(candidates))
		return nil
	}

	onError := gc.Abort
	if keepGoing {
		onError = gc.Continue
	}
	report, err := a.planner.Execute(ctx, candidates, onError)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "reclaimed %d, failed %d\n", report.Reclaimed, report.Failed)
	if report.Failed > 0 {
		return fmt.Errorf("%d item(s) failed", report.Failed)
	}
	return nil
}
