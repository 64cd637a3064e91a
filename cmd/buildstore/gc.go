package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildstore/buildstore/internal/closure"
	"github.com/buildstore/buildstore/internal/metrics"
)

var (
	gcDryRun          bool
	gcKeepOutputs     bool
	gcKeepDerivations bool
	gcMaxFreed        int64
)

func init() {
	gcCmd.Flags().BoolVarP(&gcDryRun, "dry-run", "n", false, "report what would be deleted without deleting")
	gcCmd.Flags().BoolVar(&gcKeepOutputs, "keep-outputs", false, "keep a derivation's outputs live as long as the derivation itself is a root")
	gcCmd.Flags().BoolVar(&gcKeepDerivations, "keep-derivations", false, "keep a live output's deriver live")
	gcCmd.Flags().Int64Var(&gcMaxFreed, "max-freed", 0, "stop once this many bytes have been freed (0 = unbounded)")
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "gc collects store paths unreachable from any root",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}

		opts := closure.GCOpts{
			DryRun:          gcDryRun,
			KeepOutputs:     gcKeepOutputs,
			KeepDerivations: gcKeepDerivations,
			MaxFreed:        gcMaxFreed,
			Workers:         e.cfg.Closure.Workers,
		}

		stats, err := closure.Collect(e.cfg.StoreDir, e.roots, e.validDB, opts)
		if err != nil {
			return err
		}

		metrics.GCBytesFreed.Add(float64(stats.BytesDeleted))
		metrics.GCPathsDeleted.Add(float64(stats.PathsDeleted))

		fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, live %d, deleted %d (%d bytes)\n",
			stats.PathsScanned, stats.PathsLive, stats.PathsDeleted, stats.BytesDeleted)
		for _, e := range stats.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "gc: %v\n", e)
		}
		return nil
	},
}
