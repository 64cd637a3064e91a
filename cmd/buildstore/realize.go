package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildstore/buildstore/internal/scheduler"
	"github.com/buildstore/buildstore/internal/storepath"
)

var realizeRefresh bool

func init() {
	realizeCmd.Flags().BoolVar(&realizeRefresh, "refresh", false, "force an immediate disk-cache purge before querying substituters, bypassing the normal 24h gate")
}

var realizeCmd = &cobra.Command{
	Use:   "realize <drv-path>...",
	Short: "realize brings one or more derivations' outputs to validity",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}

		// --refresh forces the disk cache's periodic purge to run now
		// instead of waiting for its 24h gate, per nar-info-disk-cache's
		// own purge: still bounded by PositiveFloor/NegativeFloor so a
		// refresh can't evict entries faster than those floors allow,
		// only sooner than the gate would have.
		if realizeRefresh && e.diskDB != nil {
			if err := e.diskDB.Purge(time.Now(), e.cfg.DiskCache.TTLPositive, e.cfg.DiskCache.TTLNegative); err != nil {
				return fmt.Errorf("refreshing disk cache: %w", err)
			}
		}

		eng := scheduler.New(e.schedulerConfig(), e.cfg.StoreDir, e.validDB, e.store, e.diskDB, e.front, e.subs)

		roots := make([]scheduler.Goal, 0, len(args))
		drvGoals := make([]*scheduler.RealizationGoal, 0, len(args))
		for _, a := range args {
			p, err := storepath.Parse(e.cfg.StoreDir, a)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", a, err)
			}
			g := eng.RequestRealization(p)
			roots = append(roots, g)
			drvGoals = append(drvGoals, g)
		}

		if err := eng.Run(context.Background(), roots); err != nil {
			return err
		}

		for i, a := range args {
			for name, out := range drvGoals[i].Outputs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s\n", a, name, out)
			}
		}
		return nil
	},
}
