package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/buildstore/buildstore/internal/binarycache"
	"github.com/buildstore/buildstore/internal/closure"
	"github.com/buildstore/buildstore/internal/pathinfo"
	"github.com/buildstore/buildstore/internal/storepath"
)

var copyTo string

func init() {
	copyCmd.Flags().StringVar(&copyTo, "to", "", "name of the configured substituter to push to (required)")
	copyCmd.MarkFlagRequired("to")
}

var copyCmd = &cobra.Command{
	Use:   "copy <path>...",
	Short: "copy pushes the closure of one or more store paths to a configured substituter",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}

		var cache *binarycache.Cache
		for _, s := range e.subs {
			if s.Name == copyTo {
				bc, ok := s.Cache.(*binarycache.Cache)
				if !ok {
					return fmt.Errorf("substituter %s does not support writes", copyTo)
				}
				cache = bc
				break
			}
		}
		if cache == nil {
			return fmt.Errorf("no configured substituter named %q", copyTo)
		}

		roots := make([]storepath.Path, 0, len(args))
		for _, a := range args {
			p, err := storepath.Parse(e.cfg.StoreDir, a)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", a, err)
			}
			roots = append(roots, p)
		}

		ctx := context.Background()
		closureSet, err := closure.Compute(ctx, roots, e.validDB.QueryReferences, e.cfg.Closure.Workers)
		if err != nil {
			return err
		}

		paths := make([]storepath.Path, 0, len(closureSet))
		for _, p := range closureSet {
			paths = append(paths, p)
		}
		sort.Slice(paths, func(i, j int) bool { return paths[i].String() < paths[j].String() })

		if err := cache.EnsureCacheInfo(ctx); err != nil {
			return err
		}

		for _, p := range paths {
			if err := pushOne(ctx, e, cache, p); err != nil {
				return fmt.Errorf("copying %s: %w", p, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.String())
		}
		return nil
	},
}

func pushOne(ctx context.Context, e *env, cache *binarycache.Cache, p storepath.Path) error {
	info, err := e.validDB.QueryInfo(p)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	dumpDone := make(chan error, 1)
	go func() {
		err := e.store.Dump(p, pw)
		dumpDone <- err
		pw.CloseWithError(err)
	}()

	_, err = cache.Add(ctx, info, pr, pathinfo.CompressionZstd, nil)
	if dumpErr := <-dumpDone; dumpErr != nil {
		return dumpErr
	}
	return err
}
