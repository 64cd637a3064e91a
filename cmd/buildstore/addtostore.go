package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildstore/buildstore/internal/archive"
	"github.com/buildstore/buildstore/internal/digest"
	"github.com/buildstore/buildstore/internal/pathinfo"
	"github.com/buildstore/buildstore/internal/storepath"
)

var (
	addToStoreCaseHack bool
	addToStoreCA       string
)

func init() {
	addToStoreCmd.Flags().BoolVar(&addToStoreCaseHack, "case-hack", false, "apply the case-hack encoding on restore (for case-insensitive source filesystems)")
	addToStoreCmd.Flags().StringVar(&addToStoreCA, "content-address", "", "derive the store path from a content address instead of a plain import: flat, recursive, or git")
}

var addToStoreCmd = &cobra.Command{
	Use:   "add-to-store <path>",
	Short: "add-to-store imports a filesystem path as a new store path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		src := args[0]
		name := filepath.Base(src)

		if addToStoreCA != "" {
			return addToStoreContentAddressed(cmd, e, src, name)
		}

		pr, pw := io.Pipe()
		dumpDone := make(chan error, 1)
		go func() {
			err := archive.Dump(src, pw, archive.IncludeAll)
			dumpDone <- err
			pw.CloseWithError(err)
		}()

		p, narHash, narSize, err := e.store.AddFromArchive(context.Background(), pr, name, addToStoreCaseHack)
		if dumpErr := <-dumpDone; dumpErr != nil {
			return fmt.Errorf("dumping %s: %w", src, dumpErr)
		}
		if err != nil {
			return fmt.Errorf("adding %s: %w", src, err)
		}

		refs, err := scanForReferences(e, p)
		if err != nil {
			return err
		}

		info := pathinfo.Info{
			Path:             p,
			References:       refs,
			NarHash:          narHash,
			NarSize:          narSize,
			RegistrationTime: time.Now(),
		}
		if err := e.validDB.RegisterValid([]pathinfo.Info{info}); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), p.String())
		return nil
	},
}

// addToStoreContentAddressed implements "add-to-store --content-address",
// deriving the store path from the artifact's content (spec.md §3.3's ca
// field) instead of from a plain source fingerprint. Per the content-
// addressing invariant, the result carries no references to other store
// paths — a fixed-output import's hash covers only its own bytes, the
// same restriction the hashed-mirror store places on addToStore.
func addToStoreContentAddressed(cmd *cobra.Command, e *env, src, name string) error {
	method := pathinfo.CAMethod(addToStoreCA)
	switch method {
	case pathinfo.CAFlat, pathinfo.CARecursive, pathinfo.CAGit:
	default:
		return fmt.Errorf("unknown --content-address method %q (want flat, recursive, or git)", addToStoreCA)
	}

	pr, pw := io.Pipe()
	dumpDone := make(chan error, 1)
	go func() {
		err := archive.Dump(src, pw, archive.IncludeAll)
		dumpDone <- err
		pw.CloseWithError(err)
	}()

	p, narHash, narSize, ca, err := e.store.AddFromArchiveCA(context.Background(), pr, name, addToStoreCaseHack, method)
	if dumpErr := <-dumpDone; dumpErr != nil {
		return fmt.Errorf("dumping %s: %w", src, dumpErr)
	}
	if err != nil {
		return fmt.Errorf("adding %s: %w", src, err)
	}

	info := pathinfo.Info{
		Path:             p,
		NarHash:          narHash,
		NarSize:          narSize,
		CA:               ca,
		RegistrationTime: time.Now(),
	}
	if err := e.validDB.RegisterValid([]pathinfo.Info{info}); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), p.String())
	return nil
}

// scanForReferences re-dumps the just-published path and scans it
// against every currently-valid path's hash part, mirroring
// internal/scheduler/normalize.go's post-build reference scan: a raw
// import can legitimately embed references to paths already in the
// store (e.g. a prebuilt binary linked against one), even though it was
// never produced by a build with a known input closure to scope the
// candidate set to.
func scanForReferences(e *env, p storepath.Path) ([]storepath.Path, error) {
	valid, err := e.validDB.ListAllValid()
	if err != nil {
		return nil, err
	}
	candidates := make([]string, 0, len(valid)+1)
	for _, v := range valid {
		candidates = append(candidates, v.HashPart)
	}
	candidates = append(candidates, p.HashPart)

	scanner := digest.NewScanner(candidates)
	if err := e.store.Dump(p, scanner); err != nil {
		return nil, err
	}

	var refs []storepath.Path
	for _, hp := range scanner.Found() {
		if hp == p.HashPart {
			refs = append(refs, p)
			continue
		}
		if ref, err := e.validDB.QueryPathByHashPart(hp); err == nil {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}
