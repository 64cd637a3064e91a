package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/buildstore/buildstore/internal/objectstore"
)

var (
	serveCacheListen string
	serveCacheDir    string
)

func init() {
	serveCacheCmd.Flags().StringVar(&serveCacheListen, "listen", ":8080", "address to listen on")
	serveCacheCmd.Flags().StringVar(&serveCacheDir, "cache-dir", "", "directory backing the served binary cache (default: $cachedir/served)")
}

// serveCacheCmd exposes a local objectstore.Backend directly over HTTP,
// the read/write surface a substituter configured with Type "http"
// consumes against spec.md §4.3's key layout
// (nix-cache-info/{hash}.narinfo/nar/{hash}.nar.{ext}).
var serveCacheCmd = &cobra.Command{
	Use:   "serve-cache",
	Short: "serve-cache exposes a local binary cache over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		dir := serveCacheDir
		if dir == "" {
			dir = e.cfg.CacheDir + "/served"
		}
		backend, err := objectstore.NewLocalBackend(dir)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/", cacheHandler(backend))
		mux.Handle("/metrics", promhttp.Handler())

		fmt.Fprintf(cmd.OutOrStdout(), "serving %s on %s\n", dir, serveCacheListen)
		return http.ListenAndServe(serveCacheListen, mux)
	},
}

func cacheHandler(backend objectstore.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/")
		ctx := r.Context()

		switch r.Method {
		case http.MethodHead:
			exists, err := backend.Exists(ctx, key)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !exists {
				http.NotFound(w, r)
				return
			}
		case http.MethodPut:
			if err := backend.Put(ctx, key, r.Body); err != nil {
				writeBackendErr(w, r, err)
				return
			}
		case http.MethodGet:
			body, err := backend.Get(ctx, key)
			if err != nil {
				writeBackendErr(w, r, err)
				return
			}
			defer body.Close()
			io.Copy(w, body)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func writeBackendErr(w http.ResponseWriter, r *http.Request, err error) {
	var nf *objectstore.ErrNotFound
	if errors.As(err, &nf) {
		http.NotFound(w, r)
		return
	}
	var ro *objectstore.ErrReadOnly
	if errors.As(err, &ro) {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
