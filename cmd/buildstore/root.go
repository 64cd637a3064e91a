package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/buildstore/buildstore/internal/binarycache"
	"github.com/buildstore/buildstore/internal/bslog"
	"github.com/buildstore/buildstore/internal/config"
	"github.com/buildstore/buildstore/internal/diskcache"
	"github.com/buildstore/buildstore/internal/metrics"
	"github.com/buildstore/buildstore/internal/objectstore"
	"github.com/buildstore/buildstore/internal/pathinfo"
	"github.com/buildstore/buildstore/internal/scheduler"
	"github.com/buildstore/buildstore/internal/store"
	"github.com/buildstore/buildstore/internal/transfer"
	"github.com/buildstore/buildstore/internal/validdb"
)

var configPath string

// RootCmd is the top-level cobra command every buildstore subcommand
// hangs off, mirroring the teacher's single-binary-many-subcommands
// layout (registry/garbagecollect.go's GCCmd alongside the registry
// serve command, pruner.Cmd).
var RootCmd = &cobra.Command{
	Use:   "buildstore",
	Short: "buildstore manages a content-addressed artifact store",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (or $BUILDSTORE_CONFIGURATION_PATH)")
	RootCmd.AddCommand(realizeCmd, gcCmd, addToStoreCmd, copyCmd, serveCacheCmd)
}

// env bundles every long-lived handle a subcommand needs, built once
// from the parsed configuration.
type env struct {
	cfg     *config.Config
	validDB *validdb.DB
	store   *store.Store
	diskDB  *diskcache.DB
	front   *diskcache.FrontCache
	subs    []scheduler.SubstituterConfig
	trust   map[string]ed25519.PublicKey
	roots   *store.Roots
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	if v := os.Getenv("BUILDSTORE_CONFIGURATION_PATH"); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no configuration file given (pass --config or set BUILDSTORE_CONFIGURATION_PATH)")
}

func loadEnv() (*env, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := config.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	configureLogging(cfg)

	validDB, err := validdb.Open(cfg.StateDir+"/valid.sqlite", cfg.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("opening valid-paths db: %w", err)
	}

	st := store.New(cfg.StoreDir)
	roots := store.NewRoots(cfg.StoreDir+"/../gcroots", cfg.StateDir, cfg.StoreDir)

	var diskDB *diskcache.DB
	if len(cfg.Substitution.Substituters) > 0 {
		diskDB, err = diskcache.Open(cfg.CacheDir + "/narinfo.sqlite")
		if err != nil {
			return nil, fmt.Errorf("opening disk cache: %w", err)
		}
	}

	var front *diskcache.FrontCache
	if cfg.DiskCache.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.DiskCache.Redis.Addr,
			DB:          cfg.DiskCache.Redis.DB,
			Password:    cfg.DiskCache.Redis.Password,
			DialTimeout: cfg.DiskCache.Redis.DialTimeout,
		})
		front = diskcache.NewFrontCache(client)
	}

	pool := transfer.NewPool(cfg.Transport.HTTPConnections, 30*time.Second)

	subs := make([]scheduler.SubstituterConfig, 0, len(cfg.Substitution.Substituters))
	for _, s := range cfg.Substitution.Substituters {
		backend, err := newBackend(s, pool)
		if err != nil {
			return nil, fmt.Errorf("substituter %s: %w", s.Name, err)
		}
		cache := binarycache.New(backend, cfg.StoreDir, s.Priority, false)

		var cacheID int64
		if diskDB != nil {
			cacheID, err = diskDB.RegisterCache(s.URL, cfg.StoreDir, s.Priority, false, time.Now())
			if err != nil {
				return nil, fmt.Errorf("registering substituter %s in disk cache: %w", s.Name, err)
			}
		}
		subs = append(subs, scheduler.SubstituterConfig{Name: s.Name, Cache: cache, DiskCacheID: cacheID})
	}

	trust := make(map[string]ed25519.PublicKey, len(cfg.Trust.TrustedPublicKeys))
	for _, line := range cfg.Trust.TrustedPublicKeys {
		key, err := pathinfo.ParsePublicKey(line)
		if err != nil {
			return nil, fmt.Errorf("parsing trusted public key: %w", err)
		}
		trust[key.Name] = key.Key
	}

	return &env{
		cfg:     cfg,
		validDB: validDB,
		store:   st,
		diskDB:  diskDB,
		front:   front,
		subs:    subs,
		trust:   trust,
		roots:   roots,
	}, nil
}

// newBackend constructs the objectstore.Backend named by s.Type,
// matching spec.md §4.3's substituter types. IPFS's key->CID index is
// backed by an in-memory datastore.MapDatastore: no persistent
// go-datastore implementation is wired into go.mod, so an IPFS
// substituter here only round-trips within a single process lifetime
// (see DESIGN.md).
func newBackend(s config.Substituter, pool *transfer.Pool) (objectstore.Backend, error) {
	switch s.Type {
	case "local":
		return objectstore.NewLocalBackend(s.URL)
	case "http":
		return objectstore.NewHTTPBackend(s.URL, pool, transfer.NoAuth), nil
	case "s3":
		region, bucket, prefix, err := parseS3URL(s.URL)
		if err != nil {
			return nil, err
		}
		return objectstore.NewS3Backend(region, bucket, prefix)
	case "azure":
		return objectstore.NewAzureBackend(s.Name, os.Getenv("AZURE_STORAGE_KEY"), s.URL)
	case "gcs":
		bucket, prefix, err := parseGCSURL(s.URL)
		if err != nil {
			return nil, err
		}
		return objectstore.NewGCSBackend(context.Background(), bucket, prefix)
	case "ipfs":
		allowModify := s.URL == "rw"
		return objectstore.NewIPFSBackend(datastore.NewMapDatastore(), allowModify), nil
	default:
		return nil, fmt.Errorf("unknown substituter type %q", s.Type)
	}
}

func (e *env) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxBuildJobs:         e.cfg.Build.MaxJobs,
		MaxSubstitutionJobs:  e.cfg.Substitution.MaxJobs,
		KeepGoing:            false,
		TryFallback:          true,
		LogDir:               e.cfg.StateDir + "/logs",
		DiskCacheTTLPositive: e.cfg.DiskCache.TTLPositive,
		DiskCacheTTLNegative: e.cfg.DiskCache.TTLNegative,
		RequireSigs:          e.cfg.Trust.RequireSigs,
		TrustedPublicKeys:    e.trust,
	}
}

func configureLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(string(cfg.Log.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.Log.Formatter == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	logrus.SetReportCaller(cfg.Log.ReportCaller)
	bslog.SetDefault(logrus.NewEntry(logrus.StandardLogger()))
}

// parseS3URL parses the "s3://region/bucket[/prefix]" form a
// config.Substituter.URL takes for Type "s3" — config.Substituter has
// no dedicated region/bucket/prefix fields, so this is where that
// three-part address gets unpacked.
func parseS3URL(url string) (region, bucket, prefix string, err error) {
	trimmed := strings.TrimPrefix(url, "s3://")
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("invalid s3 substituter url %q, want s3://region/bucket[/prefix]", url)
	}
	region, bucket = parts[0], parts[1]
	if len(parts) == 3 {
		prefix = parts[2]
	}
	return region, bucket, prefix, nil
}

// parseGCSURL parses the "gcs://bucket[/prefix]" form a
// config.Substituter.URL takes for Type "gcs", mirroring parseS3URL's
// shape for the one-fewer-part GCS address (no region component).
func parseGCSURL(url string) (bucket, prefix string, err error) {
	trimmed := strings.TrimPrefix(url, "gcs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid gcs substituter url %q, want gcs://bucket[/prefix]", url)
	}
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix, nil
}

func init() {
	metrics.MustRegister(prometheus.DefaultRegisterer)
}
