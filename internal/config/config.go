// Package config loads the store's YAML configuration file and applies
// its environment-variable overlay, following the same generic
// version-dispatch-plus-reflective-override scheme used elsewhere in
// this lineage of tools for registry configuration.
//
// Field names must avoid underscores, since underscore is the
// separator used to build BUILDSTORE_FIELD_SUBFIELD override names.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"
)

// CurrentVersion is the configuration layout this package parses.
var CurrentVersion = MajorMinorVersion(0, 1)

// Loglevel is the granularity at which core operations are logged:
// error, warn, info, or debug.
type Loglevel string

// UnmarshalYAML lowercases and validates a Loglevel.
func (l *Loglevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	s = strings.ToLower(s)
	switch s {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid loglevel %q, must be one of [error, warn, info, debug]", s)
	}
	*l = Loglevel(s)
	return nil
}

// Log configures the process-wide structured logger.
type Log struct {
	Level        Loglevel `yaml:"level,omitempty"`
	Formatter    string   `yaml:"formatter,omitempty"`
	ReportCaller bool     `yaml:"reportcaller,omitempty"`
}

// Substituter is one entry in the ordered substituter list consulted
// by the substitution goal.
type Substituter struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // local, http, s3, azure, gcs, ipfs
	URL      string `yaml:"url,omitempty"`
	Priority int    `yaml:"priority,omitempty"`
}

// Build configures build-slot admission.
type Build struct {
	MaxJobs     int    `yaml:"maxjobs,omitempty"`
	HookCommand string `yaml:"hookcommand,omitempty"`
}

// Substitution configures substitution-slot admission and the
// substituter list.
type Substitution struct {
	MaxJobs      int           `yaml:"maxjobs,omitempty"`
	Substituters []Substituter `yaml:"substituters,omitempty"`
}

// Transport bounds concurrent HTTP requests issued by substituters and
// the binary-cache client.
type Transport struct {
	HTTPConnections int `yaml:"httpconnections,omitempty"`
}

// Closure bounds the worker pool used for reference-closure traversal.
type Closure struct {
	Workers int `yaml:"workers,omitempty"`
}

// DiskCache configures the local narinfo cache's positive/negative TTLs
// (Purge never goes below diskcache.PositiveFloor/NegativeFloor) and
// optional Redis front cache.
type DiskCache struct {
	TTLPositive time.Duration `yaml:"ttlpositive,omitempty"`
	TTLNegative time.Duration `yaml:"ttlnegative,omitempty"`
	Redis       Redis         `yaml:"redis,omitempty"`
}

// Redis configures an optional front cache for narinfo lookups.
type Redis struct {
	Addr     string        `yaml:"addr,omitempty"`
	DB       int           `yaml:"db,omitempty"`
	Password string        `yaml:"password,omitempty"`
	DialTimeout time.Duration `yaml:"dialtimeout,omitempty"`
}

// Trust configures signature verification on substituted paths.
type Trust struct {
	RequireSigs     bool     `yaml:"requiresigs"`
	TrustedPublicKeys []string `yaml:"trustedpublickeys,omitempty"`
}

// Config is the top-level, versioned configuration for the store.
type Config struct {
	Version Version `yaml:"version"`

	Log Log `yaml:"log"`

	// StoreDir, StateDir and CacheDir are the three directory roots
	// the layout on disk is rooted at.
	StoreDir string `yaml:"storedir,omitempty"`
	StateDir string `yaml:"statedir,omitempty"`
	CacheDir string `yaml:"cachedir,omitempty"`

	Build        Build        `yaml:"build,omitempty"`
	Substitution Substitution `yaml:"substitution,omitempty"`
	Transport    Transport    `yaml:"transport,omitempty"`
	Closure      Closure      `yaml:"closure,omitempty"`
	DiskCache    DiskCache    `yaml:"diskcache,omitempty"`
	Trust        Trust        `yaml:"trust,omitempty"`
}

// v0_1Config is the wire layout for version 0.1. It is a distinct type
// from Config so that future version bumps can add a conversion step
// without breaking the version-0.1 wire format.
type v0_1Config Config

// Parse reads a YAML configuration document plus the process
// environment into a Config, filling in defaults and applying the
// BUILDSTORE_FIELD_SUBFIELD override scheme.
func Parse(rd io.Reader) (*Config, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	p := NewParser("buildstore", []VersionedParseInfo{
		{
			Version: MajorMinorVersion(0, 1),
			ParseAs: reflect.TypeOf(v0_1Config{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				v, ok := c.(*v0_1Config)
				if !ok {
					return nil, fmt.Errorf("expected *v0_1Config, received %#v", c)
				}
				cfg := (*Config)(v)
				applyDefaults(cfg)
				if cfg.StoreDir == "" {
					return nil, errors.New("no storedir configured")
				}
				return cfg, nil
			},
		},
	})

	cfg := new(Config)
	if err := p.Parse(in, cfg); err != nil {
		return nil, err
	}
	ApplyEnvironment(cfg)
	return cfg, nil
}

// applyDefaults fills in every field left zero by the YAML document,
// mirroring the loglevel/catalog default-filling a version's
// ConversionFunc is responsible for.
func applyDefaults(cfg *Config) {
	if cfg.Log.Level == Loglevel("") {
		cfg.Log.Level = Loglevel("info")
	}
	if cfg.Build.MaxJobs <= 0 {
		cfg.Build.MaxJobs = 1
	}
	if cfg.Substitution.MaxJobs <= 0 {
		cfg.Substitution.MaxJobs = 2
	}
	if cfg.Transport.HTTPConnections <= 0 {
		cfg.Transport.HTTPConnections = 25
	}
	if cfg.Closure.Workers <= 0 {
		cfg.Closure.Workers = 16
	}
	if cfg.DiskCache.TTLPositive <= 0 {
		cfg.DiskCache.TTLPositive = 30 * 24 * time.Hour
	}
	if cfg.DiskCache.TTLNegative <= 0 {
		cfg.DiskCache.TTLNegative = time.Hour
	}
	if cfg.StateDir == "" && cfg.StoreDir != "" {
		cfg.StateDir = cfg.StoreDir + "/../var/buildstore"
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir()
	}
}

// ApplyEnvironment overlays the fixed-name environment variables named
// directly by spec, distinct from the PREFIX_FIELD reflective overlay
// Parse already applied: these are conventional directory/tmp
// overrides a caller may set without touching a config file at all.
func ApplyEnvironment(cfg *Config) {
	if v, ok := os.LookupEnv("NIX_STORE_DIR"); ok {
		cfg.StoreDir = v
	}
	if v, ok := os.LookupEnv("NIX_STATE_DIR"); ok {
		cfg.StateDir = v
	}
	if v, ok := os.LookupEnv("XDG_CACHE_HOME"); ok {
		cfg.CacheDir = v + "/buildstore"
	}
}

func defaultCacheDir() string {
	if v, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && v != "" {
		return v + "/buildstore"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cache/buildstore"
	}
	return home + "/.cache/buildstore"
}

// TempDir resolves the directory build sandboxes and download staging
// should use, honoring TMPDIR the way a build's own environment does
// (spec.md §5's NIX_BUILD_TOP / TMPDIR wiring).
func TempDir() string {
	if v, ok := os.LookupEnv("TMPDIR"); ok && v != "" {
		return v
	}
	return os.TempDir()
}
