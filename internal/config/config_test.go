package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const minimalYAML = `
version: 0.1
storedir: /store
`

func TestParseFillsDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(minimalYAML))
	require.NoError(t, err)
	require.Equal(t, "/store", cfg.StoreDir)
	require.Equal(t, Loglevel("info"), cfg.Log.Level)
	require.Equal(t, 1, cfg.Build.MaxJobs)
	require.Equal(t, 2, cfg.Substitution.MaxJobs)
	require.Equal(t, 25, cfg.Transport.HTTPConnections)
	require.Equal(t, 16, cfg.Closure.Workers)
	require.Equal(t, 30*24*time.Hour, cfg.DiskCache.TTLPositive)
	require.Equal(t, time.Hour, cfg.DiskCache.TTLNegative)
}

func TestParseRejectsMissingStoreDir(t *testing.T) {
	_, err := Parse(strings.NewReader("version: 0.1\n"))
	require.Error(t, err)
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	_, err := Parse(strings.NewReader("version: 9.9\nstoredir: /store\n"))
	require.Error(t, err)
}

func TestParseHonorsExplicitValues(t *testing.T) {
	yaml := `
version: 0.1
storedir: /store
build:
  maxjobs: 8
substitution:
  maxjobs: 4
  substituters:
    - name: cache
      type: http
      url: https://cache.example.com
trust:
  requiresigs: false
  trustedpublickeys:
    - cache.example.com-1:AAAA
`
	cfg, err := Parse(strings.NewReader(yaml))
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Build.MaxJobs)
	require.Equal(t, 4, cfg.Substitution.MaxJobs)
	require.Len(t, cfg.Substitution.Substituters, 1)
	require.Equal(t, "cache", cfg.Substitution.Substituters[0].Name)
	require.False(t, cfg.Trust.RequireSigs)
	require.Equal(t, []string{"cache.example.com-1:AAAA"}, cfg.Trust.TrustedPublicKeys)
}

func TestParseOverlaysEnvironmentOverride(t *testing.T) {
	t.Setenv("BUILDSTORE_BUILD_MAXJOBS", "12")
	cfg, err := Parse(strings.NewReader(minimalYAML))
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Build.MaxJobs)
}

func TestApplyEnvironmentOverridesStoreDir(t *testing.T) {
	cfg := &Config{StoreDir: "/store"}
	t.Setenv("NIX_STORE_DIR", "/other-store")
	ApplyEnvironment(cfg)
	require.Equal(t, "/other-store", cfg.StoreDir)
}

func TestTempDirHonorsEnvironmentOverride(t *testing.T) {
	t.Setenv("TMPDIR", "/custom-tmp")
	require.Equal(t, "/custom-tmp", TempDir())
}

func TestVersionMajorMinor(t *testing.T) {
	v := MajorMinorVersion(0, 1)
	require.Equal(t, uint(0), v.Major())
	require.Equal(t, uint(1), v.Minor())
}
