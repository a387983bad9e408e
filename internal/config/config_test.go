package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Ingest.Concurrency)
	assert.Equal(t, 5, cfg.Upload.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Grouping.WindowBefore)
	assert.Equal(t, "nearest", cfg.Grouping.TieBreak)
	assert.Contains(t, cfg.Classify.DicomExtensions, ".dcm")
	assert.Contains(t, cfg.Classify.ListModeExtensions, ".ptd")
	assert.True(t, cfg.Deid.RemovePrivate)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
ingest:
  export_root: /data/export
  concurrency: 8
  quarantine_dir: /data/quarantine
upload:
  max_retries: 2
  call_timeout: 45s
grouping:
  window_after: 1h
  tie_break: earliest
xnat:
  server: https://xnat.example.org
  project: PET01
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/export", cfg.Ingest.ExportRoot)
	assert.Equal(t, 8, cfg.Ingest.Concurrency)
	assert.Equal(t, "/data/quarantine", cfg.Ingest.QuarantineDir)
	assert.Equal(t, 2, cfg.Upload.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Upload.CallTimeout)
	assert.Equal(t, time.Hour, cfg.Grouping.WindowAfter)
	assert.Equal(t, "earliest", cfg.Grouping.TieBreak)
	assert.Equal(t, "PET01", cfg.XNAT.Project)
	// 未覆盖的键仍保留默认值
	assert.Equal(t, 10*time.Minute, cfg.Grouping.WindowBefore)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("INGEST_XNAT_PASSWORD", "s3cret")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.XNAT.Password)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_ClampsConcurrency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ingest:\n  concurrency: 0\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Ingest.Concurrency)
}
