package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.Workspace.BaseDir)
	assert.Equal(t, "data_storage", cfg.Workspace.RawDir)
	assert.Equal(t, "processed_data", cfg.Workspace.ProcessedDir)
	assert.Equal(t, "nlp_results", cfg.Workspace.ResultsDir)
	assert.Equal(t, "api_data", cfg.Workspace.PublishedDir)
	assert.Equal(t, "api_requests", cfg.Workspace.RequestsDir)
	assert.False(t, cfg.Remote.Enabled)
	assert.Equal(t, "repusense-results", cfg.Remote.Bucket)
	assert.Equal(t, "us-east-1", cfg.Remote.Region)
	assert.Equal(t, 2000, cfg.Reddit.RequestIntervalMS)
	assert.Equal(t, "https://newsapi.org/v2", cfg.News.BaseURL)
	assert.True(t, cfg.Analysis.KeywordFallback)
	assert.Equal(t, 4, cfg.Pipeline.MaxParallelStages)
	assert.Equal(t, 7, cfg.Batch.WindowDays)
	assert.Equal(t, "sqlite", cfg.RunLog.Driver)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
workspace:
  base_dir: /srv/repusense
  results_dir: results
remote:
  enabled: true
  bucket: acme-results
log:
  level: debug
  format: console
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/repusense", cfg.Workspace.BaseDir)
	assert.Equal(t, "results", cfg.Workspace.ResultsDir)
	assert.True(t, cfg.Remote.Enabled)
	assert.Equal(t, "acme-results", cfg.Remote.Bucket)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Defaults still apply for unset values
	assert.Equal(t, "data_storage", cfg.Workspace.RawDir)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
remote:
  bucket: from-file
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("REPUSENSE_REMOTE_BUCKET", "from-env")
	t.Setenv("REPUSENSE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Remote.Bucket)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("workspace: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("remote:\n  bucket: custom-bucket\n"), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "custom-bucket", cfg.Remote.Bucket)
	assert.Equal(t, "nlp_results", cfg.Workspace.ResultsDir)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "nlp_results", cfg.Workspace.ResultsDir)
	assert.Equal(t, 3, cfg.Batch.MaxConcurrentCompanies)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Equal(t, 50, cfg.Monitoring.BacklogThreshold)
	assert.Empty(t, cfg.Monitoring.WebhookURL)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func TestValidate_Defaults(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate("run"))
	assert.NoError(t, cfg.Validate("serve"))
	assert.NoError(t, cfg.Validate("batch"))
}

func TestValidate_RemoteWithoutBucket(t *testing.T) {
	cfg := Defaults()
	cfg.Remote.Enabled = true
	cfg.Remote.Bucket = ""

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.bucket is required")
}

func TestValidate_NewsWithoutKey(t *testing.T) {
	cfg := Defaults()
	cfg.News.Enabled = true

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "news.key is required")
}

func TestValidate_UnknownRunLogDriver(t *testing.T) {
	cfg := Defaults()
	cfg.RunLog.Driver = "mysql"

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `runlog.driver "mysql"`)
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidateBatch_ZeroConcurrency(t *testing.T) {
	cfg := Defaults()
	cfg.Batch.MaxConcurrentCompanies = 0

	err := cfg.Validate("batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_companies")
}
