package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebulaguard/internal/auth"
	"github.com/piwi3910/nebulaguard/internal/dlp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nebulaguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")

	cfg, err := Load(writeConfig(t, "log_level: debug\n"), Options{DataDir: dataDir})
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.DirExists(t, dataDir)
	assert.Equal(t, 9100, cfg.AdminPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrentScans)
	assert.Equal(t, int64(dlp.DefaultUnitSize), cfg.Engine.DefaultUnitSize)
	assert.True(t, cfg.Engine.BuiltinRules)
	assert.True(t, cfg.Store.Enabled)
	assert.Equal(t, filepath.Join(dataDir, "store"), cfg.Store.Dir)
	assert.Equal(t, 10*time.Second, cfg.Notifications.Timeout)
	assert.False(t, cfg.Notifications.Enabled())
	assert.Equal(t, "postgres", cfg.Sources.Database.Driver)
	assert.True(t, cfg.Sources.ObjectStorage.UseSSL)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestLoadFile(t *testing.T) {
	dataDir := t.TempDir()

	path := writeConfig(t, `
data_dir: `+dataDir+`
admin_port: 9200
engine:
  max_concurrent_scans: 8
  bundle_path: /etc/nebulaguard/rules.yaml
  watch_bundle: true
notifications:
  min_severity: high
  webhook_url: https://hooks.example.com/dlp
  timeout: 3s
  redis:
    address: localhost:6379
    stream: dlp
auth:
  jwt_secret: s3cret
  root_password: ValidPassword123
  users:
    - username: analyst
      password_hash: $2a$10$abcdefghijklmnopqrstuv
      role: analyst
rate_limit:
  enabled: true
  requests_per_second: 5
  trusted_proxies: [10.0.0.0/8]
sources:
  database:
    dsn: postgres://dlp@localhost/crm
    connections:
      billing: postgres://dlp@billing/ledger
  object_storage:
    endpoint: minio:9000
    use_ssl: false
    allowed_endpoints: [minio-replica:9000]
`)

	cfg, err := Load(path, Options{AdminPort: 9300})
	require.NoError(t, err)

	assert.Equal(t, 9300, cfg.AdminPort)
	assert.Equal(t, 8, cfg.Engine.MaxConcurrentScans)
	assert.True(t, cfg.Engine.WatchBundle)
	assert.Equal(t, "high", cfg.Notifications.MinSeverity)
	assert.Equal(t, 3*time.Second, cfg.Notifications.Timeout)
	assert.Equal(t, "dlp", cfg.Notifications.Redis.Stream)
	assert.Equal(t, "nebulaguard:violations", cfg.Notifications.Redis.Channel)
	assert.True(t, cfg.Notifications.Enabled())
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.RateLimit.TrustedProxies)
	assert.Equal(t, "postgres://dlp@localhost/crm", cfg.Sources.Database.DSN)
	assert.Equal(t, map[string]string{"billing": "postgres://dlp@billing/ledger"}, cfg.Sources.Database.Connections)
	assert.False(t, cfg.Sources.Database.AllowCustomQuery)
	assert.False(t, cfg.Sources.ObjectStorage.UseSSL)
	assert.Equal(t, []string{"minio-replica:9000"}, cfg.Sources.ObjectStorage.AllowedEndpoints)

	require.Len(t, cfg.Auth.Users, 1)
	assert.Equal(t, auth.RoleAnalyst, cfg.Auth.Users[0].Role)

	authCfg := cfg.AuthServiceConfig()
	assert.Equal(t, "admin", authCfg.RootUser)
	assert.Equal(t, 12*time.Hour, authCfg.TokenExpiry)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NEBULAGUARD_ADMIN_PORT", "9444")
	t.Setenv("NEBULAGUARD_ENGINE_MAX_CONCURRENT_SCANS", "2")

	cfg, err := Load(writeConfig(t, "data_dir: "+t.TempDir()+"\n"), Options{})
	require.NoError(t, err)

	assert.Equal(t, 9444, cfg.AdminPort)
	assert.Equal(t, 2, cfg.Engine.MaxConcurrentScans)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		errMsg string
	}{
		{"bad port", "admin_port: 70000", "invalid admin port"},
		{"negative scans", "engine:\n  max_concurrent_scans: -1", "max_concurrent_scans"},
		{"watch without bundle", "engine:\n  watch_bundle: true", "requires engine.bundle_path"},
		{"unknown severity", "notifications:\n  min_severity: urgent", "min_severity"},
		{"zero rate", "rate_limit:\n  enabled: true\n  requests_per_second: 0", "requests_per_second"},
		{"weak root password", "auth:\n  jwt_secret: x\n  root_password: short", "invalid root password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := "data_dir: " + t.TempDir() + "\n" + tt.body + "\n"

			_, err := Load(writeConfig(t, body), Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestWatch(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, "data_dir: "+dataDir+"\nlog_level: info\n")

	changed := make(chan *Config, 4)
	require.NoError(t, Watch(path, func(cfg *Config) { changed <- cfg }))

	// Replace atomically so the watcher never sees a truncated file.
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte("data_dir: "+dataDir+"\nlog_level: warn\n"), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	timeout := time.After(5 * time.Second)

	for {
		select {
		case cfg := <-changed:
			if cfg.LogLevel == "warn" {
				return
			}
		case <-timeout:
			t.Fatal("config change not observed")
		}
	}
}
