package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/piwi3910/nebulaguard/internal/config"
	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/piwi3910/nebulaguard/internal/testutil"
	"github.com/piwi3910/nebulaguard/internal/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "nebulaguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path, config.Options{DataDir: filepath.Join(dir, "data")})
	require.NoError(t, err)

	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()

	srv, err := New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return srv, ts
}

func request(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

func TestServerRoutes(t *testing.T) {
	cfg := loadConfig(t, "store:\n  in_memory: true\n")
	srv, ts := newTestServer(t, cfg)

	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	resp, body := request(t, http.MethodGet, ts.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")

	resp, _ = request(t, http.MethodGet, ts.URL+"/health/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = request(t, http.MethodGet, ts.URL+"/api/v1/admin/health/detailed", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"store"`)

	resp, body = request(t, http.MethodGet, ts.URL+"/api/v1/openapi.json", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"openapi"`)

	// Builtin policies do not cover API submissions.
	resp, body = request(t, http.MethodPost, ts.URL+"/api/v1/policies", testutil.NewTestPolicy("api-pii", dlp.PatternSSN))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = request(t, http.MethodPost, ts.URL+"/api/v1/scans", testutil.NewDocumentScan("api-scan", testutil.SampleSSNText))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result dlp.ScanResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, dlp.ScanCompleted, result.Status)
	assert.Equal(t, 1, result.TotalViolations)

	resp, _ = request(t, http.MethodGet, ts.URL+"/api/v1/violations?scan_id=api-scan", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	srv.collectMetrics()

	resp, body = request(t, http.MethodGet, ts.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "nebulaguard_scans_total")
	assert.Contains(t, string(body), "nebulaguard_stored_violations")
}

func TestServerRateLimit(t *testing.T) {
	cfg := loadConfig(t, `
store:
  enabled: false
rate_limit:
  enabled: true
  requests_per_second: 1
  burst_size: 2
`)
	srv, ts := newTestServer(t, cfg)

	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	limited := 0

	for range 5 {
		resp, _ := request(t, http.MethodGet, ts.URL+"/api/v1/status", nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited++
		}
	}

	assert.Positive(t, limited)

	// Health checks are exempt.
	resp, _ := request(t, http.MethodGet, ts.URL+"/health/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerRestoresRulesAfterRestart(t *testing.T) {
	cfg := loadConfig(t, "")

	srv, ts := newTestServer(t, cfg)

	resp, body := request(t, http.MethodPost, ts.URL+"/api/v1/patterns", testutil.NewTestPattern("employee_id"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = request(t, http.MethodPost, ts.URL+"/api/v1/policies", testutil.NewTestPolicy("badges", "employee_id"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = request(t, http.MethodPost, ts.URL+"/api/v1/scans", testutil.NewDocumentScan("before-restart", "badge EMP-123456 was copied"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	ts.Close()
	require.NoError(t, srv.Shutdown(context.Background()))

	restarted, err := New(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = restarted.Shutdown(context.Background()) })

	_, err = restarted.Engine().Patterns().Get("employee_id")
	require.NoError(t, err)

	_, err = restarted.Engine().Policies().Get("badges")
	require.NoError(t, err)

	result, err := restarted.Engine().Result("before-restart")
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalViolations)
	assert.Equal(t, 1, restarted.Engine().Violations().Count())
}

func TestServerShutdownCancelsAsyncScans(t *testing.T) {
	cfg := loadConfig(t, "store:\n  in_memory: true\n")
	srv, err := New(cfg)
	require.NoError(t, err)

	require.Len(t, srv.sourceClosers, 1)

	closer := &recordingCloser{}
	srv.sourceClosers = append(srv.sourceClosers, closer)

	slow := mocks.NewBlockingProducer()
	srv.Engine().RegisterProducer("slow", slow)

	go func() {
		_, _ = srv.Engine().Scan(srv.scanCtx, dlp.ScanRequest{ScanID: "slow-scan", Source: "slow"})
	}()

	<-slow.Started()
	require.Len(t, srv.Engine().ActiveScans(), 1)

	require.NoError(t, srv.Shutdown(context.Background()))

	assert.Empty(t, srv.Engine().ActiveScans())
	assert.Empty(t, srv.shutdown.Errors())

	assert.True(t, closer.closed.Load())

	result, err := srv.Engine().Result("slow-scan")
	require.NoError(t, err)
	assert.Equal(t, dlp.ScanCancelled, result.Status)
}

type recordingCloser struct{ closed atomic.Bool }

func (c *recordingCloser) Close() error {
	c.closed.Store(true)
	return nil
}

func TestServerRejectsBrokenBundle(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(bundle, []byte("patterns: [oops"), 0o600))

	cfg := loadConfig(t, "store:\n  enabled: false\nengine:\n  bundle_path: "+bundle+"\n")

	_, err := New(cfg)
	require.Error(t, err)
}

func TestReloadChangesLogLevel(t *testing.T) {
	cfg := loadConfig(t, "store:\n  enabled: false\n")
	srv, err := New(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	changed := *cfg
	changed.LogLevel = "warn"
	srv.Reload(&changed)

	restore := *cfg
	restore.LogLevel = "info"

	t.Cleanup(func() { srv.Reload(&restore) })

	changed.LogLevel = "loud"
	srv.Reload(&changed)
}

func TestBundleWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("patterns: []\n"), 0o600))

	patterns := dlp.NewPatternRegistry()
	policies := dlp.NewPolicyRegistry(patterns)

	watcher, err := NewBundleWatcher(path, patterns, policies)
	require.NoError(t, err)

	watcher.debounce = 10 * time.Millisecond
	watcher.Start()

	t.Cleanup(watcher.Stop)

	// Unrelated files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	bundle := strings.Join([]string{
		"patterns:",
		"  - id: badge",
		"    name: Badge Number",
		"    data_type: badge",
		`    regex: 'BDG-\d{4}'`,
		"    confidence_floor: 0.5",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(bundle), 0o600))

	testutil.RequireEventually(t, func() bool {
		_, err := patterns.Get("badge")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "bundle was not reloaded")

	// A broken edit leaves the installed rules alone.
	require.NoError(t, os.WriteFile(path, []byte("patterns: [oops"), 0o600))

	testutil.AssertNever(t, func() bool { return patterns.Len() != 1 }, 200*time.Millisecond, 20*time.Millisecond)
}

type savedRules dlp.Bundle

func (s savedRules) LoadRules(context.Context) (dlp.Bundle, error) {
	return dlp.Bundle(s), nil
}

func TestBundleReloadKeepsSavedRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	bundle := strings.Join([]string{
		"patterns:",
		"  - id: badge",
		"    name: Badge Number",
		"    data_type: badge",
		`    regex: 'BDG-\d{4}'`,
		"    confidence_floor: 0.5",
		"  - id: locker",
		"    name: Locker Code",
		"    data_type: locker",
		`    regex: 'LCK-\d{3}'`,
		"    confidence_floor: 0.5",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(bundle), 0o600))

	patterns := dlp.NewPatternRegistry()
	policies := dlp.NewPolicyRegistry(patterns)

	edited := dlp.Pattern{ID: "badge", Name: "Badge (edited)", DataType: "badge", Expression: `BDG-\d{6}`, ConfidenceFloor: 0.9}
	require.NoError(t, patterns.Upsert(edited))

	watcher, err := NewBundleWatcher(path, patterns, policies)
	require.NoError(t, err)
	t.Cleanup(watcher.Stop)

	watcher.SetRuleSource(savedRules{Patterns: []dlp.Pattern{edited}})
	require.NoError(t, watcher.Reload())

	badge, err := patterns.Get("badge")
	require.NoError(t, err)
	assert.Equal(t, "Badge (edited)", badge.Name)
	assert.Equal(t, `BDG-\d{6}`, badge.Expression)

	locker, err := patterns.Get("locker")
	require.NoError(t, err)
	assert.Equal(t, "Locker Code", locker.Name)
}

func TestNewEmitterBuildsTargetsThroughFactories(t *testing.T) {
	cfg := config.NotificationConfig{
		WebhookURL:    "http://localhost:9/hook",
		WebhookSecret: "s3cret",
		Timeout:       2 * time.Second,
		Redis:         config.RedisNotificationConfig{Address: "127.0.0.1:1", DB: 2},
	}

	specs := notificationTargets(cfg)
	require.Len(t, specs, 2)
	assert.Equal(t, "webhook", specs[0].kind)
	assert.Equal(t, 2*time.Second, specs[0].config["timeout"])
	assert.Equal(t, "redis", specs[1].kind)
	assert.Equal(t, 2, specs[1].config["db"])

	emitter, err := newEmitter(cfg)
	require.NoError(t, err)
	t.Cleanup(emitter.Stop)

	ok, unhealthy := emitter.Healthy(t.Context())
	assert.False(t, ok)
	assert.Contains(t, unhealthy, "redis")

	assert.Empty(t, notificationTargets(config.NotificationConfig{}))
}
