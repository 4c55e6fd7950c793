package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/piwi3910/nebulaguard/internal/auth"
	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI records requests made against a stub admin API.
type fakeAPI struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string][]byte
	auth     []string
}

func (f *fakeAPI) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()

	key := r.Method + " " + r.URL.Path
	f.requests = append(f.requests, key+"?"+r.URL.RawQuery)
	f.bodies[key] = body
	f.auth = append(f.auth, r.Header.Get("Authorization"))
}

func (f *fakeAPI) body(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.bodies[key]
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()

	api := &fakeAPI{bodies: make(map[string][]byte)}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)

		var creds map[string]string
		_ = json.Unmarshal(api.body("POST /api/v1/auth/token"), &creds)

		if creds["password"] != "hunter2" {
			writeJSONResponse(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}

		writeJSONResponse(w, http.StatusOK, auth.TokenPair{
			AccessToken: "token-123",
			TokenType:   "Bearer",
			ExpiresAt:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	})
	mux.HandleFunc("GET /api/v1/auth/whoami", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		writeJSONResponse(w, http.StatusOK, auth.TokenClaims{Username: "alice", Role: auth.RoleAnalyst})
	})
	mux.HandleFunc("POST /api/v1/classify", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		writeJSONResponse(w, http.StatusOK, dlp.Classification{
			DataType:          "ssn",
			RiskLevel:         dlp.RiskHigh,
			OverallConfidence: 0.95,
			Elements: []dlp.SensitiveElement{
				{DataType: "ssn", MaskedValue: "***-**-6789", Position: 4, Length: 11, Confidence: 0.95},
			},
		})
	})
	mux.HandleFunc("POST /api/v1/scans", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)

		if r.URL.Query().Get("async") == "true" {
			writeJSONResponse(w, http.StatusAccepted, map[string]string{"scan_id": "scan-async"})
			return
		}

		writeJSONResponse(w, http.StatusOK, &dlp.ScanResult{
			ScanID:          "scan-1",
			Source:          dlp.SourceAPI,
			Status:          dlp.ScanCompleted,
			TotalScanned:    1,
			TotalViolations: 2,
		})
	})
	mux.HandleFunc("POST /api/v1/patterns", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		writeJSONResponse(w, http.StatusCreated, map[string]string{})
	})
	mux.HandleFunc("POST /api/v1/policies", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		writeJSONResponse(w, http.StatusCreated, map[string]string{})
	})
	mux.HandleFunc("DELETE /api/v1/policies/{id}", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		writeJSONResponse(w, http.StatusNotFound, map[string]string{"error": "policy not found"})
	})
	mux.HandleFunc("GET /api/v1/violations", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		writeJSONResponse(w, http.StatusOK, []dlp.Violation{{
			ID:                 "v-1",
			PolicyID:           "pii",
			Severity:           dlp.SeverityHigh,
			DataType:           "ssn",
			RemediationStatus:  dlp.RemediationPending,
			SensitiveDataCount: 2,
		}})
	})
	mux.HandleFunc("POST /api/v1/violations/{id}/remediation", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		writeJSONResponse(w, http.StatusOK, dlp.Violation{
			ID:                r.PathValue("id"),
			RemediationStatus: dlp.RemediationInProgress,
			Assignee:          "bob",
		})
	})
	mux.HandleFunc("GET /api/v1/violations/export", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"id":"v-1"}`+"\n")
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	t.Setenv("NEBULAGUARD_CLI_CONFIG", filepath.Join(t.TempDir(), "cli.yaml"))
	t.Setenv("NEBULAGUARD_ENDPOINT", ts.URL)
	t.Setenv("NEBULAGUARD_TOKEN", "")
	t.Setenv("NEBULAGUARD_PASSWORD", "")

	return api
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCmd("test")

	var out bytes.Buffer

	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(t.Context())

	return out.String(), err
}

func TestLoginStoresToken(t *testing.T) {
	api := newFakeAPI(t)

	out, err := run(t, "hunter2\n", "login", "-u", "alice", "--password-stdin")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as alice")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "token-123", cfg.Token)

	out, err = run(t, "", "whoami")
	require.NoError(t, err)
	assert.Equal(t, "alice (analyst)\n", out)
	assert.Equal(t, "Bearer token-123", api.auth[len(api.auth)-1])
}

func TestLoginRejected(t *testing.T) {
	newFakeAPI(t)

	_, err := run(t, "wrong\n", "login", "--password-stdin")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "nebulaguard-cli login")
}

func TestLoginRequiresPassword(t *testing.T) {
	newFakeAPI(t)

	_, err := run(t, "", "login")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no password")
}

func TestClassify(t *testing.T) {
	api := newFakeAPI(t)

	out, err := run(t, "", "classify", "SSN 123-45-6789")
	require.NoError(t, err)
	assert.Contains(t, out, "Risk:       high")
	assert.Contains(t, out, "***-**-6789")

	var body map[string]string
	require.NoError(t, json.Unmarshal(api.body("POST /api/v1/classify"), &body))
	assert.Equal(t, "SSN 123-45-6789", body["text"])

	_, err = run(t, "", "classify")
	require.Error(t, err)
}

func TestScanRun(t *testing.T) {
	api := newFakeAPI(t)

	doc := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(doc, []byte("card 4111 1111 1111 1111"), 0o600))

	out, err := run(t, "", "scan", "run", "--source", "api", "--document", doc, "--exclude", "*.log")
	require.NoError(t, err)
	assert.Contains(t, out, "Scan:        scan-1")
	assert.Contains(t, out, "Violations:  2")

	var req dlp.ScanRequest
	require.NoError(t, json.Unmarshal(api.body("POST /api/v1/scans"), &req))
	assert.Equal(t, dlp.SourceAPI, req.Source)
	assert.Equal(t, dlp.ScanTypeFull, req.ScanType)
	assert.Equal(t, []string{"*.log"}, req.Exclusions)
	require.Len(t, req.Documents, 1)
	assert.Equal(t, "notes.txt", req.Documents[0].Name)

	out, err = run(t, "", "scan", "run", "--source", "api", "--async")
	require.NoError(t, err)
	assert.Equal(t, "Scan scan-async started\n", out)

	_, err = run(t, "", "scan", "run")
	require.Error(t, err)
}

func TestRulesApply(t *testing.T) {
	api := newFakeAPI(t)

	bundle := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(bundle, []byte(`
patterns:
  - id: badge
    name: Badge Number
    data_type: badge
    regex: 'BDG-\d{4}'
    confidence_floor: 0.5
policies:
  - id: badges
    name: Badge leak
    severity: medium
    action: warn
    pattern_ids: [badge]
    scope: [api]
    enabled: true
`), 0o600))

	out, err := run(t, "", "rules", "apply", "-f", bundle)
	require.NoError(t, err)
	assert.Equal(t, "pattern/badge applied\npolicy/badges applied\n", out)

	api.mu.Lock()
	requests := append([]string(nil), api.requests...)
	api.mu.Unlock()

	assert.Equal(t, []string{"POST /api/v1/patterns?", "POST /api/v1/policies?"}, requests)

	var policy dlp.Policy
	require.NoError(t, json.Unmarshal(api.body("POST /api/v1/policies"), &policy))
	assert.Equal(t, []string{"badge"}, policy.PatternIDs)
}

func TestPolicyDeleteNotFound(t *testing.T) {
	newFakeAPI(t)

	_, err := run(t, "", "policies", "delete", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy not found")
}

func TestViolationsListAndTransition(t *testing.T) {
	api := newFakeAPI(t)

	out, err := run(t, "", "violations", "list", "--severity", "high", "--since", "24h", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "v-1")
	assert.Contains(t, out, "pending")

	api.mu.Lock()
	last := api.requests[len(api.requests)-1]
	api.mu.Unlock()

	assert.Equal(t, "GET /api/v1/violations?limit=5&severity=high&since=24h", last)

	out, err = run(t, "", "violations", "transition", "v-1", "in_progress", "--assignee", "bob")
	require.NoError(t, err)
	assert.Equal(t, "Violation v-1 is now in_progress (assigned to bob)\n", out)

	var body map[string]string
	require.NoError(t, json.Unmarshal(api.body("POST /api/v1/violations/v-1/remediation"), &body))
	assert.Equal(t, "in_progress", body["status"])
}

func TestViolationsExport(t *testing.T) {
	api := newFakeAPI(t)

	path := filepath.Join(t.TempDir(), "violations.ndjson")

	out, err := run(t, "", "violations", "export", "--output", path, "--scan", "scan-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 13 bytes")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"v-1"}`, strings.TrimSpace(string(data)))

	api.mu.Lock()
	last := api.requests[len(api.requests)-1]
	api.mu.Unlock()

	assert.Equal(t, "GET /api/v1/violations/export?format=ndjson&scan_id=scan-1", last)
}

func TestConfigSetAndShow(t *testing.T) {
	newFakeAPI(t)
	t.Setenv("NEBULAGUARD_ENDPOINT", "")

	out, err := run(t, "", "config", "set", "endpoint", "https://dlp.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "endpoint = https://dlp.example.com\n", out)

	_, err = run(t, "", "config", "set", "Timeout", "45s")
	require.NoError(t, err)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://dlp.example.com", cfg.Endpoint)
	assert.Equal(t, 45*time.Second, cfg.Timeout)

	t.Setenv("NEBULAGUARD_TOKEN", "env-token-abcdef")

	out, err = run(t, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "token:       env-****cdef")
	assert.Contains(t, out, "timeout:     45s")

	// Setting another key must not persist the environment token.
	_, err = run(t, "", "config", "set", "skip-verify", "true")
	require.NoError(t, err)

	stored, err := readConfigFile()
	require.NoError(t, err)
	assert.Empty(t, stored.Token)
	assert.True(t, stored.SkipVerify)
}

func TestConfigRejectsBadValues(t *testing.T) {
	newFakeAPI(t)

	_, err := run(t, "", "config", "set", "colour", "blue")
	require.ErrorContains(t, err, `unknown configuration key "colour"`)

	_, err = run(t, "", "config", "set", "timeout", "-5s")
	require.ErrorContains(t, err, "invalid timeout")

	_, err = run(t, "", "config", "set", "skip-verify", "maybe")
	require.ErrorContains(t, err, "want true or false")

	_, err = run(t, "", "config", "get", "colour")
	require.Error(t, err)
}
