package store

import (
	"context"
	"testing"
	"time"

	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/piwi3910/nebulaguard/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestViolationsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC()
	later := &dlp.Violation{ID: "v2", PolicyID: "p", Severity: dlp.SeverityHigh, DataType: dlp.DataTypeSSN, RemediationStatus: dlp.RemediationPending, Timestamp: now}
	earlier := &dlp.Violation{ID: "v1", PolicyID: "p", Severity: dlp.SeverityLow, DataType: dlp.DataTypeEmail, RemediationStatus: dlp.RemediationPending, Timestamp: now.Add(-time.Minute)}

	require.NoError(t, s.SaveViolation(ctx, later))
	require.NoError(t, s.SaveViolation(ctx, earlier))

	earlier.RemediationStatus = dlp.RemediationInProgress
	require.NoError(t, s.SaveViolation(ctx, earlier))

	loaded, err := s.LoadViolations(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "v1", loaded[0].ID)
	assert.Equal(t, dlp.RemediationInProgress, loaded[0].RemediationStatus)
	assert.Equal(t, "v2", loaded[1].ID)
}

func TestViolationKeepsContext(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v := testutil.NewTestViolation("v-ctx", "scan-ctx")
	v.Context.Metadata = map[string]string{"file_size": "2048"}
	require.NoError(t, s.SaveViolation(ctx, v))

	loaded, err := s.LoadViolations(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	testutil.AssertViolationEqual(t, v, loaded[0])
	assert.Equal(t, "2048", loaded[0].Context.Metadata["file_size"])
}

func TestScanResultsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	result := &dlp.ScanResult{
		ScanID:           "scan-1",
		Source:           dlp.SourceEmail,
		Status:           dlp.ScanCompleted,
		TotalScanned:     3,
		TotalViolations:  1,
		ViolationsByType: map[dlp.DataType]int{dlp.DataTypeSSN: 1},
		Violations:       []*dlp.Violation{{ID: "v1", DataType: dlp.DataTypeSSN}},
		Timestamp:        time.Now(),
	}
	require.NoError(t, s.SaveScanResult(ctx, result))

	loaded, err := s.LoadResults(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "scan-1", loaded[0].ScanID)
	assert.Equal(t, map[dlp.DataType]int{dlp.DataTypeSSN: 1}, loaded[0].ViolationsByType)
	assert.Len(t, loaded[0].Violations, 1)
}

func TestRulesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	builtin := dlp.BuiltinPatterns()
	for i := range builtin {
		require.NoError(t, s.SavePattern(ctx, &builtin[i]))
	}

	// Re-saving keeps the original position.
	require.NoError(t, s.SavePattern(ctx, &builtin[0]))
	require.NoError(t, s.DeletePattern(ctx, dlp.PatternPhone))

	policies := dlp.BuiltinPolicies()
	require.NoError(t, s.SavePolicy(ctx, &policies[0]))
	require.NoError(t, s.SavePolicy(ctx, &policies[1]))
	require.NoError(t, s.DeletePolicy(ctx, policies[1].ID))

	bundle, err := s.LoadRules(ctx)
	require.NoError(t, err)

	require.Len(t, bundle.Patterns, len(builtin)-1)
	assert.Equal(t, builtin[0].ID, bundle.Patterns[0].ID)
	assert.Equal(t, builtin[0].Expression, bundle.Patterns[0].Expression)

	for _, p := range bundle.Patterns {
		assert.NotEqual(t, dlp.PatternPhone, p.ID)
	}

	require.Len(t, bundle.Policies, 1)
	assert.Equal(t, policies[0].ID, bundle.Policies[0].ID)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	custom := dlp.Pattern{
		ID:              "employee_id",
		Name:            "Employee ID",
		DataType:        "employee_id",
		Expression:      `EMP-\d{6}`,
		ConfidenceFloor: 0.6,
	}
	require.NoError(t, s.SavePattern(ctx, &custom))
	require.NoError(t, s.SavePolicy(ctx, &dlp.Policy{
		ID:         "hr",
		Name:       "HR",
		Severity:   dlp.SeverityMedium,
		Action:     dlp.ActionWarn,
		PatternIDs: []string{"employee_id"},
		Scope:      []dlp.SourceKind{dlp.SourceEmail},
		Enabled:    true,
	}))
	require.NoError(t, s.SavePolicy(ctx, &dlp.Policy{
		ID:         "broken",
		Severity:   dlp.SeverityLow,
		Action:     dlp.ActionWarn,
		PatternIDs: []string{"ghost"},
		Scope:      []dlp.SourceKind{dlp.SourceEmail},
	}))
	require.NoError(t, s.SaveViolation(ctx, &dlp.Violation{ID: "v1", PolicyID: "hr", RemediationStatus: dlp.RemediationPending, Timestamp: time.Now()}))
	require.NoError(t, s.SaveScanResult(ctx, &dlp.ScanResult{ScanID: "scan-1", Status: dlp.ScanCompleted}))

	patterns := dlp.NewPatternRegistry()
	policies := dlp.NewPolicyRegistry(patterns)
	violations := dlp.NewViolationStore(s)

	require.NoError(t, s.Restore(ctx, patterns, policies, violations))

	_, err := patterns.Get("employee_id")
	require.NoError(t, err)

	_, err = policies.Get("hr")
	require.NoError(t, err)

	_, err = policies.Get("broken")
	require.ErrorIs(t, err, dlp.ErrUnknownPolicy)

	assert.Equal(t, 1, violations.Count())
	assert.True(t, violations.HasResult("scan-1"))
}

func TestViolationStoreWritesThrough(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	violations := dlp.NewViolationStore(s)

	violations.Insert(ctx, &dlp.Violation{ID: "v1", PolicyID: "p", RemediationStatus: dlp.RemediationPending, Timestamp: time.Now()})
	_, err := violations.Transition(ctx, "v1", dlp.RemediationResolved, "")
	require.Error(t, err)
	_, err = violations.Transition(ctx, "v1", dlp.RemediationInProgress, "ops")
	require.NoError(t, err)

	loaded, err := s.LoadViolations(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, dlp.RemediationInProgress, loaded[0].RemediationStatus)
	assert.Equal(t, "ops", loaded[0].Assignee)
}

func TestPingAndClose(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	require.Error(t, s.Ping(context.Background()))

	_, err = Open(Config{})
	require.Error(t, err)
}
