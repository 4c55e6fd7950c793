package testutil

import (
	"testing"
	"time"

	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertViolationEqual asserts that two violations describe the same finding
// (ignoring timestamps and remediation state).
func AssertViolationEqual(t *testing.T, expected, actual *dlp.Violation) {
	t.Helper()
	require.NotNil(t, expected, "expected violation should not be nil")
	require.NotNil(t, actual, "actual violation should not be nil")

	assert.Equal(t, expected.ID, actual.ID, "violation IDs should match")
	assert.Equal(t, expected.ScanID, actual.ScanID, "scan IDs should match")
	assert.Equal(t, expected.PolicyID, actual.PolicyID, "policy IDs should match")
	assert.Equal(t, expected.Severity, actual.Severity, "severities should match")
	assert.Equal(t, expected.ActionTaken, actual.ActionTaken, "actions should match")
	assert.Equal(t, expected.DataType, actual.DataType, "data types should match")
	assert.Equal(t, expected.SourceLocation, actual.SourceLocation, "source locations should match")
	assert.Equal(t, expected.SensitiveDataCount, actual.SensitiveDataCount, "sensitive data counts should match")
}

// AssertHasElement asserts that a classification found dataType and that
// no element exposes the raw value.
func AssertHasElement(t *testing.T, c dlp.Classification, dataType dlp.DataType, raw string) {
	t.Helper()

	for _, el := range c.Elements {
		assert.NotContains(t, el.MaskedValue, raw, "element value should be masked")

		if el.DataType == dataType {
			return
		}
	}

	assert.Fail(t, "classification has no element", "data type: %s", dataType)
}

// AssertScanCommitted asserts that a scan finished with status and that its
// counters agree with its violations.
func AssertScanCommitted(t *testing.T, result *dlp.ScanResult, status dlp.ScanStatus) {
	t.Helper()
	require.NotNil(t, result, "scan result should not be nil")

	assert.Equal(t, status, result.Status, "scan status should match")
	assert.Len(t, result.Violations, result.TotalViolations, "violation count should match total")
	assert.LessOrEqual(t, result.WithViolations, result.TotalScanned, "units with violations cannot exceed units scanned")
	assert.LessOrEqual(t, result.HighRiskViolations, result.TotalViolations, "high risk violations cannot exceed total")
}

// RequireEventually waits for a condition to become true within a timeout.
// Fails the test immediately if the condition is not met.
func RequireEventually(t *testing.T, condition func() bool, timeout, tick time.Duration, msgAndArgs ...interface{}) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for {
		if condition() {
			return
		}

		if time.Now().After(deadline) {
			require.Fail(t, "condition not met within timeout", msgAndArgs...)
			return
		}

		time.Sleep(tick)
	}
}

// AssertNever asserts that a condition is never true within a duration.
func AssertNever(t *testing.T, condition func() bool, duration, tick time.Duration, msgAndArgs ...interface{}) {
	t.Helper()

	deadline := time.Now().Add(duration)

	for {
		if condition() {
			assert.Fail(t, "condition became true unexpectedly", msgAndArgs...)
			return
		}

		if time.Now().After(deadline) {
			return
		}

		time.Sleep(tick)
	}
}
