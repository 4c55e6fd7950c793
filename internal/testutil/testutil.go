// Package testutil provides testing utilities and mock implementations
// for NebulaGuard unit and integration tests.
//
// This package centralizes common testing infrastructure to:
// - Reduce mock duplication across test files
// - Standardize on testify assertions
// - Provide consistent error injection patterns
//
// Usage:
//
//	import (
//		"github.com/piwi3910/nebulaguard/internal/testutil"
//		"github.com/piwi3910/nebulaguard/internal/testutil/mocks"
//	)
//
//	func TestSomething(t *testing.T) {
//		engine := testutil.NewTestEngine(t, mocks.NewMockPersister())
//		result, err := engine.Scan(t.Context(), testutil.NewDocumentScan("scan-1", testutil.SampleSSNText))
//		require.NoError(t, err)
//		assert.Equal(t, 1, result.TotalViolations)
//	}
package testutil

import "strings"

// ContainsStringInsensitive checks if s contains substr, ignoring case.
// Useful for comparing error messages or log output where case may vary.
func ContainsStringInsensitive(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
