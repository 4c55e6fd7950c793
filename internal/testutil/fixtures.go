package testutil

import (
	"testing"
	"time"

	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/stretchr/testify/require"
)

// Sample texts containing values the builtin patterns detect.
const (
	SampleSSNText   = "Customer SSN 123-45-6789 is attached."
	SampleCardText  = "Charge card 4111 1111 1111 1111 for the renewal."
	SampleEmailText = "Forward the report to jane.doe@example.com today."
	SampleCleanText = "The quarterly meeting moved to Thursday."
)

// Test fixture defaults.
const (
	DefaultTestPatternID = "test-pattern"
	DefaultTestPolicyID  = "test-policy"
	DefaultTestDataType  = dlp.DataType("employee_id")
	DefaultTestRegex     = `EMP-\d{6}`
)

// NewTestPattern creates a pattern matching employee IDs such as EMP-123456.
// Override fields as needed for specific test cases.
func NewTestPattern(id string) dlp.Pattern {
	if id == "" {
		id = DefaultTestPatternID
	}

	return dlp.Pattern{
		ID:              id,
		Name:            "Employee ID",
		DataType:        DefaultTestDataType,
		Expression:      DefaultTestRegex,
		ConfidenceFloor: 0.6,
	}
}

// NewTestPolicy creates an enabled policy that warns on the given patterns
// for every source kind.
func NewTestPolicy(id string, patternIDs ...string) dlp.Policy {
	if id == "" {
		id = DefaultTestPolicyID
	}

	if len(patternIDs) == 0 {
		patternIDs = []string{DefaultTestPatternID}
	}

	return dlp.Policy{
		ID:         id,
		Name:       "Test policy " + id,
		Severity:   dlp.SeverityMedium,
		Action:     dlp.ActionWarn,
		PatternIDs: patternIDs,
		Scope: []dlp.SourceKind{
			dlp.SourceAPI, dlp.SourceEmail, dlp.SourceFileSystem,
			dlp.SourceDatabase, dlp.SourceObjectStorage,
		},
		Enabled: true,
	}
}

// NewTestViolation creates a pending violation with test defaults.
func NewTestViolation(id, scanID string) *dlp.Violation {
	now := time.Now().UTC()

	return &dlp.Violation{
		ID:                 id,
		ScanID:             scanID,
		PolicyID:           DefaultTestPolicyID,
		PolicyName:         "Test policy",
		Severity:           dlp.SeverityHigh,
		ActionTaken:        dlp.ActionWarn,
		DataType:           dlp.DataTypeSSN,
		SourceLocation:     "api://test",
		RemediationStatus:  dlp.RemediationPending,
		SensitiveDataCount: 1,
		Timestamp:          now,
		UpdatedAt:          now,
		Context: dlp.DataContext{
			Source:    dlp.SourceAPI,
			Location:  "api://test",
			Timestamp: now,
		},
	}
}

// NewDocumentScan builds an API scan request over inline documents.
func NewDocumentScan(scanID string, texts ...string) dlp.ScanRequest {
	docs := make([]dlp.Document, 0, len(texts))
	for _, text := range texts {
		docs = append(docs, dlp.Document{Content: text})
	}

	return dlp.ScanRequest{
		ScanID:    scanID,
		Source:    dlp.SourceAPI,
		ScanType:  dlp.ScanTypeFull,
		Documents: docs,
	}
}

// NewTestEngine returns a coordinator with the builtin bundle installed.
// persister may be nil.
func NewTestEngine(t *testing.T, persister dlp.Persister) *dlp.Coordinator {
	t.Helper()

	patterns := dlp.NewPatternRegistry()
	policies := dlp.NewPolicyRegistry(patterns)
	require.NoError(t, dlp.BuiltinBundle().Install(patterns, policies))

	return dlp.NewCoordinator(dlp.CoordinatorConfig{}, patterns, policies, dlp.NewViolationStore(persister))
}
