package mocks

import (
	"context"
	"sync"

	"github.com/piwi3910/nebulaguard/internal/dlp"
)

// MockPersister implements dlp.Persister in memory.
type MockPersister struct {
	violationErr error
	resultErr    error
	violations   map[string]*dlp.Violation
	results      map[string]*dlp.ScanResult
	saves        int
	mu           sync.RWMutex
}

// NewMockPersister creates a new MockPersister.
func NewMockPersister() *MockPersister {
	return &MockPersister{
		violations: make(map[string]*dlp.Violation),
		results:    make(map[string]*dlp.ScanResult),
	}
}

// SetSaveViolationError sets the error to return on SaveViolation calls.
func (m *MockPersister) SetSaveViolationError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.violationErr = err
}

// SetSaveScanResultError sets the error to return on SaveScanResult calls.
func (m *MockPersister) SetSaveScanResultError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resultErr = err
}

// SaveViolation stores a copy of v unless an error is injected.
func (m *MockPersister) SaveViolation(_ context.Context, v *dlp.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saves++

	if m.violationErr != nil {
		return m.violationErr
	}

	stored := *v
	m.violations[v.ID] = &stored

	return nil
}

// SaveScanResult stores r unless an error is injected.
func (m *MockPersister) SaveScanResult(_ context.Context, r *dlp.ScanResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resultErr != nil {
		return m.resultErr
	}

	m.results[r.ScanID] = r

	return nil
}

// Violation returns the stored copy of a violation.
func (m *MockPersister) Violation(id string) (*dlp.Violation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.violations[id]

	return v, ok
}

// ViolationCount returns the number of distinct stored violations.
func (m *MockPersister) ViolationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.violations)
}

// SaveCount returns the number of SaveViolation calls, failed ones included.
func (m *MockPersister) SaveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.saves
}

// ScanResult returns a stored scan result.
func (m *MockPersister) ScanResult(scanID string) (*dlp.ScanResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.results[scanID]

	return r, ok
}
