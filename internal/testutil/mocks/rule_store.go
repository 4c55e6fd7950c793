// Package mocks provides thread-safe fakes for NebulaGuard interfaces with
// error injection.
package mocks

import (
	"context"
	"sync"

	"github.com/piwi3910/nebulaguard/internal/dlp"
)

// MockRuleStore records persisted rule changes as "pattern/<id>" and
// "policy/<id>".
type MockRuleStore struct {
	err     error
	saved   []string
	deleted []string
	mu      sync.Mutex
}

// NewMockRuleStore creates a new MockRuleStore.
func NewMockRuleStore() *MockRuleStore {
	return &MockRuleStore{}
}

// SetError sets the error returned by every call.
func (m *MockRuleStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.err = err
}

// Saved returns the saved rule keys in call order.
func (m *MockRuleStore) Saved() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.saved...)
}

// Deleted returns the deleted rule keys in call order.
func (m *MockRuleStore) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.deleted...)
}

func (m *MockRuleStore) record(list *[]string, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	*list = append(*list, key)

	return m.err
}

// SavePattern records the pattern.
func (m *MockRuleStore) SavePattern(_ context.Context, p *dlp.Pattern) error {
	return m.record(&m.saved, "pattern/"+p.ID)
}

// DeletePattern records the deletion.
func (m *MockRuleStore) DeletePattern(_ context.Context, id string) error {
	return m.record(&m.deleted, "pattern/"+id)
}

// SavePolicy records the policy.
func (m *MockRuleStore) SavePolicy(_ context.Context, p *dlp.Policy) error {
	return m.record(&m.saved, "policy/"+p.ID)
}

// DeletePolicy records the deletion.
func (m *MockRuleStore) DeletePolicy(_ context.Context, id string) error {
	return m.record(&m.deleted, "policy/"+id)
}
