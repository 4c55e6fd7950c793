package dlp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/piwi3910/nebulaguard/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Persister receives write-through copies of violations and scan results.
type Persister interface {
	SaveViolation(ctx context.Context, v *Violation) error
	SaveScanResult(ctx context.Context, r *ScanResult) error
}

// legalTransitions lists the remediation states reachable from each state.
var legalTransitions = map[RemediationStatus][]RemediationStatus{
	RemediationPending:    {RemediationInProgress},
	RemediationInProgress: {RemediationResolved, RemediationAcceptedRisk},
}

// CanTransition reports whether from -> to is a legal remediation transition.
func CanTransition(from, to RemediationStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// ViolationStore is the append-only index of violations and committed scan
// results. Violations are stored by value behind a per-store mutex for
// transitions; lookups go through a sync.Map.
type ViolationStore struct {
	persister  Persister
	violations sync.Map // id -> *Violation
	results    sync.Map // scan id -> *ScanResult
	order      []string
	resultIDs  []string
	mu         sync.Mutex
}

// NewViolationStore creates an empty store. persister may be nil.
func NewViolationStore(persister Persister) *ViolationStore {
	return &ViolationStore{persister: persister}
}

// Insert appends v. Violations with an id already present are ignored.
func (s *ViolationStore) Insert(ctx context.Context, v *Violation) {
	if _, loaded := s.violations.LoadOrStore(v.ID, v); loaded {
		return
	}

	s.mu.Lock()
	s.order = append(s.order, v.ID)
	s.mu.Unlock()

	s.persistViolation(ctx, v)
}

// Restore loads previously persisted violations without writing them back.
func (s *ViolationStore) Restore(vs []*Violation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range vs {
		if _, loaded := s.violations.LoadOrStore(v.ID, v); !loaded {
			s.order = append(s.order, v.ID)
		}
	}
}

// Get returns a copy of the violation with the given id.
func (s *ViolationStore) Get(id string) (Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.violations.Load(id)
	if !ok {
		return Violation{}, fmt.Errorf("%w: %s", ErrUnknownViolation, id)
	}

	return *v.(*Violation), nil
}

// List returns copies of every violation in insertion order.
func (s *ViolationStore) List() []Violation {
	return s.filter(func(*Violation) bool { return true })
}

// ByPolicy returns the violations recorded against policyID.
func (s *ViolationStore) ByPolicy(policyID string) []Violation {
	return s.filter(func(v *Violation) bool { return v.PolicyID == policyID })
}

// Recent returns the violations with a timestamp inside the last window.
func (s *ViolationStore) Recent(window time.Duration) []Violation {
	cutoff := time.Now().Add(-window)

	return s.filter(func(v *Violation) bool { return v.Timestamp.After(cutoff) })
}

// Count returns the number of stored violations.
func (s *ViolationStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.order)
}

func (s *ViolationStore) filter(keep func(*Violation) bool) []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Violation, 0)

	for _, id := range s.order {
		raw, ok := s.violations.Load(id)
		if !ok {
			continue
		}

		if v := raw.(*Violation); keep(v) {
			out = append(out, *v)
		}
	}

	return out
}

// Transition moves a violation to next. Illegal transitions leave the
// violation unchanged. A non-empty assignee replaces the current one.
func (s *ViolationStore) Transition(ctx context.Context, id string, next RemediationStatus, assignee string) (Violation, error) {
	s.mu.Lock()

	raw, ok := s.violations.Load(id)
	if !ok {
		s.mu.Unlock()
		return Violation{}, fmt.Errorf("%w: %s", ErrUnknownViolation, id)
	}

	current := raw.(*Violation)
	if !CanTransition(current.RemediationStatus, next) {
		s.mu.Unlock()
		return Violation{}, fmt.Errorf("%w: %s -> %s", ErrIllegalRemediationTransition, current.RemediationStatus, next)
	}

	updated := *current
	updated.RemediationStatus = next
	updated.UpdatedAt = time.Now()

	if assignee != "" {
		updated.Assignee = assignee
	}

	s.violations.Store(id, &updated)
	s.mu.Unlock()

	s.persistViolation(ctx, &updated)

	return updated, nil
}

// CommitResult stores a finished scan result. Each scan id commits once.
func (s *ViolationStore) CommitResult(ctx context.Context, r *ScanResult) error {
	if _, loaded := s.results.LoadOrStore(r.ScanID, r); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateScanID, r.ScanID)
	}

	s.mu.Lock()
	s.resultIDs = append(s.resultIDs, r.ScanID)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveScanResult(ctx, r); err != nil {
			metrics.RecordPersistenceError("save_scan_result")
			log.Error().Err(err).Str("scan_id", r.ScanID).Msg("Failed to persist scan result")
		}
	}

	return nil
}

// RestoreResults loads previously persisted scan results.
func (s *ViolationStore) RestoreResults(rs []*ScanResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rs {
		if _, loaded := s.results.LoadOrStore(r.ScanID, r); !loaded {
			s.resultIDs = append(s.resultIDs, r.ScanID)
		}
	}
}

// Result returns the committed result for scanID.
func (s *ViolationStore) Result(scanID string) (*ScanResult, error) {
	raw, ok := s.results.Load(scanID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScan, scanID)
	}

	return raw.(*ScanResult), nil
}

// HasResult reports whether scanID has been committed.
func (s *ViolationStore) HasResult(scanID string) bool {
	_, ok := s.results.Load(scanID)
	return ok
}

// Results returns every committed result in commit order.
func (s *ViolationStore) Results() []*ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ScanResult, 0, len(s.resultIDs))

	for _, id := range s.resultIDs {
		if raw, ok := s.results.Load(id); ok {
			out = append(out, raw.(*ScanResult))
		}
	}

	return out
}

func (s *ViolationStore) persistViolation(ctx context.Context, v *Violation) {
	if s.persister == nil {
		return
	}

	if err := s.persister.SaveViolation(ctx, v); err != nil {
		metrics.RecordPersistenceError("save_violation")
		log.Error().Err(err).Str("violation_id", v.ID).Msg("Failed to persist violation")
	}
}
