package dlp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/piwi3910/nebulaguard/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Notifier is told about every violation a scan records.
type Notifier interface {
	NotifyViolation(ctx context.Context, v *Violation)
}

// CoordinatorConfig tunes the scan coordinator.
type CoordinatorConfig struct {
	// MaxConcurrentScans caps the number of scans running at once. Zero
	// means unlimited.
	MaxConcurrentScans int
	// DefaultUnitSize is the size hint used for units that report none.
	DefaultUnitSize int64
}

// Coordinator runs scans over source producers and exposes the engine's
// public operations.
type Coordinator struct {
	patterns   *PatternRegistry
	policies   *PolicyRegistry
	classifier *Classifier
	evaluator  *Evaluator
	store      *ViolationStore
	status     *statusRecord
	notifier   Notifier
	slots      *semaphore.Weighted
	producers  map[SourceKind]Producer
	fallback   Producer
	active     sync.Map // scan id -> *activeScan
	cfg        CoordinatorConfig
	mu         sync.RWMutex
}

type activeScan struct {
	startedAt time.Time
	cancel    context.CancelFunc
	source    SourceKind
}

// ActiveScan describes a scan in flight.
type ActiveScan struct {
	StartedAt time.Time  `json:"started_at"`
	ScanID    string     `json:"scan_id"`
	Source    SourceKind `json:"source"`
}

// NewCoordinator wires the engine components together.
func NewCoordinator(cfg CoordinatorConfig, patterns *PatternRegistry, policies *PolicyRegistry, store *ViolationStore) *Coordinator {
	if cfg.DefaultUnitSize <= 0 {
		cfg.DefaultUnitSize = DefaultUnitSize
	}

	c := &Coordinator{
		cfg:        cfg,
		patterns:   patterns,
		policies:   policies,
		classifier: NewClassifier(patterns),
		evaluator:  NewEvaluator(policies),
		store:      store,
		status:     newStatusRecord(),
		producers:  make(map[SourceKind]Producer),
		fallback:   DocumentProducer{},
	}

	if cfg.MaxConcurrentScans > 0 {
		c.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrentScans))
	}

	return c
}

// SetNotifier installs the violation notifier.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.notifier = n
}

// RegisterProducer routes scans of kind to p.
func (c *Coordinator) RegisterProducer(kind SourceKind, p Producer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.producers[kind.Normalize()] = p
}

func (c *Coordinator) producerFor(kind SourceKind) Producer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.producers[kind.Normalize()]; ok {
		return p
	}

	return c.fallback
}

// Patterns returns the pattern registry.
func (c *Coordinator) Patterns() *PatternRegistry {
	return c.patterns
}

// Policies returns the policy registry.
func (c *Coordinator) Policies() *PolicyRegistry {
	return c.policies
}

// Violations returns the violation store.
func (c *Coordinator) Violations() *ViolationStore {
	return c.store
}

// Classify classifies text against the current patterns.
func (c *Coordinator) Classify(text string) Classification {
	result := c.classifier.Classify(text)
	metrics.RecordClassification(string(result.RiskLevel))

	return result
}

// ApplyPolicy evaluates a single policy against ctx and text.
func (c *Coordinator) ApplyPolicy(policyID string, ctx DataContext, text string) (PolicyDecision, error) {
	policy, err := c.policies.Get(policyID)
	if err != nil {
		return PolicyDecision{}, err
	}

	return c.evaluator.Evaluate(policy, ctx, c.classifier.Matches(text), int64(len(text))), nil
}

// Status returns the current engine status.
func (c *Coordinator) Status() Status {
	return c.status.snapshot()
}

// Cancel asks a running scan to stop at its next unit boundary.
func (c *Coordinator) Cancel(scanID string) error {
	raw, ok := c.active.Load(scanID)
	if !ok {
		return fmt.Errorf("%w: %s is not running", ErrUnknownScan, scanID)
	}

	raw.(*activeScan).cancel()

	return nil
}

// Result returns the committed result of a scan.
func (c *Coordinator) Result(scanID string) (*ScanResult, error) {
	return c.store.Result(scanID)
}

// ListResults returns every committed scan result.
func (c *Coordinator) ListResults() []*ScanResult {
	return c.store.Results()
}

// ActiveScans lists the scans currently running.
func (c *Coordinator) ActiveScans() []ActiveScan {
	out := make([]ActiveScan, 0)

	c.active.Range(func(key, value any) bool {
		a := value.(*activeScan)
		out = append(out, ActiveScan{ScanID: key.(string), Source: a.source, StartedAt: a.startedAt})

		return true
	})

	return out
}

func validateRequest(req *ScanRequest) error {
	if req.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidScanRequest)
	}

	switch req.ScanType {
	case "":
		req.ScanType = ScanTypeFull
	case ScanTypeFull, ScanTypeIncremental, ScanTypeTargeted:
	default:
		return fmt.Errorf("%w: unknown scan_type %q", ErrInvalidScanRequest, req.ScanType)
	}

	if req.MaxFileSize < 0 {
		return fmt.Errorf("%w: max_file_size must not be negative", ErrInvalidScanRequest)
	}

	return nil
}

// scanState holds the in-progress counters of one scan.
type scanState struct {
	result   *ScanResult
	policies []*Policy
	patterns []*Pattern
	notifier Notifier
}

// PendingScan is a validated request whose scan id is reserved. Run must be
// called exactly once to execute it and release the id.
type PendingScan struct {
	c      *Coordinator
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	start  time.Time
	req    ScanRequest
}

// ID returns the reserved scan id.
func (p *PendingScan) ID() string {
	return p.req.ScanID
}

// Begin validates req and reserves its scan id without running anything, so
// callers can reject a bad request before handing the scan to a goroutine.
// ctx bounds the scan that Run executes.
func (c *Coordinator) Begin(ctx context.Context, req ScanRequest) (*PendingScan, error) {
	start := time.Now()

	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	if req.ScanID == "" {
		req.ScanID = uuid.New().String()
	}

	scanCtx, cancel := context.WithCancel(ctx)

	if _, loaded := c.active.LoadOrStore(req.ScanID, &activeScan{startedAt: start, cancel: cancel, source: req.Source}); loaded {
		cancel()
		return nil, fmt.Errorf("%w: %s is already running", ErrDuplicateScanID, req.ScanID)
	}

	// A scan commits before it leaves the active set, so a finished scan
	// with this id is visible here.
	if c.store.HasResult(req.ScanID) {
		c.active.Delete(req.ScanID)
		cancel()

		return nil, fmt.Errorf("%w: %s", ErrDuplicateScanID, req.ScanID)
	}

	return &PendingScan{c: c, parent: ctx, ctx: scanCtx, cancel: cancel, start: start, req: req}, nil
}

// Scan runs req to completion and commits its result. The returned error is
// non-nil only when the request is rejected; producer failures and
// cancellation are reported through the result status.
func (c *Coordinator) Scan(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	pending, err := c.Begin(ctx, req)
	if err != nil {
		return nil, err
	}

	return pending.Run()
}

// Run executes the reserved scan and commits its result.
func (p *PendingScan) Run() (*ScanResult, error) {
	c, req, scanCtx, start := p.c, p.req, p.ctx, p.start

	defer p.cancel()
	defer c.active.Delete(req.ScanID)

	c.status.scanStarted()

	c.mu.RLock()
	notifier := c.notifier
	c.mu.RUnlock()

	state := &scanState{
		result: &ScanResult{
			ScanID:           req.ScanID,
			Source:           req.Source,
			Status:           ScanRunning,
			Violations:       []*Violation{},
			ViolationsByType: make(map[DataType]int),
		},
		notifier: notifier,
	}

	logger := log.With().Str("scan_id", req.ScanID).Str("source", string(req.Source)).Logger()

	var runErr error

	if c.slots != nil {
		if err := c.slots.Acquire(scanCtx, 1); err != nil {
			runErr = err
		} else {
			defer c.slots.Release(1)
		}
	}

	if runErr == nil {
		state.patterns = c.patterns.Snapshot()

		for _, p := range c.policies.Snapshot() {
			if p.Enabled {
				state.policies = append(state.policies, p)
			}
		}

		logger.Info().
			Str("scan_type", string(req.ScanType)).
			Str("target", req.TargetPath).
			Int("nominal_units", NominalUnits(req.Source)).
			Int("policies", len(state.policies)).
			Msg("Scan started")

		runErr = c.producerFor(req.Source).Produce(scanCtx, &req, func(u Unit) error {
			if err := scanCtx.Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrScanCancelled, err)
			}

			c.processUnit(scanCtx, &req, state, u)

			return nil
		})
	}

	result := state.result

	switch {
	case scanCtx.Err() != nil || errors.Is(runErr, ErrScanCancelled):
		result.Status = ScanCancelled
		result.Error = ErrScanCancelled.Error()
		c.status.scanCancelled(result.HighRiskViolations)
		logger.Info().Int("violations", result.TotalViolations).Msg("Scan cancelled")
	case runErr != nil:
		err := fmt.Errorf("%w: %v", ErrSourceProducerFailure, runErr)
		result.Status = ScanFailed
		result.Error = err.Error()
		c.status.scanFailed(result.HighRiskViolations, err.Error())
		logger.Warn().Err(runErr).Int("violations", result.TotalViolations).Msg("Scan failed")
	default:
		result.Status = ScanCompleted
		c.status.scanSucceeded(result.HighRiskViolations)
	}

	result.Timestamp = time.Now()
	result.ScanDurationMS = time.Since(start).Milliseconds()

	// The caller's context may already be done; commit regardless.
	if err := c.store.CommitResult(context.WithoutCancel(p.parent), result); err != nil {
		return nil, err
	}

	metrics.RecordScan(string(req.Source), string(result.Status), time.Since(start))
	metrics.SetActiveAlerts(result.HighRiskViolations)

	logger.Info().
		Str("status", string(result.Status)).
		Int("scanned", result.TotalScanned).
		Int("violations", result.TotalViolations).
		Int("high_risk", result.HighRiskViolations).
		Int64("duration_ms", result.ScanDurationMS).
		Msg("Scan committed")

	return result, nil
}

// processUnit classifies one unit and records the violations it triggers.
func (c *Coordinator) processUnit(ctx context.Context, req *ScanRequest, state *scanState, u Unit) {
	size := u.Size
	if size <= 0 {
		size = c.cfg.DefaultUnitSize
	}

	if req.MaxFileSize > 0 && u.Size > req.MaxFileSize {
		log.Debug().Str("scan_id", req.ScanID).Str("location", u.Context.Location).Int64("size", u.Size).Msg("Unit exceeds max_file_size, skipped")
		return
	}

	if u.Context.Source == "" {
		u.Context.Source = req.Source
	}

	if u.Context.Timestamp.IsZero() {
		u.Context.Timestamp = time.Now()
	}

	result := state.result
	result.TotalScanned++
	result.DataVolumeScannedBytes += size
	metrics.AddUnitsScanned(string(req.Source), 1)

	matches := FindMatches(state.patterns, u.Text)
	if len(matches) == 0 {
		return
	}

	found := false

	for _, policy := range state.policies {
		decision := c.evaluator.Evaluate(policy, u.Context, matches, size)
		if !decision.Triggered {
			continue
		}

		found = true
		v := newViolation(req.ScanID, policy, decision, u.Context, PolicyMatches(policy, matches))

		result.Violations = append(result.Violations, v)
		result.TotalViolations++
		result.ViolationsByType[v.DataType]++

		if v.Severity.IsHighRisk() {
			result.HighRiskViolations++
		}

		c.store.Insert(ctx, v)
		metrics.RecordViolation(v.PolicyID, string(v.Severity))

		log.Debug().
			Str("scan_id", req.ScanID).
			Str("policy_id", policy.ID).
			Str("location", v.SourceLocation).
			Int("count", v.SensitiveDataCount).
			Msg("Policy violation recorded")

		if state.notifier != nil {
			state.notifier.NotifyViolation(ctx, v)
		}
	}

	if found {
		result.WithViolations++
	}
}

func newViolation(scanID string, policy *Policy, decision PolicyDecision, ctx DataContext, matched []Match) *Violation {
	top := DominantMatch(matched)
	now := time.Now()

	return &Violation{
		ID:                 uuid.New().String(),
		ScanID:             scanID,
		PolicyID:           policy.ID,
		PolicyName:         policy.Name,
		Severity:           policy.Severity,
		ActionTaken:        decision.Action,
		DataType:           top.Pattern.DataType,
		SourceLocation:     ctx.Location,
		FileName:           ctx.FileName,
		ViolationDetails:   fmt.Sprintf("%s: %d sensitive item(s) detected, highest confidence %.2f (%s)", policy.Name, len(matched), top.Confidence, top.Pattern.DataType),
		SensitiveDataCount: len(matched),
		Context:            ctx,
		RemediationStatus:  RemediationPending,
		Timestamp:          now,
		UpdatedAt:          now,
	}
}
