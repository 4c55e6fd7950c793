package dlp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConditionField selects the DataContext attribute a condition inspects.
type ConditionField string

const (
	FieldFileSize  ConditionField = "file_size"
	FieldSender    ConditionField = "sender"
	FieldRecipient ConditionField = "recipient"
	FieldLocation  ConditionField = "location"
	FieldTime      ConditionField = "time"
)

// ConditionOperator compares the selected field against a condition value.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpContains    ConditionOperator = "contains"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpRegex       ConditionOperator = "regex"
)

// validOperators lists the operators each field accepts.
var validOperators = map[ConditionField][]ConditionOperator{
	FieldFileSize:  {OpEquals, OpGreaterThan, OpLessThan},
	FieldSender:    {OpEquals, OpContains, OpRegex},
	FieldRecipient: {OpEquals, OpContains, OpRegex},
	FieldLocation:  {OpEquals, OpContains, OpRegex},
	FieldTime:      {OpEquals, OpContains, OpGreaterThan, OpLessThan, OpRegex},
}

// PolicyCondition is a single predicate over a DataContext.
type PolicyCondition struct {
	Field         ConditionField    `json:"field" yaml:"field"`
	Operator      ConditionOperator `json:"operator" yaml:"operator"`
	Value         string            `json:"value" yaml:"value"`
	CaseSensitive bool              `json:"case_sensitive" yaml:"case_sensitive"`
}

// String renders the condition the way triggered rules report it.
func (c PolicyCondition) String() string {
	return fmt.Sprintf("Condition: %s %s %s", c.Field, c.Operator, c.Value)
}

func (c PolicyCondition) validate() error {
	ops, ok := validOperators[c.Field]
	if !ok {
		return fmt.Errorf("%w: unknown condition field %q", ErrInvalidPolicy, c.Field)
	}

	for _, op := range ops {
		if op == c.Operator {
			return nil
		}
	}

	return fmt.Errorf("%w: operator %q not valid for field %q", ErrInvalidPolicy, c.Operator, c.Field)
}

// Policy is a named rule combining patterns, conditions and an action.
type Policy struct {
	CreatedAt   time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time         `json:"updated_at" yaml:"-"`
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    Severity          `json:"severity" yaml:"severity"`
	Action      Action            `json:"action" yaml:"action"`
	DataTypes   []DataType        `json:"data_types,omitempty" yaml:"data_types,omitempty"`
	PatternIDs  []string          `json:"pattern_ids" yaml:"pattern_ids"`
	Conditions  []PolicyCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Scope       []SourceKind      `json:"scope" yaml:"scope"`
	Exceptions  []string          `json:"exceptions,omitempty" yaml:"exceptions,omitempty"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
}

// AppliesTo reports whether source is inside the policy's scope.
func (p *Policy) AppliesTo(source SourceKind) bool {
	source = source.Normalize()

	for _, s := range p.Scope {
		if s.Normalize() == source {
			return true
		}
	}

	return false
}

// ReferencesPattern reports whether the policy lists patternID.
func (p *Policy) ReferencesPattern(patternID string) bool {
	for _, id := range p.PatternIDs {
		if id == patternID {
			return true
		}
	}

	return false
}

func (p *Policy) clone() Policy {
	cp := *p
	cp.DataTypes = append([]DataType(nil), p.DataTypes...)
	cp.PatternIDs = append([]string(nil), p.PatternIDs...)
	cp.Conditions = append([]PolicyCondition(nil), p.Conditions...)
	cp.Scope = append([]SourceKind(nil), p.Scope...)
	cp.Exceptions = append([]string(nil), p.Exceptions...)

	return cp
}

func (p *Policy) validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPolicy)
	}

	if len(p.Scope) == 0 {
		return fmt.Errorf("%w: %s: scope must not be empty", ErrInvalidPolicy, p.ID)
	}

	if !p.Severity.Valid() {
		return fmt.Errorf("%w: %s: unknown severity %q", ErrInvalidPolicy, p.ID, p.Severity)
	}

	if !p.Action.Valid() {
		return fmt.Errorf("%w: %s: unknown action %q", ErrInvalidPolicy, p.ID, p.Action)
	}

	for _, cond := range p.Conditions {
		if err := cond.validate(); err != nil {
			return fmt.Errorf("policy %s: %w", p.ID, err)
		}
	}

	return nil
}

// PolicyRegistry holds policies indexed by id and evaluates their conditions.
type PolicyRegistry struct {
	patterns   *PatternRegistry
	byID       map[string]*Policy
	regexCache sync.Map // condition value -> *regexp.Regexp, or nil when invalid
	order      []string
	mu         sync.RWMutex
}

// NewPolicyRegistry creates a policy registry whose pattern references are
// resolved against patterns.
func NewPolicyRegistry(patterns *PatternRegistry) *PolicyRegistry {
	r := &PolicyRegistry{
		patterns: patterns,
		byID:     make(map[string]*Policy),
	}
	patterns.guard = r

	return r
}

// Upsert validates and installs a policy, replacing any policy with the same id.
func (r *PolicyRegistry) Upsert(p Policy) error {
	policy := p.clone()
	if err := policy.validate(); err != nil {
		return err
	}

	if policy.Name == "" {
		policy.Name = policy.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range policy.PatternIDs {
		if !r.patterns.has(id) {
			return fmt.Errorf("%w: policy %s references %s", ErrDanglingPatternReference, policy.ID, id)
		}
	}

	now := time.Now()
	policy.UpdatedAt = now

	if existing, ok := r.byID[policy.ID]; ok {
		policy.CreatedAt = existing.CreatedAt
	} else {
		policy.CreatedAt = now
		r.order = append(r.order, policy.ID)
	}

	r.byID[policy.ID] = &policy

	return nil
}

// Get returns the policy with the given id.
func (r *PolicyRegistry) Get(id string) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, id)
	}

	return p, nil
}

// List returns every policy in insertion order.
func (r *PolicyRegistry) List() []*Policy {
	return r.Snapshot()
}

// Snapshot returns an insertion-ordered view of the registry.
func (r *PolicyRegistry) Snapshot() []*Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Policy, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}

	return out
}

// Remove deletes a policy.
func (r *PolicyRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, id)
	}

	delete(r.byID, id)

	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	return nil
}

// ReferencesPattern reports whether any enabled policy references patternID.
func (r *PolicyRegistry) ReferencesPattern(patternID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.referencedLocked(patternID)
}

func (r *PolicyRegistry) referencedLocked(patternID string) bool {
	for _, p := range r.byID {
		if p.Enabled && p.ReferencesPattern(patternID) {
			return true
		}
	}

	return false
}

func (r *PolicyRegistry) guardPatterns(fn func(referenced func(string) bool) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return fn(r.referencedLocked)
}

// EvaluateCondition evaluates a single condition against a context. sizeHint
// is used for file_size when the context metadata carries no file_size key.
func (r *PolicyRegistry) EvaluateCondition(cond PolicyCondition, ctx DataContext, sizeHint int64) bool {
	target, ok := conditionTarget(cond, ctx, sizeHint)
	if !ok {
		return false
	}

	switch cond.Operator {
	case OpEquals:
		if cond.CaseSensitive {
			return target == cond.Value
		}

		return strings.EqualFold(target, cond.Value)
	case OpContains:
		if cond.CaseSensitive {
			return strings.Contains(target, cond.Value)
		}

		return strings.Contains(strings.ToLower(target), strings.ToLower(cond.Value))
	case OpGreaterThan, OpLessThan:
		left, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
		if err != nil {
			return false
		}

		right, err := strconv.ParseInt(strings.TrimSpace(cond.Value), 10, 64)
		if err != nil {
			return false
		}

		if cond.Operator == OpGreaterThan {
			return left > right
		}

		return left < right
	case OpRegex:
		re := r.conditionRegex(cond)
		if re == nil {
			return false
		}

		return re.MatchString(target)
	default:
		return false
	}
}

// conditionRegex compiles and caches a condition's expression. Invalid
// expressions are cached as nil so they evaluate to false without recompiling.
func (r *PolicyRegistry) conditionRegex(cond PolicyCondition) *regexp.Regexp {
	key := cond.Value

	if cached, ok := r.regexCache.Load(key); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}

	re, err := regexp.Compile(key)
	if err != nil {
		r.regexCache.Store(key, (*regexp.Regexp)(nil))
		return nil
	}

	r.regexCache.Store(key, re)

	return re
}

// conditionTarget extracts the string form of the field a condition reads.
func conditionTarget(cond PolicyCondition, ctx DataContext, sizeHint int64) (string, bool) {
	switch cond.Field {
	case FieldFileSize:
		if v, ok := ctx.Metadata[MetadataFileSize]; ok {
			return v, true
		}

		return strconv.FormatInt(sizeHint, 10), true
	case FieldSender:
		return ctx.Sender, true
	case FieldRecipient:
		return ctx.Recipient, true
	case FieldLocation:
		return ctx.Location, true
	case FieldTime:
		if ctx.Timestamp.IsZero() {
			return "", false
		}

		if cond.Operator == OpGreaterThan || cond.Operator == OpLessThan {
			return strconv.FormatInt(ctx.Timestamp.Unix(), 10), true
		}

		return ctx.Timestamp.UTC().Format(time.RFC3339), true
	default:
		return "", false
	}
}
