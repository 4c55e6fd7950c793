package dlp

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Pattern is a named matcher that locates candidate sensitive substrings.
// Patterns returned by the registry are compiled and must be treated as
// read-only.
type Pattern struct {
	compiled        *regexp.Regexp
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	DataType        DataType `json:"data_type" yaml:"data_type"`
	Expression      string   `json:"regex" yaml:"regex"`
	Description     string   `json:"description,omitempty" yaml:"description,omitempty"`
	ContextKeywords []string `json:"context_keywords,omitempty" yaml:"context_keywords,omitempty"`
	Validators      []string `json:"validators,omitempty" yaml:"validators,omitempty"`
	FalsePositives  []string `json:"false_positive_regexes,omitempty" yaml:"false_positive_regexes,omitempty"`
	falsePositives  []*regexp.Regexp
	validators      []Validator
	ConfidenceFloor float64 `json:"confidence_floor" yaml:"confidence_floor"`
	order           int
	CaseInsensitive bool `json:"case_insensitive,omitempty" yaml:"case_insensitive,omitempty"`
}

// Regexp returns the compiled expression.
func (p *Pattern) Regexp() *regexp.Regexp {
	return p.compiled
}

// compile validates p and fills in the compiled fields.
func (p *Pattern) compile() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPattern)
	}

	if p.ConfidenceFloor <= 0 || p.ConfidenceFloor > 1 {
		return fmt.Errorf("%w: %s: confidence_floor %.2f outside (0,1]", ErrInvalidPattern, p.ID, p.ConfidenceFloor)
	}

	if p.DataType == "" {
		return fmt.Errorf("%w: %s: data_type is required", ErrInvalidPattern, p.ID)
	}

	expr := p.Expression
	if p.CaseInsensitive && !strings.HasPrefix(expr, "(?i)") {
		expr = "(?i)" + expr
	}

	if p.Expression == "" {
		return fmt.Errorf("%w: pattern %s: empty expression", ErrInvalidRegex, p.ID)
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("%w: pattern %s: %v", ErrInvalidRegex, p.ID, err)
	}

	p.compiled = re

	p.falsePositives = make([]*regexp.Regexp, 0, len(p.FalsePositives))
	for _, fp := range p.FalsePositives {
		fpRe, err := regexp.Compile(fp)
		if err != nil {
			return fmt.Errorf("%w: pattern %s false positive %q: %v", ErrInvalidRegex, p.ID, fp, err)
		}

		p.falsePositives = append(p.falsePositives, fpRe)
	}

	p.validators = make([]Validator, 0, len(p.Validators))
	for _, name := range p.Validators {
		v, ok := LookupValidator(name)
		if !ok {
			return fmt.Errorf("%w: pattern %s: unknown validator %q", ErrInvalidPattern, p.ID, name)
		}

		p.validators = append(p.validators, v)
	}

	if p.Name == "" {
		p.Name = p.ID
	}

	return nil
}

// validate runs every named validator against a matched value.
func (p *Pattern) validate(value string) bool {
	for _, v := range p.validators {
		if !v(value) {
			return false
		}
	}

	return true
}

// clone returns a shallow copy safe to hand back to callers for editing.
func (p *Pattern) clone() Pattern {
	cp := *p
	cp.ContextKeywords = append([]string(nil), p.ContextKeywords...)
	cp.Validators = append([]string(nil), p.Validators...)
	cp.FalsePositives = append([]string(nil), p.FalsePositives...)

	return cp
}

// patternGuard lets the pattern registry consult policy references while the
// policy registry's read lock is held. Lock order is always policies, then
// patterns.
type patternGuard interface {
	guardPatterns(fn func(referenced func(patternID string) bool) error) error
}

// PatternRegistry holds validated patterns indexed by id.
type PatternRegistry struct {
	guard patternGuard
	byID  map[string]*Pattern
	order []string
	seq   int
	mu    sync.RWMutex
}

// NewPatternRegistry creates an empty pattern registry.
func NewPatternRegistry() *PatternRegistry {
	return &PatternRegistry{
		byID: make(map[string]*Pattern),
	}
}

// Upsert validates, compiles and installs a pattern. Replacing an existing id
// keeps its original insertion position.
func (r *PatternRegistry) Upsert(p Pattern) error {
	pattern := p.clone()
	if err := pattern.compile(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[pattern.ID]; ok {
		pattern.order = existing.order
	} else {
		r.seq++
		pattern.order = r.seq
		r.order = append(r.order, pattern.ID)
	}

	r.byID[pattern.ID] = &pattern

	return nil
}

// Get returns the pattern with the given id.
func (r *PatternRegistry) Get(id string) (*Pattern, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPattern, id)
	}

	return p, nil
}

// has reports whether id is registered.
func (r *PatternRegistry) has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byID[id]

	return ok
}

// ListByDataType returns the patterns tagged with dt, in insertion order.
func (r *PatternRegistry) ListByDataType(dt DataType) []*Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Pattern

	for _, id := range r.order {
		if p := r.byID[id]; p.DataType == dt {
			out = append(out, p)
		}
	}

	return out
}

// List returns every pattern in insertion order.
func (r *PatternRegistry) List() []*Pattern {
	return r.Snapshot()
}

// Snapshot returns an insertion-ordered view of the registry. The slice is
// owned by the caller; the patterns are shared and immutable.
func (r *PatternRegistry) Snapshot() []*Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Pattern, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}

	return out
}

// Len returns the number of registered patterns.
func (r *PatternRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}

// Remove deletes a pattern. It fails when any enabled policy references it.
func (r *PatternRegistry) Remove(id string) error {
	remove := func(referenced func(string) bool) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		if _, ok := r.byID[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPattern, id)
		}

		if referenced != nil && referenced(id) {
			return fmt.Errorf("%w: %s", ErrPatternInUse, id)
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

	if r.guard == nil {
		return remove(nil)
	}

	return r.guard.guardPatterns(remove)
}
