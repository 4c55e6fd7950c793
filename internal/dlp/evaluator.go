package dlp

import (
	"fmt"
	"math"
	"strconv"
)

// Decision reasons.
const (
	ReasonScopeMismatch    = "scope-mismatch"
	ReasonPolicyDisabled   = "policy-disabled"
	ReasonConditionsNotMet = "conditions-not-met"
	ReasonNoPatternMatch   = "no-pattern-match"
	ReasonTriggered        = "policy-triggered"
)

var recommendations = map[Action][]string{
	ActionBlock:      {"Data transmission blocked", "Review data handling procedures"},
	ActionQuarantine: {"Data quarantined for review", "Contact security team"},
	ActionWarn:       {"User warned about sensitive data", "Monitor future activities"},
	ActionEncrypt:    {"Data encrypted at rest", "Verify key management"},
}

// Recommendations returns the follow-up actions suggested for action.
func Recommendations(action Action) []string {
	return append([]string{}, recommendations[action]...)
}

// Evaluator decides the action a policy requests for a data context.
type Evaluator struct {
	policies *PolicyRegistry
}

// NewEvaluator creates an evaluator that evaluates conditions via policies.
func NewEvaluator(policies *PolicyRegistry) *Evaluator {
	return &Evaluator{policies: policies}
}

// Evaluate applies policy to ctx given the classifier matches for the same
// buffer. sizeHint feeds file_size conditions when the context has no
// file_size metadata.
func (e *Evaluator) Evaluate(policy *Policy, ctx DataContext, matches []Match, sizeHint int64) PolicyDecision {
	decision := PolicyDecision{
		PolicyID:        policy.ID,
		Action:          ActionAllow,
		TriggeredRules:  []string{},
		Recommendations: []string{},
	}

	if !policy.AppliesTo(ctx.Source) {
		decision.Confidence = 1.0
		decision.Reason = ReasonScopeMismatch

		return decision
	}

	var trueConditions []string

	allTrue := true

	for _, cond := range policy.Conditions {
		if e.policies.EvaluateCondition(cond, ctx, sizeHint) {
			trueConditions = append(trueConditions, cond.String())
		} else {
			allTrue = false
		}
	}

	matched := PolicyMatches(policy, matches)
	matchedPatterns := matchedPatternNames(policy, matched)

	patternTerm := 0.0
	if len(matchedPatterns) > 0 {
		patternTerm = 0.4
	}

	decision.Confidence = math.Min(1.0, math.Round((0.3*float64(len(trueConditions))+patternTerm)*1e6)/1e6)
	decision.Metadata = map[string]string{
		"policy_name":          policy.Name,
		"severity":             string(policy.Severity),
		"matched_patterns":     strconv.Itoa(len(matchedPatterns)),
		"sensitive_data_count": strconv.Itoa(len(matched)),
	}

	switch {
	case !policy.Enabled:
		decision.Reason = ReasonPolicyDisabled
		return decision
	case !allTrue:
		decision.Reason = ReasonConditionsNotMet
		return decision
	case len(matched) == 0:
		decision.Reason = ReasonNoPatternMatch
		return decision
	}

	decision.Triggered = true
	decision.Action = policy.Action
	decision.Reason = fmt.Sprintf("%s: %s", ReasonTriggered, policy.Name)
	decision.Recommendations = Recommendations(policy.Action)

	decision.TriggeredRules = append(decision.TriggeredRules, trueConditions...)
	for _, name := range matchedPatterns {
		decision.TriggeredRules = append(decision.TriggeredRules, "Pattern: "+name)
	}

	return decision
}

// PolicyMatches filters matches down to those produced by the policy's
// referenced patterns.
func PolicyMatches(policy *Policy, matches []Match) []Match {
	var out []Match

	for _, m := range matches {
		if policy.ReferencesPattern(m.Pattern.ID) {
			out = append(out, m)
		}
	}

	return out
}

// matchedPatternNames lists, in policy order, the names of referenced
// patterns with at least one match.
func matchedPatternNames(policy *Policy, matched []Match) []string {
	var names []string

	for _, id := range policy.PatternIDs {
		for _, m := range matched {
			if m.Pattern.ID == id {
				names = append(names, m.Pattern.Name)
				break
			}
		}
	}

	return names
}
