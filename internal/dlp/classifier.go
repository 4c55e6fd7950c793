package dlp

import (
	"math"
	"sort"
	"strings"
)

// Confidence scoring constants.
const (
	baseConfidence       = 0.7
	keywordBoost         = 0.1
	falsePositivePenalty = 0.3
	contextWindow        = 50
)

// Recommended handling per risk level.
const (
	HandlingEncryptAndRestrict = "encrypt_and_restrict_access"
	HandlingRestrictAccess     = "restrict_access"
	HandlingMonitorAccess      = "monitor_access"
	HandlingStandard           = "standard_handling"
	HandlingNone               = "no_special_handling"
)

// Match is an emitted pattern match inside a buffer.
type Match struct {
	Pattern    *Pattern
	Value      string
	Start      int
	End        int
	Confidence float64
}

// Element renders the match as a masked SensitiveElement of text.
func (m Match) Element(text string) SensitiveElement {
	return SensitiveElement{
		DataType:           m.Pattern.DataType,
		MaskedValue:        MaskValue(m.Value),
		SurroundingContext: surroundingContext(text, m.Start, m.End),
		Position:           m.Start,
		Length:             m.End - m.Start,
		Confidence:         m.Confidence,
	}
}

// Classifier scans text against the pattern registry.
type Classifier struct {
	patterns *PatternRegistry
}

// NewClassifier creates a classifier reading patterns from registry.
func NewClassifier(registry *PatternRegistry) *Classifier {
	return &Classifier{patterns: registry}
}

// Classify runs every registered pattern over text.
func (c *Classifier) Classify(text string) Classification {
	return Summarize(text, FindMatches(c.patterns.Snapshot(), text))
}

// Matches returns every emitted match for text using the current patterns.
func (c *Classifier) Matches(text string) []Match {
	return FindMatches(c.patterns.Snapshot(), text)
}

// FindMatches runs patterns over text and returns the matches whose
// confidence reaches their pattern's floor, ordered by pattern then position.
func FindMatches(patterns []*Pattern, text string) []Match {
	var matches []Match

	for _, p := range patterns {
		re := p.Regexp()
		if re == nil {
			continue
		}

		for _, loc := range re.FindAllStringIndex(text, -1) {
			value := text[loc[0]:loc[1]]
			if !p.validate(value) {
				continue
			}

			confidence := scoreMatch(p, text, value, loc[0], loc[1])
			if confidence < p.ConfidenceFloor {
				continue
			}

			matches = append(matches, Match{
				Pattern:    p,
				Value:      value,
				Start:      loc[0],
				End:        loc[1],
				Confidence: confidence,
			})
		}
	}

	return matches
}

// scoreMatch computes the clamped confidence of a single match.
func scoreMatch(p *Pattern, text, value string, start, end int) float64 {
	confidence := baseConfidence

	if len(p.ContextKeywords) > 0 {
		window := strings.ToLower(surroundingContext(text, start, end))
		seen := make(map[string]struct{}, len(p.ContextKeywords))

		for _, kw := range p.ContextKeywords {
			kw = strings.ToLower(kw)
			if _, dup := seen[kw]; dup || kw == "" {
				continue
			}

			seen[kw] = struct{}{}

			if strings.Contains(window, kw) {
				confidence += keywordBoost
			}
		}
	}

	for _, fp := range p.falsePositives {
		if fp.MatchString(value) {
			confidence -= falsePositivePenalty
		}
	}

	return clamp(confidence)
}

// clamp bounds v to [0,1] and rounds away float drift so that 0.7+0.1
// compares equal to a 0.8 floor.
func clamp(v float64) float64 {
	v = math.Round(v*1e6) / 1e6

	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Summarize aggregates matches into a Classification.
func Summarize(text string, matches []Match) Classification {
	result := Classification{
		DataType:            DataTypeNone,
		RiskLevel:           RiskNone,
		RecommendedHandling: HandlingNone,
		Elements:            make([]SensitiveElement, 0, len(matches)),
	}

	if len(matches) == 0 {
		return result
	}

	for _, m := range matches {
		result.Elements = append(result.Elements, m.Element(text))
	}

	dominant := DominantMatch(matches)
	result.DataType = dominant.Pattern.DataType
	result.OverallConfidence = dominant.Confidence
	result.RiskLevel = RiskFor(result.DataType, dominant.Confidence)
	result.RecommendedHandling = HandlingFor(result.RiskLevel)

	return result
}

// DominantMatch returns the highest-confidence match. Ties go to the pattern
// registered first, then to the earliest position.
func DominantMatch(matches []Match) Match {
	ordered := append([]Match(nil), matches...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}

		if a.Pattern.order != b.Pattern.order {
			return a.Pattern.order < b.Pattern.order
		}

		return a.Start < b.Start
	})

	return ordered[0]
}

// RiskFor maps a dominant data type and its confidence onto a risk level.
func RiskFor(dt DataType, confidence float64) RiskLevel {
	switch dt {
	case DataTypeNone, "":
		return RiskNone
	case DataTypeSSN, DataTypeCreditCard:
		return RiskCritical
	case DataTypeEmail, DataTypePhone:
		if confidence > 0.8 {
			return RiskHigh
		}
	case DataTypeConfidential:
		if confidence > 0.7 {
			return RiskMedium
		}
	}

	return RiskLow
}

// HandlingFor returns the recommended handling for a risk level.
func HandlingFor(level RiskLevel) string {
	switch level {
	case RiskCritical:
		return HandlingEncryptAndRestrict
	case RiskHigh:
		return HandlingRestrictAccess
	case RiskMedium:
		return HandlingMonitorAccess
	case RiskLow:
		return HandlingStandard
	default:
		return HandlingNone
	}
}

// MaskValue hides a matched value while preserving its length.
func MaskValue(value string) string {
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}

	return value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
}

func surroundingContext(text string, start, end int) string {
	from := start - contextWindow
	if from < 0 {
		from = 0
	}

	to := end + contextWindow
	if to > len(text) {
		to = len(text)
	}

	return text[from:to]
}
