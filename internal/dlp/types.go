// Package dlp provides the Data Loss Prevention engine for NebulaGuard.
//
// The engine is composed leaves-first:
//
//   - PatternRegistry: validated, compiled data patterns
//   - PolicyRegistry: policies referencing patterns, with conditions and scope
//   - Classifier: scans text, scores matches and derives a risk level
//   - Evaluator: decides an action for a policy against a data context
//   - ViolationStore: append-only violation index with remediation lifecycle
//   - Coordinator: runs scans over source producers and aggregates results
//
// All exported operations are safe for concurrent use.
package dlp

import (
	"encoding/json"
	"fmt"
	"time"
)

// DataType tags the kind of sensitive data a pattern detects.
type DataType string

const (
	DataTypeSSN          DataType = "ssn"
	DataTypeCreditCard   DataType = "credit_card"
	DataTypeEmail        DataType = "email"
	DataTypePhone        DataType = "phone"
	DataTypeIBAN         DataType = "iban"
	DataTypeConfidential DataType = "confidential"
	DataTypeNone         DataType = "none"
)

// Severity is the severity of a policy and the violations it produces.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}

	return false
}

// Rank orders severities from low (1) to critical (4); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}

	return 0
}

// IsHighRisk reports whether violations of this severity count as high risk.
func (s Severity) IsHighRisk() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Action is the action a policy decision requests.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionWarn       Action = "warn"
	ActionBlock      Action = "block"
	ActionQuarantine Action = "quarantine"
	ActionEncrypt    Action = "encrypt"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionWarn, ActionBlock, ActionQuarantine, ActionEncrypt:
		return true
	}

	return false
}

// SourceKind identifies where scanned content comes from.
type SourceKind string

const (
	SourceEmail         SourceKind = "email"
	SourceFileSystem    SourceKind = "file_system"
	SourceDatabase      SourceKind = "database"
	SourceObjectStorage SourceKind = "object_storage"
	SourceAPI           SourceKind = "api"
)

// sourceAliases maps shorthand source names onto canonical kinds.
var sourceAliases = map[SourceKind]SourceKind{
	"files": SourceFileSystem,
	"file":  SourceFileSystem,
	"fs":    SourceFileSystem,
	"db":    SourceDatabase,
	"s3":    SourceObjectStorage,
}

// Normalize resolves aliases such as "files" to their canonical kind.
func (k SourceKind) Normalize() SourceKind {
	if canonical, ok := sourceAliases[k]; ok {
		return canonical
	}

	return k
}

// ScanType is the breadth of a scan request.
type ScanType string

const (
	ScanTypeFull        ScanType = "full"
	ScanTypeIncremental ScanType = "incremental"
	ScanTypeTargeted    ScanType = "targeted"
)

// RiskLevel is the risk derived from a classification.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RemediationStatus is the lifecycle label of a violation.
type RemediationStatus string

const (
	RemediationPending      RemediationStatus = "pending"
	RemediationInProgress   RemediationStatus = "in_progress"
	RemediationResolved     RemediationStatus = "resolved"
	RemediationAcceptedRisk RemediationStatus = "accepted_risk"
)

// ScanStatus is the terminal (or current) state of a scan.
type ScanStatus string

const (
	ScanCompleted ScanStatus = "completed"
	ScanRunning   ScanStatus = "running"
	ScanFailed    ScanStatus = "failed"
	ScanCancelled ScanStatus = "cancelled"
)

// MetadataFileSize is the well-known metadata key read by file_size conditions.
const MetadataFileSize = "file_size"

// DataContext describes where a scanned unit came from. Producers create it and
// nothing mutates it afterwards.
type DataContext struct {
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"-"`
	Source    SourceKind        `json:"source"`
	Location  string            `json:"location"`
	FileName  string            `json:"file_name,omitempty"`
	FileType  string            `json:"file_type,omitempty"`
	Sender    string            `json:"sender,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
}

type dataContextJSON struct {
	Timestamp time.Time  `json:"timestamp"`
	Source    SourceKind `json:"source"`
	Location  string     `json:"location"`
	FileName  string     `json:"file_name,omitempty"`
	FileType  string     `json:"file_type,omitempty"`
	Sender    string     `json:"sender,omitempty"`
	Recipient string     `json:"recipient,omitempty"`
	Metadata  string     `json:"metadata,omitempty"`
}

// MarshalJSON encodes Metadata as an opaque JSON string.
func (c DataContext) MarshalJSON() ([]byte, error) {
	out := dataContextJSON{
		Timestamp: c.Timestamp,
		Source:    c.Source,
		Location:  c.Location,
		FileName:  c.FileName,
		FileType:  c.FileType,
		Sender:    c.Sender,
		Recipient: c.Recipient,
	}

	if len(c.Metadata) > 0 {
		raw, err := json.Marshal(c.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}

		out.Metadata = string(raw)
	}

	return json.Marshal(out)
}

// UnmarshalJSON decodes the opaque metadata string back into a map.
func (c *DataContext) UnmarshalJSON(data []byte) error {
	var in dataContextJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*c = DataContext{
		Timestamp: in.Timestamp,
		Source:    in.Source,
		Location:  in.Location,
		FileName:  in.FileName,
		FileType:  in.FileType,
		Sender:    in.Sender,
		Recipient: in.Recipient,
	}

	if in.Metadata != "" {
		if err := json.Unmarshal([]byte(in.Metadata), &c.Metadata); err != nil {
			return fmt.Errorf("invalid metadata: %w", err)
		}
	}

	return nil
}

// SensitiveElement is a single emitted match inside a classified buffer.
type SensitiveElement struct {
	DataType           DataType `json:"data_type"`
	MaskedValue        string   `json:"masked_value"`
	SurroundingContext string   `json:"surrounding_context"`
	Position           int      `json:"position"`
	Length             int      `json:"length"`
	Confidence         float64  `json:"confidence"`
}

// Classification is the aggregate result of running all patterns on a buffer.
type Classification struct {
	DataType            DataType           `json:"data_type"`
	RiskLevel           RiskLevel          `json:"risk_level"`
	RecommendedHandling string             `json:"recommended_handling"`
	Elements            []SensitiveElement `json:"elements"`
	OverallConfidence   float64            `json:"overall_confidence"`
}

// PolicyDecision is the outcome of evaluating one policy against one context.
type PolicyDecision struct {
	Metadata        map[string]string `json:"metadata,omitempty"`
	PolicyID        string            `json:"policy_id"`
	Action          Action            `json:"action"`
	Reason          string            `json:"reason"`
	TriggeredRules  []string          `json:"triggered_rules"`
	Recommendations []string          `json:"recommendations"`
	Confidence      float64           `json:"confidence"`
	Triggered       bool              `json:"triggered"`
}

// Violation is recorded when a policy triggers on a scanned unit. Only
// RemediationStatus, Assignee and UpdatedAt change after creation.
type Violation struct {
	Timestamp          time.Time         `json:"timestamp"`
	UpdatedAt          time.Time         `json:"updated_at"`
	Context            DataContext       `json:"context"`
	ID                 string            `json:"id"`
	ScanID             string            `json:"scan_id"`
	PolicyID           string            `json:"policy_id"`
	PolicyName         string            `json:"policy_name"`
	Severity           Severity          `json:"severity"`
	ActionTaken        Action            `json:"action_taken"`
	DataType           DataType          `json:"data_type"`
	SourceLocation     string            `json:"source_location"`
	FileName           string            `json:"file_name,omitempty"`
	ViolationDetails   string            `json:"violation_details"`
	RemediationStatus  RemediationStatus `json:"remediation_status"`
	Assignee           string            `json:"assignee,omitempty"`
	SensitiveDataCount int               `json:"sensitive_data_count"`
}

// Document is inline content submitted with a scan request.
type Document struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ScanRequest asks the coordinator to scan a source.
type ScanRequest struct {
	Options         map[string]string `json:"options,omitempty"`
	ScanID          string            `json:"scan_id"`
	Source          SourceKind        `json:"source"`
	ScanType        ScanType          `json:"scan_type"`
	TargetPath      string            `json:"target_path"`
	FileTypes       []string          `json:"file_types,omitempty"`
	Exclusions      []string          `json:"exclusions,omitempty"`
	Documents       []Document        `json:"documents,omitempty"`
	MaxFileSize     int64             `json:"max_file_size"`
	IncludeArchives bool              `json:"include_archives"`
}

// ScanResult is committed once per scan id and never overwritten.
type ScanResult struct {
	Timestamp              time.Time        `json:"timestamp"`
	ViolationsByType       map[DataType]int `json:"-"`
	ScanID                 string           `json:"scan_id"`
	Source                 SourceKind       `json:"source"`
	Status                 ScanStatus       `json:"status"`
	Error                  string           `json:"error,omitempty"`
	Violations             []*Violation     `json:"violations"`
	TotalScanned           int              `json:"total_scanned"`
	WithViolations         int              `json:"with_violations"`
	TotalViolations        int              `json:"total_violations"`
	HighRiskViolations     int              `json:"high_risk_violations"`
	ScanDurationMS         int64            `json:"scan_duration_ms"`
	DataVolumeScannedBytes int64            `json:"data_volume_scanned_bytes"`
}

// scanResultAlias drops the custom marshalers to avoid recursion.
type scanResultAlias ScanResult

type scanResultJSON struct {
	*scanResultAlias
	ViolationsByType string `json:"violations_by_type"`
}

// MarshalJSON encodes ViolationsByType as a JSON object string.
func (r *ScanResult) MarshalJSON() ([]byte, error) {
	byType := r.ViolationsByType
	if byType == nil {
		byType = map[DataType]int{}
	}

	raw, err := json.Marshal(byType)
	if err != nil {
		return nil, err
	}

	return json.Marshal(scanResultJSON{
		scanResultAlias:  (*scanResultAlias)(r),
		ViolationsByType: string(raw),
	})
}

// UnmarshalJSON decodes the violations_by_type string back into a map.
func (r *ScanResult) UnmarshalJSON(data []byte) error {
	aux := scanResultJSON{scanResultAlias: (*scanResultAlias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.ViolationsByType = make(map[DataType]int)
	if aux.ViolationsByType != "" {
		if err := json.Unmarshal([]byte(aux.ViolationsByType), &r.ViolationsByType); err != nil {
			return fmt.Errorf("invalid violations_by_type: %w", err)
		}
	}

	return nil
}
