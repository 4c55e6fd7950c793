// Package export writes violation history in bulk formats for offline
// analysis.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/segmentio/parquet-go"

	"github.com/piwi3910/nebulaguard/internal/dlp"
)

// Format names an export encoding.
type Format string

const (
	FormatParquet Format = "parquet"
	FormatNDJSON  Format = "ndjson"
)

// ContentType returns the HTTP media type for f.
func (f Format) ContentType() string {
	if f == FormatParquet {
		return "application/vnd.apache.parquet"
	}

	return "application/x-ndjson"
}

// ParseFormat resolves a format name, defaulting to NDJSON.
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case "", FormatNDJSON, "json":
		return FormatNDJSON, nil
	case FormatParquet:
		return FormatParquet, nil
	}

	return "", fmt.Errorf("unsupported export format %q", name)
}

// ViolationRecord is the flat columnar form of a violation. Timestamps are
// milliseconds since epoch.
type ViolationRecord struct {
	ID                 string `parquet:"id"`
	ScanID             string `parquet:"scan_id"`
	PolicyID           string `parquet:"policy_id,dict"`
	PolicyName         string `parquet:"policy_name,dict"`
	Severity           string `parquet:"severity,dict"`
	ActionTaken        string `parquet:"action_taken,dict"`
	DataType           string `parquet:"data_type,dict"`
	Source             string `parquet:"source,dict"`
	SourceLocation     string `parquet:"source_location"`
	FileName           string `parquet:"file_name,optional"`
	Sender             string `parquet:"sender,optional"`
	Recipient          string `parquet:"recipient,optional"`
	RemediationStatus  string `parquet:"remediation_status,dict"`
	Assignee           string `parquet:"assignee,optional"`
	Timestamp          int64  `parquet:"timestamp"`
	UpdatedAt          int64  `parquet:"updated_at"`
	SensitiveDataCount int64  `parquet:"sensitive_data_count"`
}

// ToRecord flattens a violation.
func ToRecord(v *dlp.Violation) ViolationRecord {
	rec := ViolationRecord{
		ID:                 v.ID,
		ScanID:             v.ScanID,
		PolicyID:           v.PolicyID,
		PolicyName:         v.PolicyName,
		Severity:           string(v.Severity),
		ActionTaken:        string(v.ActionTaken),
		DataType:           string(v.DataType),
		Source:             string(v.Context.Source),
		SourceLocation:     v.SourceLocation,
		FileName:           v.FileName,
		Sender:             v.Context.Sender,
		Recipient:          v.Context.Recipient,
		RemediationStatus:  string(v.RemediationStatus),
		Assignee:           v.Assignee,
		Timestamp:          v.Timestamp.UnixMilli(),
		SensitiveDataCount: int64(v.SensitiveDataCount),
	}

	if !v.UpdatedAt.IsZero() {
		rec.UpdatedAt = v.UpdatedAt.UnixMilli()
	}

	return rec
}

// WriteViolations encodes violations to w and returns the bytes written.
func WriteViolations(w io.Writer, format Format, violations []dlp.Violation) (int64, error) {
	switch format {
	case FormatParquet:
		return writeParquet(w, violations)
	case FormatNDJSON:
		return writeNDJSON(w, violations)
	}

	return 0, fmt.Errorf("unsupported export format %q", format)
}

// writeParquet buffers the whole file so a failure never leaves a
// truncated file on w.
func writeParquet(w io.Writer, violations []dlp.Violation) (int64, error) {
	records := make([]ViolationRecord, 0, len(violations))
	for idx := range violations {
		records = append(records, ToRecord(&violations[idx]))
	}

	var buffer bytes.Buffer

	pw := parquet.NewGenericWriter[ViolationRecord](&buffer)

	if _, err := pw.Write(records); err != nil {
		return 0, fmt.Errorf("failed to write parquet records: %w", err)
	}

	if err := pw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize parquet file: %w", err)
	}

	n, err := io.Copy(w, &buffer)
	if err != nil {
		return n, fmt.Errorf("failed to copy parquet data to writer: %w", err)
	}

	return n, nil
}

func writeNDJSON(w io.Writer, violations []dlp.Violation) (int64, error) {
	counter := &countingWriter{w: w}
	enc := json.NewEncoder(counter)

	for idx := range violations {
		if err := enc.Encode(&violations[idx]); err != nil {
			return counter.n, fmt.Errorf("failed to encode violation %s: %w", violations[idx].ID, err)
		}
	}

	return counter.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)

	return n, err
}
