package dlp

import "errors"

// Validation errors are returned to callers synchronously and never logged as
// engine errors.
var (
	ErrInvalidRegex                 = errors.New("invalid regular expression")
	ErrInvalidPattern               = errors.New("invalid pattern")
	ErrInvalidPolicy                = errors.New("invalid policy")
	ErrDanglingPatternReference     = errors.New("policy references unknown pattern")
	ErrUnknownPolicy                = errors.New("policy not found")
	ErrUnknownPattern               = errors.New("pattern not found")
	ErrUnknownViolation             = errors.New("violation not found")
	ErrUnknownScan                  = errors.New("scan not found")
	ErrPatternInUse                 = errors.New("pattern is referenced by an enabled policy")
	ErrIllegalRemediationTransition = errors.New("illegal remediation transition")
	ErrInvalidScanRequest           = errors.New("invalid scan request")
	ErrDuplicateScanID              = errors.New("scan id already used")
)

// Scan outcome errors. They are recorded on the ScanResult and the status
// record rather than returned from Scan.
var (
	ErrSourceProducerFailure = errors.New("source producer failure")
	ErrScanCancelled         = errors.New("scan cancelled")
)
