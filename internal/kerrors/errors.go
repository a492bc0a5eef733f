// Package kerrors implements decapod's typed failure taxonomy. Every
// user-visible failure is one of these codes, never a bare error string,
// so the control-plane dispatcher (internal/dispatch) can always render a
// structured {code, message, remediation} envelope.
package kerrors

import "fmt"

// Code enumerates the typed failures a kernel operation can surface.
type Code string

const (
	SessionRequired     Code = "SESSION_REQUIRED"
	WorkspaceRequired   Code = "WORKSPACE_REQUIRED"
	VerificationRequired Code = "VERIFICATION_REQUIRED"
	ValidateTimeoutOrLock Code = "VALIDATE_TIMEOUT_OR_LOCK"
	StoreBoundaryViolation Code = "STORE_BOUNDARY_VIOLATION"
	MandateViolation    Code = "MANDATE_VIOLATION"
	CapsuleScopeDenied  Code = "CAPSULE_SCOPE_DENIED"
	DBLocked            Code = "DB_LOCKED"
	AwarenessRequired   Code = "AWARENESS_REQUIRED"
	NotFound            Code = "NOT_FOUND"
	InvalidArgument     Code = "INVALID_ARGUMENT"
)

// remediations names the next command a caller should run for each code.
// Kept as a single table so every call site gets a consistent hint instead
// of hand-writing the string at each return.
var remediations = map[Code]string{
	SessionRequired:        "Run `decapod session acquire`",
	WorkspaceRequired:      "Run `decapod workspace ensure`",
	VerificationRequired:   "Run `decapod validate run` and retry `decapod todo done` with its receipt",
	ValidateTimeoutOrLock:  "Retry `decapod validate run`; inspect the diagnostic artifact under generated/artifacts/diagnostics/validate/",
	StoreBoundaryViolation: "Re-run with the correct `--store` flag for the target path",
	MandateViolation:       "Resolve the listed blockers and retry",
	CapsuleScopeDenied:     "Request a lower risk tier or a narrower scope",
	DBLocked:               "Retry the operation; a concurrent writer is holding the database",
	AwarenessRequired:      "Run the missing checkpoint (validate / docs ingest / context resolve) and retry",
	NotFound:               "Verify the identifier and retry",
	InvalidArgument:        "Check the operation's required parameters and retry",
}

// Error is the kernel's structured failure type. It always carries a Code
// so the dispatcher can populate the JSON-RPC error envelope without
// string-matching.
type Error struct {
	Code        Code
	Message     string
	Remediation string
	Blockers    []string // populated for MandateViolation
	cause       error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a typed failure, filling in the standard remediation for
// the code unless one is explicitly overridden via WithRemediation.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Remediation: remediations[code],
	}
}

// Wrap attaches a typed code to an underlying error, preserving it for
// errors.Unwrap/errors.Is chains.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Remediation: remediations[code],
		cause:       cause,
	}
}

// WithBlockers attaches an ordered blocker list (used by MANDATE_VIOLATION).
func (e *Error) WithBlockers(blockers []string) *Error {
	e.Blockers = blockers
	return e
}

// As reports whether err is (or wraps) a *Error, mirroring errors.As for
// callers that don't want to import "errors" just for this one check.
func As(err error) (*Error, bool) {
	var target *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return target, false
}
