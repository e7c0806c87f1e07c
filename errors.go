package execcore

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy of spec.md §7.
type Kind int

const (
	KindInvalidInput Kind = iota
	KindPolicyRejected
	KindApprovalDenied
	KindApprovalTimedOut
	KindApprovalCancelled
	KindSandboxUnavailable
	KindSandboxDenied
	KindTimeout
	KindIo
	KindProtocol
	KindInternal
	KindApprovalNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindPolicyRejected:
		return "policy_rejected"
	case KindApprovalDenied:
		return "approval_denied"
	case KindApprovalTimedOut:
		return "approval_timed_out"
	case KindApprovalCancelled:
		return "approval_cancelled"
	case KindSandboxUnavailable:
		return "sandbox_unavailable"
	case KindSandboxDenied:
		return "sandbox_denied"
	case KindTimeout:
		return "timeout"
	case KindIo:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindInternal:
		return "internal"
	case KindApprovalNotFound:
		return "approval_not_found"
	default:
		return "unknown"
	}
}

// Error is the typed error carried through every component boundary in
// this module. It extends the teacher's TransientError/ValidationError
// split into the full Kind taxonomy above while keeping the same
// Unwrap-chain idiom.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Output is attached when the error carries a partial execution
	// result, e.g. KindTimeout.
	Output *ExecToolCallOutput
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the Orchestrator may attempt an
// escalate-on-failure retry for this error. Only a sandbox denial is
// retryable at this layer (spec.md §7).
func (e *Error) Retryable() bool {
	return e.Kind == KindSandboxDenied
}

// NewError constructs an Error of the given kind.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewTimeoutError constructs a KindTimeout error carrying the partial
// output produced before expiration fired.
func NewTimeoutError(output ExecToolCallOutput) *Error {
	return &Error{Kind: KindTimeout, Message: "execution timed out or was cancelled", Output: &output}
}

// AsError extracts *Error from err, unwrapping as needed.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
