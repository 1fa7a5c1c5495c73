package x402

import "fmt"

// Normalizer and settlement error codes. These are wire-visible: the
// facilitator copies them into error response bodies.
const (
	ErrCodeInvalidPayload       = "invalid_payload"
	ErrCodeMissingAuthorization = "missing_authorization"
	ErrCodeTupleMismatchScheme  = "tuple_mismatch_scheme"
	ErrCodeTupleMismatchNetwork = "tuple_mismatch_network"

	ErrCodeSimulationFailed  = "simulation_failed"
	ErrCodeSettlementFailed  = "settlement_failed"
	ErrCodeMissingPrivateKey = "missing_private_key"
	ErrCodeChainIDMismatch   = "chain_id_mismatch"
)

// Error is a typed, machine-readable protocol error. Untrusted input must
// always resolve to a decidable outcome, so every failure path in this
// package returns one of these rather than an unclassified error.
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Cause   error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a protocol error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates a protocol error wrapping an underlying cause.
func WrapError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithDetail attaches a detail key/value and returns the error.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the protocol error code, or empty if err is not an *Error.
func CodeOf(err error) string {
	if pe, ok := err.(*Error); ok {
		return pe.Code
	}
	return ""
}

// IsFatal reports whether the error is an operator-must-fix configuration
// failure rather than a caller fault or transient chain condition.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ErrCodeMissingPrivateKey, ErrCodeChainIDMismatch:
		return true
	}
	return false
}
