package ir

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeProvider        = "PROVIDER_ERROR"
	ErrCodeControlFlowType = "CONTROL_FLOW_TYPE_ERROR"
	ErrCodeCircuitOpen     = "CIRCUIT_OPEN"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeRetryExhausted  = "RETRY_EXHAUSTED"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeExecution       = "EXECUTION_ERROR"
	ErrCodeVault           = "VAULT_ERROR"
)

// FlowError is the structured error type for all engine operations.
// The Message templates are part of the runtime contract: callers and tests
// match on them, so changing wording is a breaking change.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Target  string         `json:"target,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *FlowError) WithStep(step string) *FlowError {
	e.Step = step
	return e
}

// WithTarget attaches the resolved target name to the error.
func (e *FlowError) WithTarget(target string) *FlowError {
	e.Target = target
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error class is eligible for retry.
// Provider-side failures (including timeouts) are; configuration, validation,
// control-flow typing, and open circuits are not.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeProvider, ErrCodeTimeout, ErrCodeExecution:
		return true
	default:
		return false
	}
}
