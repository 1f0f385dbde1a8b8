package models

// ErrorCategory classifies a connection-layer failure. Produced by the
// validator's rule table, consumed by the healing controller.
type ErrorCategory string

const (
	ErrCommandNotFound   ErrorCategory = "COMMAND_NOT_FOUND"
	ErrTransportMismatch ErrorCategory = "TRANSPORT_MISMATCH"
	ErrTimeout           ErrorCategory = "TIMEOUT"
	ErrConnectionRefused ErrorCategory = "CONNECTION_REFUSED"
	ErrMissingEnvVar     ErrorCategory = "MISSING_ENV_VAR"
	ErrAuthFailed        ErrorCategory = "AUTH_FAILED"
	ErrPermissionDenied  ErrorCategory = "PERMISSION_DENIED"
	ErrUnknown           ErrorCategory = "UNKNOWN"
)

// ConnectionTestResult is the raw outcome of one validation attempt.
// Success with a non-empty Error means the endpoint is alive but gated
// on authentication (a 401/403 probe response proves a live server and
// is not a validator failure).
type ConnectionTestResult struct {
	Success   bool          `json:"success"`
	Tools     []string      `json:"tools,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorType ErrorCategory `json:"error_type,omitempty"`
}
