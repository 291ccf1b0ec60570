// Package appErr defines the proxy's internal application error type.
package appErr

import "fmt"

// Stable error codes for branching on error kind and for logs. Wire
// replies carry only the message, as "-ERR <message>".
const (
	CodeProtocol      = "ERR_PROTO"
	CodeRoute         = "ERR_ROUTE"
	CodeUnsupported   = "ERR_UNSUPPORTED"
	CodeCrossSlot     = "ERR_CROSS_SLOT"
	CodeUpstreamDown  = "ERR_UPSTREAM"
	CodeUpstreamRead  = "ERR_UPSTREAM_READ"
	CodeBootstrap     = "ERR_BOOTSTRAP"
	CodeConfig        = "ERR_CONFIG"
)

// AppError is a proxy-internal error carrying a stable code for callers
// that need to branch on error kind without string matching.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates a new AppError with a formatted message.
func Newf(code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new AppError wrapping another error.
func Wrap(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}
