package stepflow

import (
	"fmt"

	"github.com/pkg/errors"
)

// BatchError is the error type returned across the engine's public surface.
// It carries a stable code an embedder can switch on, independent of the
// human-readable message.
type BatchError interface {
	error
	Code() string
	Message() string
	Cause() error
}

type batchErr struct {
	code  string
	msg   string
	cause error
}

func (err *batchErr) Code() string {
	return err.code
}

func (err *batchErr) Message() string {
	return err.msg
}

func (err *batchErr) Cause() error {
	return err.cause
}

func (err *batchErr) Error() string {
	if err.cause != nil {
		return fmt.Sprintf("%s: %s: %v", err.code, err.msg, err.cause)
	}
	return fmt.Sprintf("%s: %s", err.code, err.msg)
}

// NewBatchError builds a BatchError carrying code, a formatted message, and
// an optional trailing cause. If the last arg is already a BatchError it is
// returned unchanged, so wrapping an already-classified error is a no-op. A
// plain trailing error becomes the cause and is excluded from the message
// formatting, so Error() reports it once.
func NewBatchError(code string, format string, args ...interface{}) BatchError {
	var cause error
	if n := len(args); n > 0 {
		if be, ok := args[n-1].(BatchError); ok {
			return be
		}
		if e, ok := args[n-1].(error); ok {
			cause = e
			args = args[:n-1]
		}
	}
	return &batchErr{code: code, msg: fmt.Sprintf(format, args...), cause: cause}
}

// Wrap attaches code to an existing error, preserving it as the cause via
// github.com/pkg/errors so a stack trace survives if one was captured.
func Wrap(code string, err error, msg string) BatchError {
	if err == nil {
		return nil
	}
	if be, ok := err.(BatchError); ok {
		return be
	}
	return &batchErr{code: code, msg: msg, cause: errors.WithStack(err)}
}

// Error code taxonomy.
const (
	// ErrCodeBadInput an aggregator received a malformed SER: wrong
	// status or empty payload/dependent-records list.
	ErrCodeBadInput = "bad_input"
	// ErrCodeUserStep the user step function returned an error.
	ErrCodeUserStep = "user_step_error"
	// ErrCodePersistence a KV operation against the persistence
	// context failed.
	ErrCodePersistence = "persistence_error"
	// ErrCodeConfiguration a fatal, build-time configuration error:
	// missing chain, zero concurrency multiplier, duplicate step.
	ErrCodeConfiguration = "configuration"
)

// BadInput reports that an aggregator received a malformed SER.
func BadInput(format string, args ...interface{}) BatchError {
	return NewBatchError(ErrCodeBadInput, format, args...)
}

// UserStepError wraps whatever the user step function returned.
func UserStepError(cause error) BatchError {
	if be, ok := cause.(BatchError); ok {
		return be
	}
	return &batchErr{code: ErrCodeUserStep, msg: "user step function failed", cause: cause}
}

// PersistenceError wraps a failed KV operation.
func PersistenceError(op string, cause error) BatchError {
	return &batchErr{code: ErrCodePersistence, msg: "persistence operation failed: " + op, cause: cause}
}

// ConfigurationError reports a fatal build()-time misconfiguration.
func ConfigurationError(format string, args ...interface{}) BatchError {
	return NewBatchError(ErrCodeConfiguration, format, args...)
}
