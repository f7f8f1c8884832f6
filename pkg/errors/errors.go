package errors

import (
	"errors"
	"fmt"
)

// Process exit codes reported by the batch and merger binaries.
const (
	ExitOK      = 0
	ExitConfig  = 1
	ExitRuntime = 2
)

var (
	ErrConfig              = errors.New("configuration error")
	ErrUnknownResourceType = errors.New("unknown resource type")
	ErrProfileLoad         = errors.New("profile load error")
	ErrSchema              = errors.New("schema resolution error")
	ErrSinkClosed          = errors.New("sink is closed")
	ErrSinkIO              = errors.New("sink I/O error")
	ErrTransientRemote     = errors.New("transient remote error")
	ErrPermanentRemote     = errors.New("permanent remote error")
	ErrNoNextLink          = errors.New("bundle has no next link")
	ErrMalformedLink       = errors.New("malformed bundle link")
	ErrMissingGetpages     = errors.New("next link has no _getpages parameter")
	ErrMerge               = errors.New("merge error")
)

// AppError pairs a sentinel error with operator-facing detail and the process
// exit code the error maps to.
type AppError struct {
	Err      error
	Message  string
	ExitCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, exitCode int, message string) *AppError {
	return &AppError{
		Err:      sentinel,
		Message:  message,
		ExitCode: exitCode,
	}
}

func Newf(sentinel error, exitCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:      sentinel,
		Message:  fmt.Sprintf(format, args...),
		ExitCode: exitCode,
	}
}

// ExitCode maps an error to the exit code contract: 0 success, 1 config
// error, 2 fatal runtime error.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.ExitCode
	}
	if errors.Is(err, ErrConfig) {
		return ExitConfig
	}
	return ExitRuntime
}

// IsTransient reports whether the error may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientRemote)
}
