package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrMalformedIndex   = errors.New("malformed index")
	ErrIndexUnavailable = errors.New("index unavailable")
	ErrInvalidEncoding  = errors.New("invalid text encoding")
	ErrRecordOutOfRange = errors.New("record id out of range")
	ErrRebuildFailed    = errors.New("index rebuild failed")
	ErrInternal         = errors.New("internal error")
)

// Process exit codes used by the command line tools.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

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

// ExitCode maps an error to the process exit status a command should use.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.ExitCode
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return ExitUsage
	default:
		return ExitFailure
	}
}
