package executor

import (
	"errors"
	"fmt"
)

// Codes reported in failed task results.
const (
	CodeUnknownBlock     = "unknown_block"
	CodeBadRequest       = "bad_request"
	CodeFailed           = "failed"
	CodeRetriesExhausted = "retries_exhausted"
)

// RetryableError marks a failure worth another attempt, such as a timeout or
// a 5xx response from an upstream service.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retry wraps err as retryable. A nil err stays nil.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Retryable reports whether any error in err's chain is a RetryableError.
func Retryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// PanicError is a recovered panic from a block.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("block panicked: %v", e.Value)
}
