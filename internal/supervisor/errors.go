package supervisor

import (
	"context"
	"errors"
	"fmt"
)

// FailureCode classifies an operational connect failure reported by a reader.
type FailureCode int

const (
	// FailureOther is any failure without a dedicated recovery branch.
	FailureOther FailureCode = iota
	// FailureRegionNotConfigured means the reader has no regulatory region set.
	FailureRegionNotConfigured
	// FailurePasswordError means the reader rejected the credential.
	FailurePasswordError
	// FailureBatchModeInProgress means the reader is busy with a batch operation.
	FailureBatchModeInProgress
)

func (c FailureCode) String() string {
	switch c {
	case FailureRegionNotConfigured:
		return "region not configured"
	case FailurePasswordError:
		return "password error"
	case FailureBatchModeInProgress:
		return "batch mode in progress"
	default:
		return "other"
	}
}

// UsageError reports a violated call contract. It is never retried.
type UsageError struct {
	Op      string
	Message string
}

func (e *UsageError) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// OperationError reports a connect failure the reader attributed to a FailureCode.
type OperationError struct {
	Code    FailureCode
	Message string
}

func (e *OperationError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Classify maps a connect error to a FailureCode and reports whether it is
// retriable. Usage errors and context errors are not; anything else that is
// not an OperationError counts as FailureOther.
func Classify(err error) (FailureCode, bool) {
	if err == nil {
		return FailureOther, false
	}

	var usage *UsageError
	if errors.As(err, &usage) {
		return FailureOther, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureOther, false
	}

	var op *OperationError
	if errors.As(err, &op) {
		return op.Code, true
	}
	return FailureOther, true
}
