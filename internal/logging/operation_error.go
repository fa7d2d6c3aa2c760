package logging

import (
	"errors"
	"strings"

	"go.uber.org/zap"
)

// OperationError tags an infrastructure failure with the operation that
// failed and, when one was in flight, the analysis run it belonged to.
type OperationError struct {
	Operation string
	RunID     string
	Err       error
}

// NewOperationError wraps err; a nil err stays nil.
func NewOperationError(operation, runID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RunID: runID, Err: err}
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.RunID != "" {
		b.WriteString(" (run_id=" + e.RunID + ")")
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorFields logs err together with the operation of the first
// OperationError in its chain, so failures can be grouped without parsing
// the message. The run id is left to WithOperation.
func ErrorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		return fields
	}
	return append(fields, zap.String("failed_operation", opErr.Operation))
}
