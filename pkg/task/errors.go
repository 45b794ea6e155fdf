package task

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("task not found")

// NormalizationError means no structured payload could be located in model output.
type NormalizationError struct {
	Reason string
	Output string
}

func (e *NormalizationError) Error() string {
	return "normalize: " + e.Reason
}

// Violation is a single field-level schema failure.
type Violation struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

func (v Violation) String() string { return v.Field + ": " + v.Problem }

// ValidationError lists every violation found in a candidate, not only the first.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Store names used in StoreWriteError.
const (
	StoreRelational = "relational"
	StoreVector     = "vector"
)

// StoreWriteError reports a rejected write and whether the other store's
// corresponding write was undone.
type StoreWriteError struct {
	Store       string
	Op          string
	ID          int64
	Err         error
	RolledBack  bool
	RollbackErr error
}

func (e *StoreWriteError) Error() string {
	msg := fmt.Sprintf("%s store %s failed (id=%d): %v", e.Store, e.Op, e.ID, e.Err)
	switch {
	case e.RolledBack:
		msg += " [rolled back]"
	case e.RollbackErr != nil:
		msg += fmt.Sprintf(" [rollback failed: %v]", e.RollbackErr)
	}
	return msg
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// InconsistencyError reports a detected mismatch between the two stores.
type InconsistencyError struct {
	ID     int64
	Op     string
	Detail string
	Err    error
}

func (e *InconsistencyError) Error() string {
	msg := fmt.Sprintf("store inconsistency during %s (id=%d): %s", e.Op, e.ID, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InconsistencyError) Unwrap() error { return e.Err }
