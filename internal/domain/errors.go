package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound               = errors.New("record not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrNotApplicable          = errors.New("operation not applicable")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// ExtractionFailure means the OCR engine could not process an image.
type ExtractionFailure struct {
	Reason string
	Err    error
}

func (e *ExtractionFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("text extraction failed: %s: %v", e.Reason, e.Err)
	}
	return "text extraction failed: " + e.Reason
}

func (e *ExtractionFailure) Unwrap() error { return e.Err }

// ParseError lists the mandatory fields missing from OCR text.
type ParseError struct {
	Missing []ParseField
}

func (e *ParseError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, f := range e.Missing {
		parts[i] = string(f)
	}
	return "payment text incomplete: " + strings.Join(parts, ", ")
}

// Has reports whether f is among the missing fields.
func (e *ParseError) Has(f ParseField) bool {
	for _, m := range e.Missing {
		if m == f {
			return true
		}
	}
	return false
}

// ValidationError rejects caller input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// NotApplicableError rejects an operation in the record's current state.
type NotApplicableError struct {
	SettlementID string
	Status       VerificationStatus
	Operation    string
	Reason       string
}

func (e *NotApplicableError) Error() string {
	msg := fmt.Sprintf("%s not applicable to settlement %s in status %s", e.Operation, e.SettlementID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *NotApplicableError) Is(target error) bool { return target == ErrNotApplicable }

// ConcurrentModificationError means the record changed since it was read.
// Callers reload and retry.
type ConcurrentModificationError struct {
	SettlementID    string
	ExpectedVersion int
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("settlement %s modified concurrently (expected version %d)", e.SettlementID, e.ExpectedVersion)
}

func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}
