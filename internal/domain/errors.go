package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRecommendationNotFound is returned when no recommendation exists for the queried key.
	ErrRecommendationNotFound = errors.New("recommendation not found")
	// ErrInvalidArgument indicates a malformed query parameter.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidActivity indicates an activity payload that can never be analysed.
	ErrInvalidActivity = errors.New("invalid activity")
	// ErrStore is matched by every persistence failure.
	ErrStore = errors.New("recommendation store failure")
	// ErrAnalysis is matched by every analyzer failure.
	ErrAnalysis = errors.New("activity analysis failed")
)

// StoreError wraps a connectivity or write failure raised by a Store.
type StoreError struct {
	Op  string
	Err error
}

// NewStoreError wraps err for the named operation.
func NewStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrStore and the underlying cause.
func (e *StoreError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}

// AnalysisError is returned by analyzers. Permanent errors are not worth retrying.
type AnalysisError struct {
	Permanent bool
	Err       error
}

// NewTransientAnalysisError marks err as retryable.
func NewTransientAnalysisError(err error) *AnalysisError {
	return &AnalysisError{Err: err}
}

// NewPermanentAnalysisError marks err as non-retryable.
func NewPermanentAnalysisError(err error) *AnalysisError {
	return &AnalysisError{Permanent: true, Err: err}
}

func (e *AnalysisError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("analysis (%s): %v", kind, e.Err)
}

// Unwrap exposes both ErrAnalysis and the underlying cause.
func (e *AnalysisError) Unwrap() []error {
	return []error{ErrAnalysis, e.Err}
}

// IsPermanent reports whether err is a failure that redelivery cannot fix.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrInvalidActivity) {
		return true
	}
	var analysisErr *AnalysisError
	return errors.As(err, &analysisErr) && analysisErr.Permanent
}
