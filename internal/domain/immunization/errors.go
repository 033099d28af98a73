package immunization

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both a record that does not exist and a write whose
	// state condition did not hold. The two are deliberately not
	// distinguished: a losing conditional write gets no follow-up read.
	ErrNotFound = errors.New("immunization not found")

	// ErrDuplicateIdentifier is returned when another record already carries
	// the same business identifier.
	ErrDuplicateIdentifier = errors.New("immunization identifier already exists")

	// ErrVersionConflict is returned when the caller's expected version is
	// stale.
	ErrVersionConflict = errors.New("immunization version conflict")

	// ErrRetriesExhausted is returned when the identifier index poll ran
	// out of attempts, as opposed to a single-query miss.
	ErrRetriesExhausted = errors.New("identifier never became visible on index")
)

// UnhandledStoreError wraps an unexpected storage failure with the operation
// that hit it.
type UnhandledStoreError struct {
	Op    string
	Cause error
}

func (e *UnhandledStoreError) Error() string {
	return fmt.Sprintf("unhandled store response during %s: %v", e.Op, e.Cause)
}

func (e *UnhandledStoreError) Unwrap() error { return e.Cause }
