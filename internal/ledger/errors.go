package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a position lies outside the committed range.
	ErrNotFound = errors.New("ledger: index not found")
	// ErrInvalidRange is returned for a malformed positional range.
	ErrInvalidRange = errors.New("ledger: invalid range")
	// ErrInvalidCriteria is returned for a malformed numeric search range.
	ErrInvalidCriteria = errors.New("ledger: invalid search criteria")
	// ErrCompromised is returned when a present block fails verification.
	ErrCompromised = errors.New("ledger: block failed verification")
	// ErrInvalidPayload is returned when an appended value cannot be stored
	// exactly as given.
	ErrInvalidPayload = errors.New("ledger: invalid payload")
	// ErrPersistence wraps every save and load failure.
	ErrPersistence = errors.New("ledger: persistence failure")
)

// IntegrityError lists every position that failed verification.
// It matches ErrCompromised under errors.Is.
type IntegrityError struct {
	Positions []int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger: %d block(s) failed verification: %v", len(e.Positions), e.Positions)
}

func (e *IntegrityError) Unwrap() error { return ErrCompromised }
