package lending

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrForbidden matches every *PenaltyError.
	ErrForbidden = errors.New("forbidden")
	// ErrPolicyViolation matches every *ViolationError.
	ErrPolicyViolation = errors.New("policy violation")

	ErrBorrowLimitExceeded = errors.New("borrow limit exceeded")
	ErrBookUnavailable     = errors.New("book unavailable")
)

// Entity names the record a NotFoundError refers to.
type Entity string

const (
	EntityMember   Entity = "member"
	EntityBook     Entity = "book"
	EntityOpenLoan Entity = "open loan"
)

// NotFoundError reports a referenced record that does not exist.
type NotFoundError struct {
	Entity Entity
}

func (e *NotFoundError) Error() string {
	return string(e.Entity) + " not found"
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// PenaltyError reports a member blocked from borrowing until Until.
type PenaltyError struct {
	Until time.Time
}

func (e *PenaltyError) Error() string {
	return fmt.Sprintf("penalty active until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *PenaltyError) Unwrap() error { return ErrForbidden }

// ViolationError reports a business rule breach. Reason is one of
// ErrBorrowLimitExceeded or ErrBookUnavailable.
type ViolationError struct {
	Reason error
}

func (e *ViolationError) Error() string {
	return "policy violation: " + e.Reason.Error()
}

func (e *ViolationError) Unwrap() []error {
	return []error{ErrPolicyViolation, e.Reason}
}

// Violation wraps reason into a *ViolationError.
func Violation(reason error) error {
	return &ViolationError{Reason: reason}
}
