package orgs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an organization, membership or join code
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotApproved is returned when the organization has not passed review.
	ErrNotApproved = errors.New("organization is not approved")
	// ErrNoSeatsPurchased is returned when the organization has no seats.
	ErrNoSeatsPurchased = errors.New("organization has no seats purchased")
	// ErrCapacityExceeded is returned when every seat is taken.
	ErrCapacityExceeded = errors.New("organization seat capacity reached")
	// ErrAlreadyMember is returned when the member already has a pending or
	// active membership in the organization.
	ErrAlreadyMember = errors.New("member already has an open membership")
	// ErrUnauthorized is returned when the actor may not perform the operation.
	ErrUnauthorized = errors.New("not authorized")
	// ErrInvalidTransition is returned when the membership is not in the
	// status the operation requires, including when a concurrent writer won.
	ErrInvalidTransition = errors.New("invalid membership status transition")
)

// CapacityError is a seat admission refusal. It unwraps to either
// ErrNoSeatsPurchased or ErrCapacityExceeded and carries the counts the
// caller needs to explain the refusal.
type CapacityError struct {
	Reason error
	SeatCounts
}

func (e *CapacityError) Error() string {
	if errors.Is(e.Reason, ErrNoSeatsPurchased) {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %d of %d seats in use", e.Reason, e.Active, e.EffectiveLimit())
}

func (e *CapacityError) Unwrap() error {
	return e.Reason
}

// AsCapacityError extracts a CapacityError from err's chain.
func AsCapacityError(err error) (*CapacityError, bool) {
	var capErr *CapacityError
	ok := errors.As(err, &capErr)
	return capErr, ok
}

// TransitionError reports a refused status change.
type TransitionError struct {
	MembershipID int64
	From         MembershipStatus
	To           MembershipStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("membership %d: cannot move from %s to %s: %s", e.MembershipID, e.From, e.To, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func notFound(what string, id interface{}) error {
	return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
}
