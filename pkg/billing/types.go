package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/savistas/orgseats/pkg/orgs"
	"github.com/savistas/orgseats/pkg/plans"
)

// SeatSubscription is an organization's per-seat subscription as mirrored
// from the payment gateway.
type SeatSubscription struct {
	OrganizationID     int64     `json:"organization_id"`
	ExternalID         string    `json:"external_id"`
	Seats              int       `json:"seats"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	// SeatsPendingDecrease is the seat count taking effect at the period
	// end. Zero means no decrease is scheduled.
	SeatsPendingDecrease int       `json:"seats_pending_decrease,omitempty"`
	ScheduleID           string    `json:"schedule_id,omitempty"`
	CancelAtPeriodEnd    bool      `json:"cancel_at_period_end"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// HasPendingDecrease reports whether a decrease is scheduled.
func (s *SeatSubscription) HasPendingDecrease() bool {
	return s.SeatsPendingDecrease > 0
}

func (s *SeatSubscription) clearPendingDecrease() {
	s.SeatsPendingDecrease = 0
	s.ScheduleID = ""
}

// ChangeResult says when a seat change takes effect.
type ChangeResult string

const (
	AppliedImmediately     ChangeResult = "applied_immediately"
	ScheduledForNextPeriod ChangeResult = "scheduled_for_next_period"
)

// SeatChange describes an accepted seat change.
type SeatChange struct {
	Result        ChangeResult `json:"result"`
	PreviousSeats int          `json:"previous_seats"`
	Seats         int          `json:"seats"`
	// ProratedAmountCents is charged (positive) or credited (negative) now.
	ProratedAmountCents int64     `json:"prorated_amount_cents"`
	EffectiveAt         time.Time `json:"effective_at"`
	PlanID              string    `json:"plan_id,omitempty"`
	// OverCapacity is set when the new count is below the active members.
	OverCapacity  bool `json:"over_capacity"`
	ActiveMembers int  `json:"active_members"`
}

var (
	// ErrGatewayFailure is returned when the payment gateway did not confirm
	// a change. Local state is left as it was.
	ErrGatewayFailure = errors.New("payment gateway failure")
	// ErrInvalidSeatCount is returned for seat counts below one.
	ErrInvalidSeatCount = errors.New("seat count must be at least 1")
	// ErrNoPendingDecrease is returned when there is nothing to cancel.
	ErrNoPendingDecrease = errors.New("no seat decrease is scheduled")
	// ErrSeatsChanged is returned when the seat count or pending decrease
	// moved between reading it and committing a change.
	ErrSeatsChanged = errors.New("seat count changed concurrently")
	// ErrNoSubscription is returned when the organization has no seat
	// subscription. It matches orgs.ErrNotFound.
	ErrNoSubscription = fmt.Errorf("seat subscription: %w", orgs.ErrNotFound)
)

// GatewayError wraps a payment gateway failure with the operation that
// failed. It matches ErrGatewayFailure.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s during %s: %v", ErrGatewayFailure, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func (e *GatewayError) Is(target error) bool {
	return target == ErrGatewayFailure
}

// Tx is the set of store operations run inside one transaction.
type Tx interface {
	GetOrganization(ctx context.Context, orgID int64) (*orgs.Organization, error)
	GetSeatSubscription(ctx context.Context, orgID int64) (*SeatSubscription, error)
	// SaveSeatSubscription inserts or replaces the subscription row.
	SaveSeatSubscription(ctx context.Context, sub *SeatSubscription) error
	// SetSeatLimit writes the organization's purchased seats, the pending
	// limit mirror (nil clears it) and the plan.
	SetSeatLimit(ctx context.Context, orgID int64, seats int, pendingLimit *int, planID string) error
}

// Store is the seat ledger.
type Store interface {
	Tx
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*SeatSubscription, error)
	// ListDueDecreases returns subscriptions with a pending decrease whose
	// period ended at or before now.
	ListDueDecreases(ctx context.Context, now time.Time) ([]*SeatSubscription, error)
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// LockSeats runs fn while holding the organization's seat lock. Every
	// seat writer takes it before talking to the gateway.
	LockSeats(ctx context.Context, orgID int64, fn func(ctx context.Context) error) error
}

// PlanCatalog maps seat counts to plans.
type PlanCatalog interface {
	Plan(id string) (*plans.Plan, bool)
	PlanForSeats(seats int) (*plans.Plan, bool)
}
