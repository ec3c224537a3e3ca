package billing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/savistas/orgseats/pkg/async"
	"github.com/savistas/orgseats/pkg/notify"
	"github.com/savistas/orgseats/pkg/observability"
	"github.com/savistas/orgseats/pkg/orgs"
)

var errUnconfirmed = errors.New("change accepted but not confirmed")

// Coordinator changes an organization's purchased seat count in step with
// the payment gateway.
//
// Increases take effect immediately and are prorated; the local seat limit
// is written only after the gateway confirmed the charge. Decreases are
// scheduled for the end of the billing period. Until then the pending count
// caps admissions but nobody loses a seat they already hold.
type Coordinator struct {
	store         Store
	gateway       Gateway
	catalog       PlanCatalog
	notifier      notify.Publisher
	logger        *observability.Logger
	metrics       *observability.Metrics
	autoDowngrade bool
	now           func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCatalog enables plan selection by seat band and automatic downgrade
// checks.
func WithCatalog(catalog PlanCatalog) Option {
	return func(c *Coordinator) { c.catalog = catalog }
}

func WithNotifier(notifier notify.Publisher) Option {
	return func(c *Coordinator) { c.notifier = notifier }
}

func WithLogger(logger *observability.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = metrics }
}

// WithAutoDowngrade makes ended memberships trigger a downgrade check.
func WithAutoDowngrade(enabled bool) Option {
	return func(c *Coordinator) { c.autoDowngrade = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(store Store, gateway Gateway, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		gateway:  gateway,
		notifier: notify.Discard{},
		logger:   observability.NewNopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChangeSeats sets the organization's seat count to seats.
//
// The gateway call comes first and the store is written only after it
// succeeded, so a gateway failure leaves the store as it was.
func (c *Coordinator) ChangeSeats(ctx context.Context, orgID int64, seats int) (change *SeatChange, err error) {
	ctx, span := observability.StartSpan(ctx, "billing.ChangeSeats",
		attribute.Int64("organization_id", orgID),
		attribute.Int("seats", seats))
	defer func() { observability.EndSpan(span, err) }()

	if seats < 1 {
		return nil, ErrInvalidSeatCount
	}

	err = c.store.LockSeats(ctx, orgID, func(ctx context.Context) error {
		org, sub, err := c.load(ctx, orgID)
		if err != nil {
			return err
		}

		current := seatLimit(org)
		switch {
		case seats > current:
			change, err = c.increase(ctx, org, sub, seats)
		case seats < current:
			change, err = c.scheduleDecrease(ctx, org, sub, seats)
		case sub.HasPendingDecrease():
			// Asking for the current count means keeping it.
			change, err = c.cancelPending(ctx, org, sub)
		default:
			change = &SeatChange{
				Result:        AppliedImmediately,
				PreviousSeats: current,
				Seats:         current,
				EffectiveAt:   c.now().UTC(),
				PlanID:        org.PlanID,
				ActiveMembers: org.ActiveMembersCount,
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// CancelScheduledDecrease drops a pending decrease, restoring the full seat
// count for admissions.
func (c *Coordinator) CancelScheduledDecrease(ctx context.Context, orgID int64) (change *SeatChange, err error) {
	err = c.store.LockSeats(ctx, orgID, func(ctx context.Context) error {
		org, sub, err := c.load(ctx, orgID)
		if err != nil {
			return err
		}
		if !sub.HasPendingDecrease() {
			return fmt.Errorf("organization %d: %w", orgID, ErrNoPendingDecrease)
		}
		change, err = c.cancelPending(ctx, org, sub)
		return err
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

func (c *Coordinator) increase(ctx context.Context, org *orgs.Organization, sub *SeatSubscription, seats int) (*SeatChange, error) {
	current := seatLimit(org)
	logger := c.logger.WithOrganization(org.ID).WithFields(map[string]interface{}{
		"previous_seats": current,
		"seats":          seats,
	})

	update, err := c.gateway.SetSeatQuantity(ctx, sub.ExternalID, seats, true)
	if err != nil {
		return nil, c.gatewayError("set_seat_quantity", err)
	}
	if !update.Confirmed {
		logger.Warn("seat increase awaiting gateway confirmation")
		return nil, c.gatewayError("set_seat_quantity", errUnconfirmed)
	}

	// The gateway would otherwise apply the old schedule at period end.
	if sub.HasPendingDecrease() {
		if err := c.gateway.CancelScheduledChange(ctx, sub.ScheduleID); err != nil {
			c.restoreQuantity(ctx, org.ID, sub)
			return nil, c.gatewayError("cancel_scheduled_change", err)
		}
	}

	planID := c.planFor(seats, org.PlanID)
	now := c.now().UTC()
	err = c.commitSeats(ctx, org, sub, func(ctx context.Context, tx Tx, org *orgs.Organization, sub *SeatSubscription) error {
		if err := tx.SetSeatLimit(ctx, org.ID, seats, nil, planID); err != nil {
			return err
		}
		sub.Seats = seats
		sub.clearPendingDecrease()
		sub.UpdatedAt = now
		return tx.SaveSeatSubscription(ctx, sub)
	})
	if err != nil {
		logger.WithError(err).Error("confirmed seat increase could not be recorded")
		c.restoreQuantity(ctx, org.ID, sub)
		return nil, fmt.Errorf("failed to record seat increase: %w", err)
	}

	c.metrics.RecordSeatChange(string(AppliedImmediately))
	logger.WithField("prorated_amount_cents", update.ProratedAmountCents).Info("seats increased")

	return &SeatChange{
		Result:              AppliedImmediately,
		PreviousSeats:       current,
		Seats:               seats,
		ProratedAmountCents: update.ProratedAmountCents,
		EffectiveAt:         now,
		PlanID:              planID,
		ActiveMembers:       org.ActiveMembersCount,
	}, nil
}

func (c *Coordinator) scheduleDecrease(ctx context.Context, org *orgs.Organization, sub *SeatSubscription, seats int) (*SeatChange, error) {
	current := seatLimit(org)
	change := &SeatChange{
		Result:        ScheduledForNextPeriod,
		PreviousSeats: current,
		Seats:         seats,
		EffectiveAt:   sub.CurrentPeriodEnd,
		PlanID:        c.planFor(seats, org.PlanID),
		OverCapacity:  org.ActiveMembersCount > seats,
		ActiveMembers: org.ActiveMembersCount,
	}

	if sub.SeatsPendingDecrease == seats {
		return change, nil
	}

	scheduleID, err := c.gateway.ScheduleSeatDecrease(ctx, sub.ExternalID, seats, sub.CurrentPeriodEnd)
	if err != nil {
		return nil, c.gatewayError("schedule_seat_decrease", err)
	}
	if sub.HasPendingDecrease() {
		if err := c.gateway.CancelScheduledChange(ctx, sub.ScheduleID); err != nil {
			c.dropSchedule(ctx, org.ID, scheduleID)
			return nil, c.gatewayError("cancel_scheduled_change", err)
		}
	}

	pending := seats
	now := c.now().UTC()
	err = c.commitSeats(ctx, org, sub, func(ctx context.Context, tx Tx, org *orgs.Organization, sub *SeatSubscription) error {
		if err := tx.SetSeatLimit(ctx, org.ID, seatLimit(org), &pending, org.PlanID); err != nil {
			return err
		}
		sub.SeatsPendingDecrease = seats
		sub.ScheduleID = scheduleID
		sub.UpdatedAt = now
		return tx.SaveSeatSubscription(ctx, sub)
	})
	if err != nil {
		c.dropSchedule(ctx, org.ID, scheduleID)
		return nil, fmt.Errorf("failed to record seat decrease: %w", err)
	}

	c.metrics.RecordSeatChange(string(ScheduledForNextPeriod))
	c.logger.WithOrganization(org.ID).WithFields(map[string]interface{}{
		"seats":        seats,
		"effective_at": sub.CurrentPeriodEnd,
	}).Info("seat decrease scheduled")
	return change, nil
}

func (c *Coordinator) cancelPending(ctx context.Context, org *orgs.Organization, sub *SeatSubscription) (*SeatChange, error) {
	if err := c.gateway.CancelScheduledChange(ctx, sub.ScheduleID); err != nil {
		return nil, c.gatewayError("cancel_scheduled_change", err)
	}

	err := c.commitSeats(ctx, org, sub, func(ctx context.Context, tx Tx, org *orgs.Organization, sub *SeatSubscription) error {
		if err := tx.SetSeatLimit(ctx, org.ID, seatLimit(org), nil, org.PlanID); err != nil {
			return err
		}
		sub.clearPendingDecrease()
		sub.UpdatedAt = c.now().UTC()
		return tx.SaveSeatSubscription(ctx, sub)
	})
	if err != nil {
		c.logger.WithOrganization(org.ID).WithError(err).
			WithField("schedule_id", sub.ScheduleID).
			Error("seat decrease cancelled at the gateway but still recorded")
		return nil, fmt.Errorf("failed to clear seat decrease: %w", err)
	}

	c.metrics.RecordSeatChange("decrease_cancelled")
	c.logger.WithOrganization(org.ID).Info("scheduled seat decrease cancelled")

	current := seatLimit(org)
	return &SeatChange{
		Result:        AppliedImmediately,
		PreviousSeats: current,
		Seats:         current,
		EffectiveAt:   c.now().UTC(),
		PlanID:        org.PlanID,
		ActiveMembers: org.ActiveMembersCount,
	}, nil
}

// commitSeats re-reads the organization and subscription inside a
// transaction and runs fn on the fresh rows only if the seat count, pending
// decrease and schedule still match org and sub. A mismatch is
// ErrSeatsChanged and nothing is written.
func (c *Coordinator) commitSeats(ctx context.Context, org *orgs.Organization, sub *SeatSubscription,
	fn func(ctx context.Context, tx Tx, org *orgs.Organization, sub *SeatSubscription) error) error {
	return c.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		freshOrg, err := tx.GetOrganization(ctx, org.ID)
		if err != nil {
			return err
		}
		freshSub, err := tx.GetSeatSubscription(ctx, org.ID)
		if err != nil {
			return err
		}
		if !sameSeats(org, sub, freshOrg, freshSub) {
			return fmt.Errorf("organization %d: %w", org.ID, ErrSeatsChanged)
		}
		return fn(ctx, tx, freshOrg, freshSub)
	})
}

func sameSeats(org *orgs.Organization, sub *SeatSubscription, freshOrg *orgs.Organization, freshSub *SeatSubscription) bool {
	return seatLimit(org) == seatLimit(freshOrg) &&
		pendingLimit(org) == pendingLimit(freshOrg) &&
		sub.Seats == freshSub.Seats &&
		sub.SeatsPendingDecrease == freshSub.SeatsPendingDecrease &&
		sub.ScheduleID == freshSub.ScheduleID
}

// restoreQuantity puts the gateway back on the seat count the store holds
// after a confirmed quantity change could not be kept.
func (c *Coordinator) restoreQuantity(ctx context.Context, orgID int64, sub *SeatSubscription) {
	ctx = context.WithoutCancel(ctx)
	if _, err := c.gateway.SetSeatQuantity(ctx, sub.ExternalID, sub.Seats, true); err != nil {
		c.metrics.RecordGatewayError("set_seat_quantity")
		c.logger.WithOrganization(orgID).WithError(err).
			WithField("seats", sub.Seats).
			Error("gateway seat quantity differs from the store")
	}
}

// dropSchedule cancels a schedule that was created but not recorded.
func (c *Coordinator) dropSchedule(ctx context.Context, orgID int64, scheduleID string) {
	ctx = context.WithoutCancel(ctx)
	if err := c.gateway.CancelScheduledChange(ctx, scheduleID); err != nil {
		c.metrics.RecordGatewayError("cancel_scheduled_change")
		c.logger.WithOrganization(orgID).WithError(err).
			WithField("schedule_id", scheduleID).
			Error("orphaned seat decrease schedule")
	}
}

// ApplyDueDecreases applies every pending decrease whose period has ended
// and rolls those subscriptions into their next period. It is the fallback
// for boundary events that never arrived.
func (c *Coordinator) ApplyDueDecreases(ctx context.Context) (int, error) {
	due, err := c.store.ListDueDecreases(ctx, c.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list due decreases: %w", err)
	}

	var applied atomic.Int32
	errs := async.Batch(ctx, c.logger, due, 4, "apply seat decrease", 30*time.Second,
		func(ctx context.Context, sub *SeatSubscription) error {
			start := sub.CurrentPeriodEnd
			if err := c.applyBoundary(ctx, sub.OrganizationID, start, start.AddDate(0, 1, 0)); err != nil {
				return fmt.Errorf("organization %d: %w", sub.OrganizationID, err)
			}
			applied.Add(1)
			return nil
		})

	return int(applied.Load()), errors.Join(errs...)
}

// applyBoundary moves the subscription into the period [start, end),
// applying a pending decrease if there is one.
func (c *Coordinator) applyBoundary(ctx context.Context, orgID int64, start, end time.Time) error {
	return c.store.LockSeats(ctx, orgID, func(ctx context.Context) error {
		return c.applyBoundaryLocked(ctx, orgID, start, end)
	})
}

func (c *Coordinator) applyBoundaryLocked(ctx context.Context, orgID int64, start, end time.Time) error {
	var (
		notice  *notify.Notice
		applied int
	)
	err := c.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		org, err := tx.GetOrganization(ctx, orgID)
		if err != nil {
			return err
		}
		sub, err := tx.GetSeatSubscription(ctx, orgID)
		if err != nil {
			return err
		}
		if !start.After(sub.CurrentPeriodStart) {
			return nil
		}

		if sub.HasPendingDecrease() {
			applied = sub.SeatsPendingDecrease
			planID := c.planFor(applied, org.PlanID)
			if err := tx.SetSeatLimit(ctx, org.ID, applied, nil, planID); err != nil {
				return err
			}
			sub.Seats = applied
			sub.clearPendingDecrease()
			if org.ActiveMembersCount > applied {
				notice = overCapacityNotice(org, applied)
			}
		}

		sub.CurrentPeriodStart = start.UTC()
		sub.CurrentPeriodEnd = end.UTC()
		sub.UpdatedAt = c.now().UTC()
		return tx.SaveSeatSubscription(ctx, sub)
	})
	if err != nil {
		return err
	}

	logger := c.logger.WithOrganization(orgID)
	if applied > 0 {
		c.metrics.RecordSeatChange("decrease_applied")
		logger.WithField("seats", applied).Info("scheduled seat decrease applied")
	}
	if notice != nil {
		c.publish(ctx, notice)
	}
	return nil
}

func overCapacityNotice(org *orgs.Organization, seats int) *notify.Notice {
	return notify.NewNotice(notify.KindOverCapacity, org.ID, org.OwnerID,
		fmt.Sprintf("%d members are active but only %d seats are paid. New members cannot join until seats are added or members removed.",
			org.ActiveMembersCount, seats),
		map[string]interface{}{"active": org.ActiveMembersCount, "seats": seats})
}

func (c *Coordinator) publish(ctx context.Context, notice *notify.Notice) {
	if err := c.notifier.Publish(ctx, notice); err != nil {
		c.logger.WithOrganization(notice.OrganizationID).WithError(err).
			WithField("kind", string(notice.Kind)).Warn("failed to publish notice")
		return
	}
	c.metrics.RecordNotice(string(notice.Kind))
}

func (c *Coordinator) load(ctx context.Context, orgID int64) (*orgs.Organization, *SeatSubscription, error) {
	org, err := c.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}
	sub, err := c.store.GetSeatSubscription(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}
	return org, sub, nil
}

func (c *Coordinator) gatewayError(op string, err error) error {
	c.metrics.RecordGatewayError(op)
	return &GatewayError{Op: op, Err: err}
}

func (c *Coordinator) planFor(seats int, fallback string) string {
	if c.catalog == nil {
		return fallback
	}
	if p, ok := c.catalog.PlanForSeats(seats); ok {
		return p.ID
	}
	return fallback
}

func seatLimit(org *orgs.Organization) int {
	if org.SeatLimit == nil {
		return 0
	}
	return *org.SeatLimit
}

func pendingLimit(org *orgs.Organization) int {
	if org.PendingSeatLimit == nil {
		return 0
	}
	return *org.PendingSeatLimit
}
