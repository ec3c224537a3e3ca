package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/savistas/orgseats/pkg/async"
	"github.com/savistas/orgseats/pkg/notify"
	"github.com/savistas/orgseats/pkg/orgs"
)

// MembershipEnded implements orgs.RemovalObserver. The downgrade check runs
// in the background so the removal itself never waits on the gateway.
func (c *Coordinator) MembershipEnded(ctx context.Context, orgID int64) {
	if !c.autoDowngrade || c.catalog == nil {
		return
	}
	async.SafeGo(ctx, c.logger, 30*time.Second, "downgrade check", func(ctx context.Context) error {
		_, err := c.ReconcileDowngrade(ctx, orgID)
		return err
	})
}

// ReconcileDowngrade lowers the paid seat count when active members fell
// below what the organization's plan is sold for. Seats drop to
// max(active, 1) on the plan matching that count, with a prorated credit.
// It returns the notice sent to the owner, or nil when nothing changed.
func (c *Coordinator) ReconcileDowngrade(ctx context.Context, orgID int64) (*notify.Notice, error) {
	if c.catalog == nil {
		return nil, nil
	}

	var notice *notify.Notice
	err := c.store.LockSeats(ctx, orgID, func(ctx context.Context) (err error) {
		notice, err = c.reconcileDowngrade(ctx, orgID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return notice, nil
}

func (c *Coordinator) reconcileDowngrade(ctx context.Context, orgID int64) (*notify.Notice, error) {
	org, sub, err := c.load(ctx, orgID)
	if err != nil {
		return nil, err
	}
	plan, ok := c.catalog.Plan(org.PlanID)
	if !ok || org.ActiveMembersCount >= plan.MinSeats {
		return nil, nil
	}
	// An explicit decrease from the owner wins over the automatic one.
	if sub.HasPendingDecrease() {
		return nil, nil
	}

	current := seatLimit(org)
	target := org.ActiveMembersCount
	if target < 1 {
		target = 1
	}
	if target >= current {
		return nil, nil
	}
	newPlan, ok := c.catalog.PlanForSeats(target)
	if !ok {
		return nil, nil
	}

	update, err := c.gateway.SetSeatQuantity(ctx, sub.ExternalID, target, true)
	if err != nil {
		return nil, c.gatewayError("set_seat_quantity", err)
	}
	if !update.Confirmed {
		return nil, c.gatewayError("set_seat_quantity", errUnconfirmed)
	}

	err = c.commitSeats(ctx, org, sub, func(ctx context.Context, tx Tx, org *orgs.Organization, sub *SeatSubscription) error {
		if err := tx.SetSeatLimit(ctx, org.ID, target, nil, newPlan.ID); err != nil {
			return err
		}
		sub.Seats = target
		sub.UpdatedAt = c.now().UTC()
		return tx.SaveSeatSubscription(ctx, sub)
	})
	if err != nil {
		c.restoreQuantity(ctx, org.ID, sub)
		return nil, fmt.Errorf("failed to record downgrade: %w", err)
	}

	notice := notify.NewNotice(notify.KindDowngradeApplied, org.ID, org.OwnerID,
		fmt.Sprintf("Your organization now has %d active members, so it was moved from %s to %s with %d seats.",
			org.ActiveMembersCount, plan.Name, newPlan.Name, target),
		map[string]interface{}{
			"previous_plan":         plan.ID,
			"plan":                  newPlan.ID,
			"previous_seats":        current,
			"seats":                 target,
			"prorated_amount_cents": update.ProratedAmountCents,
		})

	c.metrics.RecordSeatChange("downgrade_applied")
	c.logger.WithOrganization(org.ID).WithFields(map[string]interface{}{
		"previous_plan": plan.ID,
		"plan":          newPlan.ID,
		"seats":         target,
	}).Info("organization downgraded")
	c.publish(ctx, notice)
	return notice, nil
}
