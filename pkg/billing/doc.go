// Package billing keeps an organization's purchased seat count in step with
// its per-seat subscription at the payment gateway.
//
// # Seat changes
//
//	change, err := coordinator.ChangeSeats(ctx, orgID, 25)
//	switch {
//	case errors.Is(err, billing.ErrGatewayFailure):
//		// nothing changed locally
//	case change.Result == billing.ScheduledForNextPeriod:
//		// admissions are already capped at 25
//	}
//
// Increases are charged pro rata and take effect at once. Decreases wait for
// the end of the billing period, at which point the gateway sends
// subscription.period_renewed (or the reconciler's ApplyDueDecreases catches
// it) and the lower count becomes the seat limit. If more members are active
// than the new count, nobody is removed: admissions stay blocked and the
// owner receives an over-capacity notice.
//
// # Automatic downgrade
//
// With a plan catalog and auto-downgrade enabled, each ended membership
// triggers ReconcileDowngrade, which lowers the seats when active members
// dropped below the current plan's minimum.
package billing
