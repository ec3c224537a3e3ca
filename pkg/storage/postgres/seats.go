package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/savistas/orgseats/pkg/billing"
)

const subscriptionColumns = `organization_id, external_id, seats, current_period_start, current_period_end,
	seats_pending_decrease, schedule_id, cancel_at_period_end, updated_at`

func scanSubscription(row rowScanner) (*billing.SeatSubscription, error) {
	var (
		sub        billing.SeatSubscription
		scheduleID sql.NullString
	)
	err := row.Scan(
		&sub.OrganizationID, &sub.ExternalID, &sub.Seats, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.SeatsPendingDecrease, &scheduleID, &sub.CancelAtPeriodEnd, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.ScheduleID = scheduleID.String
	return &sub, nil
}

func (q queries) GetSeatSubscription(ctx context.Context, orgID int64) (*billing.SeatSubscription, error) {
	row := q.q.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM seat_subscriptions WHERE organization_id = $1"+q.lock, orgID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("organization %d: %w", orgID, billing.ErrNoSubscription)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get seat subscription: %w", err)
	}
	return sub, nil
}

func (q queries) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*billing.SeatSubscription, error) {
	row := q.q.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM seat_subscriptions WHERE external_id = $1", externalID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %q: %w", externalID, billing.ErrNoSubscription)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get seat subscription: %w", err)
	}
	return sub, nil
}

func (q queries) SaveSeatSubscription(ctx context.Context, sub *billing.SeatSubscription) error {
	query := `
		INSERT INTO seat_subscriptions (
			organization_id, external_id, seats, current_period_start, current_period_end,
			seats_pending_decrease, schedule_id, cancel_at_period_end, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (organization_id) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			seats = EXCLUDED.seats,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			seats_pending_decrease = EXCLUDED.seats_pending_decrease,
			schedule_id = EXCLUDED.schedule_id,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			updated_at = EXCLUDED.updated_at
	`
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := q.q.ExecContext(ctx, query,
		sub.OrganizationID, sub.ExternalID, sub.Seats, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.SeatsPendingDecrease, nullString(sub.ScheduleID), sub.CancelAtPeriodEnd, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save seat subscription: %w", err)
	}
	return nil
}

func (q queries) SetSeatLimit(ctx context.Context, orgID int64, seats int, pendingLimit *int, planID string) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE organizations
		SET seat_limit = $2, pending_seat_limit = $3, plan_id = $4, updated_at = NOW()
		WHERE id = $1
	`, orgID, seats, nullInt(pendingLimit), planID)
	if err != nil {
		return fmt.Errorf("failed to set seat limit: %w", err)
	}
	return expectOne(res, "organization", orgID)
}

func (q queries) ListDueDecreases(ctx context.Context, now time.Time) ([]*billing.SeatSubscription, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT "+subscriptionColumns+` FROM seat_subscriptions
		WHERE seats_pending_decrease > 0 AND current_period_end <= $1
		ORDER BY organization_id`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due decreases: %w", err)
	}
	defer rows.Close()

	var out []*billing.SeatSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan seat subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
