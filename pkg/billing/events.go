package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/savistas/orgseats/pkg/orgs"
)

// Event types delivered by the payment gateway.
const (
	EventSubscriptionCreated   = "subscription.created"
	EventSeatsUpdated          = "seats.updated"
	EventPeriodRenewed         = "subscription.period_renewed"
	EventDecreaseApplied       = "seats.decrease_applied"
	EventCancelScheduled       = "subscription.cancel_scheduled"
	EventCancelScheduleRemoved = "subscription.cancel_unscheduled"
)

// Event is a gateway notification about a subscription.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	SubscriptionID string    `json:"subscription_id"`
	OrganizationID int64     `json:"organization_id,omitempty"`
	Seats          int       `json:"seats,omitempty"`
	PeriodStart    time.Time `json:"period_start,omitempty"`
	PeriodEnd      time.Time `json:"period_end,omitempty"`
}

// ParseEvent decodes an event payload.
func ParseEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	if event.Type == "" || event.SubscriptionID == "" {
		return nil, fmt.Errorf("event is missing type or subscription_id")
	}
	return &event, nil
}

// HandleEvent applies a gateway event. Unknown types are ignored.
func (c *Coordinator) HandleEvent(ctx context.Context, event *Event) error {
	logger := c.logger.WithFields(map[string]interface{}{
		"event_id":        event.ID,
		"event_type":      event.Type,
		"subscription_id": event.SubscriptionID,
	})

	var err error
	switch event.Type {
	case EventSubscriptionCreated:
		err = c.handleSubscriptionCreated(ctx, event)
	case EventSeatsUpdated:
		err = c.handleSeatsUpdated(ctx, event)
	case EventPeriodRenewed, EventDecreaseApplied:
		err = c.handlePeriodRenewed(ctx, event)
	case EventCancelScheduled, EventCancelScheduleRemoved:
		err = c.handleCancelFlag(ctx, event, event.Type == EventCancelScheduled)
	default:
		logger.Debug("ignoring unknown billing event")
		return nil
	}
	if err != nil {
		logger.WithError(err).Error("failed to apply billing event")
		return err
	}

	logger.Info("billing event applied")
	return nil
}

func (c *Coordinator) handleSubscriptionCreated(ctx context.Context, event *Event) error {
	if event.OrganizationID == 0 || event.Seats < 1 {
		return fmt.Errorf("%s requires organization_id and seats", event.Type)
	}

	return c.store.LockSeats(ctx, event.OrganizationID, func(ctx context.Context) error {
		return c.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			org, err := tx.GetOrganization(ctx, event.OrganizationID)
			if err != nil {
				return err
			}
			_, err = tx.GetSeatSubscription(ctx, org.ID)
			switch {
			case err == nil:
				return nil // redelivery
			case !errors.Is(err, orgs.ErrNotFound):
				return err
			}

			if err := tx.SetSeatLimit(ctx, org.ID, event.Seats, nil, c.planFor(event.Seats, org.PlanID)); err != nil {
				return err
			}
			return tx.SaveSeatSubscription(ctx, &SeatSubscription{
				OrganizationID:     org.ID,
				ExternalID:         event.SubscriptionID,
				Seats:              event.Seats,
				CurrentPeriodStart: event.PeriodStart.UTC(),
				CurrentPeriodEnd:   event.PeriodEnd.UTC(),
				UpdatedAt:          c.now().UTC(),
			})
		})
	})
}

// handleSeatsUpdated applies an increase the gateway confirmed after the
// synchronous call returned. Lower counts are decreases, which only land at
// a period boundary, so they are ignored here.
func (c *Coordinator) handleSeatsUpdated(ctx context.Context, event *Event) error {
	return c.withSubscription(ctx, event, func(ctx context.Context, tx Tx, org *orgs.Organization, sub *SeatSubscription) error {
		if event.Seats <= seatLimit(org) {
			return nil
		}

		// A decrease scheduled below the old count stays in force.
		if err := tx.SetSeatLimit(ctx, org.ID, event.Seats, org.PendingSeatLimit, c.planFor(event.Seats, org.PlanID)); err != nil {
			return err
		}
		sub.Seats = event.Seats
		sub.UpdatedAt = c.now().UTC()
		return tx.SaveSeatSubscription(ctx, sub)
	})
}

func (c *Coordinator) handlePeriodRenewed(ctx context.Context, event *Event) error {
	if event.PeriodStart.IsZero() || !event.PeriodEnd.After(event.PeriodStart) {
		return fmt.Errorf("%s requires a valid period", event.Type)
	}
	sub, err := c.store.GetSubscriptionByExternalID(ctx, event.SubscriptionID)
	if err != nil {
		return err
	}
	return c.applyBoundary(ctx, sub.OrganizationID, event.PeriodStart, event.PeriodEnd)
}

func (c *Coordinator) handleCancelFlag(ctx context.Context, event *Event, cancel bool) error {
	return c.withSubscription(ctx, event, func(ctx context.Context, tx Tx, _ *orgs.Organization, sub *SeatSubscription) error {
		sub.CancelAtPeriodEnd = cancel
		sub.UpdatedAt = c.now().UTC()
		return tx.SaveSeatSubscription(ctx, sub)
	})
}

// withSubscription resolves the event's subscription and runs fn on rows
// re-read under the organization's seat lock.
func (c *Coordinator) withSubscription(ctx context.Context, event *Event,
	fn func(ctx context.Context, tx Tx, org *orgs.Organization, sub *SeatSubscription) error) error {
	found, err := c.store.GetSubscriptionByExternalID(ctx, event.SubscriptionID)
	if err != nil {
		return err
	}
	orgID := found.OrganizationID

	return c.store.LockSeats(ctx, orgID, func(ctx context.Context) error {
		return c.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			org, err := tx.GetOrganization(ctx, orgID)
			if err != nil {
				return err
			}
			sub, err := tx.GetSeatSubscription(ctx, orgID)
			if err != nil {
				return err
			}
			return fn(ctx, tx, org, sub)
		})
	})
}
