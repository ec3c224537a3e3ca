package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savistas/orgseats/pkg/billing"
	"github.com/savistas/orgseats/pkg/orgs"
)

func TestParseEvent(t *testing.T) {
	event, err := billing.ParseEvent([]byte(`{"id":"evt_1","type":"seats.updated","subscription_id":"sub_1","seats":12}`))
	require.NoError(t, err)
	assert.Equal(t, billing.EventSeatsUpdated, event.Type)
	assert.Equal(t, 12, event.Seats)

	_, err = billing.ParseEvent([]byte(`{"type":"seats.updated"}`))
	assert.Error(t, err)

	_, err = billing.ParseEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestHandleEvent_SubscriptionCreated(t *testing.T) {
	f := newFixture(t, 10, 0, "team")
	other := &orgs.Organization{Name: "New School", OwnerID: 2, ValidationStatus: orgs.ValidationApproved}
	require.NoError(t, f.db.CreateOrganization(f.ctx, other))

	event := &billing.Event{
		ID:             "evt_created",
		Type:           billing.EventSubscriptionCreated,
		SubscriptionID: "sub_new",
		OrganizationID: other.ID,
		Seats:          25,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
	}
	require.NoError(t, f.coord.HandleEvent(f.ctx, event))

	org, err := f.db.Seats().GetOrganization(f.ctx, other.ID)
	require.NoError(t, err)
	require.NotNil(t, org.SeatLimit)
	assert.Equal(t, 25, *org.SeatLimit)
	assert.Equal(t, "school", org.PlanID)

	sub, err := f.db.Seats().GetSubscriptionByExternalID(f.ctx, "sub_new")
	require.NoError(t, err)
	assert.Equal(t, other.ID, sub.OrganizationID)

	// Redelivery is a no-op.
	event.Seats = 30
	require.NoError(t, f.coord.HandleEvent(f.ctx, event))
	org, err = f.db.Seats().GetOrganization(f.ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, *org.SeatLimit)

	assert.Error(t, f.coord.HandleEvent(f.ctx, &billing.Event{
		Type:           billing.EventSubscriptionCreated,
		SubscriptionID: "sub_bad",
	}))
}

func TestHandleEvent_SeatsUpdatedIgnoresDecreases(t *testing.T) {
	f := newFixture(t, 10, 0, "team")

	require.NoError(t, f.coord.HandleEvent(f.ctx, &billing.Event{
		Type:           billing.EventSeatsUpdated,
		SubscriptionID: subscriptionID,
		Seats:          4,
	}))
	assert.Equal(t, 10, *f.organization(t).SeatLimit)
}

func TestHandleEvent_SeatsUpdatedKeepsPendingDecrease(t *testing.T) {
	f := newFixture(t, 10, 0, "team")
	_, err := f.coord.ChangeSeats(f.ctx, f.org.ID, 6)
	require.NoError(t, err)

	require.NoError(t, f.coord.HandleEvent(f.ctx, &billing.Event{
		Type:           billing.EventSeatsUpdated,
		SubscriptionID: subscriptionID,
		Seats:          11,
	}))
	org := f.organization(t)
	assert.Equal(t, 11, *org.SeatLimit)
	require.NotNil(t, org.PendingSeatLimit)
	assert.Equal(t, 6, *org.PendingSeatLimit)
}

func TestHandleEvent_PeriodRenewedAppliesDecrease(t *testing.T) {
	f := newFixture(t, 10, 3, "team")
	_, err := f.coord.ChangeSeats(f.ctx, f.org.ID, 5)
	require.NoError(t, err)

	nextEnd := time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC)
	renewed := &billing.Event{
		ID:             "evt_renew",
		Type:           billing.EventPeriodRenewed,
		SubscriptionID: subscriptionID,
		PeriodStart:    periodEnd,
		PeriodEnd:      nextEnd,
	}
	require.NoError(t, f.coord.HandleEvent(f.ctx, renewed))

	org := f.organization(t)
	assert.Equal(t, 5, *org.SeatLimit)
	assert.Nil(t, org.PendingSeatLimit)
	assert.Empty(t, f.notices.all(), "3 active fit in 5 seats")

	sub := f.subscription(t)
	assert.Equal(t, periodEnd, sub.CurrentPeriodStart)
	assert.Equal(t, nextEnd, sub.CurrentPeriodEnd)

	// A replayed boundary does not move anything.
	require.NoError(t, f.coord.HandleEvent(f.ctx, renewed))
	assert.Equal(t, nextEnd, f.subscription(t).CurrentPeriodEnd)

	assert.Error(t, f.coord.HandleEvent(f.ctx, &billing.Event{
		Type:           billing.EventPeriodRenewed,
		SubscriptionID: subscriptionID,
	}))
}

func TestHandleEvent_CancelFlag(t *testing.T) {
	f := newFixture(t, 10, 0, "team")

	require.NoError(t, f.coord.HandleEvent(f.ctx, &billing.Event{Type: billing.EventCancelScheduled, SubscriptionID: subscriptionID}))
	assert.True(t, f.subscription(t).CancelAtPeriodEnd)

	require.NoError(t, f.coord.HandleEvent(f.ctx, &billing.Event{Type: billing.EventCancelScheduleRemoved, SubscriptionID: subscriptionID}))
	assert.False(t, f.subscription(t).CancelAtPeriodEnd)
}

func TestHandleEvent_Unknown(t *testing.T) {
	f := newFixture(t, 10, 0, "team")

	assert.NoError(t, f.coord.HandleEvent(f.ctx, &billing.Event{Type: "invoice.paid", SubscriptionID: subscriptionID}))
	assert.ErrorIs(t, f.coord.HandleEvent(f.ctx, &billing.Event{Type: billing.EventSeatsUpdated, SubscriptionID: "sub_unknown", Seats: 3}), orgs.ErrNotFound)
}
