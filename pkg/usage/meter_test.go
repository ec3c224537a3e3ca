package usage_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savistas/orgseats/pkg/orgs"
	"github.com/savistas/orgseats/pkg/plans"
	"github.com/savistas/orgseats/pkg/storage/memory"
	"github.com/savistas/orgseats/pkg/usage"
)

const memberID = int64(42)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type meterFixture struct {
	ctx   context.Context
	db    *memory.DB
	org   *orgs.Organization
	clock *clock
	meter *usage.Meter
}

func newMeterFixture(t *testing.T) *meterFixture {
	t.Helper()
	ctx := context.Background()
	db := memory.New()

	seats := 10
	org := &orgs.Organization{
		Name:             "Acme Academy",
		OwnerID:          1,
		ValidationStatus: orgs.ValidationApproved,
		SeatLimit:        &seats,
		PlanID:           "team",
		BillingAnchor:    time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.CreateOrganization(ctx, org))
	require.NoError(t, db.Directory().InsertMembership(ctx, &orgs.Membership{
		OrganizationID: org.ID,
		MemberID:       memberID,
		Role:           orgs.RoleStudent,
		Status:         orgs.StatusActive,
	}))

	clk := &clock{now: time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)}
	return &meterFixture{
		ctx:   ctx,
		db:    db,
		org:   org,
		clock: clk,
		meter: usage.NewMeter(db.Usage(), plans.Default(), usage.WithClock(clk.Now)),
	}
}

func TestCheckAndConsume_WithinLimit(t *testing.T) {
	f := newMeterFixture(t)

	c, err := f.meter.CheckAndConsume(f.ctx, f.org.ID, memberID, usage.KindQuiz, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.Used)
	require.NotNil(t, c.Limit)
	assert.Equal(t, int64(20), *c.Limit)
	remaining, limited := c.Remaining()
	assert.True(t, limited)
	assert.Equal(t, int64(15), remaining)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), c.PeriodStart)
	assert.Equal(t, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC), c.PeriodEnd)

	// Reaching the limit exactly is allowed.
	c, err = f.meter.CheckAndConsume(f.ctx, f.org.ID, memberID, usage.KindQuiz, 15)
	require.NoError(t, err)
	assert.Equal(t, int64(20), c.Used)
}

func TestCheckAndConsume_RefusesOverLimit(t *testing.T) {
	f := newMeterFixture(t)

	_, err := f.meter.CheckAndConsume(f.ctx, f.org.ID, memberID, usage.KindAvatarMinutes, 25)
	require.NoError(t, err)

	_, err = f.meter.CheckAndConsume(f.ctx, f.org.ID, memberID, usage.KindAvatarMinutes, 10)
	require.ErrorIs(t, err, usage.ErrLimitReached)

	var limitErr *usage.LimitReachedError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, int64(25), limitErr.Used)
	assert.Equal(t, int64(30), limitErr.Limit)
	assert.Equal(t, int64(5), limitErr.Remaining())

	// Nothing was recorded for the refused request.
	report, err := f.meter.CurrentUsage(f.ctx, f.org.ID, memberID)
	require.NoError(t, err)
	for _, a := range report.Allowances {
		if a.Kind == usage.KindAvatarMinutes {
			assert.Equal(t, int64(25), a.Used)
		}
	}
}

func TestCheckAndConsume_Unlimited(t *testing.T) {
	f := newMeterFixture(t)

	for i := 0; i < 3; i++ {
		c, err := f.meter.CheckAndConsume(f.ctx, f.org.ID, memberID, usage.KindCourse, 1000)
		require.NoError(t, err)
		assert.Nil(t, c.Limit)
		_, limited := c.Remaining()
		assert.False(t, limited)
	}
}

func TestCheckAndConsume_InvalidInput(t *testing.T) {
	f := newMeterFixture(t)

	_, err := f.meter.CheckAndConsume(f.ctx, f.org.ID, memberID, usage.KindQuiz, 0)
	assert.ErrorIs(t, err, usage.ErrInvalidAmount)

	_, err = f.meter.CheckAndConsume(f.ctx, f.org.ID, memberID, "flashcards", 1)
	assert.ErrorIs(t, err, usage.ErrUnknownResource)
}

func TestCheckAndConsume_RequiresActiveMembership(t *testing.T) {
	f := newMeterFixture(t)

	_, err := f.meter.CheckAndConsume(f.ctx, f.org.ID, 777, usage.KindQuiz, 1)
	assert.ErrorIs(t, err, orgs.ErrUnauthorized)

	require.NoError(t, f.db.Directory().InsertMembership(f.ctx, &orgs.Membership{
		OrganizationID: f.org.ID,
		MemberID:       778,
		Role:           orgs.RoleStudent,
		Status:         orgs.StatusPending,
	}))
	_, err = f.meter.CheckAndConsume(f.ctx, f.org.ID, 778, usage.KindQuiz, 1)
	assert.ErrorIs(t, err, orgs.ErrUnauthorized)

	_, err = f.meter.CheckAndConsume(f.ctx, 999, memberID, usage.KindQuiz, 1)
	assert.ErrorIs(t, err, orgs.ErrNotFound)
}

func TestCheckAndConsume_NewPeriodStartsFresh(t *testing.T) {
	f := newMeterFixture(t)

	_, err := f.meter.CheckAndConsume(f.ctx, f.org.ID, memberID, usage.KindQuiz, 20)
	require.NoError(t, err)
	_, err = f.meter.CheckAndConsume(f.ctx, f.org.ID, memberID, usage.KindQuiz, 1)
	require.ErrorIs(t, err, usage.ErrLimitReached)

	f.clock.Set(time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC))

	c, err := f.meter.CheckAndConsume(f.ctx, f.org.ID, memberID, usage.KindQuiz, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Used)
	assert.Equal(t, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC), c.PeriodStart)

	history, err := f.meter.History(f.ctx, f.org.ID, memberID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].Used(usage.KindQuiz))
	assert.Equal(t, int64(20), history[1].Used(usage.KindQuiz))
}

func TestCheckAndConsume_ConcurrentNeverExceedsLimit(t *testing.T) {
	f := newMeterFixture(t)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.meter.CheckAndConsume(f.ctx, f.org.ID, memberID, usage.KindDocument, 3)
			if err == nil {
				allowed.Add(3)
				return
			}
			if !errors.Is(err, usage.ErrLimitReached) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// 50 documents a month, 3 at a time.
	assert.Equal(t, int64(48), allowed.Load())

	report, err := f.meter.CurrentUsage(f.ctx, f.org.ID, memberID)
	require.NoError(t, err)
	for _, a := range report.Allowances {
		if a.Kind == usage.KindDocument {
			assert.Equal(t, int64(48), a.Used)
		}
	}
}

func TestCurrentUsage(t *testing.T) {
	f := newMeterFixture(t)

	_, err := f.meter.CheckAndConsume(f.ctx, f.org.ID, memberID, usage.KindVoiceMinutes, 12)
	require.NoError(t, err)

	report, err := f.meter.CurrentUsage(f.ctx, f.org.ID, memberID)
	require.NoError(t, err)
	assert.Equal(t, "team", report.PlanID)
	assert.Len(t, report.Allowances, len(usage.Kinds))

	byKind := make(map[usage.ResourceKind]usage.Allowance)
	for _, a := range report.Allowances {
		byKind[a.Kind] = a
	}
	assert.Equal(t, int64(12), byKind[usage.KindVoiceMinutes].Used)
	assert.Nil(t, byKind[usage.KindCourse].Limit)
	require.NotNil(t, byKind[usage.KindQuiz].Limit)
	assert.Equal(t, int64(20), *byKind[usage.KindQuiz].Limit)
}
