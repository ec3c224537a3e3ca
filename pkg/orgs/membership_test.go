package orgs_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savistas/orgseats/pkg/notify"
	"github.com/savistas/orgseats/pkg/orgs"
)

func TestRequestJoinByCode_Admits(t *testing.T) {
	f := newFixture(t, 5)

	m, err := f.svc.RequestJoinByCode(f.ctx, orgs.Member{ID: 100, IndividualPlan: "solo"}, "  acme-2024-code ")
	require.NoError(t, err)

	assert.Equal(t, orgs.StatusActive, m.Status)
	assert.Equal(t, orgs.SourceJoinCode, m.Source)
	assert.Equal(t, "solo", m.PreviousPlan)
	assert.NotNil(t, m.ApprovedAt)
	assert.Equal(t, 1, f.counts(t).Active)
	assert.Equal(t, 1, f.activeMemberships(t))
}

func TestRequestJoinByCode_NoSeats(t *testing.T) {
	f := newFixture(t, -1)

	_, err := f.svc.RequestJoinByCode(f.ctx, orgs.Member{ID: 100}, joinCode)
	assert.ErrorIs(t, err, orgs.ErrNoSeatsPurchased)

	all, err := f.store.ListMemberships(f.ctx, f.org.ID, "")
	require.NoError(t, err)
	assert.Empty(t, all, "a refused join must not leave a membership row")
	assert.Equal(t, 0, f.counts(t).Active)
}

func TestRequestJoinByCode_Full(t *testing.T) {
	f := newFixture(t, 2)
	f.join(t, 100)
	f.join(t, 101)

	_, err := f.svc.RequestJoinByCode(f.ctx, orgs.Member{ID: 102}, joinCode)
	require.ErrorIs(t, err, orgs.ErrCapacityExceeded)

	capErr, ok := orgs.AsCapacityError(err)
	require.True(t, ok)
	assert.Equal(t, 2, capErr.Active)
	assert.Equal(t, 2, capErr.EffectiveLimit())
	assert.Equal(t, 0, capErr.Remaining())

	all, err := f.store.ListMemberships(f.ctx, f.org.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRequestJoinByCode_AlreadyMember(t *testing.T) {
	f := newFixture(t, 5)
	f.join(t, 100)

	_, err := f.svc.RequestJoinByCode(f.ctx, orgs.Member{ID: 100}, joinCode)
	assert.ErrorIs(t, err, orgs.ErrAlreadyMember)
	assert.Equal(t, 1, f.counts(t).Active)
}

func TestRequestJoinByCode_PromotesPendingRequest(t *testing.T) {
	f := newFixture(t, 5)
	pending := f.request(t, 100)

	m, err := f.svc.RequestJoinByCode(f.ctx, orgs.Member{ID: 100}, joinCode)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, m.ID)
	assert.Equal(t, orgs.StatusActive, m.Status)
	assert.Equal(t, 1, f.counts(t).Active)

	stored, err := f.store.GetMembership(f.ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, orgs.StatusActive, stored.Status)
}

func TestRequestJoinByCode_UnknownCode(t *testing.T) {
	f := newFixture(t, 5)

	_, err := f.svc.RequestJoinByCode(f.ctx, orgs.Member{ID: 100}, "NOPE-NOPE-NOPE")
	assert.ErrorIs(t, err, orgs.ErrNotFound)
}

func TestRequestJoinByDirectory(t *testing.T) {
	f := newFixture(t, -1)

	m := f.request(t, 100)
	assert.Equal(t, orgs.StatusPending, m.Status)
	assert.Equal(t, orgs.SourceDirectory, m.Source)
	assert.Equal(t, 0, f.counts(t).Active, "a pending request takes no seat")

	_, err := f.svc.RequestJoinByDirectory(f.ctx, orgs.Member{ID: 100}, f.org.ID)
	assert.ErrorIs(t, err, orgs.ErrAlreadyMember)

	_, err = f.svc.RequestJoinByDirectory(f.ctx, orgs.Member{ID: 100}, 999)
	assert.ErrorIs(t, err, orgs.ErrNotFound)
}

func TestRequestJoin_OrganizationNotApproved(t *testing.T) {
	f := newFixture(t, 5)
	seats := 5
	pending := &orgs.Organization{
		Name:             "Pending School",
		OwnerID:          2,
		ValidationStatus: orgs.ValidationPending,
		SeatLimit:        &seats,
		JoinCode:         "PEND-0000-0000",
	}
	require.NoError(t, f.db.CreateOrganization(f.ctx, pending))

	_, err := f.svc.RequestJoinByCode(f.ctx, orgs.Member{ID: 100}, "pend-0000-0000")
	assert.ErrorIs(t, err, orgs.ErrNotApproved)

	_, err = f.svc.RequestJoinByDirectory(f.ctx, orgs.Member{ID: 100}, pending.ID)
	assert.ErrorIs(t, err, orgs.ErrNotApproved)
}

func TestApprove(t *testing.T) {
	f := newFixture(t, 1)
	m := f.request(t, 100)

	approved, err := f.svc.Approve(f.ctx, m.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, orgs.StatusActive, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, ownerID, *approved.ApprovedBy)
	assert.Equal(t, 1, f.counts(t).Active)

	_, err = f.svc.Approve(f.ctx, m.ID, ownerID)
	assert.ErrorIs(t, err, orgs.ErrInvalidTransition)
	assert.Equal(t, 1, f.counts(t).Active)
}

func TestApprove_AtCapacityStaysPending(t *testing.T) {
	f := newFixture(t, 1)
	f.join(t, 100)
	m := f.request(t, 101)

	_, err := f.svc.Approve(f.ctx, m.ID, ownerID)
	require.ErrorIs(t, err, orgs.ErrCapacityExceeded)

	stored, err := f.store.GetMembership(f.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, orgs.StatusPending, stored.Status)
	assert.Nil(t, stored.ApprovedAt)
	assert.Equal(t, 1, f.counts(t).Active)
}

func TestApprove_NoSeatsPurchased(t *testing.T) {
	for _, seats := range []int{-1, 0} {
		f := newFixture(t, seats)
		m := f.request(t, 100)

		_, err := f.svc.Approve(f.ctx, m.ID, ownerID)
		assert.ErrorIs(t, err, orgs.ErrNoSeatsPurchased)

		stored, err := f.store.GetMembership(f.ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, orgs.StatusPending, stored.Status)
	}
}

func TestApprove_Authorization(t *testing.T) {
	f := newFixture(t, 5)
	m := f.request(t, 100)

	// An active student cannot approve.
	f.join(t, 200)
	_, err := f.svc.Approve(f.ctx, m.ID, 200)
	assert.ErrorIs(t, err, orgs.ErrUnauthorized)

	// A stranger cannot approve.
	_, err = f.svc.Approve(f.ctx, m.ID, 300)
	assert.ErrorIs(t, err, orgs.ErrUnauthorized)

	// An active admin can.
	require.NoError(t, f.store.InsertMembership(f.ctx, &orgs.Membership{
		OrganizationID: f.org.ID,
		MemberID:       400,
		Role:           orgs.RoleAdmin,
		Status:         orgs.StatusActive,
	}))
	approved, err := f.svc.Approve(f.ctx, m.ID, 400)
	require.NoError(t, err)
	assert.Equal(t, orgs.StatusActive, approved.Status)

	ok, err := f.svc.CanManage(f.ctx, f.org.ID, 400)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.svc.CanManage(f.ctx, f.org.ID, 200)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReject(t *testing.T) {
	f := newFixture(t, 5)
	m := f.request(t, 100)

	rejected, err := f.svc.Reject(f.ctx, m.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, orgs.StatusRejected, rejected.Status)
	assert.NotNil(t, rejected.EndedAt)
	assert.Equal(t, 0, f.counts(t).Active)

	// Rejected is terminal.
	_, err = f.svc.Approve(f.ctx, m.ID, ownerID)
	assert.ErrorIs(t, err, orgs.ErrInvalidTransition)

	// Rejecting an active membership is not a transition.
	active := f.join(t, 101)
	_, err = f.svc.Reject(f.ctx, active.ID, ownerID)
	var trErr *orgs.TransitionError
	require.True(t, errors.As(err, &trErr))
	assert.Equal(t, orgs.StatusActive, trErr.From)
	assert.Equal(t, orgs.StatusRejected, trErr.To)
	assert.Equal(t, 1, f.counts(t).Active)
}

func TestRemove(t *testing.T) {
	f := newFixture(t, 2)
	m, err := f.svc.RequestJoinByCode(f.ctx, orgs.Member{ID: 100, IndividualPlan: "solo_pro"}, joinCode)
	require.NoError(t, err)

	removed, err := f.svc.Remove(f.ctx, m.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, orgs.StatusRemoved, removed.Status)
	require.NotNil(t, removed.EndedBy)
	assert.Equal(t, ownerID, *removed.EndedBy)
	assert.Equal(t, 0, f.counts(t).Active)

	notices := f.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.KindPlanRestoration, notices[0].Kind)
	assert.Equal(t, int64(100), notices[0].RecipientID)
	assert.Equal(t, "solo_pro", notices[0].Data["previous_plan"])
	assert.Equal(t, []int64{f.org.ID}, f.observer.ended)

	// Removed is terminal.
	_, err = f.svc.Remove(f.ctx, m.ID, ownerID)
	assert.ErrorIs(t, err, orgs.ErrInvalidTransition)
	assert.Equal(t, 0, f.counts(t).Active)
}

func TestRemove_PendingIsInvalid(t *testing.T) {
	f := newFixture(t, 2)
	m := f.request(t, 100)

	_, err := f.svc.Remove(f.ctx, m.ID, ownerID)
	assert.ErrorIs(t, err, orgs.ErrInvalidTransition)
	assert.Empty(t, f.observer.ended)
}

func TestLeave(t *testing.T) {
	f := newFixture(t, 2)
	m := f.join(t, 100)

	_, err := f.svc.Leave(f.ctx, m.ID, 101)
	assert.ErrorIs(t, err, orgs.ErrUnauthorized)
	assert.Equal(t, 1, f.counts(t).Active)

	left, err := f.svc.Leave(f.ctx, m.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, orgs.StatusRemoved, left.Status)
	assert.Equal(t, 0, f.counts(t).Active)
	assert.Empty(t, f.notices.all(), "no restoration notice without a previous plan")
}

func TestRejoinAfterRemoval(t *testing.T) {
	f := newFixture(t, 1)
	first := f.join(t, 100)
	_, err := f.svc.Remove(f.ctx, first.ID, ownerID)
	require.NoError(t, err)

	second := f.request(t, 100)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = f.svc.Approve(f.ctx, second.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.counts(t).Active)
	assert.Equal(t, 1, f.activeMemberships(t))
}

func TestPendingSeatLimitCapsAdmission(t *testing.T) {
	f := newFixture(t, 5)
	f.join(t, 100)
	f.join(t, 101)

	// A scheduled decrease to 2 seats takes effect for admissions now.
	require.NoError(t, f.db.Seats().SetSeatLimit(f.ctx, f.org.ID, 5, intPtr(2), "team"))

	_, err := f.svc.RequestJoinByCode(f.ctx, orgs.Member{ID: 102}, joinCode)
	require.ErrorIs(t, err, orgs.ErrCapacityExceeded)
	capErr, _ := orgs.AsCapacityError(err)
	assert.Equal(t, 2, capErr.EffectiveLimit())

	summary, err := f.svc.SeatSummary(f.ctx, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.SeatLimit)
	assert.Equal(t, 2, summary.EffectiveLimit)
	assert.Equal(t, 0, summary.Remaining)
}

func TestSeatSummary(t *testing.T) {
	f := newFixture(t, 10)
	for id := int64(100); id < 103; id++ {
		f.join(t, id)
	}
	f.request(t, 200)
	f.request(t, 201)

	summary, err := f.svc.SeatSummary(f.ctx, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Active)
	assert.Equal(t, 10, summary.EffectiveLimit)
	assert.Equal(t, 7, summary.Remaining)
	assert.Equal(t, 2, summary.PendingRequests)
	assert.False(t, summary.OverCapacity)

	pending, err := f.svc.ListMemberships(f.ctx, f.org.ID, orgs.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = f.svc.ListMemberships(f.ctx, f.org.ID, "archived")
	assert.Error(t, err)
}

func TestConcurrentApprovalsNeverExceedLimit(t *testing.T) {
	const seats, requests = 7, 20
	f := newFixture(t, seats)

	ids := make([]int64, requests)
	for i := range ids {
		ids[i] = f.request(t, int64(1000+i)).ID
	}

	var (
		wg       sync.WaitGroup
		approved atomic.Int32
		refused  atomic.Int32
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := f.svc.Approve(f.ctx, id, ownerID)
			switch {
			case err == nil:
				approved.Add(1)
			case errors.Is(err, orgs.ErrCapacityExceeded):
				refused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(seats), approved.Load())
	assert.Equal(t, int32(requests-seats), refused.Load())
	assert.Equal(t, seats, f.counts(t).Active)
	assert.Equal(t, seats, f.activeMemberships(t))
}

func TestConcurrentCodeJoinsNeverExceedLimit(t *testing.T) {
	const seats, joiners = 10, 30
	f := newFixture(t, seats)

	var (
		wg     sync.WaitGroup
		joined atomic.Int32
	)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(memberID int64) {
			defer wg.Done()
			_, err := f.svc.RequestJoinByCode(f.ctx, orgs.Member{ID: memberID}, joinCode)
			if err == nil {
				joined.Add(1)
				return
			}
			if !errors.Is(err, orgs.ErrCapacityExceeded) {
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(5000 + i))
	}
	wg.Wait()

	assert.Equal(t, int32(seats), joined.Load())
	assert.Equal(t, seats, f.counts(t).Active)

	all, err := f.store.ListMemberships(f.ctx, f.org.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, seats, "refused joins leave no rows")
}

func intPtr(v int) *int { return &v }
