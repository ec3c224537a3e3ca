package orgs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/savistas/orgseats/pkg/notify"
	"github.com/savistas/orgseats/pkg/orgs"
	"github.com/savistas/orgseats/pkg/storage/memory"
)

const (
	ownerID  = int64(1)
	joinCode = "ACME-2024-CODE"
)

type recordingPublisher struct {
	mu      sync.Mutex
	notices []*notify.Notice
}

func (r *recordingPublisher) Publish(_ context.Context, n *notify.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *recordingPublisher) all() []*notify.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*notify.Notice(nil), r.notices...)
}

type recordingObserver struct {
	mu    sync.Mutex
	ended []int64
}

func (r *recordingObserver) MembershipEnded(_ context.Context, orgID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, orgID)
}

type fixture struct {
	ctx      context.Context
	db       *memory.DB
	store    *memory.Directory
	svc      *orgs.Service
	org      *orgs.Organization
	notices  *recordingPublisher
	observer *recordingObserver
}

// newFixture creates an approved organization. A negative seat count leaves
// the seat limit unset.
func newFixture(t *testing.T, seats int) *fixture {
	t.Helper()
	ctx := context.Background()
	db := memory.New()

	org := &orgs.Organization{
		Name:             "Acme Academy",
		OwnerID:          ownerID,
		ValidationStatus: orgs.ValidationApproved,
		JoinCode:         joinCode,
		PlanID:           "team",
		BillingAnchor:    time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	}
	if seats >= 0 {
		org.SeatLimit = &seats
	}
	require.NoError(t, db.CreateOrganization(ctx, org))

	f := &fixture{
		ctx:      ctx,
		db:       db,
		store:    db.Directory(),
		org:      org,
		notices:  &recordingPublisher{},
		observer: &recordingObserver{},
	}
	f.svc = orgs.NewService(f.store, nil,
		orgs.WithNotifier(f.notices),
		orgs.WithRemovalObserver(f.observer),
	)
	return f
}

func (f *fixture) join(t *testing.T, memberID int64) *orgs.Membership {
	t.Helper()
	m, err := f.svc.RequestJoinByCode(f.ctx, orgs.Member{ID: memberID}, joinCode)
	require.NoError(t, err)
	return m
}

func (f *fixture) request(t *testing.T, memberID int64) *orgs.Membership {
	t.Helper()
	m, err := f.svc.RequestJoinByDirectory(f.ctx, orgs.Member{ID: memberID}, f.org.ID)
	require.NoError(t, err)
	return m
}

func (f *fixture) counts(t *testing.T) orgs.SeatCounts {
	t.Helper()
	org, err := f.store.GetOrganization(f.ctx, f.org.ID)
	require.NoError(t, err)
	return org.Counts()
}

func (f *fixture) activeMemberships(t *testing.T) int {
	t.Helper()
	ms, err := f.store.ListMemberships(f.ctx, f.org.ID, orgs.StatusActive)
	require.NoError(t, err)
	return len(ms)
}
