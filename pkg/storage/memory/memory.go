// Package memory is an in-process Directory Store. It serializes every
// operation behind one mutex and implements transactions by snapshot and
// restore, which makes it a faithful stand-in for PostgreSQL in tests and in
// single-instance development setups.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/savistas/orgseats/pkg/billing"
	"github.com/savistas/orgseats/pkg/orgs"
	"github.com/savistas/orgseats/pkg/usage"
)

// DB holds all tables.
type DB struct {
	mu    sync.Mutex
	state *state

	seatMu    sync.Mutex
	seatLocks map[int64]*sync.Mutex
}

func New() *DB {
	return &DB{state: newState(), seatLocks: make(map[int64]*sync.Mutex)}
}

func (db *DB) seatLock(orgID int64) *sync.Mutex {
	db.seatMu.Lock()
	defer db.seatMu.Unlock()
	m, ok := db.seatLocks[orgID]
	if !ok {
		m = &sync.Mutex{}
		db.seatLocks[orgID] = m
	}
	return m
}

// do runs fn with the lock held.
func (db *DB) do(fn func(s *state) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return fn(db.state)
}

// tx runs fn with the lock held and rolls every change back if fn fails.
func (db *DB) tx(fn func(s *state) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	snapshot := db.state.clone()
	if err := fn(db.state); err != nil {
		db.state = snapshot
		return err
	}
	return nil
}

// CreateOrganization inserts org and assigns its ID.
func (db *DB) CreateOrganization(_ context.Context, org *orgs.Organization) error {
	return db.do(func(s *state) error {
		if org.JoinCode != "" {
			if _, err := s.organizationByJoinCode(org.JoinCode); err == nil {
				return fmt.Errorf("join code %q already in use", org.JoinCode)
			}
		}
		now := time.Now().UTC()
		if org.CreatedAt.IsZero() {
			org.CreatedAt = now
		}
		org.UpdatedAt = now
		s.nextOrgID++
		org.ID = s.nextOrgID
		s.orgs[org.ID] = copyOrg(org)
		return nil
	})
}

// Directory returns the view used by the membership service.
func (db *DB) Directory() *Directory { return &Directory{db: db} }

// Seats returns the view used by the seat coordinator.
func (db *DB) Seats() *SeatLedger { return &SeatLedger{db: db} }

// Usage returns the view used by the usage meter.
func (db *DB) Usage() *UsageStore { return &UsageStore{db: db} }

// dirTx implements orgs.Tx over a locked state.
type dirTx struct{ s *state }

func (t dirTx) GetOrganization(_ context.Context, orgID int64) (*orgs.Organization, error) {
	o, err := t.s.organization(orgID)
	if err != nil {
		return nil, err
	}
	return copyOrg(o), nil
}

func (t dirTx) IncrementActiveMembers(_ context.Context, orgID int64) (orgs.SeatCounts, bool, error) {
	return t.s.incrementActive(orgID)
}

func (t dirTx) DecrementActiveMembers(_ context.Context, orgID int64) (orgs.SeatCounts, error) {
	return t.s.decrementActive(orgID)
}

func (t dirTx) GetMembership(_ context.Context, membershipID int64) (*orgs.Membership, error) {
	m, err := t.s.membership(membershipID)
	if err != nil {
		return nil, err
	}
	return copyMembership(m), nil
}

func (t dirTx) FindOpenMembership(_ context.Context, orgID, memberID int64) (*orgs.Membership, error) {
	return t.s.openMembership(orgID, memberID)
}

func (t dirTx) InsertMembership(_ context.Context, m *orgs.Membership) error {
	return t.s.insertMembership(m)
}

func (t dirTx) TransitionMembership(_ context.Context, tr orgs.Transition) (bool, error) {
	return t.s.transition(tr)
}

// Directory implements orgs.Store.
type Directory struct{ db *DB }

func (d *Directory) RunInTx(ctx context.Context, fn func(ctx context.Context, tx orgs.Tx) error) error {
	return d.db.tx(func(s *state) error { return fn(ctx, dirTx{s}) })
}

func (d *Directory) GetOrganization(ctx context.Context, orgID int64) (o *orgs.Organization, err error) {
	_ = d.db.do(func(s *state) error { o, err = dirTx{s}.GetOrganization(ctx, orgID); return nil })
	return o, err
}

func (d *Directory) GetOrganizationByJoinCode(_ context.Context, code string) (o *orgs.Organization, err error) {
	_ = d.db.do(func(s *state) error { o, err = s.organizationByJoinCode(code); return nil })
	return o, err
}

func (d *Directory) SetJoinCode(_ context.Context, orgID int64, code string) error {
	return d.db.do(func(s *state) error { return s.setJoinCode(orgID, code) })
}

func (d *Directory) IncrementActiveMembers(_ context.Context, orgID int64) (c orgs.SeatCounts, ok bool, err error) {
	_ = d.db.do(func(s *state) error { c, ok, err = s.incrementActive(orgID); return nil })
	return c, ok, err
}

func (d *Directory) DecrementActiveMembers(_ context.Context, orgID int64) (c orgs.SeatCounts, err error) {
	_ = d.db.do(func(s *state) error { c, err = s.decrementActive(orgID); return nil })
	return c, err
}

func (d *Directory) GetMembership(ctx context.Context, membershipID int64) (m *orgs.Membership, err error) {
	_ = d.db.do(func(s *state) error { m, err = dirTx{s}.GetMembership(ctx, membershipID); return nil })
	return m, err
}

func (d *Directory) FindOpenMembership(_ context.Context, orgID, memberID int64) (m *orgs.Membership, err error) {
	_ = d.db.do(func(s *state) error { m, err = s.openMembership(orgID, memberID); return nil })
	return m, err
}

func (d *Directory) InsertMembership(_ context.Context, m *orgs.Membership) error {
	return d.db.do(func(s *state) error { return s.insertMembership(m) })
}

func (d *Directory) TransitionMembership(_ context.Context, tr orgs.Transition) (ok bool, err error) {
	_ = d.db.do(func(s *state) error { ok, err = s.transition(tr); return nil })
	return ok, err
}

func (d *Directory) ListMemberships(_ context.Context, orgID int64, status orgs.MembershipStatus) (ms []*orgs.Membership, err error) {
	_ = d.db.do(func(s *state) error { ms = s.listMemberships(orgID, status); return nil })
	return ms, nil
}

// seatTx implements billing.Tx over a locked state.
type seatTx struct{ s *state }

func (t seatTx) GetOrganization(ctx context.Context, orgID int64) (*orgs.Organization, error) {
	return dirTx(t).GetOrganization(ctx, orgID)
}

func (t seatTx) GetSeatSubscription(_ context.Context, orgID int64) (*billing.SeatSubscription, error) {
	return t.s.subscription(orgID)
}

func (t seatTx) SaveSeatSubscription(_ context.Context, sub *billing.SeatSubscription) error {
	return t.s.saveSubscription(sub)
}

func (t seatTx) SetSeatLimit(_ context.Context, orgID int64, seats int, pending *int, planID string) error {
	return t.s.setSeatLimit(orgID, seats, pending, planID)
}

// SeatLedger implements billing.Store.
type SeatLedger struct{ db *DB }

func (l *SeatLedger) RunInTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	return l.db.tx(func(s *state) error { return fn(ctx, seatTx{s}) })
}

// LockSeats runs fn while holding the organization's seat lock. It does not
// hold the table lock, so fn may open transactions.
func (l *SeatLedger) LockSeats(ctx context.Context, orgID int64, fn func(ctx context.Context) error) error {
	m := l.db.seatLock(orgID)
	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

func (l *SeatLedger) GetOrganization(ctx context.Context, orgID int64) (o *orgs.Organization, err error) {
	_ = l.db.do(func(s *state) error { o, err = dirTx{s}.GetOrganization(ctx, orgID); return nil })
	return o, err
}

func (l *SeatLedger) GetSeatSubscription(_ context.Context, orgID int64) (sub *billing.SeatSubscription, err error) {
	_ = l.db.do(func(s *state) error { sub, err = s.subscription(orgID); return nil })
	return sub, err
}

func (l *SeatLedger) GetSubscriptionByExternalID(_ context.Context, externalID string) (sub *billing.SeatSubscription, err error) {
	_ = l.db.do(func(s *state) error { sub, err = s.subscriptionByExternalID(externalID); return nil })
	return sub, err
}

func (l *SeatLedger) SaveSeatSubscription(_ context.Context, sub *billing.SeatSubscription) error {
	return l.db.do(func(s *state) error { return s.saveSubscription(sub) })
}

func (l *SeatLedger) SetSeatLimit(_ context.Context, orgID int64, seats int, pending *int, planID string) error {
	return l.db.do(func(s *state) error { return s.setSeatLimit(orgID, seats, pending, planID) })
}

func (l *SeatLedger) ListDueDecreases(_ context.Context, now time.Time) (subs []*billing.SeatSubscription, err error) {
	_ = l.db.do(func(s *state) error { subs = s.dueDecreases(now); return nil })
	return subs, nil
}

// UsageStore implements usage.Store.
type UsageStore struct{ db *DB }

func (u *UsageStore) GetOrganization(ctx context.Context, orgID int64) (o *orgs.Organization, err error) {
	_ = u.db.do(func(s *state) error { o, err = dirTx{s}.GetOrganization(ctx, orgID); return nil })
	return o, err
}

func (u *UsageStore) FindOpenMembership(_ context.Context, orgID, memberID int64) (m *orgs.Membership, err error) {
	_ = u.db.do(func(s *state) error { m, err = s.openMembership(orgID, memberID); return nil })
	return m, err
}

func (u *UsageStore) GetOrCreatePeriod(_ context.Context, orgID, memberID int64, start, end time.Time) (p *usage.Period, err error) {
	_ = u.db.do(func(s *state) error { p = s.getOrCreatePeriod(orgID, memberID, start, end); return nil })
	return p, nil
}

func (u *UsageStore) ConsumeIfUnder(_ context.Context, periodID int64, kind usage.ResourceKind, amount int64, limit *int64) (used int64, ok bool, err error) {
	_ = u.db.do(func(s *state) error { used, ok, err = s.consume(periodID, kind, amount, limit); return nil })
	return used, ok, err
}

func (u *UsageStore) ListPeriods(_ context.Context, orgID, memberID int64, limit int) (ps []*usage.Period, err error) {
	_ = u.db.do(func(s *state) error { ps = s.listPeriods(orgID, memberID, limit); return nil })
	return ps, nil
}

var (
	_ orgs.Store    = (*Directory)(nil)
	_ billing.Store = (*SeatLedger)(nil)
	_ usage.Store   = (*UsageStore)(nil)
)
