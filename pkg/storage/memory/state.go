package memory

import (
	"fmt"
	"sort"
	"time"

	"github.com/savistas/orgseats/pkg/billing"
	"github.com/savistas/orgseats/pkg/orgs"
	"github.com/savistas/orgseats/pkg/usage"
)

type periodKey struct {
	orgID, memberID int64
	start           time.Time
}

// state is the whole database. Every method assumes the caller holds DB.mu.
type state struct {
	orgs        map[int64]*orgs.Organization
	memberships map[int64]*orgs.Membership
	subs        map[int64]*billing.SeatSubscription
	periods     map[int64]*usage.Period
	periodIndex map[periodKey]int64

	nextOrgID        int64
	nextMembershipID int64
	nextPeriodID     int64
}

func newState() *state {
	return &state{
		orgs:        make(map[int64]*orgs.Organization),
		memberships: make(map[int64]*orgs.Membership),
		subs:        make(map[int64]*billing.SeatSubscription),
		periods:     make(map[int64]*usage.Period),
		periodIndex: make(map[periodKey]int64),
	}
}

func (s *state) clone() *state {
	c := newState()
	for id, o := range s.orgs {
		c.orgs[id] = copyOrg(o)
	}
	for id, m := range s.memberships {
		c.memberships[id] = copyMembership(m)
	}
	for id, sub := range s.subs {
		cp := *sub
		c.subs[id] = &cp
	}
	for id, p := range s.periods {
		c.periods[id] = copyPeriod(p)
	}
	for k, v := range s.periodIndex {
		c.periodIndex[k] = v
	}
	c.nextOrgID = s.nextOrgID
	c.nextMembershipID = s.nextMembershipID
	c.nextPeriodID = s.nextPeriodID
	return c
}

// Organizations

func (s *state) organization(id int64) (*orgs.Organization, error) {
	o, ok := s.orgs[id]
	if !ok {
		return nil, fmt.Errorf("organization %d: %w", id, orgs.ErrNotFound)
	}
	return o, nil
}

func (s *state) organizationByJoinCode(code string) (*orgs.Organization, error) {
	for _, o := range s.orgs {
		if o.JoinCode != "" && o.JoinCode == code {
			return copyOrg(o), nil
		}
	}
	return nil, fmt.Errorf("join code %q: %w", code, orgs.ErrNotFound)
}

func (s *state) setJoinCode(orgID int64, code string) error {
	o, err := s.organization(orgID)
	if err != nil {
		return err
	}
	for _, other := range s.orgs {
		if other.ID != orgID && other.JoinCode == code {
			return fmt.Errorf("join code %q already in use", code)
		}
	}
	o.JoinCode = code
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *state) incrementActive(orgID int64) (orgs.SeatCounts, bool, error) {
	o, err := s.organization(orgID)
	if err != nil {
		return orgs.SeatCounts{}, false, err
	}
	counts := o.Counts()
	if counts.SeatLimit <= 0 || counts.Active >= counts.EffectiveLimit() {
		return counts, false, nil
	}
	o.ActiveMembersCount++
	return o.Counts(), true, nil
}

func (s *state) decrementActive(orgID int64) (orgs.SeatCounts, error) {
	o, err := s.organization(orgID)
	if err != nil {
		return orgs.SeatCounts{}, err
	}
	if o.ActiveMembersCount > 0 {
		o.ActiveMembersCount--
	}
	return o.Counts(), nil
}

func (s *state) setSeatLimit(orgID int64, seats int, pending *int, planID string) error {
	o, err := s.organization(orgID)
	if err != nil {
		return err
	}
	o.SeatLimit = &seats
	o.PendingSeatLimit = nil
	if pending != nil {
		p := *pending
		o.PendingSeatLimit = &p
	}
	o.PlanID = planID
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Memberships

func (s *state) membership(id int64) (*orgs.Membership, error) {
	m, ok := s.memberships[id]
	if !ok {
		return nil, fmt.Errorf("membership %d: %w", id, orgs.ErrNotFound)
	}
	return m, nil
}

func (s *state) openMembership(orgID, memberID int64) (*orgs.Membership, error) {
	for _, m := range s.memberships {
		if m.OrganizationID == orgID && m.MemberID == memberID && m.Status.IsOpen() {
			return copyMembership(m), nil
		}
	}
	return nil, fmt.Errorf("open membership for member %d in organization %d: %w", memberID, orgID, orgs.ErrNotFound)
}

func (s *state) insertMembership(m *orgs.Membership) error {
	if _, err := s.organization(m.OrganizationID); err != nil {
		return err
	}
	if m.Status.IsOpen() {
		if _, err := s.openMembership(m.OrganizationID, m.MemberID); err == nil {
			return fmt.Errorf("member %d in organization %d: %w", m.MemberID, m.OrganizationID, orgs.ErrAlreadyMember)
		}
	}
	s.nextMembershipID++
	m.ID = s.nextMembershipID
	s.memberships[m.ID] = copyMembership(m)
	return nil
}

func (s *state) transition(t orgs.Transition) (bool, error) {
	m, err := s.membership(t.MembershipID)
	if err != nil {
		return false, err
	}
	if m.Status != t.From {
		return false, nil
	}
	at, actor := t.At, t.ActorID
	m.Status = t.To
	if t.To == orgs.StatusActive {
		m.ApprovedAt, m.ApprovedBy = &at, &actor
	} else {
		m.EndedAt, m.EndedBy = &at, &actor
	}
	return true, nil
}

func (s *state) listMemberships(orgID int64, status orgs.MembershipStatus) []*orgs.Membership {
	var out []*orgs.Membership
	for _, m := range s.memberships {
		if m.OrganizationID == orgID && (status == "" || m.Status == status) {
			out = append(out, copyMembership(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscriptions

func (s *state) subscription(orgID int64) (*billing.SeatSubscription, error) {
	sub, ok := s.subs[orgID]
	if !ok {
		return nil, fmt.Errorf("organization %d: %w", orgID, billing.ErrNoSubscription)
	}
	cp := *sub
	return &cp, nil
}

func (s *state) subscriptionByExternalID(externalID string) (*billing.SeatSubscription, error) {
	for _, sub := range s.subs {
		if sub.ExternalID == externalID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("subscription %q: %w", externalID, billing.ErrNoSubscription)
}

func (s *state) saveSubscription(sub *billing.SeatSubscription) error {
	if _, err := s.organization(sub.OrganizationID); err != nil {
		return err
	}
	cp := *sub
	s.subs[sub.OrganizationID] = &cp
	return nil
}

func (s *state) dueDecreases(now time.Time) []*billing.SeatSubscription {
	var out []*billing.SeatSubscription
	for _, sub := range s.subs {
		if sub.HasPendingDecrease() && !sub.CurrentPeriodEnd.After(now) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrganizationID < out[j].OrganizationID })
	return out
}

// Usage

func (s *state) getOrCreatePeriod(orgID, memberID int64, start, end time.Time) *usage.Period {
	key := periodKey{orgID: orgID, memberID: memberID, start: start.UTC()}
	if id, ok := s.periodIndex[key]; ok {
		return copyPeriod(s.periods[id])
	}
	s.nextPeriodID++
	p := &usage.Period{
		ID:             s.nextPeriodID,
		OrganizationID: orgID,
		MemberID:       memberID,
		Start:          start.UTC(),
		End:            end.UTC(),
		Counters:       make(map[usage.ResourceKind]int64),
	}
	s.periods[p.ID] = p
	s.periodIndex[key] = p.ID
	return copyPeriod(p)
}

func (s *state) consume(periodID int64, kind usage.ResourceKind, amount int64, limit *int64) (int64, bool, error) {
	p, ok := s.periods[periodID]
	if !ok {
		return 0, false, fmt.Errorf("usage period %d: %w", periodID, orgs.ErrNotFound)
	}
	used := p.Counters[kind]
	if limit != nil && used+amount > *limit {
		return used, false, nil
	}
	p.Counters[kind] = used + amount
	return p.Counters[kind], true, nil
}

func (s *state) listPeriods(orgID, memberID int64, limit int) []*usage.Period {
	var out []*usage.Period
	for _, p := range s.periods {
		if p.OrganizationID == orgID && p.MemberID == memberID {
			out = append(out, copyPeriod(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func copyOrg(o *orgs.Organization) *orgs.Organization {
	cp := *o
	if o.SeatLimit != nil {
		v := *o.SeatLimit
		cp.SeatLimit = &v
	}
	if o.PendingSeatLimit != nil {
		v := *o.PendingSeatLimit
		cp.PendingSeatLimit = &v
	}
	return &cp
}

func copyMembership(m *orgs.Membership) *orgs.Membership {
	cp := *m
	if m.ApprovedAt != nil {
		v := *m.ApprovedAt
		cp.ApprovedAt = &v
	}
	if m.ApprovedBy != nil {
		v := *m.ApprovedBy
		cp.ApprovedBy = &v
	}
	if m.EndedAt != nil {
		v := *m.EndedAt
		cp.EndedAt = &v
	}
	if m.EndedBy != nil {
		v := *m.EndedBy
		cp.EndedBy = &v
	}
	return &cp
}

func copyPeriod(p *usage.Period) *usage.Period {
	cp := *p
	cp.Counters = make(map[usage.ResourceKind]int64, len(p.Counters))
	for k, v := range p.Counters {
		cp.Counters[k] = v
	}
	return &cp
}
