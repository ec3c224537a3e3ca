package orgs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/savistas/orgseats/pkg/notify"
	"github.com/savistas/orgseats/pkg/observability"
)

// Service is the membership state machine. It owns every status change and
// keeps active_members_count in step with the number of active memberships.
type Service struct {
	store    Store
	resolver *Resolver
	capacity *CapacityController
	notifier notify.Publisher
	observer RemovalObserver
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *observability.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) { s.metrics = metrics }
}

func WithNotifier(notifier notify.Publisher) Option {
	return func(s *Service) { s.notifier = notifier }
}

// WithRemovalObserver registers the component told about ended memberships.
func WithRemovalObserver(observer RemovalObserver) Option {
	return func(s *Service) { s.observer = observer }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. A nil resolver gets a default one over store.
func NewService(store Store, resolver *Resolver, opts ...Option) *Service {
	s := &Service{
		store:    store,
		resolver: resolver,
		notifier: notify.Discard{},
		logger:   observability.NewNopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.resolver == nil {
		s.resolver = NewResolver(store, 0, 5*time.Minute, s.metrics)
	}
	s.capacity = NewCapacityController(s.logger, s.metrics)
	return s
}

// Resolver exposes the join-code resolver used by the service.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// RequestJoinByCode admits member straight into the organization the code
// resolves to. No row is written when the organization has no free seat. A
// pending request the member already filed through the directory is promoted
// instead of duplicated.
func (s *Service) RequestJoinByCode(ctx context.Context, member Member, code string) (m *Membership, err error) {
	ctx, span := observability.StartSpan(ctx, "orgs.RequestJoinByCode", attribute.Int64("member_id", member.ID))
	defer func() { observability.EndSpan(span, err) }()

	target, err := s.resolver.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	orgID := target.OrganizationID

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		existing, err := tx.FindOpenMembership(ctx, orgID, member.ID)
		switch {
		case err == nil && existing.Status == StatusActive:
			return fmt.Errorf("member %d in organization %d: %w", member.ID, orgID, ErrAlreadyMember)
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}

		adm, err := s.capacity.TryAdmit(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if refusal := adm.Err(); refusal != nil {
			return refusal
		}

		now := s.now().UTC()
		if existing != nil {
			if err := s.transition(ctx, tx, existing, StatusActive, member.ID, now); err != nil {
				return err
			}
			m = existing
			return nil
		}

		m = &Membership{
			OrganizationID: orgID,
			MemberID:       member.ID,
			Role:           RoleStudent,
			Status:         StatusActive,
			Source:         SourceJoinCode,
			PreviousPlan:   member.IndividualPlan,
			RequestedAt:    now,
			ApprovedAt:     &now,
		}
		return tx.InsertMembership(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithOrganization(orgID).WithFields(map[string]interface{}{
		"membership_id": m.ID,
		"member_id":     member.ID,
	}).Info("member joined by code")
	return m, nil
}

// RequestJoinByDirectory files a pending request. No seat is taken until an
// admin approves it.
func (s *Service) RequestJoinByDirectory(ctx context.Context, member Member, orgID int64) (*Membership, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !org.IsApproved() {
		return nil, fmt.Errorf("organization %d: %w", orgID, ErrNotApproved)
	}

	m := &Membership{
		OrganizationID: orgID,
		MemberID:       member.ID,
		Role:           RoleStudent,
		Status:         StatusPending,
		Source:         SourceDirectory,
		PreviousPlan:   member.IndividualPlan,
		RequestedAt:    s.now().UTC(),
	}
	if err := s.store.InsertMembership(ctx, m); err != nil {
		return nil, err
	}

	s.logger.WithOrganization(orgID).WithField("membership_id", m.ID).Info("membership requested")
	return m, nil
}

// Approve activates a pending membership, taking a seat. On a capacity
// refusal the membership stays pending.
func (s *Service) Approve(ctx context.Context, membershipID, approverID int64) (m *Membership, err error) {
	ctx, span := observability.StartSpan(ctx, "orgs.Approve", attribute.Int64("membership_id", membershipID))
	defer func() { observability.EndSpan(span, err) }()

	m, org, err := s.loadForManagement(ctx, membershipID, approverID)
	if err != nil {
		return nil, err
	}
	if m.Status != StatusPending {
		return nil, &TransitionError{MembershipID: m.ID, From: m.Status, To: StatusActive}
	}
	if !org.HasSeats() {
		return nil, &CapacityError{Reason: ErrNoSeatsPurchased, SeatCounts: org.Counts()}
	}

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		adm, err := s.capacity.TryAdmit(ctx, tx, org.ID)
		if err != nil {
			return err
		}
		if refusal := adm.Err(); refusal != nil {
			return refusal
		}
		return s.transition(ctx, tx, m, StatusActive, approverID, s.now().UTC())
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithOrganization(org.ID).WithFields(map[string]interface{}{
		"membership_id": m.ID,
		"approved_by":   approverID,
	}).Info("membership approved")
	return m, nil
}

// Reject declines a pending membership.
func (s *Service) Reject(ctx context.Context, membershipID, actorID int64) (*Membership, error) {
	m, _, err := s.loadForManagement(ctx, membershipID, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, s.store, m, StatusRejected, actorID, s.now().UTC()); err != nil {
		return nil, err
	}

	s.logger.WithOrganization(m.OrganizationID).WithField("membership_id", m.ID).Info("membership rejected")
	return m, nil
}

// Remove ends an active membership on behalf of an owner or admin.
func (s *Service) Remove(ctx context.Context, membershipID, actorID int64) (*Membership, error) {
	m, _, err := s.loadForManagement(ctx, membershipID, actorID)
	if err != nil {
		return nil, err
	}
	return s.end(ctx, m, actorID)
}

// Leave ends the caller's own active membership.
func (s *Service) Leave(ctx context.Context, membershipID, memberID int64) (*Membership, error) {
	m, err := s.store.GetMembership(ctx, membershipID)
	if err != nil {
		return nil, err
	}
	if m.MemberID != memberID {
		return nil, fmt.Errorf("member %d leaving membership %d: %w", memberID, membershipID, ErrUnauthorized)
	}
	return s.end(ctx, m, memberID)
}

// end moves m from active to removed and releases its seat in one
// transaction, then emits the follow-ups.
func (s *Service) end(ctx context.Context, m *Membership, actorID int64) (_ *Membership, err error) {
	ctx, span := observability.StartSpan(ctx, "orgs.EndMembership", attribute.Int64("membership_id", m.ID))
	defer func() { observability.EndSpan(span, err) }()

	if m.Status != StatusActive {
		return nil, &TransitionError{MembershipID: m.ID, From: m.Status, To: StatusRemoved}
	}

	var counts SeatCounts
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := s.transition(ctx, tx, m, StatusRemoved, actorID, s.now().UTC()); err != nil {
			return err
		}
		released, err := s.capacity.Release(ctx, tx, m.OrganizationID)
		counts = released
		return err
	})
	if err != nil {
		return nil, err
	}

	logger := s.logger.WithOrganization(m.OrganizationID).WithFields(map[string]interface{}{
		"membership_id": m.ID,
		"ended_by":      actorID,
		"active":        counts.Active,
	})
	logger.Info("membership ended")

	if m.PreviousPlan != "" {
		notice := notify.NewNotice(notify.KindPlanRestoration, m.OrganizationID, m.MemberID,
			"Your organization membership ended. Your individual plan can be restored.",
			map[string]interface{}{"previous_plan": m.PreviousPlan, "membership_id": m.ID})
		if err := s.notifier.Publish(ctx, notice); err != nil {
			logger.WithError(err).Warn("failed to publish plan restoration notice")
		} else {
			s.metrics.RecordNotice(string(notify.KindPlanRestoration))
		}
	}

	if s.observer != nil {
		s.observer.MembershipEnded(ctx, m.OrganizationID)
	}
	return m, nil
}

// transition performs a conditional status write and updates m on success.
func (s *Service) transition(ctx context.Context, tx Tx, m *Membership, to MembershipStatus, actorID int64, at time.Time) error {
	from := m.Status
	if !from.CanTransitionTo(to) {
		return &TransitionError{MembershipID: m.ID, From: from, To: to}
	}

	applied, err := tx.TransitionMembership(ctx, Transition{
		MembershipID: m.ID,
		From:         from,
		To:           to,
		At:           at,
		ActorID:      actorID,
	})
	if err != nil {
		return fmt.Errorf("failed to update membership %d: %w", m.ID, err)
	}
	if !applied {
		// Someone else changed the row first.
		return &TransitionError{MembershipID: m.ID, From: from, To: to}
	}

	m.Status = to
	switch to {
	case StatusActive:
		m.ApprovedAt = &at
		m.ApprovedBy = &actorID
	case StatusRejected, StatusRemoved:
		m.EndedAt = &at
		m.EndedBy = &actorID
	}
	s.metrics.RecordTransition(string(from), string(to))
	return nil
}

// loadForManagement fetches the membership, then its organization and the
// actor's own membership concurrently, and checks the actor may manage it.
func (s *Service) loadForManagement(ctx context.Context, membershipID, actorID int64) (*Membership, *Organization, error) {
	m, err := s.store.GetMembership(ctx, membershipID)
	if err != nil {
		return nil, nil, err
	}

	var (
		org   *Organization
		actor *Membership
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		org, err = s.store.GetOrganization(gctx, m.OrganizationID)
		return err
	})
	g.Go(func() error {
		var err error
		actor, err = s.store.FindOpenMembership(gctx, m.OrganizationID, actorID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if !canManage(org, actor, actorID) {
		return nil, nil, fmt.Errorf("actor %d on organization %d: %w", actorID, org.ID, ErrUnauthorized)
	}
	return m, org, nil
}

// CanManage reports whether actorID may administer orgID.
func (s *Service) CanManage(ctx context.Context, orgID, actorID int64) (bool, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return false, err
	}
	actor, err := s.store.FindOpenMembership(ctx, orgID, actorID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	return canManage(org, actor, actorID), nil
}

func canManage(org *Organization, actor *Membership, actorID int64) bool {
	if org.OwnerID == actorID {
		return true
	}
	return actor != nil && actor.Status == StatusActive && actor.Role == RoleAdmin
}

// RegenerateJoinCode replaces the organization's join code. The old code
// stops resolving immediately.
func (s *Service) RegenerateJoinCode(ctx context.Context, orgID, actorID int64) (string, error) {
	allowed, err := s.CanManage(ctx, orgID, actorID)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", fmt.Errorf("actor %d on organization %d: %w", actorID, orgID, ErrUnauthorized)
	}

	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return "", err
	}
	if !org.IsApproved() {
		return "", fmt.Errorf("organization %d: %w", orgID, ErrNotApproved)
	}

	code, err := GenerateJoinCode()
	if err != nil {
		return "", err
	}
	if err := s.store.SetJoinCode(ctx, orgID, code); err != nil {
		return "", fmt.Errorf("failed to store join code: %w", err)
	}
	if org.JoinCode != "" {
		s.resolver.Forget(org.JoinCode)
	}

	s.logger.WithOrganization(orgID).Info("join code regenerated")
	return code, nil
}

// ListMemberships lists memberships of orgID, optionally filtered by status.
func (s *Service) ListMemberships(ctx context.Context, orgID int64, status MembershipStatus) ([]*Membership, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown membership status %q", status)
	}
	return s.store.ListMemberships(ctx, orgID, status)
}

// SeatSummary reports seat occupancy and the number of pending requests.
func (s *Service) SeatSummary(ctx context.Context, orgID int64) (*SeatSummary, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListMemberships(ctx, orgID, StatusPending)
	if err != nil {
		return nil, err
	}
	return NewSeatSummary(org.ID, org.Counts(), len(pending)), nil
}
