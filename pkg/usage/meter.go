package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/savistas/orgseats/pkg/observability"
	"github.com/savistas/orgseats/pkg/orgs"
)

// Store is the usage side of the Directory Store.
type Store interface {
	GetOrganization(ctx context.Context, orgID int64) (*orgs.Organization, error)
	FindOpenMembership(ctx context.Context, orgID, memberID int64) (*orgs.Membership, error)

	// GetOrCreatePeriod returns the period starting at start, creating it
	// when it does not exist yet. Concurrent callers get the same row.
	GetOrCreatePeriod(ctx context.Context, orgID, memberID int64, start, end time.Time) (*Period, error)
	// ConsumeIfUnder adds amount to the period's counter for kind if the
	// result stays within limit (nil means unlimited). It returns the
	// counter after the attempt and whether the amount was added.
	ConsumeIfUnder(ctx context.Context, periodID int64, kind ResourceKind, amount int64, limit *int64) (int64, bool, error)
	// ListPeriods returns the member's most recent periods, newest first.
	ListPeriods(ctx context.Context, orgID, memberID int64, limit int) ([]*Period, error)
}

// Limits resolves a plan's monthly per-member limit for a resource kind.
// known is false when the plan or the kind is not configured. A nil limit
// with known true means unlimited.
type Limits interface {
	MonthlyLimit(planID string, kind ResourceKind) (limit *int64, known bool)
}

// Meter enforces per-member monthly quotas.
type Meter struct {
	store   Store
	limits  Limits
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// MeterOption configures a Meter.
type MeterOption func(*Meter)

func WithLogger(logger *observability.Logger) MeterOption {
	return func(m *Meter) { m.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) MeterOption {
	return func(m *Meter) { m.metrics = metrics }
}

func WithClock(now func() time.Time) MeterOption {
	return func(m *Meter) { m.now = now }
}

func NewMeter(store Store, limits Limits, opts ...MeterOption) *Meter {
	m := &Meter{
		store:  store,
		limits: limits,
		logger: observability.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckAndConsume records amount units of kind for memberID in orgID if the
// member's current period stays within the plan limit. Nothing is recorded
// on refusal.
func (m *Meter) CheckAndConsume(ctx context.Context, orgID, memberID int64, kind ResourceKind, amount int64) (c *Consumption, err error) {
	ctx, span := observability.StartSpan(ctx, "usage.CheckAndConsume",
		attribute.Int64("organization_id", orgID),
		attribute.String("kind", string(kind)))
	defer func() { observability.EndSpan(span, err) }()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	org, period, err := m.currentPeriod(ctx, orgID, memberID)
	if err != nil {
		return nil, err
	}

	limit, known := m.limits.MonthlyLimit(org.PlanID, kind)
	if !known {
		return nil, fmt.Errorf("%q on plan %q: %w", kind, org.PlanID, ErrUnknownResource)
	}

	used, ok, err := m.store.ConsumeIfUnder(ctx, period.ID, kind, amount, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to record %s usage: %w", kind, err)
	}
	if !ok && limit != nil {
		m.metrics.RecordUsageDecision(string(kind), "refused", amount)
		m.logger.WithOrganization(orgID).WithFields(map[string]interface{}{
			"member_id": memberID,
			"kind":      string(kind),
			"used":      used,
			"requested": amount,
		}).Debug("usage refused")
		return nil, &LimitReachedError{Kind: kind, Used: used, Limit: *limit, Requested: amount}
	}
	if !ok {
		return nil, fmt.Errorf("unlimited %s usage was not recorded", kind)
	}

	m.metrics.RecordUsageDecision(string(kind), "allowed", amount)
	return &Consumption{
		Kind:        kind,
		Amount:      amount,
		Used:        used,
		Limit:       limit,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
	}, nil
}

// CurrentUsage reports the member's counters for the current period next to
// the plan limits.
func (m *Meter) CurrentUsage(ctx context.Context, orgID, memberID int64) (*Report, error) {
	org, period, err := m.currentPeriod(ctx, orgID, memberID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		OrganizationID: orgID,
		MemberID:       memberID,
		PlanID:         org.PlanID,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
	}
	for _, kind := range Kinds {
		limit, known := m.limits.MonthlyLimit(org.PlanID, kind)
		if !known {
			continue
		}
		report.Allowances = append(report.Allowances, Allowance{Kind: kind, Used: period.Used(kind), Limit: limit})
	}
	return report, nil
}

// History returns up to limit past periods, newest first.
func (m *Meter) History(ctx context.Context, orgID, memberID int64, limit int) ([]*Period, error) {
	if limit <= 0 || limit > 24 {
		limit = 12
	}
	if err := m.requireActive(ctx, orgID, memberID); err != nil {
		return nil, err
	}
	return m.store.ListPeriods(ctx, orgID, memberID, limit)
}

func (m *Meter) currentPeriod(ctx context.Context, orgID, memberID int64) (*orgs.Organization, *Period, error) {
	org, err := m.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}
	if err := m.requireActive(ctx, orgID, memberID); err != nil {
		return nil, nil, err
	}

	start, end := PeriodFor(org.Anchor(), m.now())
	period, err := m.store.GetOrCreatePeriod(ctx, orgID, memberID, start, end)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load usage period: %w", err)
	}
	return org, period, nil
}

func (m *Meter) requireActive(ctx context.Context, orgID, memberID int64) error {
	membership, err := m.store.FindOpenMembership(ctx, orgID, memberID)
	if err != nil && !errors.Is(err, orgs.ErrNotFound) {
		return err
	}
	if membership == nil || membership.Status != orgs.StatusActive {
		return fmt.Errorf("member %d is not active in organization %d: %w", memberID, orgID, orgs.ErrUnauthorized)
	}
	return nil
}
