package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/savistas/orgseats/pkg/orgs"
)

const organizationColumns = `id, name, display_name, owner_id, validation_status,
	seat_limit, pending_seat_limit, active_members_count,
	join_code, plan_id, billing_anchor, created_at, updated_at`

const membershipColumns = `id, organization_id, member_id, role, status, source,
	previous_plan, requested_at, approved_at, approved_by, ended_at, ended_by`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrganization(row rowScanner) (*orgs.Organization, error) {
	var (
		org                     orgs.Organization
		validation              string
		seatLimit, pendingLimit sql.NullInt64
		joinCode                sql.NullString
		anchor                  sql.NullTime
	)
	err := row.Scan(
		&org.ID, &org.Name, &org.DisplayName, &org.OwnerID, &validation,
		&seatLimit, &pendingLimit, &org.ActiveMembersCount,
		&joinCode, &org.PlanID, &anchor, &org.CreatedAt, &org.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	org.ValidationStatus = orgs.ValidationStatus(validation)
	org.SeatLimit = intPtr(seatLimit)
	org.PendingSeatLimit = intPtr(pendingLimit)
	org.JoinCode = joinCode.String
	if anchor.Valid {
		org.BillingAnchor = anchor.Time
	}
	return &org, nil
}

func scanMembership(row rowScanner) (*orgs.Membership, error) {
	var (
		m                    orgs.Membership
		role, status, source string
		approvedAt, endedAt  sql.NullTime
		approvedBy, endedBy  sql.NullInt64
	)
	err := row.Scan(
		&m.ID, &m.OrganizationID, &m.MemberID, &role, &status, &source,
		&m.PreviousPlan, &m.RequestedAt, &approvedAt, &approvedBy, &endedAt, &endedBy,
	)
	if err != nil {
		return nil, err
	}
	m.Role = orgs.Role(role)
	m.Status = orgs.MembershipStatus(status)
	m.Source = orgs.JoinSource(source)
	if approvedAt.Valid {
		t := approvedAt.Time
		m.ApprovedAt = &t
	}
	if approvedBy.Valid {
		id := approvedBy.Int64
		m.ApprovedBy = &id
	}
	if endedAt.Valid {
		t := endedAt.Time
		m.EndedAt = &t
	}
	if endedBy.Valid {
		id := endedBy.Int64
		m.EndedBy = &id
	}
	return &m, nil
}

func (q queries) GetOrganization(ctx context.Context, orgID int64) (*orgs.Organization, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+organizationColumns+" FROM organizations WHERE id = $1"+q.lock, orgID)
	org, err := scanOrganization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("organization %d: %w", orgID, orgs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

func (q queries) GetOrganizationByJoinCode(ctx context.Context, code string) (*orgs.Organization, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+organizationColumns+" FROM organizations WHERE join_code = $1", code)
	org, err := scanOrganization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("join code %q: %w", code, orgs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve join code: %w", err)
	}
	return org, nil
}

func (q queries) SetJoinCode(ctx context.Context, orgID int64, code string) error {
	res, err := q.q.ExecContext(ctx,
		"UPDATE organizations SET join_code = $2, updated_at = NOW() WHERE id = $1",
		orgID, code)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("join code %q already in use", code)
		}
		return fmt.Errorf("failed to set join code: %w", err)
	}
	return expectOne(res, "organization", orgID)
}

// IncrementActiveMembers takes a seat only while the active count is below
// the effective limit. When no row is updated the current counts are read
// back so the caller can explain the refusal.
func (q queries) IncrementActiveMembers(ctx context.Context, orgID int64) (orgs.SeatCounts, bool, error) {
	query := `
		UPDATE organizations
		SET active_members_count = active_members_count + 1, updated_at = NOW()
		WHERE id = $1
		  AND seat_limit IS NOT NULL
		  AND active_members_count < LEAST(seat_limit, COALESCE(pending_seat_limit, seat_limit))
		RETURNING active_members_count, seat_limit, pending_seat_limit
	`
	counts, err := scanCounts(q.q.QueryRowContext(ctx, query, orgID))
	if err == nil {
		return counts, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return orgs.SeatCounts{}, false, err
	}

	counts, err = scanCounts(q.q.QueryRowContext(ctx,
		"SELECT active_members_count, seat_limit, pending_seat_limit FROM organizations WHERE id = $1", orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return orgs.SeatCounts{}, false, fmt.Errorf("organization %d: %w", orgID, orgs.ErrNotFound)
	}
	if err != nil {
		return orgs.SeatCounts{}, false, err
	}
	return counts, false, nil
}

// DecrementActiveMembers releases a seat, never going below zero.
func (q queries) DecrementActiveMembers(ctx context.Context, orgID int64) (orgs.SeatCounts, error) {
	query := `
		UPDATE organizations
		SET active_members_count = GREATEST(active_members_count - 1, 0), updated_at = NOW()
		WHERE id = $1
		RETURNING active_members_count, seat_limit, pending_seat_limit
	`
	counts, err := scanCounts(q.q.QueryRowContext(ctx, query, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return orgs.SeatCounts{}, fmt.Errorf("organization %d: %w", orgID, orgs.ErrNotFound)
	}
	return counts, err
}

func scanCounts(row rowScanner) (orgs.SeatCounts, error) {
	var (
		counts                  orgs.SeatCounts
		seatLimit, pendingLimit sql.NullInt64
	)
	if err := row.Scan(&counts.Active, &seatLimit, &pendingLimit); err != nil {
		return orgs.SeatCounts{}, err
	}
	counts.SeatLimit = int(seatLimit.Int64)
	counts.PendingLimit = intPtr(pendingLimit)
	return counts, nil
}

func (q queries) GetMembership(ctx context.Context, membershipID int64) (*orgs.Membership, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+membershipColumns+" FROM memberships WHERE id = $1", membershipID)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("membership %d: %w", membershipID, orgs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

func (q queries) FindOpenMembership(ctx context.Context, orgID, memberID int64) (*orgs.Membership, error) {
	query := "SELECT " + membershipColumns + ` FROM memberships
		WHERE organization_id = $1 AND member_id = $2 AND status IN ('pending', 'active')` + q.lock
	m, err := scanMembership(q.q.QueryRowContext(ctx, query, orgID, memberID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("open membership of member %d in organization %d: %w", memberID, orgID, orgs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find membership: %w", err)
	}
	return m, nil
}

// InsertMembership relies on the partial unique index to refuse a second
// open membership for the same member.
func (q queries) InsertMembership(ctx context.Context, m *orgs.Membership) error {
	query := `
		INSERT INTO memberships (
			organization_id, member_id, role, status, source,
			previous_plan, requested_at, approved_at, approved_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	var approvedAt sql.NullTime
	if m.ApprovedAt != nil {
		approvedAt = nullTime(*m.ApprovedAt)
	}
	err := q.q.QueryRowContext(ctx, query,
		m.OrganizationID, m.MemberID, string(m.Role), string(m.Status), string(m.Source),
		m.PreviousPlan, m.RequestedAt, approvedAt, nullInt64(m.ApprovedBy),
	).Scan(&m.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("member %d in organization %d: %w", m.MemberID, m.OrganizationID, orgs.ErrAlreadyMember)
		}
		return fmt.Errorf("failed to insert membership: %w", err)
	}
	return nil
}

// TransitionMembership writes the new status only if the row is still in
// t.From. It reports false when another writer got there first.
func (q queries) TransitionMembership(ctx context.Context, t orgs.Transition) (bool, error) {
	column := "ended"
	if t.To == orgs.StatusActive {
		column = "approved"
	}
	query := fmt.Sprintf(`
		UPDATE memberships
		SET status = $1, %[1]s_at = $2, %[1]s_by = $3
		WHERE id = $4 AND status = $5
	`, column)

	res, err := q.q.ExecContext(ctx, query, string(t.To), t.At, t.ActorID, t.MembershipID, string(t.From))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q queries) ListMemberships(ctx context.Context, orgID int64, status orgs.MembershipStatus) ([]*orgs.Membership, error) {
	var (
		b    strings.Builder
		args = []interface{}{orgID}
	)
	b.WriteString("SELECT " + membershipColumns + " FROM memberships WHERE organization_id = $1")
	if status != "" {
		b.WriteString(" AND status = $2")
		args = append(args, string(status))
	}
	b.WriteString(" ORDER BY requested_at, id")

	rows, err := q.q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var out []*orgs.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result, what string, id interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", what, id, orgs.ErrNotFound)
	}
	return nil
}
