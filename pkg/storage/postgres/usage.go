package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/savistas/orgseats/pkg/usage"
)

// GetOrCreatePeriod upserts the period row. The no-op DO UPDATE makes
// RETURNING yield the existing row to a concurrent second caller.
func (q queries) GetOrCreatePeriod(ctx context.Context, orgID, memberID int64, start, end time.Time) (*usage.Period, error) {
	query := `
		INSERT INTO usage_periods (organization_id, member_id, period_start, period_end)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id, member_id, period_start)
		DO UPDATE SET period_end = usage_periods.period_end
		RETURNING id, period_start, period_end
	`
	p := &usage.Period{OrganizationID: orgID, MemberID: memberID}
	err := q.q.QueryRowContext(ctx, query, orgID, memberID, start.UTC(), end.UTC()).Scan(&p.ID, &p.Start, &p.End)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert usage period: %w", err)
	}

	counters, err := q.counters(ctx, []int64{p.ID})
	if err != nil {
		return nil, err
	}
	p.Counters = counters[p.ID]
	if p.Counters == nil {
		p.Counters = make(map[usage.ResourceKind]int64)
	}
	return p, nil
}

// ConsumeIfUnder adds amount in one statement guarded by the limit, so
// concurrent consumers cannot overshoot it.
func (q queries) ConsumeIfUnder(ctx context.Context, periodID int64, kind usage.ResourceKind, amount int64, limit *int64) (int64, bool, error) {
	query := `
		INSERT INTO usage_counters (period_id, kind, used)
		SELECT $1::bigint, $2::varchar, $3::bigint
		WHERE $4::bigint IS NULL OR $3::bigint <= $4::bigint
		ON CONFLICT (period_id, kind) DO UPDATE
		SET used = usage_counters.used + EXCLUDED.used
		WHERE $4::bigint IS NULL OR usage_counters.used + EXCLUDED.used <= $4::bigint
		RETURNING used
	`
	var used int64
	err := q.q.QueryRowContext(ctx, query, periodID, string(kind), amount, nullInt64(limit)).Scan(&used)
	if err == nil {
		return used, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}

	err = q.q.QueryRowContext(ctx,
		"SELECT COALESCE((SELECT used FROM usage_counters WHERE period_id = $1 AND kind = $2), 0)",
		periodID, string(kind)).Scan(&used)
	if err != nil {
		return 0, false, err
	}
	return used, false, nil
}

func (q queries) ListPeriods(ctx context.Context, orgID, memberID int64, limit int) ([]*usage.Period, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, period_start, period_end FROM usage_periods
		WHERE organization_id = $1 AND member_id = $2
		ORDER BY period_start DESC
		LIMIT $3
	`, orgID, memberID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage periods: %w", err)
	}

	var (
		periods []*usage.Period
		ids     []int64
	)
	for rows.Next() {
		p := &usage.Period{OrganizationID: orgID, MemberID: memberID}
		if err := rows.Scan(&p.ID, &p.Start, &p.End); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan usage period: %w", err)
		}
		periods = append(periods, p)
		ids = append(ids, p.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	counters, err := q.counters(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range periods {
		p.Counters = counters[p.ID]
		if p.Counters == nil {
			p.Counters = make(map[usage.ResourceKind]int64)
		}
	}
	return periods, nil
}

func (q queries) counters(ctx context.Context, periodIDs []int64) (map[int64]map[usage.ResourceKind]int64, error) {
	rows, err := q.q.QueryContext(ctx,
		"SELECT period_id, kind, used FROM usage_counters WHERE period_id = ANY($1)",
		pq.Array(periodIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load usage counters: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]map[usage.ResourceKind]int64)
	for rows.Next() {
		var (
			periodID int64
			kind     string
			used     int64
		)
		if err := rows.Scan(&periodID, &kind, &used); err != nil {
			return nil, fmt.Errorf("failed to scan usage counter: %w", err)
		}
		if out[periodID] == nil {
			out[periodID] = make(map[usage.ResourceKind]int64)
		}
		out[periodID][usage.ResourceKind(kind)] = used
	}
	return out, rows.Err()
}
