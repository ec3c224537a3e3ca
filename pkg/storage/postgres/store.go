// Package postgres is the PostgreSQL Directory Store.
//
// Seat admission is a single conditional UPDATE on organizations, executed
// in the same transaction as the membership status write. PostgreSQL
// re-evaluates the WHERE clause after waiting on a concurrent writer's row
// lock, so the active count can never pass the effective limit under READ
// COMMITTED.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/savistas/orgseats/pkg/billing"
	"github.com/savistas/orgseats/pkg/observability"
	"github.com/savistas/orgseats/pkg/orgs"
	"github.com/savistas/orgseats/pkg/usage"
)

const uniqueViolation = "23505"

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// queries runs every statement against q. Inside a transaction lock is
// " FOR UPDATE" so rows read for a decision stay fixed until commit.
type queries struct {
	q    querier
	lock string
}

// Store holds the connections. Use Directory, Seats and Usage for the views
// each service expects.
type Store struct {
	db      *sql.DB
	replica func() *sql.DB
	logger  *observability.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithReplicas serves listings from the connection manager's replicas.
func WithReplicas(cm *ConnectionManager) Option {
	return func(s *Store) { s.replica = cm.Replica }
}

func WithLogger(logger *observability.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a Store writing to db.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: observability.NewNopLogger(),
	}
	s.replica = func() *sql.DB { return s.db }
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) primary() queries {
	return queries{q: s.db}
}

func (s *Store) reader() queries {
	return queries{q: s.replica()}
}

// runInTx runs fn in a transaction on the primary, committing when fn
// returns nil.
func (s *Store) runInTx(ctx context.Context, fn func(q queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.WithError(rbErr).Error("Failed to roll back transaction")
			}
			return
		}
		if err = tx.Commit(); err != nil {
			err = fmt.Errorf("failed to commit transaction: %w", err)
		}
	}()

	return fn(queries{q: tx, lock: " FOR UPDATE"})
}

// CreateOrganization inserts org and fills its ID and timestamps.
func (s *Store) CreateOrganization(ctx context.Context, org *orgs.Organization) error {
	query := `
		INSERT INTO organizations (
			name, display_name, owner_id, validation_status,
			seat_limit, pending_seat_limit, active_members_count,
			join_code, plan_id, billing_anchor
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		org.Name, org.DisplayName, org.OwnerID, string(org.ValidationStatus),
		nullInt(org.SeatLimit), nullInt(org.PendingSeatLimit), org.ActiveMembersCount,
		nullString(org.JoinCode), org.PlanID, nullTime(org.BillingAnchor),
	).Scan(&org.ID, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("join code %q already in use", org.JoinCode)
		}
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

// Directory returns the view used by the membership service.
func (s *Store) Directory() *Directory {
	return &Directory{queries: s.primary(), store: s}
}

// Seats returns the view used by the seat coordinator.
func (s *Store) Seats() *SeatLedger {
	return &SeatLedger{queries: s.primary(), store: s}
}

// Usage returns the view used by the usage meter.
func (s *Store) Usage() *UsageStore {
	return &UsageStore{queries: s.primary(), store: s}
}

// Directory implements orgs.Store.
type Directory struct {
	queries
	store *Store
}

func (d *Directory) RunInTx(ctx context.Context, fn func(ctx context.Context, tx orgs.Tx) error) error {
	return d.store.runInTx(ctx, func(q queries) error { return fn(ctx, q) })
}

// ListMemberships reads from a replica when one is configured.
func (d *Directory) ListMemberships(ctx context.Context, orgID int64, status orgs.MembershipStatus) ([]*orgs.Membership, error) {
	return d.store.reader().ListMemberships(ctx, orgID, status)
}

// SeatLedger implements billing.Store.
type SeatLedger struct {
	queries
	store *Store
}

func (l *SeatLedger) RunInTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	return l.store.runInTx(ctx, func(q queries) error { return fn(ctx, q) })
}

// LockSeats runs fn while a transaction on its own connection holds
// pg_advisory_xact_lock on the organization. Every seat writer takes it, so
// seat changes, gateway events and sweeps for one organization run one at a
// time across replicas. The lock is released when that transaction ends.
func (l *SeatLedger) LockSeats(ctx context.Context, orgID int64, fn func(ctx context.Context) error) (err error) {
	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start seat lock transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", orgID); err != nil {
		return fmt.Errorf("failed to take seat lock: %w", err)
	}
	if err = fn(ctx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to release seat lock: %w", err)
	}
	return nil
}

// UsageStore implements usage.Store.
type UsageStore struct {
	queries
	store *Store
}

// ListPeriods reads from a replica when one is configured.
func (u *UsageStore) ListPeriods(ctx context.Context, orgID, memberID int64, limit int) ([]*usage.Period, error) {
	return u.store.reader().ListPeriods(ctx, orgID, memberID, limit)
}

var (
	_ orgs.Store    = (*Directory)(nil)
	_ orgs.Tx       = queries{}
	_ billing.Store = (*SeatLedger)(nil)
	_ billing.Tx    = queries{}
	_ usage.Store   = (*UsageStore)(nil)
)

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
