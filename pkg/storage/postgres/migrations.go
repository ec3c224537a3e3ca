package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/savistas/orgseats/pkg/observability"
)

// Migration is one schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the schema in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create organizations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					display_name VARCHAR(255) NOT NULL DEFAULT '',
					owner_id BIGINT NOT NULL,
					validation_status VARCHAR(20) NOT NULL DEFAULT 'pending',
					seat_limit INTEGER CHECK (seat_limit >= 0),
					pending_seat_limit INTEGER CHECK (pending_seat_limit >= 0),
					active_members_count INTEGER NOT NULL DEFAULT 0 CHECK (active_members_count >= 0),
					join_code VARCHAR(32) UNIQUE,
					plan_id VARCHAR(50) NOT NULL DEFAULT '',
					billing_anchor TIMESTAMP WITH TIME ZONE,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_organizations_owner_id ON organizations(owner_id);
			`,
		},
		{
			Version:     2,
			Description: "Create memberships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS memberships (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					member_id BIGINT NOT NULL,
					role VARCHAR(20) NOT NULL DEFAULT 'student',
					status VARCHAR(20) NOT NULL,
					source VARCHAR(20) NOT NULL,
					previous_plan VARCHAR(50) NOT NULL DEFAULT '',
					requested_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					approved_at TIMESTAMP WITH TIME ZONE,
					approved_by BIGINT,
					ended_at TIMESTAMP WITH TIME ZONE,
					ended_by BIGINT
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_memberships_one_open
					ON memberships(organization_id, member_id)
					WHERE status IN ('pending', 'active');
				CREATE INDEX IF NOT EXISTS idx_memberships_org_status ON memberships(organization_id, status);
				CREATE INDEX IF NOT EXISTS idx_memberships_member_id ON memberships(member_id);
			`,
		},
		{
			Version:     3,
			Description: "Create seat_subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS seat_subscriptions (
					organization_id BIGINT PRIMARY KEY REFERENCES organizations(id) ON DELETE CASCADE,
					external_id VARCHAR(255) NOT NULL UNIQUE,
					seats INTEGER NOT NULL CHECK (seats >= 0),
					current_period_start TIMESTAMP WITH TIME ZONE NOT NULL,
					current_period_end TIMESTAMP WITH TIME ZONE NOT NULL,
					seats_pending_decrease INTEGER NOT NULL DEFAULT 0,
					schedule_id VARCHAR(255),
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_seat_subscriptions_due
					ON seat_subscriptions(current_period_end)
					WHERE seats_pending_decrease > 0;
			`,
		},
		{
			Version:     4,
			Description: "Create usage tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS usage_periods (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					member_id BIGINT NOT NULL,
					period_start TIMESTAMP WITH TIME ZONE NOT NULL,
					period_end TIMESTAMP WITH TIME ZONE NOT NULL,
					UNIQUE(organization_id, member_id, period_start)
				);

				CREATE TABLE IF NOT EXISTS usage_counters (
					period_id BIGINT NOT NULL REFERENCES usage_periods(id) ON DELETE CASCADE,
					kind VARCHAR(32) NOT NULL,
					used BIGINT NOT NULL DEFAULT 0 CHECK (used >= 0),
					PRIMARY KEY (period_id, kind)
				);
			`,
		},
	}
}

// RunMigrations applies every migration not yet recorded in
// schema_migrations, each in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, migration := range Migrations() {
		if applied[migration.Version] {
			continue
		}
		if err := applyMigration(ctx, db, migration); err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Migration applied")
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, migration Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
		migration.Version, migration.Description,
	); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
	}
	return nil
}
