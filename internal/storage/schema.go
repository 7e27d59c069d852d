package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS statistics (
        period            TEXT PRIMARY KEY,
        deposits          NUMERIC NOT NULL,
        old_deposits      NUMERIC NOT NULL,
        commission        NUMERIC NOT NULL,
        old_commission    NUMERIC NOT NULL,
        withdrawals       NUMERIC NOT NULL,
        old_withdrawals   NUMERIC NOT NULL,
        balance           NUMERIC NOT NULL,
        old_balance       NUMERIC NOT NULL,
        bonus             NUMERIC NOT NULL,
        old_bonus         NUMERIC NOT NULL,
        account_status    TEXT,
        account_email     TEXT,
        account_id        TEXT,
        updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,

	`CREATE TABLE IF NOT EXISTS statistics_log (
        id                BIGSERIAL PRIMARY KEY,
        period            TEXT NOT NULL,
        deposits          NUMERIC NOT NULL,
        commission        NUMERIC NOT NULL,
        withdrawals       NUMERIC NOT NULL,
        balance           NUMERIC NOT NULL,
        bonus             NUMERIC NOT NULL,
        visitors          BIGINT NOT NULL,
        registrations     BIGINT NOT NULL,
        registrations_avg NUMERIC NOT NULL,
        ftd               BIGINT NOT NULL,
        ftd_avg           NUMERIC NOT NULL,
        account_status    TEXT,
        run_hour          INT NOT NULL,
        created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,

	`CREATE INDEX IF NOT EXISTS idx_statistics_log_created_at
        ON statistics_log (created_at);`,

	`CREATE TABLE IF NOT EXISTS payment_cursor (
        id              INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
        last_request_id TEXT NOT NULL DEFAULT '',
        updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,

	`CREATE TABLE IF NOT EXISTS withdrawal_settings (
        id             INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
        auto           BOOLEAN NOT NULL DEFAULT false,
        auto_all       BOOLEAN NOT NULL DEFAULT true,
        amount         NUMERIC NOT NULL DEFAULT 10,
        period_minutes INT NOT NULL DEFAULT 60,
        updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,

	`CREATE TABLE IF NOT EXISTS commission_ledger (
        account_email          TEXT PRIMARY KEY,
        commission_old         NUMERIC NOT NULL,
        commission_change      NUMERIC NOT NULL,
        commission_current     NUMERIC NOT NULL,
        week_change_commission NUMERIC NOT NULL,
        updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,

	// Singleton rows must exist so read-modify-write never finds nothing.
	`INSERT INTO payment_cursor (id) VALUES (1) ON CONFLICT (id) DO NOTHING;`,
	`INSERT INTO withdrawal_settings (id) VALUES (1) ON CONFLICT (id) DO NOTHING;`,
}

// EnsureSchema creates the tables and default singleton rows.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
