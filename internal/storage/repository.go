package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	getSnapshotSQL = `SELECT
        period,
        deposits, old_deposits,
        commission, old_commission,
        withdrawals, old_withdrawals,
        balance, old_balance,
        bonus, old_bonus,
        COALESCE(account_status, ''),
        COALESCE(account_email, ''),
        COALESCE(account_id, ''),
        updated_at
    FROM statistics
    WHERE period = $1;`

	upsertSnapshotSQL = `INSERT INTO statistics (
        period,
        deposits, old_deposits,
        commission, old_commission,
        withdrawals, old_withdrawals,
        balance, old_balance,
        bonus, old_bonus,
        account_status, account_email, account_id,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14, now()
    )
    ON CONFLICT (period) DO UPDATE
    SET
        deposits        = EXCLUDED.deposits,
        old_deposits    = EXCLUDED.old_deposits,
        commission      = EXCLUDED.commission,
        old_commission  = EXCLUDED.old_commission,
        withdrawals     = EXCLUDED.withdrawals,
        old_withdrawals = EXCLUDED.old_withdrawals,
        balance         = EXCLUDED.balance,
        old_balance     = EXCLUDED.old_balance,
        bonus           = EXCLUDED.bonus,
        old_bonus       = EXCLUDED.old_bonus,
        account_status  = EXCLUDED.account_status,
        account_email   = EXCLUDED.account_email,
        account_id      = EXCLUDED.account_id,
        updated_at      = now();`

	appendSnapshotLogSQL = `INSERT INTO statistics_log (
        period, deposits, commission, withdrawals, balance, bonus,
        visitors, registrations, registrations_avg, ftd, ftd_avg,
        account_status, run_hour
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    );`

	snapshotLogColumns = `id, period,
        deposits, commission, withdrawals, balance, bonus,
        visitors, registrations, registrations_avg, ftd, ftd_avg,
        COALESCE(account_status, ''), run_hour, created_at`

	firstLogSinceSQL = `SELECT ` + snapshotLogColumns + `
    FROM statistics_log
    WHERE created_at >= $1
    ORDER BY created_at
    LIMIT 1;`

	listRecentLogsSQL = `SELECT ` + snapshotLogColumns + `
    FROM statistics_log
    ORDER BY created_at DESC
    LIMIT $1;`

	listLogsBetweenSQL = `SELECT ` + snapshotLogColumns + `
    FROM statistics_log
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	getPaymentCursorSQL = `SELECT last_request_id FROM payment_cursor WHERE id = 1;`

	setPaymentCursorSQL = `UPDATE payment_cursor
    SET last_request_id = $1, updated_at = now()
    WHERE id = 1;`

	getWithdrawalSettingsSQL = `SELECT auto, auto_all, amount, period_minutes, updated_at
    FROM withdrawal_settings
    WHERE id = 1;`

	setAutoWithdrawalSQL = `UPDATE withdrawal_settings
    SET auto = $1, updated_at = now()
    WHERE id = 1;`

	updateWithdrawalSettingsSQL = `UPDATE withdrawal_settings
    SET amount = $1, auto_all = $2, period_minutes = $3, updated_at = now()
    WHERE id = 1;`

	upsertCommissionSQL = `INSERT INTO commission_ledger (
        account_email, commission_old, commission_change,
        commission_current, week_change_commission, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5, now()
    )
    ON CONFLICT (account_email) DO UPDATE
    SET commission_old         = EXCLUDED.commission_old,
        commission_change      = EXCLUDED.commission_change,
        commission_current     = EXCLUDED.commission_current,
        week_change_commission = EXCLUDED.week_change_commission,
        updated_at             = now();`

	commissionRollupSQL = `SELECT
        COALESCE(SUM(commission_old), 0),
        COALESCE(SUM(commission_change), 0),
        COALESCE(SUM(commission_current), 0),
        COALESCE(SUM(week_change_commission), 0)
    FROM commission_ledger;`
)

// SnapshotStore persists the live per-period statistics row.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, period string) (*Snapshot, error)
	UpsertSnapshot(ctx context.Context, snapshot Snapshot) error
}

// SnapshotLogStore appends to and queries the immutable history.
type SnapshotLogStore interface {
	AppendSnapshotLog(ctx context.Context, row SnapshotLogRow) error
	FirstLogSince(ctx context.Context, since time.Time) (*SnapshotLogRow, error)
	ListRecentLogs(ctx context.Context, limit int) ([]SnapshotLogRow, error)
	ListLogsBetween(ctx context.Context, from, to time.Time) ([]SnapshotLogRow, error)
}

// CursorStore tracks the last-seen payment request id.
type CursorStore interface {
	PaymentCursor(ctx context.Context) (string, error)
	SetPaymentCursor(ctx context.Context, requestID string) error
}

// SettingsStore reads and mutates the auto-withdrawal settings.
type SettingsStore interface {
	GetWithdrawalSettings(ctx context.Context) (WithdrawalSettings, error)
	SetAutoWithdrawal(ctx context.Context, enabled bool) error
	UpdateWithdrawalSettings(ctx context.Context, amount decimal.Decimal, autoAll bool, periodMinutes int) error
}

// LedgerStore maintains the cross-account commission rollup.
type LedgerStore interface {
	UpsertCommission(ctx context.Context, entry CommissionEntry) error
	CommissionRollup(ctx context.Context) (CommissionRollup, error)
}

// Store aggregates access to all persisted entities.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// GetSnapshot loads the live row for a period; nil when none exists yet.
func (s *Store) GetSnapshot(ctx context.Context, period string) (*Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, getSnapshotSQL, period)

	var snap Snapshot
	var deposits, oldDeposits, commission, oldCommission,
		withdrawals, oldWithdrawals, balance, oldBalance,
		bonus, oldBonus string

	if err := row.Scan(
		&snap.Period,
		&deposits, &oldDeposits,
		&commission, &oldCommission,
		&withdrawals, &oldWithdrawals,
		&balance, &oldBalance,
		&bonus, &oldBonus,
		&snap.AccountStatus,
		&snap.AccountEmail,
		&snap.AccountID,
		&snap.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{deposits, &snap.Deposits}, {oldDeposits, &snap.OldDeposits},
		{commission, &snap.Commission}, {oldCommission, &snap.OldCommission},
		{withdrawals, &snap.Withdrawals}, {oldWithdrawals, &snap.OldWithdrawals},
		{balance, &snap.Balance}, {oldBalance, &snap.OldBalance},
		{bonus, &snap.Bonus}, {oldBonus, &snap.OldBonus},
	}
	for _, f := range fields {
		parsed, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot value: %w", err)
		}
		*f.dst = parsed
	}

	return &snap, nil
}

// UpsertSnapshot persists or updates the live period row.
func (s *Store) UpsertSnapshot(ctx context.Context, snap Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		snap.Period,
		snap.Deposits.String(), snap.OldDeposits.String(),
		snap.Commission.String(), snap.OldCommission.String(),
		snap.Withdrawals.String(), snap.OldWithdrawals.String(),
		snap.Balance.String(), snap.OldBalance.String(),
		snap.Bonus.String(), snap.OldBonus.String(),
		snap.AccountStatus, snap.AccountEmail, snap.AccountID,
	)
	if execErr != nil {
		return fmt.Errorf("upsert snapshot: %w", execErr)
	}
	return nil
}

// AppendSnapshotLog writes one immutable history row.
func (s *Store) AppendSnapshotLog(ctx context.Context, row SnapshotLogRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, appendSnapshotLogSQL,
		row.Period,
		row.Deposits.String(), row.Commission.String(), row.Withdrawals.String(),
		row.Balance.String(), row.Bonus.String(),
		row.Visitors, row.Registrations, row.RegistrationsAvg.String(),
		row.FTD, row.FTDAvg.String(),
		row.AccountStatus, row.RunHour,
	)
	if execErr != nil {
		return fmt.Errorf("append snapshot log: %w", execErr)
	}
	return nil
}

// FirstLogSince returns the earliest log row at or after the instant; nil
// when history does not reach back that far.
func (s *Store) FirstLogSince(ctx context.Context, since time.Time) (*SnapshotLogRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row, scanErr := scanSnapshotLog(pool.QueryRow(ctx, firstLogSinceSQL, since))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, scanErr
	}
	return row, nil
}

// ListRecentLogs lists the newest history rows.
func (s *Store) ListRecentLogs(ctx context.Context, limit int) ([]SnapshotLogRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentLogsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent logs: %w", queryErr)
	}
	defer rows.Close()
	return collectSnapshotLogs(rows, limit)
}

// ListLogsBetween lists history rows within a time window.
func (s *Store) ListLogsBetween(ctx context.Context, from, to time.Time) ([]SnapshotLogRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listLogsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list logs between: %w", queryErr)
	}
	defer rows.Close()
	return collectSnapshotLogs(rows, 0)
}

// PaymentCursor reads the last-seen payment request id.
func (s *Store) PaymentCursor(ctx context.Context) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}
	var id string
	if scanErr := pool.QueryRow(ctx, getPaymentCursorSQL).Scan(&id); scanErr != nil {
		return "", fmt.Errorf("get payment cursor: %w", scanErr)
	}
	return id, nil
}

// SetPaymentCursor advances the cursor.
func (s *Store) SetPaymentCursor(ctx context.Context, requestID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setPaymentCursorSQL, requestID); execErr != nil {
		return fmt.Errorf("set payment cursor: %w", execErr)
	}
	return nil
}

// GetWithdrawalSettings reads the singleton settings row.
func (s *Store) GetWithdrawalSettings(ctx context.Context) (WithdrawalSettings, error) {
	pool, err := s.getPool()
	if err != nil {
		return WithdrawalSettings{}, err
	}

	var settings WithdrawalSettings
	var amount string
	if scanErr := pool.QueryRow(ctx, getWithdrawalSettingsSQL).Scan(
		&settings.Auto,
		&settings.AutoAll,
		&amount,
		&settings.PeriodMinutes,
		&settings.UpdatedAt,
	); scanErr != nil {
		return WithdrawalSettings{}, fmt.Errorf("get withdrawal settings: %w", scanErr)
	}

	parsed, parseErr := decimal.NewFromString(amount)
	if parseErr != nil {
		return WithdrawalSettings{}, fmt.Errorf("parse withdrawal cap: %w", parseErr)
	}
	settings.Amount = parsed
	return settings, nil
}

// SetAutoWithdrawal toggles the auto flag.
func (s *Store) SetAutoWithdrawal(ctx context.Context, enabled bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setAutoWithdrawalSQL, enabled); execErr != nil {
		return fmt.Errorf("set auto withdrawal: %w", execErr)
	}
	return nil
}

// UpdateWithdrawalSettings stores the per-cycle cap and cycle length.
func (s *Store) UpdateWithdrawalSettings(ctx context.Context, amount decimal.Decimal, autoAll bool, periodMinutes int) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, updateWithdrawalSettingsSQL, amount.String(), autoAll, periodMinutes); execErr != nil {
		return fmt.Errorf("update withdrawal settings: %w", execErr)
	}
	return nil
}

// UpsertCommission writes one ledger row keyed by account email.
func (s *Store) UpsertCommission(ctx context.Context, entry CommissionEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertCommissionSQL,
		entry.AccountEmail,
		entry.Old.String(),
		entry.Change.String(),
		entry.Current.String(),
		entry.WeekChange.String(),
	); execErr != nil {
		return fmt.Errorf("upsert commission: %w", execErr)
	}
	return nil
}

// CommissionRollup sums the ledger across all accounts.
func (s *Store) CommissionRollup(ctx context.Context) (CommissionRollup, error) {
	pool, err := s.getPool()
	if err != nil {
		return CommissionRollup{}, err
	}

	var old, change, current, week string
	if scanErr := pool.QueryRow(ctx, commissionRollupSQL).Scan(&old, &change, &current, &week); scanErr != nil {
		return CommissionRollup{}, fmt.Errorf("commission rollup: %w", scanErr)
	}

	var rollup CommissionRollup
	var parseErr error
	if rollup.Old, parseErr = decimal.NewFromString(old); parseErr != nil {
		return CommissionRollup{}, fmt.Errorf("parse rollup old: %w", parseErr)
	}
	if rollup.Change, parseErr = decimal.NewFromString(change); parseErr != nil {
		return CommissionRollup{}, fmt.Errorf("parse rollup change: %w", parseErr)
	}
	if rollup.Current, parseErr = decimal.NewFromString(current); parseErr != nil {
		return CommissionRollup{}, fmt.Errorf("parse rollup current: %w", parseErr)
	}
	if rollup.WeekChange, parseErr = decimal.NewFromString(week); parseErr != nil {
		return CommissionRollup{}, fmt.Errorf("parse rollup week change: %w", parseErr)
	}
	return rollup, nil
}

func scanSnapshotLog(row pgx.Row) (*SnapshotLogRow, error) {
	var log SnapshotLogRow
	var deposits, commission, withdrawals, balance, bonus, regsAvg, ftdAvg string

	if err := row.Scan(
		&log.ID, &log.Period,
		&deposits, &commission, &withdrawals, &balance, &bonus,
		&log.Visitors, &log.Registrations, &regsAvg, &log.FTD, &ftdAvg,
		&log.AccountStatus, &log.RunHour, &log.CreatedAt,
	); err != nil {
		return nil, err
	}

	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{deposits, &log.Deposits}, {commission, &log.Commission},
		{withdrawals, &log.Withdrawals}, {balance, &log.Balance},
		{bonus, &log.Bonus}, {regsAvg, &log.RegistrationsAvg}, {ftdAvg, &log.FTDAvg},
	}
	for _, f := range fields {
		parsed, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("parse log value: %w", err)
		}
		*f.dst = parsed
	}
	return &log, nil
}

func collectSnapshotLogs(rows pgx.Rows, hint int) ([]SnapshotLogRow, error) {
	logs := make([]SnapshotLogRow, 0, hint)
	for rows.Next() {
		log, err := scanSnapshotLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *log)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return logs, nil
}

var (
	_ SnapshotStore    = (*Store)(nil)
	_ SnapshotLogStore = (*Store)(nil)
	_ CursorStore      = (*Store)(nil)
	_ SettingsStore    = (*Store)(nil)
	_ LedgerStore      = (*Store)(nil)
)
