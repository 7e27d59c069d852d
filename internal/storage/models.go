package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is the live statistics row for one period. Exactly one row
// exists per period name; "old" columns retain the previous observation
// until the next successful poll overwrites them.
type Snapshot struct {
	Period string

	Deposits    decimal.Decimal
	OldDeposits decimal.Decimal

	Commission    decimal.Decimal
	OldCommission decimal.Decimal

	Withdrawals    decimal.Decimal
	OldWithdrawals decimal.Decimal

	Balance    decimal.Decimal
	OldBalance decimal.Decimal

	Bonus    decimal.Decimal
	OldBonus decimal.Decimal

	AccountStatus string
	AccountEmail  string
	AccountID     string

	UpdatedAt time.Time
}

// SnapshotLogRow is one append-only history record, tagged with the
// wall-clock hour it ran in. Rows are write-once.
type SnapshotLogRow struct {
	ID     int64
	Period string

	Deposits    decimal.Decimal
	Commission  decimal.Decimal
	Withdrawals decimal.Decimal
	Balance     decimal.Decimal
	Bonus       decimal.Decimal

	Visitors         int64
	Registrations    int64
	RegistrationsAvg decimal.Decimal
	FTD              int64
	FTDAvg           decimal.Decimal

	AccountStatus string
	RunHour       int
	CreatedAt     time.Time
}

// WithdrawalSettings is the singleton auto-withdrawal configuration.
type WithdrawalSettings struct {
	Auto          bool
	AutoAll       bool
	Amount        decimal.Decimal
	PeriodMinutes int
	UpdatedAt     time.Time
}

// UnlimitedCap is the sentinel amount meaning "withdraw the full eligible
// balance" ("all" on the control surface).
var UnlimitedCap = decimal.New(1, 15)

// Unlimited reports whether the cap is the full-balance sentinel.
func (s WithdrawalSettings) Unlimited() bool {
	return s.AutoAll || s.Amount.GreaterThanOrEqual(UnlimitedCap)
}

// CommissionEntry is the per-account commission ledger row, keyed by the
// account email and upserted once per successful weekly poll.
type CommissionEntry struct {
	AccountEmail string
	Old          decimal.Decimal
	Change       decimal.Decimal
	Current      decimal.Decimal
	WeekChange   decimal.Decimal
	UpdatedAt    time.Time
}

// CommissionRollup aggregates the ledger across all tracked accounts.
type CommissionRollup struct {
	Old        decimal.Decimal
	Change     decimal.Decimal
	Current    decimal.Decimal
	WeekChange decimal.Decimal
}
