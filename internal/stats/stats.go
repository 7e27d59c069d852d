// Package stats polls the panel's statistics endpoint, diffs each poll
// against the persisted snapshot, and maintains the immutable history
// used for week-over-week comparison.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"affiliate-sentinel/internal/extract"
	"affiliate-sentinel/internal/fetcher"
	"affiliate-sentinel/internal/storage"
)

const (
	// failsafeDelay separates the re-login from the single retry that
	// follows an unusable statistics response.
	failsafeDelay = 2 * time.Second

	// weekLookback positions the week-ago anchor. The extra seven hours
	// skip rows written during the quiet window right after rollover.
	weekLookback = 7*24*time.Hour - 7*time.Hour
)

// Authenticator re-establishes the panel session on demand.
type Authenticator interface {
	EnsureAuthenticated(ctx context.Context) (extract.AccountIdentity, error)
	Identity() extract.AccountIdentity
}

// Getter performs resilient GET requests.
type Getter interface {
	Get(ctx context.Context, target string, opts fetcher.Options) (*fetcher.Response, error)
}

// Movement is one figure's change between consecutive polls.
type Movement struct {
	Old     decimal.Decimal
	Current decimal.Decimal
	Change  decimal.Decimal
}

// Moved reports whether the figure changed at all.
func (m Movement) Moved() bool {
	return !m.Change.IsZero()
}

// WeekComparison holds changes against the week-ago history row, money
// figures and counts alike.
type WeekComparison struct {
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

	// SelfBaseline is set when history did not reach back a full week
	// and the current row served as its own reference.
	SelfBaseline bool
}

// Delta is the digested outcome of one statistics poll.
type Delta struct {
	Period string

	// Empty marks a poll that stayed unusable even after the re-login
	// failsafe. All figures are zero in that case.
	Empty bool

	Deposits    Movement
	Commission  Movement
	Withdrawals Movement
	Balance     Movement
	Bonus       Movement

	Visitors         int64
	Registrations    int64
	FTD              int64
	RegistrationsAvg decimal.Decimal
	FTDAvg           decimal.Decimal

	WeekAgo *WeekComparison

	AccountStatus string
	AccountEmail  string
	AccountID     string

	CollectedAt time.Time
}

// Changed reports whether any tracked figure moved since the last poll.
func (d *Delta) Changed() bool {
	if d == nil || d.Empty {
		return false
	}
	return d.Deposits.Moved() || d.Commission.Moved() || d.Withdrawals.Moved() ||
		d.Balance.Moved() || d.Bonus.Moved()
}

// rawStats mirrors the panel's statistics JSON. Clicks is a pointer so a
// missing or null field is distinguishable from a legitimate zero.
type rawStats struct {
	SumDepo       decimal.Decimal `json:"sum_depo"`
	SumCommission decimal.Decimal `json:"sum_commission"`
	SumWdrl       decimal.Decimal `json:"sum_wdrl"`
	Balance       decimal.Decimal `json:"balance"`
	Bonus         decimal.Decimal `json:"bonus"`
	Clicks        *int64          `json:"clicks"`
	Regs          int64           `json:"regs"`
	CountFTD      int64           `json:"count_ftd"`
}

// Options configure the engine. StatisticsWeekURL is the panel's
// dedicated current-week endpoint; when set, canonical-period requests
// go there instead of the generic endpoint's period parameter.
type Options struct {
	StatisticsURL     string
	StatisticsWeekURL string
	CanonicalPeriod   string
	RequestTimeout    time.Duration
}

// Engine owns the poll-diff-persist cycle.
type Engine struct {
	opts   Options
	fetch  Getter
	auth   Authenticator
	snaps  storage.SnapshotStore
	logs   storage.SnapshotLogStore
	ledger storage.LedgerStore
	logger zerolog.Logger

	now        func() time.Time
	retryDelay time.Duration
}

// NewEngine constructs the statistics engine.
func NewEngine(opts Options, fetch Getter, auth Authenticator, snaps storage.SnapshotStore, logs storage.SnapshotLogStore, ledger storage.LedgerStore, logger zerolog.Logger) *Engine {
	return &Engine{
		opts:       opts,
		fetch:      fetch,
		auth:       auth,
		snaps:      snaps,
		logs:       logs,
		ledger:     ledger,
		logger:     logger.With().Str("component", "stats").Logger(),
		now:        time.Now,
		retryDelay: failsafeDelay,
	}
}

// Poll fetches one period's statistics and folds them into the snapshot.
// An unusable response triggers a re-login and exactly one more attempt;
// if that also fails the returned Delta is Empty rather than an error.
func (e *Engine) Poll(ctx context.Context, period string) (*Delta, error) {
	raw, ok, err := e.fetchUsable(ctx, period)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Delta{Period: period, Empty: true, CollectedAt: e.now()}, nil
	}
	return e.digest(ctx, period, raw)
}

// Figures are live withdrawable balances read straight off the panel.
type Figures struct {
	Balance decimal.Decimal
	Bonus   decimal.Decimal
}

// Peek fetches the canonical period's current figures without touching
// the snapshot, history, or ledger. The withdrawal cycle reads balances
// through it so eligibility never depends on an hour-old snapshot.
func (e *Engine) Peek(ctx context.Context) (Figures, error) {
	raw, ok, err := e.fetchUsable(ctx, e.opts.CanonicalPeriod)
	if err != nil {
		return Figures{}, err
	}
	if !ok {
		return Figures{}, fmt.Errorf("statistics unusable after failsafe retry")
	}
	return Figures{Balance: raw.Balance, Bonus: raw.Bonus}, nil
}

// fetchUsable wraps fetchStats with the re-login failsafe: one unusable
// response forces a fresh login, a short pause, and a single retry.
func (e *Engine) fetchUsable(ctx context.Context, period string) (*rawStats, bool, error) {
	raw, ok, err := e.fetchStats(ctx, period)
	if err != nil || ok {
		return raw, ok, err
	}

	e.logger.Warn().Str("period", period).Msg("statistics unusable, re-authenticating for a failsafe retry")
	if _, authErr := e.auth.EnsureAuthenticated(ctx); authErr != nil {
		return nil, false, fmt.Errorf("failsafe re-login: %w", authErr)
	}
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-time.After(e.retryDelay):
	}

	raw, ok, err = e.fetchStats(ctx, period)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		e.logger.Error().Str("period", period).Msg("statistics still unusable after failsafe retry")
	}
	return raw, ok, nil
}

func (e *Engine) fetchStats(ctx context.Context, period string) (*rawStats, bool, error) {
	target, err := e.statsTarget(period)
	if err != nil {
		return nil, false, err
	}

	resp, err := e.fetch.Get(ctx, target, fetcher.Options{
		Headers: map[string]string{"X-Requested-With": "XMLHttpRequest"},
		Timeout: e.opts.RequestTimeout,
	})
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode != 200 {
		e.logger.Warn().Int("status", resp.StatusCode).Str("period", period).Msg("statistics request returned a non-OK status")
		return nil, false, nil
	}

	var raw rawStats
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		e.logger.Warn().Err(err).Str("period", period).Msg("statistics payload did not decode")
		return nil, false, nil
	}
	if raw.Clicks == nil {
		// A payload without clicks is the panel serving the login shell
		// instead of data.
		return nil, false, nil
	}
	return &raw, true, nil
}

func (e *Engine) digest(ctx context.Context, period string, raw *rawStats) (*Delta, error) {
	prev, err := e.snaps.GetSnapshot(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	ident := e.auth.Identity()
	now := e.now()

	delta := &Delta{
		Period:        period,
		Deposits:      movement(oldValue(prev, func(s *storage.Snapshot) decimal.Decimal { return s.Deposits }), raw.SumDepo),
		Commission:    movement(oldValue(prev, func(s *storage.Snapshot) decimal.Decimal { return s.Commission }), raw.SumCommission),
		Withdrawals:   movement(oldValue(prev, func(s *storage.Snapshot) decimal.Decimal { return s.Withdrawals }), raw.SumWdrl),
		Balance:       movement(oldValue(prev, func(s *storage.Snapshot) decimal.Decimal { return s.Balance }), raw.Balance),
		Bonus:         movement(oldValue(prev, func(s *storage.Snapshot) decimal.Decimal { return s.Bonus }), raw.Bonus),
		Visitors:      *raw.Clicks,
		Registrations: raw.Regs,
		FTD:           raw.CountFTD,
		AccountStatus: ident.Status,
		AccountEmail:  ident.Email,
		AccountID:     ident.ID,
		CollectedAt:   now,
	}
	delta.RegistrationsAvg = registrationsAvg(raw.Regs, *raw.Clicks)
	delta.FTDAvg = ftdAvg(raw.CountFTD, raw.Regs)

	if prev != nil && ident.Empty() {
		delta.AccountStatus = prev.AccountStatus
		delta.AccountEmail = prev.AccountEmail
		delta.AccountID = prev.AccountID
	}

	snap := storage.Snapshot{
		Period:         period,
		Deposits:       delta.Deposits.Current,
		OldDeposits:    delta.Deposits.Old,
		Commission:     delta.Commission.Current,
		OldCommission:  delta.Commission.Old,
		Withdrawals:    delta.Withdrawals.Current,
		OldWithdrawals: delta.Withdrawals.Old,
		Balance:        delta.Balance.Current,
		OldBalance:     delta.Balance.Old,
		Bonus:          delta.Bonus.Current,
		OldBonus:       delta.Bonus.Old,
		AccountStatus:  delta.AccountStatus,
		AccountEmail:   delta.AccountEmail,
		AccountID:      delta.AccountID,
	}
	if err := e.snaps.UpsertSnapshot(ctx, snap); err != nil {
		// Persistence trouble must not suppress the alert itself.
		e.logger.Error().Err(err).Str("period", period).Msg("snapshot upsert failed")
	}

	if period == e.opts.CanonicalPeriod {
		e.recordHistory(ctx, delta, now)
		e.updateLedger(ctx, delta)
	}

	return delta, nil
}

// recordHistory resolves the week-ago comparison from the earliest row
// within the lookback window, then appends the canonical-period log row.
// The anchor lookup runs first so the fresh row can never anchor itself.
func (e *Engine) recordHistory(ctx context.Context, delta *Delta, now time.Time) {
	anchor, err := e.logs.FirstLogSince(ctx, now.Add(-weekLookback))
	if err != nil {
		e.logger.Error().Err(err).Msg("week-ago lookup failed")
		anchor = nil
	}

	row := storage.SnapshotLogRow{
		Period:           delta.Period,
		Deposits:         delta.Deposits.Current,
		Commission:       delta.Commission.Current,
		Withdrawals:      delta.Withdrawals.Current,
		Balance:          delta.Balance.Current,
		Bonus:            delta.Bonus.Current,
		Visitors:         delta.Visitors,
		Registrations:    delta.Registrations,
		RegistrationsAvg: delta.RegistrationsAvg,
		FTD:              delta.FTD,
		FTDAvg:           delta.FTDAvg,
		AccountStatus:    delta.AccountStatus,
		RunHour:          now.Hour(),
	}
	if err := e.logs.AppendSnapshotLog(ctx, row); err != nil {
		e.logger.Error().Err(err).Msg("history append failed")
	}

	comparison := &WeekComparison{}
	if anchor == nil {
		// First week of history: the row compares against itself.
		comparison.SelfBaseline = true
		anchor = &row
	}
	comparison.Deposits = round2(delta.Deposits.Current.Sub(anchor.Deposits))
	comparison.Commission = round2(delta.Commission.Current.Sub(anchor.Commission))
	comparison.Withdrawals = round2(delta.Withdrawals.Current.Sub(anchor.Withdrawals))
	comparison.Balance = round2(delta.Balance.Current.Sub(anchor.Balance))
	comparison.Bonus = round2(delta.Bonus.Current.Sub(anchor.Bonus))
	comparison.Visitors = delta.Visitors - anchor.Visitors
	comparison.Registrations = delta.Registrations - anchor.Registrations
	comparison.RegistrationsAvg = round2(delta.RegistrationsAvg.Sub(anchor.RegistrationsAvg))
	comparison.FTD = delta.FTD - anchor.FTD
	comparison.FTDAvg = round2(delta.FTDAvg.Sub(anchor.FTDAvg))
	delta.WeekAgo = comparison
}

func (e *Engine) updateLedger(ctx context.Context, delta *Delta) {
	if delta.AccountEmail == "" {
		return
	}
	entry := storage.CommissionEntry{
		AccountEmail: delta.AccountEmail,
		Old:          delta.Commission.Old,
		Change:       delta.Commission.Change,
		Current:      delta.Commission.Current,
	}
	if delta.WeekAgo != nil {
		entry.WeekChange = delta.WeekAgo.Commission
	}
	if err := e.ledger.UpsertCommission(ctx, entry); err != nil {
		e.logger.Error().Err(err).Msg("commission ledger upsert failed")
	}
}

func movement(old, current decimal.Decimal) Movement {
	return Movement{
		Old:     old,
		Current: current,
		Change:  round2(current.Sub(old)),
	}
}

func oldValue(prev *storage.Snapshot, pick func(*storage.Snapshot) decimal.Decimal) decimal.Decimal {
	if prev == nil {
		return decimal.Zero
	}
	return pick(prev)
}

// registrationsAvg is the visitor-to-registration percentage, truncated
// to a whole number.
func registrationsAvg(regs, clicks int64) decimal.Decimal {
	if clicks == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(regs * 100).Div(decimal.NewFromInt(clicks)).Floor()
}

// ftdAvg is the registration-to-first-deposit percentage, two decimals.
func ftdAvg(ftd, regs int64) decimal.Decimal {
	if regs == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(ftd * 100).Div(decimal.NewFromInt(regs)).Round(2)
}

func round2(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

func (e *Engine) statsTarget(period string) (string, error) {
	if period == e.opts.CanonicalPeriod && e.opts.StatisticsWeekURL != "" {
		return e.opts.StatisticsWeekURL, nil
	}
	return statsURL(e.opts.StatisticsURL, period)
}

func statsURL(base, period string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("statistics url: %w", err)
	}
	q := u.Query()
	q.Set("period", period)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
