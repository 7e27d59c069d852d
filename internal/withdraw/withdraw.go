// Package withdraw implements the automated payout cycle: manual
// withdrawal detection against a persisted cursor, eligibility checks,
// request submission, and bounded outcome verification.
package withdraw

import (
	"context"
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
	verifyRows  = 3
	verifyDelay = 5 * time.Second

	// amountTolerance applies only to fractional amounts; integral
	// requests must match history exactly.
	amountToleranceStr = "0.01"
)

var (
	one             = decimal.NewFromInt(1)
	amountTolerance = decimal.RequireFromString(amountToleranceStr)
)

// Outcome classifies one balance's withdrawal attempt.
type Outcome int

const (
	// Skipped means the balance never reached the eligibility floor.
	Skipped Outcome = iota
	// Confirmed means the request showed up in payment history.
	Confirmed
	// NotFound means the request landed on history but never appeared
	// among the newest rows, even after the failsafe retry. The daily
	// limit was likely exceeded; the request may still be pending.
	NotFound
	// Rejected means the panel answered with an error page instead of
	// the history redirect.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Confirmed:
		return "confirmed"
	case NotFound:
		return "not_found"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// BalanceKind names one of the two withdrawable balances.
type BalanceKind string

const (
	MainBalance  BalanceKind = "main"
	BonusBalance BalanceKind = "bonus"
)

// Balances carries the two withdrawable figures.
type Balances struct {
	Main  decimal.Decimal
	Bonus decimal.Decimal
}

// Result is the typed outcome of one balance's attempt within a cycle.
type Result struct {
	Balance BalanceKind
	Outcome Outcome
	Amount  decimal.Decimal
	Reasons []string
}

// CycleReport summarises one full withdrawal cycle.
type CycleReport struct {
	Manual  []extract.PaymentRow
	Results []Result
}

// Happened reports whether the cycle produced anything worth alerting.
func (r *CycleReport) Happened() bool {
	if r == nil {
		return false
	}
	if len(r.Manual) > 0 {
		return true
	}
	for _, res := range r.Results {
		if res.Outcome != Skipped {
			return true
		}
	}
	return false
}

// Client performs resilient panel requests.
type Client interface {
	Get(ctx context.Context, target string, opts fetcher.Options) (*fetcher.Response, error)
	PostForm(ctx context.Context, target string, form url.Values, opts fetcher.Options) (*fetcher.Response, error)
}

// CodeSource supplies a one-time code when the payment form demands one.
type CodeSource interface {
	OTPCode() (string, error)
}

// BalanceSource yields the current withdrawable balances.
type BalanceSource interface {
	Balances(ctx context.Context) (Balances, error)
}

// Options configure the controller.
type Options struct {
	PaymentRequestURL string
	PaymentHistoryURL string

	MinAmount decimal.Decimal
	MethodID  string
	Timeout   time.Duration
}

// Controller runs the withdrawal state machine.
type Controller struct {
	opts     Options
	client   Client
	codes    CodeSource
	cursor   storage.CursorStore
	settings storage.SettingsStore
	balances BalanceSource
	logger   zerolog.Logger

	retryDelay time.Duration
}

// NewController constructs the withdrawal controller.
func NewController(opts Options, client Client, codes CodeSource, cursor storage.CursorStore, settings storage.SettingsStore, balances BalanceSource, logger zerolog.Logger) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Controller{
		opts:       opts,
		client:     client,
		codes:      codes,
		cursor:     cursor,
		settings:   settings,
		balances:   balances,
		logger:     logger.With().Str("component", "withdraw").Logger(),
		retryDelay: verifyDelay,
	}
}

// Cycle runs one full pass: detect manual withdrawals, advance the
// cursor, and, when auto mode is enabled, attempt a payout per eligible
// balance. The cursor is reconciled once more at the end so requests
// created by this very cycle are not re-reported as manual next time.
func (c *Controller) Cycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{}

	rows, err := c.historyRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("payment history: %w", err)
	}

	lastSeen, err := c.cursor.PaymentCursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("payment cursor: %w", err)
	}

	fresh := rowsNewerThan(rows, lastSeen)
	if lastSeen != "" {
		report.Manual = fresh
		for _, row := range fresh {
			c.logger.Info().Str("request_id", row.ID).Str("amount", row.Amount).Msg("manual withdrawal detected")
		}
	}
	c.advanceCursor(ctx, rows)

	settings, err := c.settings.GetWithdrawalSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("withdrawal settings: %w", err)
	}
	if !settings.Auto {
		return report, nil
	}

	balances, err := c.balances.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("withdrawable balances: %w", err)
	}

	for _, candidate := range []struct {
		kind     BalanceKind
		eligible decimal.Decimal
	}{
		{MainBalance, balances.Main},
		{BonusBalance, balances.Bonus},
	} {
		result := c.attempt(ctx, candidate.kind, candidate.eligible, settings.Amount)
		report.Results = append(report.Results, result)
	}

	// Reconcile once more so our own requests advance the cursor.
	if tail, err := c.historyRows(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("end-of-cycle history refresh failed")
	} else {
		c.advanceCursor(ctx, tail)
	}

	return report, nil
}

// Eligible reports whether an amount clears the configured floor; the
// control surface uses it to answer eligibility queries.
func (c *Controller) Eligible(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(c.opts.MinAmount)
}

func (c *Controller) attempt(ctx context.Context, kind BalanceKind, eligible, limit decimal.Decimal) Result {
	if !c.Eligible(eligible) {
		c.logger.Debug().Str("balance", string(kind)).Str("eligible", eligible.String()).Msg("below withdrawal floor, skipping")
		return Result{Balance: kind, Outcome: Skipped}
	}

	amount := decimal.Min(limit, eligible.Sub(one))
	c.logger.Info().Str("balance", string(kind)).Str("amount", amount.String()).Msg("submitting withdrawal request")

	result, err := c.submit(ctx, kind, amount)
	if err != nil {
		c.logger.Error().Err(err).Str("balance", string(kind)).Msg("withdrawal submission failed")
		return Result{Balance: kind, Outcome: Rejected, Amount: amount, Reasons: []string{err.Error()}}
	}
	return result
}

func (c *Controller) submit(ctx context.Context, kind BalanceKind, amount decimal.Decimal) (Result, error) {
	page, err := c.client.Get(ctx, c.opts.PaymentRequestURL, fetcher.Options{Timeout: c.opts.Timeout})
	if err != nil {
		return Result{}, fmt.Errorf("fetch request form: %w", err)
	}

	html := page.Text()
	token, err := extract.FormToken(html)
	if err != nil {
		return Result{}, fmt.Errorf("request form: %w", err)
	}

	form := url.Values{
		"_token":         {token},
		"amount":         {amount.String()},
		"payment_method": {c.opts.MethodID},
		"balance":        {string(kind)},
	}
	if extract.NeedsOTP(html) {
		code, err := c.codes.OTPCode()
		if err != nil {
			return Result{}, fmt.Errorf("payment otp: %w", err)
		}
		form.Set("one_time_password", code)
	}

	resp, err := c.client.PostForm(ctx, c.opts.PaymentRequestURL, form, fetcher.Options{
		Headers: map[string]string{
			"Referer":          c.opts.PaymentRequestURL,
			"X-Requested-With": "XMLHttpRequest",
		},
		Timeout: c.opts.Timeout,
	})
	if err != nil {
		return Result{}, fmt.Errorf("post request: %w", err)
	}

	if !resp.LandedOn(c.opts.PaymentHistoryURL) {
		banners := extract.ErrorBanners(resp.Text())
		c.logger.Warn().Strs("banners", banners).Str("final_url", resp.FinalURL).Msg("withdrawal rejected by the panel")
		return Result{Balance: kind, Outcome: Rejected, Amount: amount, Reasons: banners}, nil
	}

	found, err := c.verify(ctx, amount)
	if err != nil {
		return Result{}, err
	}
	if !found {
		c.logger.Warn().Str("amount", amount.String()).Msg("withdrawal not visible in history, limit likely exceeded")
		return Result{Balance: kind, Outcome: NotFound, Amount: amount}, nil
	}
	c.logger.Info().Str("amount", amount.String()).Msg("withdrawal confirmed in history")
	return Result{Balance: kind, Outcome: Confirmed, Amount: amount}, nil
}

// verify searches the newest history rows for the submitted amount, with
// one failsafe retry after a short delay.
func (c *Controller) verify(ctx context.Context, amount decimal.Decimal) (bool, error) {
	for attempt := 1; attempt <= 2; attempt++ {
		rows, err := c.historyRows(ctx)
		if err != nil {
			return false, fmt.Errorf("verification fetch: %w", err)
		}
		if matchInRows(rows, amount) {
			return true, nil
		}
		if attempt == 1 {
			c.logger.Debug().Msg("amount not in history yet, failsafe retry")
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}
	return false, nil
}

func (c *Controller) historyRows(ctx context.Context) ([]extract.PaymentRow, error) {
	resp, err := c.client.Get(ctx, c.opts.PaymentHistoryURL, fetcher.Options{Timeout: c.opts.Timeout})
	if err != nil {
		return nil, err
	}
	return extract.PaymentRows(resp.Text())
}

func (c *Controller) advanceCursor(ctx context.Context, rows []extract.PaymentRow) {
	if len(rows) == 0 {
		return
	}
	if err := c.cursor.SetPaymentCursor(ctx, rows[0].ID); err != nil {
		c.logger.Error().Err(err).Msg("cursor advance failed")
	}
}

// rowsNewerThan returns the rows preceding the cursor match; scanning
// stops at the first row whose id equals the cursor.
func rowsNewerThan(rows []extract.PaymentRow, cursor string) []extract.PaymentRow {
	var fresh []extract.PaymentRow
	for _, row := range rows {
		if row.ID == cursor {
			break
		}
		fresh = append(fresh, row)
	}
	return fresh
}

func matchInRows(rows []extract.PaymentRow, amount decimal.Decimal) bool {
	limit := len(rows)
	if limit > verifyRows {
		limit = verifyRows
	}
	for _, row := range rows[:limit] {
		parsed, err := decimal.NewFromString(extract.CleanAmount(row.Amount))
		if err != nil {
			continue
		}
		if amountsMatch(parsed, amount) {
			return true
		}
	}
	return false
}

// amountsMatch compares a history amount against a submitted one: exact
// for integral submissions, strictly below the tolerance for fractional
// (a full cent off is a different amount).
func amountsMatch(got, want decimal.Decimal) bool {
	if want.IsInteger() {
		return got.Equal(want)
	}
	return got.Sub(want).Abs().LessThan(amountTolerance)
}

var (
	_ Client = (*fetcher.Fetcher)(nil)
)
