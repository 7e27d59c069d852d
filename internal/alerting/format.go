package alerting

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"affiliate-sentinel/internal/extract"
	"affiliate-sentinel/internal/stats"
	"affiliate-sentinel/internal/storage"
	"affiliate-sentinel/internal/withdraw"
)

// Report bundles everything one broadcast message is rendered from.
type Report struct {
	Deltas []*stats.Delta
	Rank   *extract.RankInfo
	Rollup *storage.CommissionRollup

	// AlwaysReport renders every metric even when nothing moved;
	// otherwise unchanged metrics are omitted and an all-quiet period
	// collapses to a single line.
	AlwaysReport bool
}

type metricLine struct {
	emoji string
	name  string
	value stats.Movement
}

// RenderReport produces the broadcast message text.
func RenderReport(rep Report) string {
	var b strings.Builder

	for i, delta := range rep.Deltas {
		if i > 0 {
			b.WriteString("\n")
		}
		renderDelta(&b, delta, rep.AlwaysReport)
	}

	if rep.Rollup != nil {
		b.WriteString("\n💼 *Commission ledger*\n")
		fmt.Fprintf(&b, "Current: %s | Change: %s | Week: %s\n",
			money(rep.Rollup.Current), signedMoney(rep.Rollup.Change), signedMoney(rep.Rollup.WeekChange))
	}

	if rep.Rank != nil && rep.Rank.Position != "" {
		fmt.Fprintf(&b, "\n🏆 Rating position: #%s (%s deposits)\n", rep.Rank.Position, rep.Rank.DepositsSum)
	}

	if footer := identityFooter(rep.Deltas); footer != "" {
		b.WriteString(footer)
	}

	return strings.TrimRight(b.String(), "\n")
}

func renderDelta(b *strings.Builder, delta *stats.Delta, always bool) {
	fmt.Fprintf(b, "📊 *%s* — %s\n", delta.Period, delta.CollectedAt.Format("2006-01-02 15:04"))

	if delta.Empty {
		b.WriteString("⚠️ statistics unavailable this cycle\n")
		return
	}

	if !delta.Changed() && !always {
		b.WriteString("No changes.\n")
		return
	}

	for _, line := range []metricLine{
		{"💰", "Deposits", delta.Deposits},
		{"💵", "Commission", delta.Commission},
		{"📤", "Withdrawals", delta.Withdrawals},
		{"🏦", "Balance", delta.Balance},
		{"🎁", "Bonus", delta.Bonus},
	} {
		if !line.value.Moved() && !always {
			continue
		}
		fmt.Fprintf(b, "%s %s: %s (%s)\n", line.emoji, line.name, money(line.value.Current), signedMoney(line.value.Change))
	}

	fmt.Fprintf(b, "👀 Visitors: %d | 📝 Registrations: %d (%s%%) | ⭐ FTD: %d (%s%%)\n",
		delta.Visitors, delta.Registrations, delta.RegistrationsAvg.String(), delta.FTD, delta.FTDAvg.String())

	if week := delta.WeekAgo; week != nil && !week.SelfBaseline {
		fmt.Fprintf(b, "📅 Week: deposits %s | commission %s | withdrawals %s | balance %s | bonus %s\n",
			signedMoney(week.Deposits), signedMoney(week.Commission), signedMoney(week.Withdrawals),
			signedMoney(week.Balance), signedMoney(week.Bonus))
		fmt.Fprintf(b, "📅 Week: visitors %+d | registrations %+d (%s%%) | ftd %+d (%s%%)\n",
			week.Visitors, week.Registrations, signedNumber(week.RegistrationsAvg),
			week.FTD, signedNumber(week.FTDAvg))
	}
}

// RenderWithdrawals produces the payout-cycle message; empty when the
// cycle has nothing operator-visible.
func RenderWithdrawals(report *withdraw.CycleReport) string {
	if !report.Happened() {
		return ""
	}

	var b strings.Builder
	for _, row := range report.Manual {
		fmt.Fprintf(&b, "✋ Manual withdrawal detected: #%s for %s (%s)\n", row.ID, row.Amount, row.Method)
	}
	for _, res := range report.Results {
		switch res.Outcome {
		case withdraw.Confirmed:
			fmt.Fprintf(&b, "✅ Auto-withdrawal of %s from %s balance confirmed\n", money(res.Amount), res.Balance)
		case withdraw.NotFound:
			fmt.Fprintf(&b, "⚠️ Auto-withdrawal of %s from %s balance not visible in history — daily limit likely exceeded\n", money(res.Amount), res.Balance)
		case withdraw.Rejected:
			fmt.Fprintf(&b, "❌ Auto-withdrawal of %s from %s balance rejected: %s\n", money(res.Amount), res.Balance, strings.Join(res.Reasons, "; "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func identityFooter(deltas []*stats.Delta) string {
	for _, delta := range deltas {
		if delta.AccountEmail == "" && delta.AccountID == "" {
			continue
		}
		return fmt.Sprintf("\n👤 %s | %s | %s\n", delta.AccountStatus, delta.AccountEmail, delta.AccountID)
	}
	return ""
}

func money(v decimal.Decimal) string {
	return "$" + v.StringFixed(2)
}

// signedNumber renders a bare figure with an explicit sign.
func signedNumber(v decimal.Decimal) string {
	if v.IsNegative() {
		return v.String()
	}
	return "+" + v.String()
}

// signedMoney renders "$+1.00" / "$-1.00"; the notifier later flips the
// sign in front of the dollar for readability.
func signedMoney(v decimal.Decimal) string {
	if v.IsNegative() {
		return "$-" + v.Abs().StringFixed(2)
	}
	return "$+" + v.StringFixed(2)
}
