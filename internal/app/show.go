package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Show prints recent history rows.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	defer closeStore()

	rows, err := store.ListRecentLogs(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stdout, "no history rows found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPeriod\tDeposits\tCommission\tBalance\tBonus\tVisitors\tRegs\tFTD\tStatus")

	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			row.CreatedAt.UTC().Format(time.RFC3339),
			row.Period,
			row.Deposits.StringFixed(2),
			row.Commission.StringFixed(2),
			row.Balance.StringFixed(2),
			row.Bonus.StringFixed(2),
			row.Visitors,
			row.Registrations,
			row.FTD,
			row.AccountStatus,
		)
	}

	writer.Flush()
	return nil
}
