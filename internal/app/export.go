package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"affiliate-sentinel/internal/storage"
)

// defaultExportWindow is used when no --from bound is given.
const defaultExportWindow = 30 * 24 * time.Hour

// Export renders history rows as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rows, err := store.ListLogsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no history rows in export window")
		return nil
	}

	downsampled := downsampleLogs(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting history rows")

	if opts.CSVPath != "" {
		if err := writeLogsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeLogsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleLogs(rows []storage.SnapshotLogRow, max int) []storage.SnapshotLogRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}

	result := make([]storage.SnapshotLogRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeLogsCSV(path string, rows []storage.SnapshotLogRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "period", "deposits", "commission", "withdrawals", "balance", "bonus", "visitors", "registrations", "registrations_avg", "ftd", "ftd_avg", "account_status", "run_hour"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		record := []string{
			row.CreatedAt.UTC().Format(time.RFC3339),
			row.Period,
			row.Deposits.String(),
			row.Commission.String(),
			row.Withdrawals.String(),
			row.Balance.String(),
			row.Bonus.String(),
			formatInt(row.Visitors),
			formatInt(row.Registrations),
			row.RegistrationsAvg.String(),
			formatInt(row.FTD),
			row.FTDAvg.String(),
			row.AccountStatus,
			formatInt(int64(row.RunHour)),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeLogsPNG(path string, rows []storage.SnapshotLogRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	deposits := make([]float64, len(rows))
	commission := make([]float64, len(rows))
	balance := make([]float64, len(rows))

	for i, row := range rows {
		x[i] = row.CreatedAt
		deposits[i] = row.Deposits.InexactFloat64()
		commission[i] = row.Commission.InexactFloat64()
		balance[i] = row.Balance.InexactFloat64()
	}

	moneyFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Amount ($)",
			ValueFormatter: moneyFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Deposits",
				XValues: x,
				YValues: deposits,
			},
			chart.TimeSeries{
				Name:    "Commission",
				XValues: x,
				YValues: commission,
			},
			chart.TimeSeries{
				Name:    "Balance",
				XValues: x,
				YValues: balance,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
