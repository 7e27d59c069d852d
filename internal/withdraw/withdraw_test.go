package withdraw

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"affiliate-sentinel/internal/fetcher"
	"affiliate-sentinel/internal/storage"
)

const (
	requestURL = "http://panel.test/payments/request"
	historyURL = "http://panel.test/payments/history"
)

func historyHTML(rows ...[2]string) string {
	html := `<div id="panel-1"><table>`
	for _, row := range rows {
		html += fmt.Sprintf(
			`<tr><td data-label="ID">%s</td><td data-label="Amount, $">$%s</td><td data-label="Payment method">Wire</td></tr>`,
			row[0], row[1])
	}
	return html + `</table></div>`
}

const formHTML = `<form><input name="_token" value="tok-1"></form>`

type fakeClient struct {
	history    string
	rejectHTML string

	posted    []url.Values
	onPost    func(form url.Values)
	postLands string
}

func (f *fakeClient) Get(ctx context.Context, target string, opts fetcher.Options) (*fetcher.Response, error) {
	switch target {
	case historyURL:
		return &fetcher.Response{StatusCode: 200, FinalURL: historyURL, Body: []byte(f.history)}, nil
	case requestURL:
		return &fetcher.Response{StatusCode: 200, FinalURL: requestURL, Body: []byte(formHTML)}, nil
	}
	return nil, fmt.Errorf("unexpected GET %s", target)
}

func (f *fakeClient) PostForm(ctx context.Context, target string, form url.Values, opts fetcher.Options) (*fetcher.Response, error) {
	f.posted = append(f.posted, form)
	if f.onPost != nil {
		f.onPost(form)
	}
	lands := f.postLands
	if lands == "" {
		lands = historyURL
	}
	body := f.history
	if lands != historyURL {
		body = f.rejectHTML
	}
	return &fetcher.Response{StatusCode: 200, FinalURL: lands, Body: []byte(body)}, nil
}

type fakeCursor struct {
	id string
}

func (f *fakeCursor) PaymentCursor(ctx context.Context) (string, error) {
	return f.id, nil
}

func (f *fakeCursor) SetPaymentCursor(ctx context.Context, requestID string) error {
	f.id = requestID
	return nil
}

type fakeSettings struct {
	settings storage.WithdrawalSettings
}

func (f *fakeSettings) GetWithdrawalSettings(ctx context.Context) (storage.WithdrawalSettings, error) {
	return f.settings, nil
}

func (f *fakeSettings) SetAutoWithdrawal(ctx context.Context, enabled bool) error {
	f.settings.Auto = enabled
	return nil
}

func (f *fakeSettings) UpdateWithdrawalSettings(ctx context.Context, amount decimal.Decimal, autoAll bool, periodMinutes int) error {
	f.settings.Amount = amount
	f.settings.AutoAll = autoAll
	f.settings.PeriodMinutes = periodMinutes
	return nil
}

type fakeBalances struct {
	balances Balances
}

func (f *fakeBalances) Balances(ctx context.Context) (Balances, error) {
	return f.balances, nil
}

type fakeCodes struct{}

func (fakeCodes) OTPCode() (string, error) {
	return "123 456", nil
}

func newTestController(client *fakeClient, cursor *fakeCursor, settings *fakeSettings, balances *fakeBalances) *Controller {
	c := NewController(Options{
		PaymentRequestURL: requestURL,
		PaymentHistoryURL: historyURL,
		MinAmount:         decimal.NewFromInt(51),
		MethodID:          "18",
		Timeout:           time.Second,
	}, client, fakeCodes{}, cursor, settings, balances, zerolog.Nop())
	c.retryDelay = time.Millisecond
	return c
}

func TestCycleReportsManualWithdrawals(t *testing.T) {
	client := &fakeClient{history: historyHTML([2]string{"102", "25.00"}, [2]string{"101", "10.00"}, [2]string{"100", "5.00"})}
	cursor := &fakeCursor{id: "100"}
	settings := &fakeSettings{}

	report, err := newTestController(client, cursor, settings, &fakeBalances{}).Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if len(report.Manual) != 2 {
		t.Fatalf("cursor 之后的新行应作为手动提现上报, got %d", len(report.Manual))
	}
	if report.Manual[0].ID != "102" || report.Manual[1].ID != "101" {
		t.Fatalf("unexpected manual rows: %+v", report.Manual)
	}
	if cursor.id != "102" {
		t.Fatalf("cursor must advance to the newest row, got %s", cursor.id)
	}
	if len(report.Results) != 0 {
		t.Fatal("auto mode disabled: no attempts expected")
	}
}

func TestCycleEmptyCursorSeedsWithoutReporting(t *testing.T) {
	client := &fakeClient{history: historyHTML([2]string{"102", "25.00"})}
	cursor := &fakeCursor{}

	report, err := newTestController(client, cursor, &fakeSettings{}, &fakeBalances{}).Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(report.Manual) != 0 {
		t.Fatal("an empty cursor must seed silently, not report history as manual")
	}
	if cursor.id != "102" {
		t.Fatalf("cursor must still advance, got %s", cursor.id)
	}
}

func TestCycleSkipsBalancesBelowFloor(t *testing.T) {
	client := &fakeClient{history: historyHTML()}
	settings := &fakeSettings{settings: storage.WithdrawalSettings{Auto: true, Amount: decimal.NewFromInt(100)}}
	balances := &fakeBalances{balances: Balances{Main: decimal.NewFromInt(50), Bonus: decimal.NewFromInt(12)}}

	report, err := newTestController(client, &fakeCursor{}, settings, balances).Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}

	for _, res := range report.Results {
		if res.Outcome != Skipped {
			t.Fatalf("低于 51 的余额应跳过, got %s for %s", res.Outcome, res.Balance)
		}
	}
	if len(client.posted) != 0 {
		t.Fatal("no request may be posted below the floor")
	}
}

func TestCycleSubmitsCappedAmountAndConfirms(t *testing.T) {
	client := &fakeClient{history: historyHTML([2]string{"200", "1.00"})}
	client.onPost = func(form url.Values) {
		client.history = historyHTML([2]string{"201", form.Get("amount")}, [2]string{"200", "1.00"})
	}
	settings := &fakeSettings{settings: storage.WithdrawalSettings{Auto: true, Amount: decimal.NewFromInt(100)}}
	balances := &fakeBalances{balances: Balances{Main: decimal.NewFromInt(52)}}

	report, err := newTestController(client, &fakeCursor{id: "200"}, settings, balances).Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if len(client.posted) != 1 {
		t.Fatalf("exactly one balance clears the floor, got %d posts", len(client.posted))
	}
	form := client.posted[0]
	if got := form.Get("amount"); got != "51" {
		t.Fatalf("amount should be min(cap, eligible-1)=51, got %s", got)
	}
	if form.Get("payment_method") != "18" {
		t.Fatalf("fixed method id expected, got %s", form.Get("payment_method"))
	}
	if form.Get("_token") != "tok-1" {
		t.Fatal("form token must come from the fresh request form")
	}

	if report.Results[0].Outcome != Confirmed {
		t.Fatalf("want Confirmed, got %s", report.Results[0].Outcome)
	}
}

func TestCycleRejectionCollectsBanners(t *testing.T) {
	client := &fakeClient{
		history:    historyHTML(),
		postLands:  requestURL,
		rejectHTML: `<div class="alert-danger"><strong>Whoops!</strong><ul><li>Limit reached</li></ul></div>`,
	}
	settings := &fakeSettings{settings: storage.WithdrawalSettings{Auto: true, Amount: decimal.NewFromInt(100)}}
	balances := &fakeBalances{balances: Balances{Main: decimal.NewFromInt(60)}}

	report, err := newTestController(client, &fakeCursor{}, settings, balances).Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}

	res := report.Results[0]
	if res.Outcome != Rejected {
		t.Fatalf("want Rejected, got %s", res.Outcome)
	}
	if len(res.Reasons) == 0 {
		t.Fatal("rejection must carry the banner text")
	}
}

func TestCycleNotFoundAfterFailsafe(t *testing.T) {
	client := &fakeClient{history: historyHTML([2]string{"200", "1.00"})}
	settings := &fakeSettings{settings: storage.WithdrawalSettings{Auto: true, Amount: decimal.NewFromInt(100)}}
	balances := &fakeBalances{balances: Balances{Main: decimal.NewFromInt(60)}}

	report, err := newTestController(client, &fakeCursor{id: "200"}, settings, balances).Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Results[0].Outcome != NotFound {
		t.Fatalf("invisible request should end as NotFound, got %s", report.Results[0].Outcome)
	}
}

func TestAmountsMatchTolerance(t *testing.T) {
	cases := []struct {
		got, want string
		match     bool
	}{
		{"51", "51", true},
		{"51.00", "51", true},
		{"50", "51", false},
		{"49.99", "49.995", true},
		{"50.01", "49.99", false},
		// 差值恰为 0.01 视为不匹配, 容差是严格小于
		{"49.98", "49.99", false},
		{"50.00", "49.99", false},
		{"49.995", "49.99", true},
	}
	for _, tc := range cases {
		got := decimal.RequireFromString(tc.got)
		want := decimal.RequireFromString(tc.want)
		if amountsMatch(got, want) != tc.match {
			t.Fatalf("amountsMatch(%s, %s): want %v", tc.got, tc.want, tc.match)
		}
	}
}
