package control

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"affiliate-sentinel/internal/scheduler"
	"affiliate-sentinel/internal/storage"
	"affiliate-sentinel/internal/withdraw"
)

type recordingSettings struct {
	auto          *bool
	amount        decimal.Decimal
	autoAll       bool
	periodMinutes int
}

func (r *recordingSettings) GetWithdrawalSettings(ctx context.Context) (storage.WithdrawalSettings, error) {
	return storage.WithdrawalSettings{}, nil
}

func (r *recordingSettings) SetAutoWithdrawal(ctx context.Context, enabled bool) error {
	r.auto = &enabled
	return nil
}

func (r *recordingSettings) UpdateWithdrawalSettings(ctx context.Context, amount decimal.Decimal, autoAll bool, periodMinutes int) error {
	r.amount = amount
	r.autoAll = autoAll
	r.periodMinutes = periodMinutes
	return nil
}

type stubBalances struct {
	balances withdraw.Balances
}

func (s *stubBalances) Balances(ctx context.Context) (withdraw.Balances, error) {
	return s.balances, nil
}

type silentNotifier struct{}

func (silentNotifier) Send(ctx context.Context, chatID, text string) error {
	return nil
}

func newTestSurface(settings *recordingSettings, balances *stubBalances) (*Surface, *scheduler.Loop) {
	loop := scheduler.NewLoop("broadcast", func(ctx context.Context, now time.Time) error { return nil }, nil, zerolog.Nop())
	surface := NewSurface(Options{
		BotToken:      "token",
		MinWithdrawal: decimal.NewFromInt(51),
	}, silentNotifier{}, loop, settings, balances, zerolog.Nop())
	return surface, loop
}

func TestHandleStartStop(t *testing.T) {
	surface, loop := newTestSurface(&recordingSettings{}, &stubBalances{})
	ctx := context.Background()

	surface.Handle(ctx, "/stop")
	if loop.Running() {
		t.Fatal("/stop 应暂停广播循环")
	}
	surface.Handle(ctx, "/start")
	if !loop.Running() {
		t.Fatal("/start 应恢复广播循环")
	}
}

func TestHandleCheckWithdrawal(t *testing.T) {
	surface, _ := newTestSurface(&recordingSettings{}, &stubBalances{
		balances: withdraw.Balances{
			Main:  decimal.NewFromInt(60),
			Bonus: decimal.NewFromInt(12),
		},
	})

	reply := surface.Handle(context.Background(), "/check_withdrawal")
	if !strings.Contains(reply, "Main balance: $60.00 — eligible") {
		t.Fatalf("main balance should be eligible:\n%s", reply)
	}
	if !strings.Contains(reply, "below the $51 floor") {
		t.Fatalf("bonus balance should report the floor:\n%s", reply)
	}
}

func TestHandleAutoWithdrawalToggle(t *testing.T) {
	settings := &recordingSettings{}
	surface, _ := newTestSurface(settings, &stubBalances{})
	ctx := context.Background()

	surface.Handle(ctx, "/autowithdrawal on")
	if settings.auto == nil || !*settings.auto {
		t.Fatal("on should enable auto mode")
	}
	surface.Handle(ctx, "/autowithdrawal off")
	if settings.auto == nil || *settings.auto {
		t.Fatal("off should disable auto mode")
	}
}

func TestHandleAutoWithdrawalConfiguration(t *testing.T) {
	settings := &recordingSettings{}
	surface, _ := newTestSurface(settings, &stubBalances{})
	ctx := context.Background()

	surface.Handle(ctx, "/autowithdrawal 250 30")
	if !settings.amount.Equal(decimal.NewFromInt(250)) || settings.periodMinutes != 30 {
		t.Fatalf("cap/period not stored: %s %d", settings.amount, settings.periodMinutes)
	}
	if settings.autoAll {
		t.Fatal("a numeric cap is not all-mode")
	}

	surface.Handle(ctx, "/autowithdrawal all 60")
	if !settings.autoAll {
		t.Fatal("\"all\" should switch to full-balance mode")
	}
	if !settings.amount.Equal(storage.UnlimitedCap) {
		t.Fatalf("all 模式应写入无限额哨兵值, got %s", settings.amount)
	}
}

func TestHandleAutoWithdrawalValidation(t *testing.T) {
	settings := &recordingSettings{}
	surface, _ := newTestSurface(settings, &stubBalances{})
	ctx := context.Background()

	if reply := surface.Handle(ctx, "/autowithdrawal -5 30"); !strings.Contains(reply, "positive") {
		t.Fatalf("negative cap must be rejected, got %q", reply)
	}
	if reply := surface.Handle(ctx, "/autowithdrawal 100 zero"); !strings.Contains(reply, "minutes") {
		t.Fatalf("bad period must be rejected, got %q", reply)
	}
	if reply := surface.Handle(ctx, "/autowithdrawal"); !strings.Contains(reply, "Usage") {
		t.Fatalf("missing args must print usage, got %q", reply)
	}
	if settings.periodMinutes != 0 {
		t.Fatal("invalid input must not touch stored settings")
	}
}

func TestHandleUnknownCommandStaysSilent(t *testing.T) {
	surface, _ := newTestSurface(&recordingSettings{}, &stubBalances{})
	if reply := surface.Handle(context.Background(), "/selfdestruct"); reply != "" {
		t.Fatalf("unknown commands should be ignored, got %q", reply)
	}
}
