// Package control is the operator command surface: a Telegram
// long-polling loop that starts and stops the broadcast, answers
// eligibility queries, and reconfigures auto-withdrawal.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"affiliate-sentinel/internal/alerting"
	"affiliate-sentinel/internal/scheduler"
	"affiliate-sentinel/internal/storage"
	"affiliate-sentinel/internal/withdraw"
)

const (
	pollTimeout  = 30
	pollFailWait = 5 * time.Second
)

const helpText = `Commands:
/start — resume the statistics broadcast
/stop — pause the statistics broadcast
/check_withdrawal — show withdrawable balances and eligibility
/autowithdrawal on|off — toggle automatic withdrawals
/autowithdrawal <amount|all> <minutes> — set the per-cycle cap and cycle length`

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// Options configure the command surface.
type Options struct {
	BotToken string
	BaseURL  string

	// MinWithdrawal is the eligibility floor echoed in replies.
	MinWithdrawal decimal.Decimal
}

// Surface owns the polling loop and command dispatch.
type Surface struct {
	opts     Options
	client   *http.Client
	notifier alerting.Notifier

	broadcast *scheduler.Loop
	settings  storage.SettingsStore
	balances  withdraw.BalanceSource

	logger zerolog.Logger
}

// NewSurface 构造操作指令轮询器。
func NewSurface(opts Options, notifier alerting.Notifier, broadcast *scheduler.Loop, settings storage.SettingsStore, balances withdraw.BalanceSource, logger zerolog.Logger) *Surface {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.telegram.org"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Surface{
		opts:      opts,
		client:    &http.Client{Timeout: (pollTimeout + 5) * time.Second},
		notifier:  notifier,
		broadcast: broadcast,
		settings:  settings,
		balances:  balances,
		logger:    logger.With().Str("component", "control").Logger(),
	}
}

// Run long-polls for updates until the context is cancelled.
func (s *Surface) Run(ctx context.Context) error {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("control polling stopped")
			return ctx.Err()
		default:
		}

		updates, err := s.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Msg("update poll failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollFailWait):
			}
			continue
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			text := strings.TrimSpace(update.Message.Text)
			chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
			s.logger.Info().Str("chat_id", chatID).Str("command", text).Msg("收到操作指令")

			reply := s.Handle(ctx, text)
			if reply == "" {
				continue
			}
			if err := s.notifier.Send(ctx, chatID, reply); err != nil {
				s.logger.Error().Err(err).Msg("command reply failed")
			}
		}
	}
}

// Handle dispatches one command line and returns the reply text.
func (s *Surface) Handle(ctx context.Context, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}

	switch fields[0] {
	case "/help":
		return helpText
	case "/start":
		s.broadcast.Start()
		return "Broadcast loop running."
	case "/stop":
		s.broadcast.Stop()
		return "Broadcast loop paused."
	case "/check_withdrawal":
		return s.checkWithdrawal(ctx)
	case "/autowithdrawal":
		return s.autoWithdrawal(ctx, fields[1:])
	default:
		return ""
	}
}

func (s *Surface) checkWithdrawal(ctx context.Context) string {
	balances, err := s.balances.Balances(ctx)
	if err != nil {
		return fmt.Sprintf("Balance check failed: %v", err)
	}

	render := func(name string, amount decimal.Decimal) string {
		if amount.GreaterThanOrEqual(s.opts.MinWithdrawal) {
			return fmt.Sprintf("%s: $%s — eligible", name, amount.StringFixed(2))
		}
		return fmt.Sprintf("%s: $%s — below the $%s floor", name, amount.StringFixed(2), s.opts.MinWithdrawal.String())
	}
	return render("Main balance", balances.Main) + "\n" + render("Bonus balance", balances.Bonus)
}

func (s *Surface) autoWithdrawal(ctx context.Context, args []string) string {
	switch len(args) {
	case 1:
		switch args[0] {
		case "on", "off":
			enabled := args[0] == "on"
			if err := s.settings.SetAutoWithdrawal(ctx, enabled); err != nil {
				return fmt.Sprintf("Settings update failed: %v", err)
			}
			if enabled {
				return "Auto-withdrawal enabled."
			}
			return "Auto-withdrawal disabled."
		default:
			return "Usage: /autowithdrawal on|off"
		}
	case 2:
		autoAll := args[0] == "all"
		amount := storage.UnlimitedCap
		if !autoAll {
			parsed, err := decimal.NewFromString(args[0])
			if err != nil || !parsed.IsPositive() {
				return "Amount must be a positive number or \"all\"."
			}
			amount = parsed
		}
		minutes, err := strconv.Atoi(args[1])
		if err != nil || minutes <= 0 {
			return "Period must be a positive number of minutes."
		}
		if err := s.settings.UpdateWithdrawalSettings(ctx, amount, autoAll, minutes); err != nil {
			return fmt.Sprintf("Settings update failed: %v", err)
		}
		return fmt.Sprintf("Auto-withdrawal cap set to %s every %d minutes.", args[0], minutes)
	default:
		return "Usage: /autowithdrawal on|off or /autowithdrawal <amount|all> <minutes>"
	}
}

func (s *Surface) getUpdates(ctx context.Context, offset int64) ([]telegramUpdate, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates?offset=%d&timeout=%d", s.opts.BaseURL, s.opts.BotToken, offset, pollTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create poll request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll updates: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read poll response: %w", err)
	}

	var result struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram 返回 ok=false")
	}
	return result.Result, nil
}
