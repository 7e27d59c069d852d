package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// maxSendAttempts bounds the flood-control retries per recipient.
	maxSendAttempts = 3

	defaultRetryAfter = 5 * time.Second
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Send(ctx context.Context, chatID, text string) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
		sleep:    sleepCtx,
	}
}

// Send 调用 sendMessage API 推送文本。A 429 answer is retried after the
// server-specified delay, a bounded number of times.
func (n *TelegramNotifier) Send(ctx context.Context, chatID, text string) error {
	payload := map[string]string{
		"chat_id":    chatID,
		"text":       FixupCurrency(text),
		"parse_mode": "Markdown",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)

	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		retryAfter, err := n.post(ctx, url, body)
		if err == nil {
			n.logger.Info().Str("chat_id", chatID).Msg("告警已发送 (Telegram)")
			return nil
		}
		lastErr = err

		if retryAfter <= 0 {
			return err
		}
		n.logger.Warn().
			Dur("retry_after", retryAfter).
			Int("attempt", attempt).
			Msg("telegram flood control, waiting")
		if serr := n.sleep(ctx, retryAfter); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", maxSendAttempts, lastErr)
}

// post performs one sendMessage call. On HTTP 429 it returns the delay
// the server asked for alongside the error.
func (n *TelegramNotifier) post(ctx context.Context, url string, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		var throttled struct {
			Parameters struct {
				RetryAfter int `json:"retry_after"`
			} `json:"parameters"`
		}
		retryAfter := defaultRetryAfter
		if err := json.NewDecoder(resp.Body).Decode(&throttled); err == nil && throttled.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(throttled.Parameters.RetryAfter) * time.Second
		}
		return retryAfter, fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return 0, fmt.Errorf("telegram 返回 ok=false")
	}
	return 0, nil
}

// FixupCurrency rewrites "$+12.3" into "+$12.3"; signed dollar figures
// read better with the sign first.
func FixupCurrency(text string) string {
	return strings.ReplaceAll(text, "$+", "+$")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

var _ Notifier = (*TelegramNotifier)(nil)
