package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Solver obtains a captcha token for the login form.
type Solver interface {
	Solve(ctx context.Context, pageURL, siteKey string) (string, error)
}

// AntiCaptcha delegates recaptcha solving to the anti-captcha.com API
// (NoCaptchaTaskProxyless flow: createTask, then poll getTaskResult).
type AntiCaptcha struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  zerolog.Logger

	pollInterval time.Duration
}

// NewAntiCaptcha constructs an anti-captcha client.
func NewAntiCaptcha(apiKey, baseURL string, timeout time.Duration, logger zerolog.Logger) *AntiCaptcha {
	if baseURL == "" {
		baseURL = "https://api.anti-captcha.com"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &AntiCaptcha{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: timeout},
		logger:       logger.With().Str("component", "captcha").Logger(),
		pollInterval: 5 * time.Second,
	}
}

type createTaskRequest struct {
	ClientKey string `json:"clientKey"`
	Task      struct {
		Type       string `json:"type"`
		WebsiteURL string `json:"websiteURL"`
		WebsiteKey string `json:"websiteKey"`
	} `json:"task"`
}

type createTaskResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           int64  `json:"taskId"`
}

type taskResultResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorDescription string `json:"errorDescription"`
	Status           string `json:"status"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
	} `json:"solution"`
}

// Solve submits a NoCaptchaTaskProxyless task and polls until solved.
func (a *AntiCaptcha) Solve(ctx context.Context, pageURL, siteKey string) (string, error) {
	req := createTaskRequest{ClientKey: a.apiKey}
	req.Task.Type = "NoCaptchaTaskProxyless"
	req.Task.WebsiteURL = pageURL
	req.Task.WebsiteKey = siteKey

	var created createTaskResponse
	if err := a.post(ctx, "/createTask", req, &created); err != nil {
		return "", err
	}
	if created.ErrorID != 0 {
		return "", fmt.Errorf("anticaptcha createTask: %s", created.ErrorDescription)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.pollInterval):
		}

		var result taskResultResponse
		payload := map[string]any{"clientKey": a.apiKey, "taskId": created.TaskID}
		if err := a.post(ctx, "/getTaskResult", payload, &result); err != nil {
			return "", err
		}
		if result.ErrorID != 0 {
			return "", fmt.Errorf("anticaptcha getTaskResult: %s", result.ErrorDescription)
		}
		if result.Status == "ready" {
			a.logger.Debug().Int64("task_id", created.TaskID).Msg("captcha solved")
			return result.Solution.GRecaptchaResponse, nil
		}
	}
}

// Balance returns the remaining account balance; used as a startup check so
// the bot does not begin a login it cannot finish.
func (a *AntiCaptcha) Balance(ctx context.Context) (float64, error) {
	var result struct {
		ErrorID          int     `json:"errorId"`
		ErrorDescription string  `json:"errorDescription"`
		Balance          float64 `json:"balance"`
	}
	if err := a.post(ctx, "/getBalance", map[string]string{"clientKey": a.apiKey}, &result); err != nil {
		return 0, err
	}
	if result.ErrorID != 0 {
		return 0, errors.New(result.ErrorDescription)
	}
	return result.Balance, nil
}

func (a *AntiCaptcha) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal anticaptcha payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create anticaptcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send anticaptcha request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("anticaptcha status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode anticaptcha response: %w", err)
	}
	return nil
}

var _ Solver = (*AntiCaptcha)(nil)
