// Package session owns the single authenticated HTTP client for the
// affiliate panel: login, OTP, cookie persistence, and proxy-triggered
// session replacement.
package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"affiliate-sentinel/internal/captcha"
	"affiliate-sentinel/internal/extract"
	"affiliate-sentinel/internal/proxy"
)

const (
	otpMaxRetries  = 3
	otpRetryDelay  = 5 * time.Second
	loginBackoff   = 2 * time.Second
	twoFactorToken = `"is2FA":true`
)

// Options configure the session manager.
type Options struct {
	Email      string
	Password   string
	TOTPSecret string

	DashboardURL string
	LoginURL     string
	OTPVerifyURL string
	SiteKey      string

	UserAgent        string
	Timeout          time.Duration
	MaxLoginAttempts int
}

// Manager holds the live session. The client reference is swapped as a
// whole on rotation or re-login; readers always see a complete client.
type Manager struct {
	opts     Options
	provider proxy.Provider
	solver   captcha.Solver
	cookies  *CookieStore
	logger   zerolog.Logger

	mu       sync.Mutex
	client   *http.Client
	identity extract.AccountIdentity

	loginMu sync.Mutex
}

// NewManager constructs a session manager.
func NewManager(opts Options, provider proxy.Provider, solver captcha.Solver, cookies *CookieStore, logger zerolog.Logger) *Manager {
	if opts.MaxLoginAttempts <= 0 {
		opts.MaxLoginAttempts = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Manager{
		opts:     opts,
		provider: provider,
		solver:   solver,
		cookies:  cookies,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// Client returns the active HTTP client, constructing one on first use.
func (m *Manager) Client(ctx context.Context) (*http.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}
	client, err := m.buildClient(ctx)
	if err != nil {
		return nil, err
	}
	m.client = client
	return client, nil
}

// Rotate replaces the active client with one routed through a fresh proxy
// endpoint. The previous client is discarded wholesale.
func (m *Manager) Rotate(ctx context.Context) (*http.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, err := m.buildClient(ctx)
	if err != nil {
		return nil, err
	}
	m.client = client
	m.logger.Info().Msg("session client rotated to a fresh proxy endpoint")
	return client, nil
}

func (m *Manager) buildClient(ctx context.Context) (*http.Client, error) {
	endpoint, err := m.provider.Endpoint(ctx)
	if err != nil {
		// No working proxy is not fatal; fall back to a direct client.
		m.logger.Warn().Err(err).Msg("no proxy available, using direct connection")
		endpoint = ""
	}

	client, err := proxy.NewHTTPClient(proxy.ClientOptions{
		ProxyURL:  endpoint,
		UserAgent: m.opts.UserAgent,
		Timeout:   m.opts.Timeout,
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.cookies.Apply(client.Jar); err != nil {
		m.logger.Warn().Err(err).Msg("failed to load persisted cookies")
	}
	return client, nil
}

// Identity returns the last parsed account identity.
func (m *Manager) Identity() extract.AccountIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

func (m *Manager) setIdentity(ident extract.AccountIdentity) {
	m.mu.Lock()
	m.identity = ident
	m.mu.Unlock()
}

// SaveCookies persists the active jar; called after every fetch attempt.
func (m *Manager) SaveCookies() {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return
	}
	if err := m.cookies.Save(client.Jar); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist cookies")
	}
}

// EnsureAuthenticated probes the dashboard with the persisted session and
// performs a full login when the probe fails. Transport failures rotate
// the proxy and retry, bounded by MaxLoginAttempts.
func (m *Manager) EnsureAuthenticated(ctx context.Context) (extract.AccountIdentity, error) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxLoginAttempts; attempt++ {
		client, err := m.Client(ctx)
		if err != nil {
			return extract.AccountIdentity{}, err
		}

		ident, err := m.authenticate(ctx, client)
		if err == nil {
			m.setIdentity(ident)
			return ident, nil
		}
		lastErr = err

		if !IsTransportError(err) {
			return extract.AccountIdentity{}, err
		}

		m.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", m.opts.MaxLoginAttempts).
			Msg("login hit a transport failure, rotating proxy")
		if _, rerr := m.Rotate(ctx); rerr != nil {
			m.logger.Error().Err(rerr).Msg("proxy rotation failed")
		}

		select {
		case <-ctx.Done():
			return extract.AccountIdentity{}, ctx.Err()
		case <-time.After(loginBackoff):
		}
	}
	return extract.AccountIdentity{}, fmt.Errorf("login failed after %d attempts: %w", m.opts.MaxLoginAttempts, lastErr)
}

func (m *Manager) authenticate(ctx context.Context, client *http.Client) (extract.AccountIdentity, error) {
	html, loggedIn, err := m.probe(ctx, client)
	if err != nil {
		return extract.AccountIdentity{}, err
	}
	if loggedIn {
		m.logger.Debug().Msg("persisted session is still valid")
		m.SaveCookies()
		return extract.Identity(html)
	}

	m.logger.Debug().Msg("persisted session expired, performing full login")
	m.clearCookies(client)
	return m.login(ctx, client)
}

// probe fetches the dashboard; the session counts as logged in only when
// the final resolved URL equals the canonical dashboard URL.
func (m *Manager) probe(ctx context.Context, client *http.Client) (string, bool, error) {
	body, finalURL, err := m.get(ctx, client, m.opts.DashboardURL)
	if err != nil {
		return "", false, err
	}
	return body, sameURL(finalURL, m.opts.DashboardURL), nil
}

func (m *Manager) login(ctx context.Context, client *http.Client) (extract.AccountIdentity, error) {
	pageHTML, _, err := m.get(ctx, client, m.opts.DashboardURL)
	if err != nil {
		return extract.AccountIdentity{}, fmt.Errorf("fetch login page: %w", err)
	}

	token, err := extract.FormToken(pageHTML)
	if err != nil {
		return extract.AccountIdentity{}, fmt.Errorf("login page: %w", err)
	}

	captchaToken, err := m.solver.Solve(ctx, m.opts.LoginURL, m.opts.SiteKey)
	if err != nil {
		return extract.AccountIdentity{}, fmt.Errorf("solve captcha: %w", err)
	}

	form := url.Values{
		"_token":               {token},
		"email":                {m.opts.Email},
		"password":             {m.opts.Password},
		"g-recaptcha-response": {captchaToken},
	}

	body, finalURL, err := m.postForm(ctx, client, m.opts.LoginURL, form)
	if err != nil {
		return extract.AccountIdentity{}, fmt.Errorf("submit login: %w", err)
	}

	if strings.Contains(body, twoFactorToken) {
		body, finalURL, err = m.submitOTP(ctx, client, token)
		if err != nil {
			return extract.AccountIdentity{}, err
		}
	}

	if !sameURL(finalURL, m.opts.DashboardURL) {
		return extract.AccountIdentity{}, fmt.Errorf("login rejected, landed on %s", finalURL)
	}

	m.logger.Info().Msg("logged in successfully")
	m.SaveCookies()
	return extract.Identity(body)
}

// submitOTP posts the time-based one-time code, retrying a bounded number
// of times on transport timeout.
func (m *Manager) submitOTP(ctx context.Context, client *http.Client, token string) (string, string, error) {
	code, err := m.otpCode()
	if err != nil {
		return "", "", err
	}

	form := url.Values{
		"_token":            {token},
		"email":             {m.opts.Email},
		"password":          {m.opts.Password},
		"one_time_password": {code},
	}

	var lastErr error
	for attempt := 1; attempt <= otpMaxRetries; attempt++ {
		body, finalURL, err := m.postForm(ctx, client, m.opts.OTPVerifyURL, form)
		if err == nil {
			return body, finalURL, nil
		}
		lastErr = err
		if !IsTransportError(err) {
			return "", "", fmt.Errorf("otp verification: %w", err)
		}
		m.logger.Debug().Int("attempt", attempt).Int("max", otpMaxRetries).Msg("otp submission timed out, retrying")
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(otpRetryDelay):
		}
	}
	return "", "", fmt.Errorf("otp verification failed after %d attempts: %w", otpMaxRetries, lastErr)
}

// OTPCode exposes the current one-time code for forms outside the login
// flow that also demand it, such as the payment request form.
func (m *Manager) OTPCode() (string, error) {
	return m.otpCode()
}

// otpCode derives the current code from the shared secret, formatted the
// way the panel's OTP field expects ("123 456").
func (m *Manager) otpCode() (string, error) {
	if m.opts.TOTPSecret == "" {
		return "", fmt.Errorf("totp secret not configured")
	}
	code, err := totp.GenerateCode(m.opts.TOTPSecret, time.Now())
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return code[:3] + " " + code[3:], nil
}

func (m *Manager) clearCookies(client *http.Client) {
	if err := m.cookies.Clear(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to clear cookie file")
	}
	// A fresh jar drops the in-memory cookies as well.
	if fresh, err := proxy.NewHTTPClient(proxy.ClientOptions{UserAgent: m.opts.UserAgent, Timeout: m.opts.Timeout}); err == nil {
		client.Jar = fresh.Jar
	}
}

func (m *Manager) get(ctx context.Context, client *http.Client, target string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", "", err
	}
	return doRequest(client, req)
}

func (m *Manager) postForm(ctx context.Context, client *http.Client, target string, form url.Values) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doRequest(client, req)
}

func doRequest(client *http.Client, req *http.Request) (string, string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	return string(body), resp.Request.URL.String(), nil
}

func sameURL(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}
