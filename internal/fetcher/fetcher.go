// Package fetcher wraps panel requests with bounded retry-on-transport
// failure and proxy rotation.
package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"affiliate-sentinel/internal/session"
)

const maxAttempts = 3

// ClientSource yields the current authenticated client and can replace it.
type ClientSource interface {
	Client(ctx context.Context) (*http.Client, error)
	Rotate(ctx context.Context) (*http.Client, error)
	SaveCookies()
}

// Response is the digested result of a panel request.
type Response struct {
	StatusCode int
	FinalURL   string
	Body       []byte
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// LandedOn reports whether the request's final resolved URL equals target.
func (r *Response) LandedOn(target string) bool {
	return strings.TrimRight(r.FinalURL, "/") == strings.TrimRight(target, "/")
}

// Options tune a single request.
type Options struct {
	Headers map[string]string
	Timeout time.Duration
}

// Fetcher performs resilient GET/POST requests through the session client.
type Fetcher struct {
	source ClientSource
	logger zerolog.Logger

	retryDelay time.Duration
}

// New constructs a Fetcher.
func New(source ClientSource, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		source:     source,
		logger:     logger.With().Str("component", "fetcher").Logger(),
		retryDelay: 2 * time.Second,
	}
}

// Get fetches a URL, rotating the proxy on transport errors, up to three
// attempts total. Non-transport HTTP errors are returned to the caller
// untouched.
func (f *Fetcher) Get(ctx context.Context, target string, opts Options) (*Response, error) {
	return f.do(ctx, http.MethodGet, target, "", opts)
}

// PostForm submits a URL-encoded form with the same retry discipline.
func (f *Fetcher) PostForm(ctx context.Context, target string, form url.Values, opts Options) (*Response, error) {
	if opts.Headers == nil {
		opts.Headers = map[string]string{}
	}
	opts.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	return f.do(ctx, http.MethodPost, target, form.Encode(), opts)
}

func (f *Fetcher) do(ctx context.Context, method, target, body string, opts Options) (*Response, error) {
	// Cookies are written back no matter how the call ends; a login that
	// half-succeeded still refreshed part of the session.
	defer f.source.SaveCookies()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		client, err := f.source.Client(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := f.attempt(ctx, client, method, target, body, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !session.IsTransportError(err) {
			return nil, err
		}

		f.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Str("url", target).
			Msg("transport failure")

		if attempt == maxAttempts {
			break
		}
		if _, rerr := f.source.Rotate(ctx); rerr != nil {
			f.logger.Error().Err(rerr).Msg("proxy rotation failed")
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.retryDelay):
		}
	}
	return nil, lastErr
}

func (f *Fetcher) attempt(ctx context.Context, client *http.Client, method, target, body string, opts Options) (*Response, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	for name, value := range opts.Headers {
		req.Header.Set(name, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		FinalURL:   resp.Request.URL.String(),
		Body:       raw,
	}, nil
}

var _ ClientSource = (*session.Manager)(nil)
