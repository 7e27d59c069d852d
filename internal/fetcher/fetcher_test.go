package fetcher

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type flakyTransport struct {
	fails int
	calls int
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls++
	if t.calls <= t.fails {
		return nil, &net.OpError{Op: "read", Err: syscall.ECONNRESET}
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Request:    req,
	}, nil
}

type stubSource struct {
	client    *http.Client
	rotations int
	saves     int
}

func (s *stubSource) Client(ctx context.Context) (*http.Client, error) {
	return s.client, nil
}

func (s *stubSource) Rotate(ctx context.Context) (*http.Client, error) {
	s.rotations++
	return s.client, nil
}

func (s *stubSource) SaveCookies() {
	s.saves++
}

func newTestFetcher(transport http.RoundTripper) (*Fetcher, *stubSource) {
	source := &stubSource{client: &http.Client{Transport: transport}}
	f := New(source, zerolog.Nop())
	f.retryDelay = time.Millisecond
	return f, source
}

func TestGetRotatesOnTransportFailure(t *testing.T) {
	transport := &flakyTransport{fails: 2}
	f, source := newTestFetcher(transport)

	resp, err := f.Get(context.Background(), "http://panel.test/stats", Options{})
	if err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if source.rotations != 2 {
		t.Fatalf("每次传输失败后都应轮换代理, got %d rotations", source.rotations)
	}
	if source.saves != 1 {
		t.Fatalf("cookies must be saved once per call, got %d", source.saves)
	}
}

func TestGetGivesUpAfterMaxAttempts(t *testing.T) {
	transport := &flakyTransport{fails: 10}
	f, source := newTestFetcher(transport)

	if _, err := f.Get(context.Background(), "http://panel.test/stats", Options{}); err == nil {
		t.Fatal("persistent transport failure must surface an error")
	}
	if transport.calls != maxAttempts {
		t.Fatalf("want %d attempts, got %d", maxAttempts, transport.calls)
	}
	// No rotation after the final failed attempt.
	if source.rotations != maxAttempts-1 {
		t.Fatalf("want %d rotations, got %d", maxAttempts-1, source.rotations)
	}
}

type statusTransport struct {
	status int
	calls  int
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls++
	return &http.Response{
		StatusCode: t.status,
		Body:       io.NopCloser(strings.NewReader("denied")),
		Request:    req,
	}, nil
}

func TestGetDoesNotRetryHTTPErrors(t *testing.T) {
	transport := &statusTransport{status: http.StatusForbidden}
	f, source := newTestFetcher(transport)

	resp, err := f.Get(context.Background(), "http://panel.test/stats", Options{})
	if err != nil {
		t.Fatalf("an HTTP error status is not a transport failure: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status must pass through, got %d", resp.StatusCode)
	}
	if transport.calls != 1 || source.rotations != 0 {
		t.Fatalf("HTTP 错误不应触发重试或轮换: calls=%d rotations=%d", transport.calls, source.rotations)
	}
}
