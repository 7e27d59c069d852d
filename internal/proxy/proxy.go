package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"
	"golang.org/x/net/publicsuffix"
)

// Provider supplies a fresh outbound proxy endpoint on demand.
type Provider interface {
	Endpoint(ctx context.Context) (string, error)
}

// Rotating always hands out the configured rotating-gateway URL; the
// gateway assigns a fresh egress IP to every new client built through it.
type Rotating struct {
	gatewayURL string
}

// NewRotating constructs a provider from gateway URL and credentials.
func NewRotating(gatewayURL, username, password string) (*Rotating, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy gateway url: %w", err)
	}
	if username != "" {
		u.User = url.UserPassword(username, password)
	}
	return &Rotating{gatewayURL: u.String()}, nil
}

// Endpoint returns the gateway URL.
func (r *Rotating) Endpoint(ctx context.Context) (string, error) {
	return r.gatewayURL, nil
}

// Disabled is the direct-connection provider.
type Disabled struct{}

// Endpoint reports that no proxy is available.
func (Disabled) Endpoint(ctx context.Context) (string, error) {
	return "", nil
}

var (
	_ Provider = (*Rotating)(nil)
	_ Provider = Disabled{}
)

// ClientOptions tune the constructed HTTP client.
type ClientOptions struct {
	ProxyURL  string
	UserAgent string
	Timeout   time.Duration
}

// NewHTTPClient builds a cookie-carrying, redirect-following client routed
// through the given proxy endpoint. An empty ProxyURL yields a direct
// client. http(s) and socks5 proxy schemes are supported.
func NewHTTPClient(opts ClientOptions) (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := &http.Transport{}
	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		switch u.Scheme {
		case "socks5", "socks5h":
			dialer, err := xproxy.FromURL(u, xproxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("create socks dialer: %w", err)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(xproxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			}
		default:
			transport.Proxy = http.ProxyURL(u)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &http.Client{
		Jar:       jar,
		Timeout:   timeout,
		Transport: &headerTransport{base: transport, userAgent: opts.UserAgent},
	}, nil
}

// headerTransport stamps default headers onto every outgoing request.
type headerTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}
