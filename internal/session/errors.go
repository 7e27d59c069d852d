package session

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// IsTransportError reports whether the error is a transport-level failure
// (connect, proxy, read, or timeout) that a proxy rotation may fix, as
// opposed to an HTTP-level or application error.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var opErr *net.OpError
		if errors.As(urlErr.Err, &opErr) {
			return true
		}
	}

	return LooksLikeProxyError(err)
}

// LooksLikeProxyError matches error text that suggests a proxy or
// connection failure. The loops use it to decide whether a proactive
// rotation is worth trying before the next iteration.
func LooksLikeProxyError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "proxy") ||
		strings.Contains(text, "connection") ||
		strings.Contains(text, "connect:") ||
		strings.Contains(text, "eof")
}
