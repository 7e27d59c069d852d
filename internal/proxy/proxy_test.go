package proxy

import (
	"net/http"
	"testing"
	"time"
)

func TestNewHTTPClientDirect(t *testing.T) {
	client, err := NewHTTPClient(ClientOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("direct client: %v", err)
	}
	if client.Jar == nil {
		t.Fatal("客户端必须携带 cookie jar")
	}
}

func TestNewHTTPClientSocks5(t *testing.T) {
	client, err := NewHTTPClient(ClientOptions{ProxyURL: "socks5://127.0.0.1:1080", Timeout: time.Second})
	if err != nil {
		t.Fatalf("socks5 client: %v", err)
	}
	ht, ok := client.Transport.(*headerTransport)
	if !ok {
		t.Fatalf("transport should stamp default headers, got %T", client.Transport)
	}
	base, ok := ht.base.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected base transport %T", ht.base)
	}
	if base.DialContext == nil {
		t.Fatal("socks5 代理必须通过 DialContext 接线")
	}
	if base.Proxy != nil {
		t.Fatal("socks5 clients do not also set an http proxy")
	}
}

func TestNewHTTPClientRejectsBadURL(t *testing.T) {
	if _, err := NewHTTPClient(ClientOptions{ProxyURL: "http://bad url"}); err == nil {
		t.Fatal("malformed proxy url should be rejected")
	}
}
