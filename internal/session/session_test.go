package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"affiliate-sentinel/internal/proxy"
)

const dashboardHTML = `<html><body>
<span class="status-block-color">Gold</span>
<span class="text-truncate-md">Affiliate</span>
<span class="text-truncate-md">partner@mail.test</span>
<span class="text-truncate-md">ID: 77</span>
</body></html>`

const loginHTML = `<html><body>
<form method="post"><input type="hidden" name="_token" value="csrf-123"></form>
</body></html>`

type countingSolver struct {
	calls int
}

func (s *countingSolver) Solve(ctx context.Context, pageURL, siteKey string) (string, error) {
	s.calls++
	return "captcha-token", nil
}

func newPanelServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sess"); err == nil && c.Value == "ok" {
			w.Write([]byte(dashboardHTML))
			return
		}
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(loginHTML))
			return
		}
		if r.FormValue("_token") != "csrf-123" || r.FormValue("g-recaptcha-response") == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sess", Value: "ok", Path: "/"})
		http.Redirect(w, r, "/dashboard", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, srv *httptest.Server, solver *countingSolver) (*Manager, string) {
	t.Helper()
	cookiesPath := filepath.Join(t.TempDir(), "cookies.json")
	cookies, err := NewCookieStore(cookiesPath, srv.URL)
	if err != nil {
		t.Fatalf("cookie store: %v", err)
	}

	mgr := NewManager(Options{
		Email:        "partner@mail.test",
		Password:     "secret",
		DashboardURL: srv.URL + "/dashboard",
		LoginURL:     srv.URL + "/login",
		OTPVerifyURL: srv.URL + "/otp",
	}, proxy.Disabled{}, solver, cookies, zerolog.Nop())
	return mgr, cookiesPath
}

func TestEnsureAuthenticatedPerformsFullLogin(t *testing.T) {
	srv := newPanelServer(t)
	solver := &countingSolver{}
	mgr, cookiesPath := newTestManager(t, srv, solver)

	ident, err := mgr.EnsureAuthenticated(context.Background())
	if err != nil {
		t.Fatalf("ensure authenticated: %v", err)
	}

	if ident.Email != "partner@mail.test" {
		t.Fatalf("identity email not parsed, got %q", ident.Email)
	}
	if ident.ID != "77" {
		t.Fatalf("identity id should strip the label, got %q", ident.ID)
	}
	if ident.Status != "Gold" {
		t.Fatalf("identity status not parsed, got %q", ident.Status)
	}
	if solver.calls != 1 {
		t.Fatalf("完整登录应恰好解一次验证码, got %d", solver.calls)
	}

	if _, err := os.Stat(cookiesPath); err != nil {
		t.Fatalf("cookies must be persisted after login: %v", err)
	}
}

func TestEnsureAuthenticatedReusesValidSession(t *testing.T) {
	srv := newPanelServer(t)
	solver := &countingSolver{}
	mgr, _ := newTestManager(t, srv, solver)

	if _, err := mgr.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("first login: %v", err)
	}
	if _, err := mgr.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("second call: %v", err)
	}

	if solver.calls != 1 {
		t.Fatalf("有效会话不应重新登录, got %d captcha solves", solver.calls)
	}
}

func TestSameURLIgnoresTrailingSlash(t *testing.T) {
	if !sameURL("http://a.test/dash/", "http://a.test/dash") {
		t.Fatal("trailing slashes must not matter")
	}
	if sameURL("http://a.test/dash", "http://a.test/login") {
		t.Fatal("different paths must not match")
	}
}

func TestOTPCodeFormatting(t *testing.T) {
	mgr := &Manager{opts: Options{}}
	if _, err := mgr.otpCode(); err == nil {
		t.Fatal("缺少 totp secret 时应返回错误")
	}
}
