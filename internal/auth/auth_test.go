package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/fruitsalade/filebrowser/internal/session"
)

func TestLogoutURL(t *testing.T) {
	got, err := LogoutURL("https://cas.example.com", "files.example.com:8080")
	if err != nil {
		t.Fatalf("LogoutURL: %v", err)
	}
	want := "https://cas.example.com/cas/logout?url=http://files.example.com:8080/"
	if got != want {
		t.Errorf("LogoutURL = %q, want %q", got, want)
	}
}

func TestLogoutURLMalformed(t *testing.T) {
	tests := []struct {
		cas, app string
	}{
		{"", "files.example.com"},
		{"cas.example.com", "files.example.com"},
		{"ftp://cas.example.com", "files.example.com"},
		{"https://cas.example.com", ""},
		{"https://cas.example.com", "bad host"},
		{"https://cas example.com", "files.example.com"},
	}
	for _, tt := range tests {
		if _, err := LogoutURL(tt.cas, tt.app); !errors.Is(err, ErrMalformedURL) {
			t.Errorf("LogoutURL(%q, %q) error = %v, want ErrMalformedURL", tt.cas, tt.app, err)
		}
	}
}

func TestLoginURL(t *testing.T) {
	got, err := LoginURL("https://cas.example.com", "http://app/login/callback")
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://cas.example.com/cas/login?service=http%3A%2F%2Fapp%2Flogin%2Fcallback" {
		t.Errorf("LoginURL = %q", got)
	}
}

func TestHomeFolder(t *testing.T) {
	got, err := HomeFolder("/data/users/", "alice")
	if err != nil || got != "/data/users/alice" {
		t.Errorf("HomeFolder = %q, %v", got, err)
	}
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, ".hidden"} {
		if _, err := HomeFolder("/data/users", bad); !errors.Is(err, ErrInvalidUsername) {
			t.Errorf("HomeFolder(%q) error = %v", bad, err)
		}
	}
}

const casSuccess = `<cas:serviceResponse xmlns:cas="http://www.yale.edu/tp/cas">
  <cas:authenticationSuccess>
    <cas:user>alice</cas:user>
  </cas:authenticationSuccess>
</cas:serviceResponse>`

const casFailure = `<cas:serviceResponse xmlns:cas="http://www.yale.edu/tp/cas">
  <cas:authenticationFailure code="INVALID_TICKET">Ticket ST-1 not recognized</cas:authenticationFailure>
</cas:serviceResponse>`

func newCASServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cas/serviceValidate" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("service") != "http://app.test/login/callback" {
			w.Write([]byte(casFailure))
			return
		}
		switch r.URL.Query().Get("ticket") {
		case "ST-good":
			w.Write([]byte(casSuccess))
		case "ST-broken":
			w.Write([]byte("<not-xml"))
		case "ST-500":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Write([]byte(casFailure))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCASValidateTicket(t *testing.T) {
	srv := newCASServer(t)
	p, err := NewCASProvider(srv.URL+"/", "app.test", srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	service := "http://app.test/login/callback"

	user, err := p.ValidateTicket(ctx, "ST-good", service)
	if err != nil || user != "alice" {
		t.Errorf("ValidateTicket(good) = %q, %v", user, err)
	}
	if _, err := p.ValidateTicket(ctx, "ST-bad", service); !errors.Is(err, ErrLoginFailed) {
		t.Errorf("ValidateTicket(bad) error = %v", err)
	} else if !strings.Contains(err.Error(), "INVALID_TICKET") {
		t.Errorf("failure code missing from %q", err)
	}
	if _, err := p.ValidateTicket(ctx, "ST-good", "http://evil.test/"); !errors.Is(err, ErrLoginFailed) {
		t.Errorf("wrong service accepted: %v", err)
	}
	if _, err := p.ValidateTicket(ctx, "ST-broken", service); err == nil {
		t.Error("broken XML accepted")
	}
	if _, err := p.ValidateTicket(ctx, "ST-500", service); err == nil {
		t.Error("HTTP 500 accepted")
	}
}

func TestCASLoginFlow(t *testing.T) {
	srv := newCASServer(t)
	p, _ := NewCASProvider(srv.URL, "app.test", srv.Client())
	callback := "http://app.test/login/callback"

	rec := httptest.NewRecorder()
	p.BeginLogin(rec, httptest.NewRequest(http.MethodGet, "/login", nil), callback)
	if rec.Code != http.StatusFound {
		t.Fatalf("BeginLogin status = %d", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Path != "/cas/login" || loc.Query().Get("service") != callback {
		t.Errorf("Location = %s", loc)
	}

	req := httptest.NewRequest(http.MethodGet, "/login/callback?ticket=ST-good", nil)
	user, err := p.CompleteLogin(context.Background(), httptest.NewRecorder(), req, callback)
	if err != nil || user != "alice" {
		t.Errorf("CompleteLogin = %q, %v", user, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/login/callback", nil)
	if _, err := p.CompleteLogin(context.Background(), httptest.NewRecorder(), req, callback); !errors.Is(err, ErrLoginFailed) {
		t.Errorf("missing ticket error = %v", err)
	}

	logout, err := p.LogoutURL()
	if err != nil || logout != srv.URL+"/cas/logout?url=http://app.test/" {
		t.Errorf("LogoutURL = %q, %v", logout, err)
	}
}

func newDiscoveryServer(t *testing.T, endSession bool) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		doc := map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/auth",
			"token_endpoint":         srv.URL + "/token",
			"jwks_uri":               srv.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		}
		if endSession {
			doc["end_session_endpoint"] = srv.URL + "/logout"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOIDCLoginRedirectAndState(t *testing.T) {
	srv := newDiscoveryServer(t, true)
	p, err := NewOIDCProvider(context.Background(), OIDCConfig{
		IssuerURL: srv.URL,
		ClientID:  "filebrowser",
		BaseURL:   "http://app.test/",
	})
	if err != nil {
		t.Fatalf("NewOIDCProvider: %v", err)
	}

	callback := "http://app.test/login/callback"
	rec := httptest.NewRecorder()
	p.BeginLogin(rec, httptest.NewRequest(http.MethodGet, "/login", nil), callback)
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if !strings.HasPrefix(loc.String(), srv.URL+"/auth?") {
		t.Fatalf("Location = %s", loc)
	}
	if loc.Query().Get("redirect_uri") != callback || loc.Query().Get("client_id") != "filebrowser" {
		t.Errorf("query = %v", loc.Query())
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != loc.Query().Get("state") {
		t.Fatalf("state cookie = %v", cookies)
	}

	req := httptest.NewRequest(http.MethodGet, "/login/callback?state=forged&code=x", nil)
	req.AddCookie(cookies[0])
	if _, err := p.CompleteLogin(context.Background(), httptest.NewRecorder(), req, callback); !errors.Is(err, ErrLoginFailed) {
		t.Errorf("forged state error = %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/login/callback?state=x", nil)
	if _, err := p.CompleteLogin(context.Background(), httptest.NewRecorder(), req, callback); !errors.Is(err, ErrLoginFailed) {
		t.Errorf("missing cookie error = %v", err)
	}
}

func TestOIDCLogoutURL(t *testing.T) {
	for _, endSession := range []bool{true, false} {
		t.Run(fmt.Sprint("end_session=", endSession), func(t *testing.T) {
			srv := newDiscoveryServer(t, endSession)
			p, err := NewOIDCProvider(context.Background(), OIDCConfig{
				IssuerURL: srv.URL,
				ClientID:  "filebrowser",
				BaseURL:   "http://app.test/",
			})
			if err != nil {
				t.Fatal(err)
			}
			got, err := p.LogoutURL()
			if err != nil {
				t.Fatal(err)
			}
			if !endSession {
				if got != "http://app.test/" {
					t.Errorf("LogoutURL = %q", got)
				}
				return
			}
			u, _ := url.Parse(got)
			if u.Path != "/logout" || u.Query().Get("post_logout_redirect_uri") != "http://app.test/" {
				t.Errorf("LogoutURL = %q", got)
			}
		})
	}
}

func TestRequireUser(t *testing.T) {
	h := RequireUser(session.ContextSource{}, "/login")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/login" {
		t.Errorf("page: status=%d location=%q", rec.Code, rec.Header().Get("Location"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/files", nil))
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "login required") {
		t.Errorf("api: status=%d body=%q", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(session.WithUser(req.Context(), "sid", &session.UserInfo{Username: "alice", RootFolder: "/r"}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Body.String() != "ok" {
		t.Errorf("authenticated body = %q", rec.Body.String())
	}
}
