package auth

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/filebrowser/internal/logging"
)

// maxValidationResponse bounds the serviceValidate body read.
const maxValidationResponse = 1 << 20

// LogoutURL builds the CAS logout URL that returns the browser to the
// application: <casServer>/cas/logout?url=http://<appServer>/.
func LogoutURL(casServer, appServer string) (string, error) {
	raw := casServer + "/cas/logout?url=http://" + appServer + "/"
	if _, err := checkURL(raw); err != nil {
		return "", err
	}
	if appServer == "" {
		return "", fmt.Errorf("empty application server: %w", ErrMalformedURL)
	}
	if _, err := checkURL("http://" + appServer + "/"); err != nil {
		return "", err
	}
	return raw, nil
}

// LoginURL builds the CAS login URL for service.
func LoginURL(casServer, service string) (string, error) {
	u, err := checkURL(casServer + "/cas/login")
	if err != nil {
		return "", err
	}
	u.RawQuery = url.Values{"service": {service}}.Encode()
	return u.String(), nil
}

// casResponse is the CAS 2.0 serviceValidate document.
type casResponse struct {
	XMLName xml.Name `xml:"serviceResponse"`
	Success *struct {
		User string `xml:"user"`
	} `xml:"authenticationSuccess"`
	Failure *struct {
		Code    string `xml:"code,attr"`
		Message string `xml:",chardata"`
	} `xml:"authenticationFailure"`
}

// CASProvider authenticates users against a CAS server.
type CASProvider struct {
	server    string
	appServer string
	client    *http.Client
}

// NewCASProvider creates a CAS provider. client may be nil.
func NewCASProvider(casServer, appServer string, client *http.Client) (*CASProvider, error) {
	casServer = strings.TrimSuffix(casServer, "/")
	if _, err := checkURL(casServer + "/cas/login"); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CASProvider{server: casServer, appServer: appServer, client: client}, nil
}

// Name returns "cas".
func (p *CASProvider) Name() string { return "cas" }

// BeginLogin redirects to the CAS login page.
func (p *CASProvider) BeginLogin(w http.ResponseWriter, r *http.Request, callbackURL string) {
	target, err := LoginURL(p.server, callbackURL)
	if err != nil {
		logging.WithContext(r.Context()).Error("build CAS login URL", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "login unavailable")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// CompleteLogin validates the ticket CAS appended to the callback.
func (p *CASProvider) CompleteLogin(ctx context.Context, _ http.ResponseWriter, r *http.Request, callbackURL string) (string, error) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		return "", fmt.Errorf("missing ticket: %w", ErrLoginFailed)
	}
	return p.ValidateTicket(ctx, ticket, callbackURL)
}

// ValidateTicket checks ticket with the CAS serviceValidate endpoint and
// returns the authenticated username.
func (p *CASProvider) ValidateTicket(ctx context.Context, ticket, service string) (string, error) {
	u, err := checkURL(p.server + "/cas/serviceValidate")
	if err != nil {
		return "", err
	}
	u.RawQuery = url.Values{"ticket": {ticket}, "service": {service}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build validation request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("validate ticket: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("validate ticket: CAS returned %s", resp.Status)
	}

	var doc casResponse
	if err := xml.NewDecoder(io.LimitReader(resp.Body, maxValidationResponse)).Decode(&doc); err != nil {
		return "", fmt.Errorf("parse validation response: %w", err)
	}
	switch {
	case doc.Success != nil && strings.TrimSpace(doc.Success.User) != "":
		return strings.TrimSpace(doc.Success.User), nil
	case doc.Failure != nil:
		return "", fmt.Errorf("%s: %s: %w", doc.Failure.Code, strings.TrimSpace(doc.Failure.Message), ErrLoginFailed)
	default:
		return "", fmt.Errorf("empty validation response: %w", ErrLoginFailed)
	}
}

// LogoutURL returns the CAS logout URL for this application.
func (p *CASProvider) LogoutURL() (string, error) {
	return LogoutURL(p.server, p.appServer)
}
