package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fruitsalade/filebrowser/internal/logging"
)

const stateCookie = "filebrowser_oidc_state"

// OIDCConfig holds OIDC provider configuration.
type OIDCConfig struct {
	IssuerURL    string // e.g. https://keycloak.example.com/realms/filebrowser
	ClientID     string
	ClientSecret string

	// BaseURL is where the browser lands after logging out.
	BaseURL       string
	SecureCookies bool
}

// OIDCProvider logs users in with the authorization code flow.
type OIDCProvider struct {
	verifier   *oidc.IDTokenVerifier
	oauth      oauth2.Config
	config     OIDCConfig
	endSession string
}

// NewOIDCProvider discovers the provider configuration at cfg.IssuerURL.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider init: %w", err)
	}

	var discovery struct {
		EndSession string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&discovery); err != nil {
		logging.Warn("oidc discovery claims unreadable", zap.Error(err))
	}

	logging.Info("OIDC provider initialized",
		zap.String("issuer", cfg.IssuerURL),
		zap.String("client_id", cfg.ClientID),
		zap.Bool("end_session", discovery.EndSession != ""))

	return &OIDCProvider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		config:     cfg,
		endSession: discovery.EndSession,
	}, nil
}

// Name returns "oidc".
func (p *OIDCProvider) Name() string { return "oidc" }

// BeginLogin stores a random state in a cookie and redirects to the
// provider's authorization endpoint.
func (p *OIDCProvider) BeginLogin(w http.ResponseWriter, r *http.Request, callbackURL string) {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/login",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   p.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	cfg := p.oauth
	cfg.RedirectURL = callbackURL
	http.Redirect(w, r, cfg.AuthCodeURL(state), http.StatusFound)
}

// CompleteLogin checks the state, exchanges the code and verifies the ID
// token. The username is preferred_username, then email, then sub.
func (p *OIDCProvider) CompleteLogin(ctx context.Context, w http.ResponseWriter, r *http.Request, callbackURL string) (string, error) {
	c, err := r.Cookie(stateCookie)
	if err != nil {
		return "", fmt.Errorf("missing state cookie: %w", ErrLoginFailed)
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/login", MaxAge: -1})

	q := r.URL.Query()
	if subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(c.Value)) != 1 {
		return "", fmt.Errorf("state mismatch: %w", ErrLoginFailed)
	}
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("provider error %s: %w", e, ErrLoginFailed)
	}

	cfg := p.oauth
	cfg.RedirectURL = callbackURL
	token, err := cfg.Exchange(ctx, q.Get("code"))
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	rawID, ok := token.Extra("id_token").(string)
	if !ok || rawID == "" {
		return "", errors.New("token response has no id_token")
	}
	idToken, err := p.verifier.Verify(ctx, rawID)
	if err != nil {
		return "", fmt.Errorf("verify id token: %w", err)
	}

	// Extract standard claims
	var claims struct {
		Sub               string `json:"sub"`
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("parse oidc claims: %w", err)
	}

	// Determine username: prefer preferred_username, fallback to email, then sub
	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = claims.Sub
	}
	return username, nil
}

// LogoutURL returns the provider's end-session endpoint when it advertises
// one, otherwise the application base URL.
func (p *OIDCProvider) LogoutURL() (string, error) {
	if p.endSession == "" {
		if _, err := checkURL(p.config.BaseURL); err != nil {
			return "", err
		}
		return p.config.BaseURL, nil
	}
	u, err := checkURL(p.endSession)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("client_id", p.config.ClientID)
	q.Set("post_logout_redirect_uri", p.config.BaseURL)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
