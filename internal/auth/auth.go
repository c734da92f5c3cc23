// Package auth provides single sign-on login and logout for the file
// browser. Users are authenticated by an external provider (CAS or OIDC);
// the application keeps no passwords.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"

	"github.com/fruitsalade/filebrowser/internal/models"
	"github.com/fruitsalade/filebrowser/internal/pathcodec"
)

var (
	// ErrMalformedURL is returned when a logout or login URL cannot be built
	// from the configured servers.
	ErrMalformedURL = errors.New("auth: malformed URL")

	// ErrLoginFailed is returned when the provider rejects a login callback.
	ErrLoginFailed = errors.New("auth: login failed")

	// ErrInvalidUsername is returned for usernames that cannot name a
	// home folder.
	ErrInvalidUsername = errors.New("auth: username is not a valid folder name")
)

// Provider is an external single sign-on service.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// BeginLogin redirects the browser to the provider's login page.
	BeginLogin(w http.ResponseWriter, r *http.Request, callbackURL string)

	// CompleteLogin handles the provider's redirect back to callbackURL and
	// returns the authenticated username.
	CompleteLogin(ctx context.Context, w http.ResponseWriter, r *http.Request, callbackURL string) (string, error)

	// LogoutURL is where the browser goes after the local session ends.
	LogoutURL() (string, error)
}

// HomeFolder returns the root folder of username under storageRoot.
// Usernames that are not a single safe path segment are refused.
func HomeFolder(storageRoot, username string) (string, error) {
	if !pathcodec.IsSafeName(username) || username[0] == '.' {
		return "", fmt.Errorf("%q: %w", username, ErrInvalidUsername)
	}
	root, err := pathcodec.New(storageRoot)
	if err != nil {
		return "", err
	}
	return filepath.Join(root.Root(), username), nil
}

// checkURL parses raw and requires an http(s) scheme and a host.
func checkURL(raw string) (*url.URL, error) {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return nil, fmt.Errorf("%q: %w: %v", raw, ErrMalformedURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%q: %w", raw, ErrMalformedURL)
	}
	return u, nil
}

func sendAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: message, Code: status})
}
