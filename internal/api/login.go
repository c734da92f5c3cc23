package api

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/fruitsalade/filebrowser/internal/auth"
	"github.com/fruitsalade/filebrowser/internal/logging"
	"github.com/fruitsalade/filebrowser/internal/metrics"
	"github.com/fruitsalade/filebrowser/internal/session"
	"github.com/fruitsalade/filebrowser/internal/storage"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if _, err := s.users.CurrentUser(r.Context()); err == nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	s.provider.BeginLogin(w, r, s.callbackURL())
}

// handleLoginCallback finishes single sign-on, provisions the user's root
// folder and starts a session.
func (s *Server) handleLoginCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := s.provider.Name()

	username, err := s.provider.CompleteLogin(ctx, w, r, s.callbackURL())
	if err != nil {
		metrics.RecordLogin(name, false)
		if !errors.Is(err, auth.ErrLoginFailed) {
			err = fmt.Errorf("%w: %v", auth.ErrLoginFailed, err)
		}
		s.fail(w, r, err)
		return
	}

	root, err := auth.HomeFolder(s.config.StorageRoot, username)
	if err != nil {
		metrics.RecordLogin(name, false)
		s.fail(w, r, err)
		return
	}
	if err := s.backend.Mkdir(ctx, root); err != nil && !errors.Is(err, storage.ErrExists) {
		metrics.RecordLogin(name, false)
		s.fail(w, r, fmt.Errorf("provision root folder: %w", err))
		return
	}

	info := &session.UserInfo{
		Username:   username,
		RootFolder: root,
		Locale:     s.locales.negotiate(w, r).String(),
	}
	if _, err := s.sessions.Start(ctx, w, info); err != nil {
		metrics.RecordLogin(name, false)
		s.fail(w, r, err)
		return
	}
	metrics.RecordLogin(name, true)
	logging.WithContext(ctx).Info("user logged in", zap.String("user", username), zap.String("provider", name))
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleLogout ends the session, if any, and hands the browser to the
// provider's logout page.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	had, err := s.sessions.Invalidate(w, r)
	if err != nil {
		logging.WithContext(ctx).Error("invalidate session", zap.Error(err))
	}
	metrics.RecordLogout(had)
	r = r.WithContext(session.WithUser(ctx, "", nil))

	target, err := s.provider.LogoutURL()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if had {
		logging.WithContext(ctx).Info("user logged out")
	}
	http.Redirect(w, r, target, http.StatusFound)
}
