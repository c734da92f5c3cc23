// Package api provides the HTTP server and handlers of the file browser.
package api

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fruitsalade/filebrowser/internal/auth"
	"github.com/fruitsalade/filebrowser/internal/config"
	"github.com/fruitsalade/filebrowser/internal/encoder"
	"github.com/fruitsalade/filebrowser/internal/logging"
	"github.com/fruitsalade/filebrowser/internal/metrics"
	"github.com/fruitsalade/filebrowser/internal/quota"
	"github.com/fruitsalade/filebrowser/internal/session"
	"github.com/fruitsalade/filebrowser/internal/storage"
	"github.com/fruitsalade/filebrowser/webapp"
)

// pages rendered inside layout.html
var pageNames = []string{"index.html", "error.html"}

// Server is the file browser HTTP server.
type Server struct {
	config   *config.Config
	backend  storage.Backend
	sessions *session.Manager
	provider auth.Provider
	limiter  *quota.RateLimiter
	users    session.UserSource
	paths    *encoder.PathEncoder
	files    *encoder.FileEncoder
	locales  *locales
	pages    map[string]*template.Template
}

// NewServer creates a new server. limiter may be nil.
func NewServer(cfg *config.Config, backend storage.Backend, sessions *session.Manager, provider auth.Provider, limiter *quota.RateLimiter) (*Server, error) {
	users := session.ContextSource{}
	paths := encoder.NewPathEncoder(users)
	// Symlinks can only escape on a real filesystem.
	paths.ResolveSymlinks = backend.Type() == "local"

	pages, err := parsePages(webapp.Assets)
	if err != nil {
		return nil, err
	}

	return &Server{
		config:   cfg,
		backend:  backend,
		sessions: sessions,
		provider: provider,
		limiter:  limiter,
		users:    users,
		paths:    paths,
		files:    encoder.NewFileEncoder(paths),
		locales:  newLocales(cfg.SupportedLocales),
		pages:    pages,
	}, nil
}

func parsePages(assets fs.FS) (map[string]*template.Template, error) {
	funcs := template.FuncMap{
		"humanSize": func(n int64) string { return humanize.IBytes(uint64(n)) },
		"humanTime": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return humanize.Time(t)
		},
	}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		t, err := template.New("layout.html").Funcs(funcs).ParseFS(assets, "templates/layout.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		pages[name] = t
	}
	return pages, nil
}

// Handler returns the HTTP handler with session, logging and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no login required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /login", s.handleLogin)
	mux.HandleFunc("GET /login/callback", s.handleLoginCallback)
	mux.HandleFunc("GET /logout", s.handleLogout)

	static, _ := fs.Sub(webapp.Assets, "static")
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))

	// Protected endpoints
	mux.Handle("GET /{$}", s.protect(s.handleIndex))
	mux.Handle("GET /download", s.protect(s.handleDownload))
	mux.Handle("POST /upload", s.protect(s.handleUpload))
	mux.Handle("POST /mkdir", s.protect(s.handleMkdir))
	mux.Handle("POST /delete", s.protect(s.handleDelete))
	mux.Handle("GET /api/v1/files", s.protect(s.handleAPIFiles))

	// Metrics must wrap the mux directly to see the matched pattern.
	var h http.Handler = metrics.Middleware(mux)
	h = s.sessions.Middleware(h)
	return logging.Middleware(h)
}

func (s *Server) protect(fn http.HandlerFunc) http.Handler {
	h := quota.RateLimitMiddleware(s.limiter, s.users)(fn)
	return auth.RequireUser(s.users, "/login")(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": s.config.AppVersion})
}

func (s *Server) callbackURL() string {
	return s.config.BaseURL() + "login/callback"
}
