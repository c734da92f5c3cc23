package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fruitsalade/filebrowser/internal/auth"
	"github.com/fruitsalade/filebrowser/internal/logging"
	"github.com/fruitsalade/filebrowser/internal/models"
	"github.com/fruitsalade/filebrowser/internal/pathcodec"
	"github.com/fruitsalade/filebrowser/internal/session"
	"github.com/fruitsalade/filebrowser/internal/storage"
)

// layoutData is shared by every page: the logged-in user, an index link,
// the application server and a logout link.
type layoutData struct {
	Title      string
	Lang       string
	T          func(string) string
	User       *session.UserInfo
	AppServer  string
	Version    string
	Production bool
	Locales    []localeOption
	FreeSpace  string
	PathToken  string
}

type indexPage struct {
	layoutData
	ParentToken string
	Crumbs      []crumb
	Entries     []models.ListingEntry
}

type crumb struct {
	Name  string
	Token string
}

type errorPage struct {
	layoutData
	Status     int
	StatusText string
	Detail     string
}

func (s *Server) layout(w http.ResponseWriter, r *http.Request, title string) layoutData {
	tag := s.locales.negotiate(w, r)
	p := s.locales.printer(tag)
	user, _ := s.users.CurrentUser(r.Context())

	data := layoutData{
		Lang:       tag.String(),
		T:          func(key string) string { return p.Sprintf(key) },
		User:       user,
		AppServer:  s.config.AppServer,
		Version:    s.config.AppVersion,
		Production: s.config.ProductionMode,
		Locales:    s.locales.options(tag),
	}
	data.Title = data.T(title)
	if user != nil {
		if sr, ok := s.backend.(storage.SpaceReporter); ok {
			if free, _, err := sr.FreeSpace(r.Context(), user.RootFolder); err == nil {
				data.FreeSpace = humanize.IBytes(free)
			}
		}
	}
	return data
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, page string, data any) {
	var buf bytes.Buffer
	if err := s.pages[page].ExecuteTemplate(&buf, "layout.html", data); err != nil {
		logging.WithContext(r.Context()).Error("render page", zap.String("page", page), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, session.ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, pathcodec.ErrInvalidPathToken), errors.Is(err, pathcodec.ErrOutsideRoot):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrNotDir), errors.Is(err, storage.ErrIsDir), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrExists):
		return http.StatusConflict
	case errors.Is(err, auth.ErrLoginFailed):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidUsername):
		return http.StatusForbidden
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

// fail logs err and answers with an error page, or a JSON error for API
// routes. Error text is only shown outside production mode.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := logging.WithContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		log.Warn("request rejected", zap.Int("status", status), zap.Error(err))
	}

	detail := ""
	if !s.config.ProductionMode {
		detail = err.Error()
	}

	if strings.HasPrefix(r.URL.Path, "/api/") {
		msg := detail
		if msg == "" {
			msg = http.StatusText(status)
		}
		sendJSON(w, status, models.ErrorResponse{Error: msg, Code: status})
		return
	}

	data := errorPage{
		layoutData: s.layout(w, r, "Error"),
		Status:     status,
		StatusText: http.StatusText(status),
		Detail:     detail,
	}
	s.render(w, r, status, "error.html", data)
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
