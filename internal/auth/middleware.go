package auth

import (
	"net/http"
	"strings"

	"github.com/fruitsalade/filebrowser/internal/session"
)

// RequireUser lets only requests with a logged-in user through. Page
// requests are redirected to loginPath; API requests (under /api/) get a
// 401 JSON error.
func RequireUser(users session.UserSource, loginPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := users.CurrentUser(r.Context()); err != nil {
				if strings.HasPrefix(r.URL.Path, "/api/") {
					sendAuthError(w, http.StatusUnauthorized, "login required")
					return
				}
				http.Redirect(w, r, loginPath, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
