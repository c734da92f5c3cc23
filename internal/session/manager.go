package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/fruitsalade/filebrowser/internal/logging"
)

// CookieName is the name of the session cookie.
const CookieName = "filebrowser_session"

const issuer = "filebrowser"

// revokedSize bounds the ids remembered after a failed store delete.
const revokedSize = 4096

// Claims is the signed content of the session cookie. The cookie only
// names the session; the user state lives in the Store.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Manager binds browser cookies to stored sessions.
type Manager struct {
	store  Store
	secret []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time

	// ids whose store entry could not be deleted at logout
	revoked *expirable.LRU[string, struct{}]
}

// NewManager creates a session manager signing cookies with secret.
func NewManager(store Store, secret string, ttl time.Duration, secureCookies bool) *Manager {
	return &Manager{
		store:  store,
		secret: []byte(secret),
		ttl:    ttl,
		secure: secureCookies,
		now:    time.Now,

		revoked: expirable.NewLRU[string, struct{}](revokedSize, nil, ttl),
	}
}

// Store returns the underlying session store.
func (m *Manager) Store() Store {
	return m.store
}

// Start creates a new session for info and sets the session cookie.
func (m *Manager) Start(ctx context.Context, w http.ResponseWriter, info *UserInfo) (string, error) {
	id := uuid.NewString()
	now := m.now()
	cp := *info
	cp.CreatedAt = now
	cp.ExpiresAt = now.Add(m.ttl)
	if err := m.store.Save(ctx, id, &cp, m.ttl); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}

	claims := &Claims{
		Username: info.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			ExpiresAt: jwt.NewNumericDate(cp.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session cookie: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    tokenStr,
		Path:     "/",
		Expires:  cp.ExpiresAt,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return id, nil
}

// Middleware attaches the session user to the request context when the
// request carries a valid session cookie. Requests without one pass
// through unchanged; a cookie that no longer names a session is cleared.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, info, err := m.Lookup(r)
		switch {
		case err == nil:
			ctx := WithUser(r.Context(), id, info)
			r = r.WithContext(logging.WithFields(ctx, zap.String("user", info.Username)))
		case errors.Is(err, ErrNoSession):
		default:
			logging.WithContext(r.Context()).Debug("session cookie rejected", zap.Error(err))
			m.clearCookie(w)
		}
		next.ServeHTTP(w, r)
	})
}

// Lookup resolves the session cookie of r. It returns ErrNoSession when the
// request has no cookie at all.
func (m *Manager) Lookup(r *http.Request) (string, *UserInfo, error) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return "", nil, ErrNoSession
	}
	claims, err := m.parse(c.Value)
	if err != nil {
		return "", nil, fmt.Errorf("invalid session cookie: %w", err)
	}
	if m.revoked.Contains(claims.ID) {
		return "", nil, ErrNotFound
	}
	info, err := m.store.Get(r.Context(), claims.ID)
	if err != nil {
		return "", nil, err
	}
	if info.Expired(m.now()) || info.Username != claims.Username {
		return "", nil, ErrNotFound
	}
	return claims.ID, info, nil
}

// Invalidate ends the session of r, if any, and clears the cookie. It
// reports whether a session existed. A request without a session is a
// no-op. The cookie is cleared and the id refused by this manager even when
// the store delete fails.
func (m *Manager) Invalidate(w http.ResponseWriter, r *http.Request) (bool, error) {
	id := IDFromContext(r.Context())
	if id == "" {
		var err error
		id, _, err = m.Lookup(r)
		if err != nil {
			if !errors.Is(err, ErrNoSession) {
				m.clearCookie(w)
			}
			return false, nil
		}
	}
	m.clearCookie(w)
	if err := m.store.Delete(r.Context(), id); err != nil {
		m.revoked.Add(id, struct{}{})
		return true, fmt.Errorf("delete session: %w", err)
	}
	return true, nil
}

func (m *Manager) parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ID == "" {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}

func (m *Manager) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
