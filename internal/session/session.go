// Package session holds the per-session user state and the stores that keep
// it between requests.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores for unknown or expired sessions.
	ErrNotFound = errors.New("session: not found")

	// ErrNoSession is returned when a request carries no logged-in user.
	ErrNoSession = errors.New("session: no active session")
)

// UserInfo is the state of one logged-in user: the username and the
// absolute root folder the user is confined to.
type UserInfo struct {
	Username   string    `json:"username"`
	RootFolder string    `json:"root_folder"`
	Locale     string    `json:"locale,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the session has passed its expiry time.
func (u *UserInfo) Expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && now.After(u.ExpiresAt)
}

// Store persists UserInfo by session ID.
type Store interface {
	Get(ctx context.Context, id string) (*UserInfo, error)
	Save(ctx context.Context, id string, info *UserInfo, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// UserSource gives access to the user of the current request.
type UserSource interface {
	CurrentUser(ctx context.Context) (*UserInfo, error)
	CurrentRootFolder(ctx context.Context) (string, error)
}

type contextKey string

const (
	userContextKey contextKey = "user"
	idContextKey   contextKey = "session_id"
)

// WithUser injects a user and its session ID into a context.
func WithUser(ctx context.Context, id string, info *UserInfo) context.Context {
	ctx = context.WithValue(ctx, userContextKey, info)
	return context.WithValue(ctx, idContextKey, id)
}

// FromContext returns the user stored in ctx, or nil.
func FromContext(ctx context.Context) *UserInfo {
	info, _ := ctx.Value(userContextKey).(*UserInfo)
	return info
}

// IDFromContext returns the session ID stored in ctx, or "".
func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(idContextKey).(string)
	return id
}

// ContextSource is a UserSource backed by the request context.
type ContextSource struct{}

// CurrentUser returns the logged-in user or ErrNoSession.
func (ContextSource) CurrentUser(ctx context.Context) (*UserInfo, error) {
	if info := FromContext(ctx); info != nil {
		return info, nil
	}
	return nil, ErrNoSession
}

// CurrentRootFolder returns the root folder of the logged-in user.
func (s ContextSource) CurrentRootFolder(ctx context.Context) (string, error) {
	info, err := s.CurrentUser(ctx)
	if err != nil {
		return "", err
	}
	return info.RootFolder, nil
}

// StaticSource is a UserSource that always returns the same user. It serves
// the command-line tools, which have no request context.
type StaticSource struct {
	User *UserInfo
}

// CurrentUser returns the configured user or ErrNoSession.
func (s StaticSource) CurrentUser(context.Context) (*UserInfo, error) {
	if s.User == nil {
		return nil, ErrNoSession
	}
	return s.User, nil
}

// CurrentRootFolder returns the configured root folder.
func (s StaticSource) CurrentRootFolder(ctx context.Context) (string, error) {
	info, err := s.CurrentUser(ctx)
	if err != nil {
		return "", err
	}
	return info.RootFolder, nil
}
