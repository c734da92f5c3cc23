// Package encoder converts file references to client tokens and back using
// the root folder of the logged-in user.
package encoder

import (
	"context"
	"errors"

	"github.com/fruitsalade/filebrowser/internal/metrics"
	"github.com/fruitsalade/filebrowser/internal/models"
	"github.com/fruitsalade/filebrowser/internal/pathcodec"
	"github.com/fruitsalade/filebrowser/internal/session"
)

// PathEncoder converts raw absolute paths.
type PathEncoder struct {
	users session.UserSource

	// ResolveSymlinks makes ToValue reject tokens whose real path leaves the
	// root through a symlink. Only meaningful when the root is on a local
	// filesystem.
	ResolveSymlinks bool
}

// NewPathEncoder creates a path encoder reading the root from users.
func NewPathEncoder(users session.UserSource) *PathEncoder {
	return &PathEncoder{users: users}
}

// ToClient returns the client token of abs.
func (e *PathEncoder) ToClient(ctx context.Context, abs string) (string, error) {
	root, err := e.users.CurrentRootFolder(ctx)
	if err != nil {
		return "", err
	}
	token, err := pathcodec.Encode(abs, root)
	if err != nil {
		countRejected("encode", err)
		return "", err
	}
	return token, nil
}

// ToValue returns the absolute path addressed by token.
func (e *PathEncoder) ToValue(ctx context.Context, token string) (string, error) {
	root, err := e.users.CurrentRootFolder(ctx)
	if err != nil {
		return "", err
	}
	abs, err := pathcodec.Decode(token, root)
	if err != nil {
		countRejected("decode", err)
		return "", err
	}
	if e.ResolveSymlinks {
		if _, err := pathcodec.ResolveWithin(root, abs); err != nil {
			countRejected("decode", err)
			return "", err
		}
	}
	return abs, nil
}

// FileEncoder converts FileModel values.
type FileEncoder struct {
	paths *PathEncoder
}

// NewFileEncoder creates a FileModel encoder on top of paths.
func NewFileEncoder(paths *PathEncoder) *FileEncoder {
	return &FileEncoder{paths: paths}
}

// ToClient returns the client token of f.
func (e *FileEncoder) ToClient(ctx context.Context, f models.FileModel) (string, error) {
	return e.paths.ToClient(ctx, f.AbsolutePath)
}

// ToValue returns a FileModel for token.
func (e *FileEncoder) ToValue(ctx context.Context, token string) (models.FileModel, error) {
	abs, err := e.paths.ToValue(ctx, token)
	if err != nil {
		return models.FileModel{}, err
	}
	return models.FromPath(abs), nil
}

func countRejected(direction string, err error) {
	if errors.Is(err, pathcodec.ErrInvalidPathToken) || errors.Is(err, pathcodec.ErrOutsideRoot) {
		metrics.RecordRejectedToken(direction)
	}
}
