// Package storage defines the Backend interface the file browser reads and
// writes user content through.
package storage

import (
	"cmp"
	"context"
	"errors"
	"io"
	"slices"
	"strings"

	"github.com/fruitsalade/filebrowser/internal/models"
)

var (
	// ErrNotFound is returned when a path does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrExists is returned when creating a path that already exists.
	ErrExists = errors.New("storage: already exists")

	// ErrNotDir is returned when listing something that is not a directory.
	ErrNotDir = errors.New("storage: not a directory")

	// ErrIsDir is returned when opening a directory as a file.
	ErrIsDir = errors.New("storage: is a directory")
)

// Backend is the interface for content storage backends. Every path is an
// absolute server path, already decoded and confined to the user's root by
// the caller.
type Backend interface {
	// List returns the entries of directory dir, directories first.
	List(ctx context.Context, dir string) ([]models.FileModel, error)

	// Stat returns the attributes of path.
	Stat(ctx context.Context, path string) (models.FileModel, error)

	// Open reads a file with optional range support. If offset=0 and
	// length=0, the entire file is returned.
	Open(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error)

	// Put writes content to path, replacing any existing file.
	Put(ctx context.Context, path string, body io.Reader, size int64) error

	// Mkdir creates directory path and any missing parents.
	Mkdir(ctx context.Context, path string) error

	// Delete removes a file or a directory with its contents.
	Delete(ctx context.Context, path string) error

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// SpaceReporter is implemented by backends that know the free space of the
// volume holding a path.
type SpaceReporter interface {
	FreeSpace(ctx context.Context, path string) (free, total uint64, err error)
}

// SortEntries orders directories first, then by name.
func SortEntries(entries []models.FileModel) {
	slices.SortFunc(entries, func(a, b models.FileModel) int {
		if a.IsDir != b.IsDir {
			if a.IsDir {
				return -1
			}
			return 1
		}
		return cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
}
