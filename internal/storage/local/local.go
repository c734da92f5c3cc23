// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fruitsalade/filebrowser/internal/metrics"
	"github.com/fruitsalade/filebrowser/internal/models"
	"github.com/fruitsalade/filebrowser/internal/pathcodec"
	"github.com/fruitsalade/filebrowser/internal/storage"
)

const backendType = "local"

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// LocalBackend implements storage.Backend on the local filesystem. Paths
// outside RootPath are refused.
type LocalBackend struct {
	rootPath string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}
	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	// Ensure root exists
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(root, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", root, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", root, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", root)
	}

	return &LocalBackend{rootPath: root}, nil
}

// Root returns the directory all paths must lie within.
func (b *LocalBackend) Root() string { return b.rootPath }

func (b *LocalBackend) check(path string) (string, error) {
	if _, err := pathcodec.Encode(path, b.rootPath); err != nil {
		return "", err
	}
	return filepath.Clean(path), nil
}

func record(op string, start time.Time, err error) {
	metrics.RecordStorageOperation(backendType, op, time.Since(start), err == nil)
}

func mapErr(op, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, path, storage.ErrNotFound)
	}
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s %s: %w", op, path, storage.ErrExists)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}

// List reads a directory. Temporary upload files are hidden.
func (b *LocalBackend) List(_ context.Context, dir string) (entries []models.FileModel, err error) {
	start := time.Now()
	defer func() { record("list", start, err) }()

	dir, err = b.check(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, mapErr("list", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("list %s: %w", dir, storage.ErrNotDir)
	}

	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, mapErr("list", dir, err)
	}
	entries = make([]models.FileModel, 0, len(des))
	for _, de := range des {
		if isTempName(de.Name()) {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		entries = append(entries, fileModel(filepath.Join(dir, de.Name()), fi))
	}
	storage.SortEntries(entries)
	return entries, nil
}

// Stat returns the attributes of path.
func (b *LocalBackend) Stat(_ context.Context, path string) (fm models.FileModel, err error) {
	start := time.Now()
	defer func() { record("stat", start, err) }()

	path, err = b.check(path)
	if err != nil {
		return models.FileModel{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return models.FileModel{}, mapErr("stat", path, err)
	}
	return fileModel(path, fi), nil
}

// Open reads a file from the local filesystem with range support.
func (b *LocalBackend) Open(_ context.Context, path string, offset, length int64) (rc io.ReadCloser, err error) {
	start := time.Now()
	defer func() { record("open", start, err) }()

	path, err = b.check(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, mapErr("open", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapErr("stat", path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, storage.ErrIsDir)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
	}
	if length > 0 {
		return &limitedReadCloser{
			Reader: io.LimitReader(f, length),
			Closer: f,
		}, nil
	}
	return f, nil
}

// Put writes content to the local filesystem atomically.
func (b *LocalBackend) Put(_ context.Context, path string, body io.Reader, size int64) (err error) {
	start := time.Now()
	defer func() { record("put", start, err) }()

	path, err = b.check(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if fi, statErr := os.Stat(path); statErr == nil && fi.IsDir() {
		return fmt.Errorf("put %s: %w", path, storage.ErrIsDir)
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, tempPrefix+"*.tmp")
	if err != nil {
		return mapErr("create temp for", path, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if size >= 0 && n != size {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: got %d bytes, expected %d", path, n, size)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", path, err)
	}
	return nil
}

// Mkdir creates a directory and missing parents.
func (b *LocalBackend) Mkdir(_ context.Context, path string) (err error) {
	start := time.Now()
	defer func() { record("mkdir", start, err) }()

	path, err = b.check(path)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("mkdir %s: %w", path, storage.ErrExists)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return mapErr("mkdir", path, err)
	}
	return nil
}

// Delete removes a file or directory tree. The root itself cannot be
// removed.
func (b *LocalBackend) Delete(_ context.Context, path string) (err error) {
	start := time.Now()
	defer func() { record("delete", start, err) }()

	path, err = b.check(path)
	if err != nil {
		return err
	}
	if path == b.rootPath {
		return fmt.Errorf("delete %s: refusing to remove storage root", path)
	}
	if _, err := os.Lstat(path); err != nil {
		return mapErr("delete", path, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return backendType }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

const tempPrefix = ".filebrowser-"

func isTempName(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, ".tmp")
}

func fileModel(path string, fi fs.FileInfo) models.FileModel {
	fm := models.FileModel{
		AbsolutePath: path,
		Name:         fi.Name(),
		ModTime:      fi.ModTime(),
		IsDir:        fi.IsDir(),
	}
	if !fm.IsDir {
		fm.Size = fi.Size()
	}
	return fm
}

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
