// Package pathcodec translates between absolute server paths and the
// root-relative tokens handed to browsers.
//
// A token is the part of an absolute path below the user's root folder,
// slash-separated and always starting with "/". The root folder itself is
// never shown to the client. Both directions are pure functions of their
// arguments; callers pass the root folder of the current session explicitly.
package pathcodec

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidPathToken is returned when a client token does not resolve to
	// the root folder or a path beneath it.
	ErrInvalidPathToken = errors.New("pathcodec: invalid path token")

	// ErrOutsideRoot is returned when an absolute path handed to Encode does
	// not lie within the root folder.
	ErrOutsideRoot = errors.New("pathcodec: path outside root folder")

	// ErrInvalidRoot is returned for an empty or relative root folder.
	ErrInvalidRoot = errors.New("pathcodec: root folder must be an absolute path")
)

// RootToken is the token of the root folder itself.
const RootToken = "/"

// Encode strips rootFolder from absolutePath and returns the client token.
//
// Only a whole-segment prefix is removed: "/home/alice2/x" is not beneath
// "/home/alice" and fails with ErrOutsideRoot.
func Encode(absolutePath, rootFolder string) (string, error) {
	root, err := cleanRoot(rootFolder)
	if err != nil {
		return "", err
	}
	if absolutePath == "" || strings.ContainsRune(absolutePath, 0) {
		return "", fmt.Errorf("encode %q: %w", absolutePath, ErrOutsideRoot)
	}

	path := filepath.Clean(absolutePath)
	rel, ok := within(root, path)
	if !ok {
		return "", fmt.Errorf("encode %q: %w", absolutePath, ErrOutsideRoot)
	}
	return toToken(rel), nil
}

// Decode joins rootFolder and a client token into an absolute path.
//
// The result is canonicalized and must be rootFolder or one of its
// descendants, otherwise ErrInvalidPathToken is returned. An empty token
// addresses the root folder.
func Decode(token, rootFolder string) (string, error) {
	root, err := cleanRoot(rootFolder)
	if err != nil {
		return "", err
	}
	if strings.ContainsRune(token, 0) {
		return "", fmt.Errorf("decode %q: %w", token, ErrInvalidPathToken)
	}

	// Join on the raw string so that ".." segments are resolved against the
	// root and detected below instead of being swallowed by a leading "/".
	joined := filepath.Clean(root + string(filepath.Separator) + filepath.FromSlash(token))
	if _, ok := within(root, joined); !ok {
		return "", fmt.Errorf("decode %q: %w", token, ErrInvalidPathToken)
	}
	return joined, nil
}

// Codec binds Encode and Decode to a single root folder.
type Codec struct {
	root string
}

// New returns a Codec for rootFolder.
func New(rootFolder string) (*Codec, error) {
	root, err := cleanRoot(rootFolder)
	if err != nil {
		return nil, err
	}
	return &Codec{root: root}, nil
}

// Root returns the cleaned root folder.
func (c *Codec) Root() string { return c.root }

// Encode converts an absolute path beneath the root into a token.
func (c *Codec) Encode(absolutePath string) (string, error) {
	return Encode(absolutePath, c.root)
}

// Decode converts a token into an absolute path beneath the root.
func (c *Codec) Decode(token string) (string, error) {
	return Decode(token, c.root)
}

// Join appends a single name to a directory token. The name must not contain
// separators or be "." / "..".
func Join(dirToken, name string) (string, error) {
	if !IsSafeName(name) {
		return "", fmt.Errorf("join %q: %w", name, ErrInvalidPathToken)
	}
	dir := strings.Trim(dirToken, "/")
	if dir == "" {
		return "/" + name, nil
	}
	return "/" + dir + "/" + name, nil
}

// Parent returns the token of the directory containing token.
func Parent(token string) string {
	t := "/" + strings.Trim(token, "/")
	i := strings.LastIndex(t, "/")
	if i <= 0 {
		return RootToken
	}
	return t[:i]
}

// IsSafeName reports whether name is usable as a single path segment.
func IsSafeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

func cleanRoot(rootFolder string) (string, error) {
	if rootFolder == "" || strings.ContainsRune(rootFolder, 0) {
		return "", ErrInvalidRoot
	}
	root := filepath.Clean(rootFolder)
	if !filepath.IsAbs(root) {
		return "", fmt.Errorf("%q: %w", rootFolder, ErrInvalidRoot)
	}
	return root, nil
}

// within reports whether the cleaned path equals root or lies beneath it,
// and returns the remainder relative to root.
func within(root, path string) (string, bool) {
	if path == root {
		return "", true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	return path[len(prefix):], true
}

func toToken(rel string) string {
	if rel == "" {
		return RootToken
	}
	return "/" + filepath.ToSlash(rel)
}
