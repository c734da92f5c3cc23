// Package models contains the value types shared by storage, encoding and
// the page handlers.
package models

import (
	"path/filepath"
	"time"
)

// FileModel is a reference to a file or directory on the server, addressed
// by its absolute path. Listing attributes are filled in by storage backends.
type FileModel struct {
	AbsolutePath string    `json:"-"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mtime"`
	IsDir        bool      `json:"is_dir"`
}

// FromPath returns a bare reference to abs without listing attributes.
func FromPath(abs string) FileModel {
	return FileModel{
		AbsolutePath: abs,
		Name:         filepath.Base(abs),
	}
}

// Listing is a JSON-serializable directory listing with client tokens in
// place of absolute paths.
type Listing struct {
	Path    string         `json:"path"`
	Parent  string         `json:"parent"`
	Entries []ListingEntry `json:"entries"`
}

// ListingEntry is one row of a Listing.
type ListingEntry struct {
	FileModel
	Token string `json:"token"`
}

// ErrorResponse is the JSON body of API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
