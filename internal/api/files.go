package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/filebrowser/internal/logging"
	"github.com/fruitsalade/filebrowser/internal/metrics"
	"github.com/fruitsalade/filebrowser/internal/models"
	"github.com/fruitsalade/filebrowser/internal/pathcodec"
	"github.com/fruitsalade/filebrowser/internal/storage"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// multipart parts larger than this are spooled to disk
const multipartMemory = 32 << 20

func tokenParam(r *http.Request, key string) string {
	if t := r.FormValue(key); t != "" {
		return t
	}
	return pathcodec.RootToken
}

// listing decodes the directory token and lists it with client tokens.
func (s *Server) listing(r *http.Request, token string) (models.Listing, error) {
	ctx := r.Context()
	dir, err := s.paths.ToValue(ctx, token)
	if err != nil {
		return models.Listing{}, err
	}
	files, err := s.backend.List(ctx, dir)
	if err != nil {
		return models.Listing{}, err
	}

	self, err := s.paths.ToClient(ctx, dir)
	if err != nil {
		return models.Listing{}, err
	}
	out := models.Listing{
		Path:    self,
		Parent:  pathcodec.Parent(self),
		Entries: make([]models.ListingEntry, 0, len(files)),
	}
	for _, f := range files {
		t, err := s.files.ToClient(ctx, f)
		if err != nil {
			logging.WithContext(ctx).Warn("skipping entry outside root", zap.String("name", f.Name), zap.Error(err))
			continue
		}
		out.Entries = append(out.Entries, models.ListingEntry{FileModel: f, Token: t})
	}
	return out, nil
}

func crumbs(token string) []crumb {
	out := []crumb{{Name: "/", Token: pathcodec.RootToken}}
	acc := ""
	for _, seg := range strings.Split(strings.Trim(token, "/"), "/") {
		if seg == "" {
			continue
		}
		acc += "/" + seg
		out = append(out, crumb{Name: seg, Token: acc})
	}
	return out
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	list, err := s.listing(r, tokenParam(r, "path"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	data := indexPage{
		layoutData:  s.layout(w, r, "Index"),
		ParentToken: list.Parent,
		Crumbs:      crumbs(list.Path),
		Entries:     list.Entries,
	}
	data.PathToken = list.Path
	s.render(w, r, http.StatusOK, "index.html", data)
}

func (s *Server) handleAPIFiles(w http.ResponseWriter, r *http.Request) {
	list, err := s.listing(r, tokenParam(r, "path"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, list)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := s.files.ToValue(ctx, tokenParam(r, "path"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	info, err := s.backend.Stat(ctx, f.AbsolutePath)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if info.IsDir {
		s.fail(w, r, fmt.Errorf("download %s: %w", info.Name, storage.ErrIsDir))
		return
	}
	totalSize := info.Size

	// Parse Range header
	offset, length, hasRange, ok := parseRangeHeader(r.Header.Get("Range"), totalSize)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", totalSize))
		http.Error(w, http.StatusText(http.StatusRequestedRangeNotSatisfiable), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	var reader io.ReadCloser
	if hasRange {
		reader, err = s.backend.Open(ctx, f.AbsolutePath, offset, length)
	} else {
		reader, err = s.backend.Open(ctx, f.AbsolutePath, 0, 0)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer reader.Close()

	// Set Content-Type based on file extension
	ct := mime.TypeByExtension(filepath.Ext(info.Name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.Name}))

	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, totalSize))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(totalSize, 10))
		w.WriteHeader(http.StatusOK)
	}

	n, err := io.Copy(w, reader)
	if err != nil {
		logging.WithContext(ctx).Warn("content transfer error", zap.String("name", info.Name), zap.Error(err))
	}
	metrics.RecordDownload(n)
}

// parseRangeHeader parses a single "bytes=" range. ok is false when the
// range cannot be satisfied.
func parseRangeHeader(rangeHeader string, totalSize int64) (offset, length int64, hasRange, ok bool) {
	if rangeHeader == "" {
		return 0, totalSize, false, true
	}

	matches := rangeRegex.FindStringSubmatch(rangeHeader)
	if matches == nil {
		// Multiple or malformed ranges: serve the whole file.
		return 0, totalSize, false, true
	}

	startStr, endStr := matches[1], matches[2]
	if startStr == "" && endStr == "" {
		return 0, totalSize, false, true
	}

	if startStr == "" {
		suffix, _ := strconv.ParseInt(endStr, 10, 64)
		if suffix == 0 || totalSize == 0 {
			return 0, 0, false, false
		}
		offset = totalSize - suffix
		if offset < 0 {
			offset = 0
		}
		return offset, totalSize - offset, true, true
	}

	offset, _ = strconv.ParseInt(startStr, 10, 64)
	if offset >= totalSize {
		return 0, 0, false, false
	}
	end := totalSize - 1
	if endStr != "" {
		end, _ = strconv.ParseInt(endStr, 10, 64)
		if end < offset {
			return 0, 0, false, false
		}
		if end >= totalSize {
			end = totalSize - 1
		}
	}
	return offset, end - offset + 1, true, true
}

// redirectToDir sends the browser back to the listing of dirToken.
func redirectToDir(w http.ResponseWriter, r *http.Request, dirToken string) {
	http.Redirect(w, r, "/?path="+url.QueryEscape(dirToken), http.StatusSeeOther)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.fail(w, r, fmt.Errorf("parse upload: %w", wrapBadRequest(err)))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, fmt.Errorf("upload file: %w", errBadRequest))
		return
	}
	defer file.Close()

	dirToken := tokenParam(r, "dir")
	target, err := pathcodec.Join(dirToken, filepath.Base(header.Filename))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	abs, err := s.paths.ToValue(ctx, target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.backend.Put(ctx, abs, file, header.Size); err != nil {
		s.fail(w, r, err)
		return
	}
	metrics.RecordUpload(header.Size)
	logging.WithContext(ctx).Info("file uploaded", zap.String("token", target), zap.Int64("size", header.Size))
	redirectToDir(w, r, dirToken)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dirToken := tokenParam(r, "dir")
	target, err := pathcodec.Join(dirToken, strings.TrimSpace(r.FormValue("name")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	abs, err := s.paths.ToValue(ctx, target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.backend.Mkdir(ctx, abs); err != nil {
		s.fail(w, r, err)
		return
	}
	logging.WithContext(ctx).Info("folder created", zap.String("token", target))
	redirectToDir(w, r, dirToken)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.FormValue("path")
	abs, err := s.paths.ToValue(ctx, token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	self, err := s.paths.ToClient(ctx, abs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if self == pathcodec.RootToken {
		s.fail(w, r, fmt.Errorf("cannot delete the root folder: %w", errBadRequest))
		return
	}
	if err := s.backend.Delete(ctx, abs); err != nil {
		s.fail(w, r, err)
		return
	}
	logging.WithContext(ctx).Info("deleted", zap.String("token", self))
	redirectToDir(w, r, pathcodec.Parent(self))
}

func wrapBadRequest(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return err
	}
	return fmt.Errorf("%w: %v", errBadRequest, err)
}
