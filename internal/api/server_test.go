package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/filebrowser/internal/auth"
	"github.com/fruitsalade/filebrowser/internal/config"
	"github.com/fruitsalade/filebrowser/internal/logging"
	"github.com/fruitsalade/filebrowser/internal/models"
	"github.com/fruitsalade/filebrowser/internal/quota"
	"github.com/fruitsalade/filebrowser/internal/session"
	"github.com/fruitsalade/filebrowser/internal/storage/local"
)

const (
	testCAS       = "https://cas.example.com"
	testAppServer = "files.test:8080"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

type testEnv struct {
	t        *testing.T
	cfg      *config.Config
	store    *session.MemoryStore
	sessions *session.Manager
	backend  *local.LocalBackend
	handler  http.Handler
}

func testConfig(storageRoot string) *config.Config {
	return &config.Config{
		ListenAddr:       ":0",
		AppVersion:       config.Version,
		SupportedLocales: []string{"en", "MK_mk"},
		AuthProvider:     "cas",
		AppServer:        testAppServer,
		CASServer:        testCAS,
		SessionSecret:    "test-secret-0123456789",
		SessionTTL:       time.Hour,
		StorageBackend:   "local",
		StorageRoot:      storageRoot,
		MaxUploadSize:    1 << 20,
	}
}

func newEnv(t *testing.T, provider auth.Provider, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	backend, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "users"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(backend.Root())
	for _, fn := range mutate {
		fn(cfg)
	}
	if provider == nil {
		provider, err = auth.NewCASProvider(cfg.CASServer, cfg.AppServer, nil)
		if err != nil {
			t.Fatal(err)
		}
	}
	store := session.NewMemoryStore(0)
	t.Cleanup(func() { store.Close() })
	sessions := session.NewManager(store, cfg.SessionSecret, cfg.SessionTTL, false)

	srv, err := NewServer(cfg, backend, sessions, provider, quota.NewRateLimiter(cfg.RequestsPerMin))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &testEnv{t: t, cfg: cfg, store: store, sessions: sessions, backend: backend, handler: srv.Handler()}
}

// login starts a session for username and returns its cookie.
func (e *testEnv) login(username string) *http.Cookie {
	e.t.Helper()
	root := filepath.Join(e.backend.Root(), username)
	if err := os.MkdirAll(root, 0755); err != nil {
		e.t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	if _, err := e.sessions.Start(context.Background(), rec, &session.UserInfo{Username: username, RootFolder: root}); err != nil {
		e.t.Fatal(err)
	}
	return rec.Result().Cookies()[0]
}

func (e *testEnv) do(req *http.Request, cookie *http.Cookie) *httptest.ResponseRecorder {
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(target string, cookie *http.Cookie) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, target, nil), cookie)
}

func (e *testEnv) postForm(target string, form url.Values, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req, cookie)
}

func (e *testEnv) writeFile(username, rel, content string) string {
	e.t.Helper()
	path := filepath.Join(e.backend.Root(), username, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		e.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		e.t.Fatal(err)
	}
	return path
}

func clearedCookie(rec *httptest.ResponseRecorder) bool {
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName && c.MaxAge < 0 {
			return true
		}
	}
	return false
}

func TestLogoutWithSession(t *testing.T) {
	e := newEnv(t, nil)
	cookie := e.login("alice")

	rec := e.get("/logout", cookie)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	want := testCAS + "/cas/logout?url=http://" + testAppServer + "/"
	if got := rec.Header().Get("Location"); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
	if e.store.Len() != 0 {
		t.Error("session still stored after logout")
	}
	if !clearedCookie(rec) {
		t.Error("session cookie not cleared")
	}

	// The old cookie no longer opens the index.
	if rec := e.get("/", cookie); rec.Code != http.StatusFound || rec.Header().Get("Location") != "/login" {
		t.Errorf("index after logout: status=%d location=%q", rec.Code, rec.Header().Get("Location"))
	}
}

// deleteFailingStore is a MemoryStore whose Delete always fails.
type deleteFailingStore struct {
	*session.MemoryStore
}

func (deleteFailingStore) Delete(context.Context, string) error {
	return errors.New("store down")
}

func TestLogoutStoreFailure(t *testing.T) {
	backend, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "users"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(backend.Root())
	provider, err := auth.NewCASProvider(cfg.CASServer, cfg.AppServer, nil)
	if err != nil {
		t.Fatal(err)
	}
	store := deleteFailingStore{session.NewMemoryStore(0)}
	t.Cleanup(func() { store.Close() })
	e := &testEnv{t: t, cfg: cfg, backend: backend,
		sessions: session.NewManager(store, cfg.SessionSecret, cfg.SessionTTL, false)}
	srv, err := NewServer(cfg, backend, e.sessions, provider, nil)
	if err != nil {
		t.Fatal(err)
	}
	e.handler = srv.Handler()
	cookie := e.login("alice")

	rec := e.get("/logout", cookie)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if !clearedCookie(rec) {
		t.Error("session cookie not cleared when the store fails")
	}
	if rec := e.get("/", cookie); rec.Code != http.StatusFound || rec.Header().Get("Location") != "/login" {
		t.Errorf("old cookie after failed delete: status=%d location=%q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestLogoutWithoutSession(t *testing.T) {
	e := newEnv(t, nil)

	rec := e.get("/logout", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	want := testCAS + "/cas/logout?url=http://" + testAppServer + "/"
	if got := rec.Header().Get("Location"); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}

func TestLogoutMalformedURL(t *testing.T) {
	provider, err := auth.NewCASProvider(testCAS, "bad host", nil)
	if err != nil {
		t.Fatal(err)
	}
	e := newEnv(t, provider)
	cookie := e.login("alice")

	rec := e.get("/logout", cookie)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "malformed URL") {
		t.Errorf("error detail missing in development mode: %s", rec.Body.String())
	}
	if e.store.Len() != 0 {
		t.Error("session should be invalidated before the URL is built")
	}
}

func TestErrorPageHidesDetailInProduction(t *testing.T) {
	e := newEnv(t, nil, func(c *config.Config) { c.ProductionMode = true })
	cookie := e.login("alice")

	rec := e.get("/?path=/missing", cookie)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), e.backend.Root()) {
		t.Error("production error page leaks server path")
	}
}

func TestIndexRequiresLogin(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.get("/", nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/login" {
		t.Errorf("status=%d location=%q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestIndexShowsTokensOnly(t *testing.T) {
	e := newEnv(t, nil)
	cookie := e.login("alice")
	e.writeFile("alice", "docs/report.txt", "q3")
	e.writeFile("alice", "notes.txt", "hi")

	rec := e.get("/", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{"docs/", "notes.txt", "alice", "Logout", testAppServer, config.Version} {
		if !strings.Contains(body, want) {
			t.Errorf("index missing %q", want)
		}
	}
	if strings.Contains(body, e.backend.Root()) {
		t.Error("index leaks the absolute root folder")
	}
}

func TestAPIFiles(t *testing.T) {
	e := newEnv(t, nil)
	cookie := e.login("alice")
	e.writeFile("alice", "docs/report.txt", "q3")

	rec := e.get("/api/v1/files?path=/docs", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var list models.Listing
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Path != "/docs" || list.Parent != "/" {
		t.Errorf("path=%q parent=%q", list.Path, list.Parent)
	}
	if len(list.Entries) != 1 || list.Entries[0].Token != "/docs/report.txt" || list.Entries[0].Size != 2 {
		t.Errorf("entries = %+v", list.Entries)
	}
	if strings.Contains(rec.Body.String(), e.backend.Root()) {
		t.Error("JSON leaks the absolute root folder")
	}
}

func TestAPIFilesRejectsTraversal(t *testing.T) {
	e := newEnv(t, nil)
	cookie := e.login("alice")
	e.login("bob")
	e.writeFile("bob", "secret.txt", "s")

	for _, token := range []string{"/../bob", "../../", "/docs/../../bob/secret.txt"} {
		rec := e.get("/api/v1/files?path="+url.QueryEscape(token), cookie)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("token %q: status = %d", token, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "secret.txt\"") {
			t.Errorf("token %q leaked bob's files", token)
		}
	}
}

func TestAPIFilesUnauthenticated(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.get("/api/v1/files", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestDownload(t *testing.T) {
	e := newEnv(t, nil)
	cookie := e.login("alice")
	e.writeFile("alice", "hello.txt", "hello world")

	rec := e.get("/download?path=/hello.txt", cookie)
	if rec.Code != http.StatusOK || rec.Body.String() != "hello world" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}

	req := httptest.NewRequest(http.MethodGet, "/download?path=/hello.txt", nil)
	req.Header.Set("Range", "bytes=6-")
	rec = e.do(req, cookie)
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "world" {
		t.Errorf("range: status=%d body=%q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 6-10/11" {
		t.Errorf("Content-Range = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/download?path=/hello.txt", nil)
	req.Header.Set("Range", "bytes=50-")
	if rec = e.do(req, cookie); rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("unsatisfiable range status = %d", rec.Code)
	}

	if rec = e.get("/download?path=/", cookie); rec.Code != http.StatusBadRequest {
		t.Errorf("download of a directory status = %d", rec.Code)
	}
	if rec = e.get("/download?path=/nope.txt", cookie); rec.Code != http.StatusNotFound {
		t.Errorf("missing file status = %d", rec.Code)
	}
}

func TestUploadMkdirDelete(t *testing.T) {
	e := newEnv(t, nil)
	cookie := e.login("alice")
	home := filepath.Join(e.backend.Root(), "alice")

	rec := e.postForm("/mkdir", url.Values{"dir": {"/"}, "name": {"photos"}}, cookie)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("mkdir status = %d body=%s", rec.Code, rec.Body.String())
	}
	if fi, err := os.Stat(filepath.Join(home, "photos")); err != nil || !fi.IsDir() {
		t.Fatalf("folder not created: %v", err)
	}
	if rec = e.postForm("/mkdir", url.Values{"dir": {"/"}, "name": {"photos"}}, cookie); rec.Code != http.StatusConflict {
		t.Errorf("duplicate mkdir status = %d", rec.Code)
	}
	if rec = e.postForm("/mkdir", url.Values{"dir": {"/"}, "name": {"../escape"}}, cookie); rec.Code != http.StatusBadRequest {
		t.Errorf("mkdir with separator status = %d", rec.Code)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("dir", "/photos")
	fw, _ := mw.CreateFormFile("file", "cat.txt")
	io.WriteString(fw, "meow")
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = e.do(req, cookie)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("upload status = %d body=%s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/?path=%2Fphotos" {
		t.Errorf("upload redirect = %q", loc)
	}
	data, err := os.ReadFile(filepath.Join(home, "photos", "cat.txt"))
	if err != nil || string(data) != "meow" {
		t.Fatalf("uploaded file = %q, %v", data, err)
	}

	rec = e.postForm("/delete", url.Values{"path": {"/photos/cat.txt"}}, cookie)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/?path=%2Fphotos" {
		t.Fatalf("delete status=%d location=%q", rec.Code, rec.Header().Get("Location"))
	}
	if _, err := os.Stat(filepath.Join(home, "photos", "cat.txt")); !os.IsNotExist(err) {
		t.Error("file not deleted")
	}

	if rec = e.postForm("/delete", url.Values{"path": {"/"}}, cookie); rec.Code != http.StatusBadRequest {
		t.Errorf("delete root status = %d", rec.Code)
	}
	if _, err := os.Stat(home); err != nil {
		t.Error("root folder removed")
	}
}

func TestUploadTooLarge(t *testing.T) {
	e := newEnv(t, nil, func(c *config.Config) { c.MaxUploadSize = 16 })
	cookie := e.login("alice")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", "big.bin")
	fw.Write(bytes.Repeat([]byte("x"), 1024))
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if rec := e.do(req, cookie); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestLoginCallback(t *testing.T) {
	cas := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path == "/cas/serviceValidate" && q.Get("ticket") == "ST-1" &&
			q.Get("service") == "http://"+testAppServer+"/login/callback" {
			w.Write([]byte(`<cas:serviceResponse xmlns:cas="http://www.yale.edu/tp/cas">
				<cas:authenticationSuccess><cas:user>carol</cas:user></cas:authenticationSuccess>
			</cas:serviceResponse>`))
			return
		}
		w.Write([]byte(`<cas:serviceResponse xmlns:cas="http://www.yale.edu/tp/cas">
			<cas:authenticationFailure code="INVALID_TICKET">no</cas:authenticationFailure>
		</cas:serviceResponse>`))
	}))
	defer cas.Close()

	provider, err := auth.NewCASProvider(cas.URL, testAppServer, cas.Client())
	if err != nil {
		t.Fatal(err)
	}
	e := newEnv(t, provider)

	rec := e.get("/login", nil)
	if rec.Code != http.StatusFound || !strings.HasPrefix(rec.Header().Get("Location"), cas.URL+"/cas/login?service=") {
		t.Fatalf("login redirect: status=%d location=%q", rec.Code, rec.Header().Get("Location"))
	}

	if rec = e.get("/login/callback?ticket=ST-bad", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad ticket status = %d", rec.Code)
	}

	rec = e.get("/login/callback?ticket=ST-1", nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/" {
		t.Fatalf("callback: status=%d location=%q body=%s", rec.Code, rec.Header().Get("Location"), rec.Body.String())
	}
	if fi, err := os.Stat(filepath.Join(e.backend.Root(), "carol")); err != nil || !fi.IsDir() {
		t.Errorf("home folder not provisioned: %v", err)
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("no session cookie after login")
	}
	if rec = e.get("/", cookie); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "carol") {
		t.Errorf("index after login: status=%d", rec.Code)
	}
	if rec = e.get("/login", cookie); rec.Header().Get("Location") != "/" {
		t.Errorf("login while logged in should go to index, got %q", rec.Header().Get("Location"))
	}
}

func TestLocaleSwitch(t *testing.T) {
	e := newEnv(t, nil)
	cookie := e.login("alice")

	rec := e.get("/?lang=mk-MK", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Одјава") {
		t.Error("Macedonian page strings not used")
	}
	var remembered *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == localeCookie {
			remembered = c
		}
	}
	if remembered == nil {
		t.Fatal("locale not remembered")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(remembered)
	if rec = e.do(req, cookie); !strings.Contains(rec.Body.String(), "Одјава") {
		t.Error("remembered locale not applied")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9")
	if rec = e.do(req, cookie); !strings.Contains(rec.Body.String(), "Logout") {
		t.Error("unsupported language should fall back to English")
	}
}

func TestRateLimitedRoutes(t *testing.T) {
	e := newEnv(t, nil, func(c *config.Config) { c.RequestsPerMin = 2 })
	cookie := e.login("alice")

	for i := 0; i < 2; i++ {
		if rec := e.get("/api/v1/files", cookie); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	rec := e.get("/api/v1/files", cookie)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Errorf("status=%d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if rec := e.get("/health", cookie); rec.Code != http.StatusOK {
		t.Errorf("health should not be limited, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.get("/health", nil)
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if rec.Code != http.StatusOK || body["status"] != "ok" || body["version"] != config.Version {
		t.Errorf("status=%d body=%v", rec.Code, body)
	}
}

func TestStaticAssets(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.get("/static/css/style.css", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), ".topbar") {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestParseRangeHeader(t *testing.T) {
	tests := []struct {
		header         string
		size           int64
		offset, length int64
		hasRange, ok   bool
	}{
		{"", 100, 0, 100, false, true},
		{"bytes=0-9", 100, 0, 10, true, true},
		{"bytes=90-", 100, 90, 10, true, true},
		{"bytes=-10", 100, 90, 10, true, true},
		{"bytes=-500", 100, 0, 100, true, true},
		{"bytes=50-500", 100, 50, 50, true, true},
		{"bytes=100-", 100, 0, 0, false, false},
		{"bytes=9-3", 100, 0, 0, false, false},
		{"bytes=0-1,5-6", 100, 0, 100, false, true},
		{"items=0-1", 100, 0, 100, false, true},
	}
	for _, tt := range tests {
		offset, length, hasRange, ok := parseRangeHeader(tt.header, tt.size)
		if offset != tt.offset || length != tt.length || hasRange != tt.hasRange || ok != tt.ok {
			t.Errorf("parseRangeHeader(%q, %d) = %d, %d, %v, %v; want %d, %d, %v, %v",
				tt.header, tt.size, offset, length, hasRange, ok, tt.offset, tt.length, tt.hasRange, tt.ok)
		}
	}
}

func TestCrumbs(t *testing.T) {
	got := crumbs("/a/b")
	if len(got) != 3 || got[0].Token != "/" || got[1].Token != "/a" || got[2].Token != "/a/b" || got[2].Name != "b" {
		t.Errorf("crumbs = %+v", got)
	}
}
