package share

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/termbridge/termbridge/internal/common/config"
	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/window"
)

type nullBackend struct{}

func (nullBackend) NewWindow(ctx context.Context, name, cwd, command string) (string, error) {
	return "@1", nil
}
func (nullBackend) KillWindow(ctx context.Context, windowID string) error { return nil }
func (nullBackend) SendKeys(ctx context.Context, windowID, text string, enter bool) error {
	return nil
}
func (nullBackend) CapturePane(ctx context.Context, windowID string, lines int) (string, error) {
	return "", nil
}
func (nullBackend) ListWindows(ctx context.Context) ([]string, error) { return nil, nil }
func (nullBackend) WindowExists(ctx context.Context, windowID string) (bool, error) {
	return true, nil
}

func newServerCfg(t *testing.T, cfg config.ShareConfig) (*Server, string) {
	t.Helper()
	agentDir := t.TempDir()
	workspace := t.TempDir()
	m, err := window.NewManager(agentDir, nullBackend{}, logger.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := window.AppendSessionEntry(agentDir, "@1", window.SessionEntry{
		SessionID: "s1", Cwd: workspace,
	}); err != nil {
		t.Fatal(err)
	}
	s, err := NewServer(cfg, agentDir, m, nil, logger.Default())
	if err != nil {
		t.Fatal(err)
	}
	return s, workspace
}

func newServer(t *testing.T) (*Server, string) {
	t.Helper()
	return newServerCfg(t, config.ShareConfig{Port: 0})
}

func get(s *Server, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	s.engine.ServeHTTP(w, req)
	return w
}

func pathOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Path
}

func TestShareLinkServesFile(t *testing.T) {
	s, workspace := newServer(t)
	if err := os.WriteFile(filepath.Join(workspace, "notes.md"), []byte("# notes\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	link, err := s.ShareLink("@1", "notes.md")
	if err != nil {
		t.Fatal(err)
	}
	w := get(s, pathOf(t, link))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}
	if w.Body.String() != "# notes\n" {
		t.Errorf("body = %q", w.Body.String())
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("nosniff header = %q", got)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "notes.md") {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestTokenBoundToSinglePath(t *testing.T) {
	s, workspace := newServer(t)
	if err := os.WriteFile(filepath.Join(workspace, "notes.txt"), []byte("notes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workspace, "secret.env"), []byte("TOKEN=hunter2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	link, err := s.ShareLink("@1", "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	p := pathOf(t, link)
	if w := get(s, p); w.Code != http.StatusOK {
		t.Fatalf("legitimate link: status = %d", w.Code)
	}

	// Reusing the token against a different file must fail.
	swapped := strings.TrimSuffix(p, "/notes.txt") + "/secret.env"
	w := get(s, swapped)
	if w.Code != http.StatusGone {
		t.Errorf("path swap: status = %d, want %d", w.Code, http.StatusGone)
	}
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Errorf("path swap leaked file contents: %q", w.Body.String())
	}
}

func TestTraversalIsRejected(t *testing.T) {
	s, workspace := newServer(t)
	if err := os.WriteFile(filepath.Join(workspace, "ok.txt"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	link, err := s.ShareLink("@1", "ok.txt")
	if err != nil {
		t.Fatal(err)
	}
	base := strings.TrimSuffix(pathOf(t, link), "/ok.txt")

	for _, rel := range []string{
		"/../../../etc/passwd",
		"/..%2f..%2fetc/passwd",
		"/./../secret",
	} {
		if w := get(s, base+rel); w.Code != http.StatusNotFound {
			t.Errorf("traversal %q: status = %d", rel, w.Code)
		}
	}
}

func TestSymlinkEscapeIsRejected(t *testing.T) {
	s, workspace := newServer(t)
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("hidden"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(secret, filepath.Join(workspace, "leak")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	// The path is lexically inside the workspace, so a token mints; the
	// resolved target escapes and serving must refuse it.
	link, err := s.ShareLink("@1", "leak")
	if err != nil {
		t.Fatal(err)
	}
	if w := get(s, pathOf(t, link)); w.Code != http.StatusNotFound {
		t.Errorf("symlink escape: status = %d, body %q", w.Code, w.Body.String())
	}
}

func TestTamperedTokenAnswers410(t *testing.T) {
	s, workspace := newServer(t)
	if err := os.WriteFile(filepath.Join(workspace, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	link, err := s.ShareLink("@1", "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	p := pathOf(t, link)
	// Flip one hex digit of the MAC.
	tampered := strings.Replace(p, "/f/", "/f/0", 1)[:len(p)+1]
	if w := get(s, tampered); w.Code != http.StatusGone {
		t.Errorf("tampered token: status = %d, want %d", w.Code, http.StatusGone)
	}
}

func TestExpiredTokenAnswers410(t *testing.T) {
	s, workspace := newServer(t)
	if err := os.WriteFile(filepath.Join(workspace, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	tok := mintToken(s.secret, "f:"+workspace+":a.txt", -time.Minute)
	w := get(s, "/f/"+tok+"/a.txt")
	if w.Code != http.StatusGone {
		t.Errorf("expired token: status = %d", w.Code)
	}
}

func TestDirectoryListing(t *testing.T) {
	s, workspace := newServer(t)
	sub := filepath.Join(workspace, "docs")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "guide.md"), []byte("g"), 0o644); err != nil {
		t.Fatal(err)
	}

	link, err := s.ShareLink("@1", "docs")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(link, "/p/") {
		t.Fatalf("directory link = %q, want a preview link", link)
	}
	w := get(s, pathOf(t, link))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "guide.md") {
		t.Errorf("listing missing entry: %q", w.Body.String())
	}
}

func TestDirectoryTokenAuthorizesDeeperPaths(t *testing.T) {
	s, workspace := newServer(t)
	sub := filepath.Join(workspace, "docs", "api")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "guide.md"), []byte("g"), 0o644); err != nil {
		t.Fatal(err)
	}

	link, err := s.ShareLink("@1", "docs")
	if err != nil {
		t.Fatal(err)
	}
	base := pathOf(t, link)

	// The directory's own token reaches nested entries.
	if w := get(s, base+"/api/guide.md"); w.Code != http.StatusOK || w.Body.String() != "g" {
		t.Errorf("nested path: status = %d body = %q", w.Code, w.Body.String())
	}

	// Siblings outside the signed directory stay unreachable.
	if err := os.WriteFile(filepath.Join(workspace, "secret.txt"), []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}
	sibling := strings.TrimSuffix(base, "/docs") + "/secret.txt"
	if w := get(s, sibling); w.Code != http.StatusGone {
		t.Errorf("sibling path: status = %d, want %d", w.Code, http.StatusGone)
	}
}

func TestDirectoryIndexHTMLWins(t *testing.T) {
	s, workspace := newServer(t)
	if err := os.WriteFile(filepath.Join(workspace, "index.html"), []byte("<h1>site</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	link, err := s.ShareLink("@1", ".")
	if err != nil {
		t.Fatal(err)
	}
	w := get(s, pathOf(t, link))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<h1>site</h1>") {
		t.Errorf("index.html not served: %d %q", w.Code, w.Body.String())
	}
}

func TestShareOutsideWorkspaceUsesAlias(t *testing.T) {
	s, _ := newServer(t)
	outside := t.TempDir()
	target := filepath.Join(outside, "report.txt")
	if err := os.WriteFile(target, []byte("quarterly"), 0o644); err != nil {
		t.Fatal(err)
	}
	link, err := s.ShareLink("@1", target)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(link, url.PathEscape(outside)) || strings.Contains(link, outside) {
		t.Errorf("link leaks the source directory: %q", link)
	}
	w := get(s, pathOf(t, link))
	if w.Code != http.StatusOK || w.Body.String() != "quarterly" {
		t.Errorf("status = %d body = %q", w.Code, w.Body.String())
	}
}

func TestContentDispositionByType(t *testing.T) {
	if got := contentDisposition("shot.png", "image/png"); !strings.HasPrefix(got, "inline;") {
		t.Errorf("png disposition = %q", got)
	}
	if got := contentDisposition("doc.pdf", "application/pdf"); !strings.HasPrefix(got, "inline;") {
		t.Errorf("pdf disposition = %q", got)
	}
	if got := contentDisposition("notes.txt", "text/plain; charset=utf-8"); !strings.HasPrefix(got, "attachment;") {
		t.Errorf("text disposition = %q", got)
	}
	if got := contentDisposition("page.html", "text/html"); !strings.HasPrefix(got, "attachment;") {
		t.Errorf("html disposition = %q", got)
	}
}

func uploadRequest(t *testing.T, target string, files map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprint(fw, content)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadRoundTrip(t *testing.T) {
	s, workspace := newServer(t)
	link, err := s.UploadLink("@1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	target := pathOf(t, link)

	// The form renders and posts to the upload endpoint.
	w := get(s, target)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/upload") {
		t.Fatalf("form: %d %q", w.Code, w.Body.String())
	}

	var gotWs, gotDir string
	var gotFiles []string
	s.OnUpload(func(ws, dir string, files []string) {
		gotWs, gotDir, gotFiles = ws, dir, files
	})

	w = httptest.NewRecorder()
	s.engine.ServeHTTP(w, uploadRequest(t, target+"/upload", map[string]string{"data.csv": "a,b,c\n"}))
	if w.Code != http.StatusOK {
		t.Fatalf("upload: %d %q", w.Code, w.Body.String())
	}

	saved, err := os.ReadFile(filepath.Join(workspace, "uploads", "data.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if string(saved) != "a,b,c\n" {
		t.Errorf("saved = %q", saved)
	}
	if gotWs != workspace || gotDir != filepath.Join(workspace, "uploads") {
		t.Errorf("callback: ws = %q dir = %q", gotWs, gotDir)
	}
	if len(gotFiles) != 1 || gotFiles[0] != "data.csv" {
		t.Errorf("callback files = %v", gotFiles)
	}
}

func TestUploadRejectsOversizePart(t *testing.T) {
	s, workspace := newServerCfg(t, config.ShareConfig{Port: 0, MaxFileBytes: 16})
	link, err := s.UploadLink("@1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	req := uploadRequest(t, pathOf(t, link)+"/upload", map[string]string{
		"big.bin": strings.Repeat("x", 64),
	})
	s.engine.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize part: status = %d %q", w.Code, w.Body.String())
	}
	if _, err := os.Stat(filepath.Join(workspace, "uploads", "big.bin")); !os.IsNotExist(err) {
		t.Error("partial oversize upload left on disk")
	}
}

func TestUploadRejectsLeadingDotName(t *testing.T) {
	s, workspace := newServer(t)
	link, err := s.UploadLink("@1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, uploadRequest(t, pathOf(t, link)+"/upload", map[string]string{".env": "SECRET=1"}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("dotfile upload: status = %d %q", w.Code, w.Body.String())
	}
	if _, err := os.Stat(filepath.Join(workspace, "uploads", ".env")); !os.IsNotExist(err) {
		t.Error("dotfile landed on disk")
	}
}

func TestTokenRoundTripProperty(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	for _, payload := range []string{"f:/tmp/ws:notes.md", "p:/tmp/ws:docs", "upload:/tmp/ws"} {
		tok := mintToken(secret, payload, time.Minute)
		if err := verifyToken(secret, tok, payload); err != nil {
			t.Errorf("verify(%q) = %v", payload, err)
		}
		if err := verifyToken(secret, tok, payload+"x"); err == nil {
			t.Errorf("payload swap accepted for %q", payload)
		}
		other := []byte("fedcba9876543210fedcba9876543210")
		if err := verifyToken(other, tok, payload); err == nil {
			t.Errorf("foreign secret accepted for %q", payload)
		}
	}
}
