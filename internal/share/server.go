// Package share runs the localhost HTTP server behind the bridge's file
// links. Links are HMAC-signed and expire; the server itself binds to
// 127.0.0.1 only and is reached from outside exclusively through the
// tunnel. Three surfaces: file downloads, directory previews, and upload
// forms that drop files into a workspace's uploads directory.
//
// Every token signs a workspace-scoped payload: "f:<root>:<rel>" for a
// file, "p:<root>:<rel>" for a preview (a directory token authorises any
// deeper path), "upload:<root>" for the upload form. Requests carry only
// the token and the relative path; verification reconstructs the payload
// against every registered workspace.
package share

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/common/config"
	"github.com/termbridge/termbridge/internal/common/httpmw"
	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/events"
	"github.com/termbridge/termbridge/internal/events/bus"
	"github.com/termbridge/termbridge/internal/window"
)

const (
	defaultShareTTL  = 24 * time.Hour
	defaultUploadTTL = time.Hour

	defaultMaxUploadFiles = 20
	defaultMaxFileBytes   = 50 << 20

	aliasDirName = "share-aliases"
)

// Server is the embedded share server for one agent.
type Server struct {
	cfg      config.ShareConfig
	agentDir string
	manager  *window.Manager
	events   bus.EventBus
	log      *logger.Logger
	secret   []byte
	engine   *gin.Engine
	srv      *http.Server

	mu        sync.RWMutex
	publicURL string
	aliases   map[string]bool
	uploadCb  func(workspace, dir string, files []string)
}

// NewServer builds the server and its routes. The signing secret lives
// in agentDir and is created on first use.
func NewServer(cfg config.ShareConfig, agentDir string, manager *window.Manager, eb bus.EventBus, log *logger.Logger) (*Server, error) {
	secret, err := loadOrCreateSecret(agentDir)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		agentDir:  agentDir,
		manager:   manager,
		events:    eb,
		log:       log.WithFields(zap.String("component", "share")),
		secret:    secret,
		publicURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Port),
		aliases:   make(map[string]bool),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(s.log, "share"))
	engine.Use(httpmw.OtelTracing("share"))
	engine.GET("/f/:token/*path", s.handleFile)
	engine.GET("/p/:token/*path", s.handlePreview)
	engine.GET("/u/:token", s.handleUploadForm)
	engine.POST("/u/:token/upload", s.handleUpload)
	s.engine = engine
	return s, nil
}

// Handler exposes the route tree, used by tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on localhost. The tunnel is the only public path in.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("share listen: %w", err)
	}
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("share server stopped")
		}
	}()
	s.log.Info("share server listening", zap.Int("port", s.cfg.Port))
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// SetPublicURL swaps the base used for minted links, typically when the
// tunnel announces a new hostname.
func (s *Server) SetPublicURL(base string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicURL = strings.TrimRight(base, "/")
}

// PublicURL returns the current link base.
func (s *Server) PublicURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicURL
}

// OnUpload registers the callback fired after files land in a
// workspace's uploads directory.
func (s *Server) OnUpload(fn func(workspace, dir string, files []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadCb = fn
}

// ShareLink mints a download URL for a path in a window's workspace.
func (s *Server) ShareLink(windowID, p string) (string, error) {
	return s.ShareLinkTTL(windowID, p, defaultShareTTL)
}

// ShareLinkTTL mints a download URL with an explicit lifetime. Paths
// outside the workspace, and non-ASCII names, are served through a
// freshly minted symlink alias so the URL stays plain ASCII.
func (s *Server) ShareLinkTTL(windowID, p string, ttl time.Duration) (string, error) {
	root, err := s.windowRoot(windowID)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = defaultShareTTL
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(root, abs)
	outside := err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
	if outside || !isASCII(filepath.Base(abs)) {
		root, rel, err = s.alias(abs)
		if err != nil {
			return "", err
		}
	} else {
		rel = filepath.ToSlash(rel)
		if rel == "." {
			rel = ""
		}
	}

	kind := "f"
	if st, serr := os.Stat(abs); serr == nil && st.IsDir() {
		kind = "p"
	}
	tok := mintToken(s.secret, kind+":"+root+":"+rel, ttl)
	return s.PublicURL() + "/" + kind + "/" + tok + "/" + escapePath(rel), nil
}

// UploadLink mints an upload-form URL targeting a window's workspace.
func (s *Server) UploadLink(windowID string, ttl time.Duration) (string, error) {
	root, err := s.windowRoot(windowID)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = defaultUploadTTL
	}
	tok := mintToken(s.secret, "upload:"+root, ttl)
	return s.PublicURL() + "/u/" + tok, nil
}

func (s *Server) windowRoot(windowID string) (string, error) {
	if entry, ok := s.manager.SessionEntry(windowID); ok && entry.Cwd != "" {
		return entry.Cwd, nil
	}
	if info, ok := s.manager.WindowInfo(windowID); ok && info.Cwd != "" {
		return info.Cwd, nil
	}
	return "", fmt.Errorf("share: no workspace for window %s", windowID)
}

// alias creates a one-off symlink directory for abs and registers it as
// a serveable root.
func (s *Server) alias(abs string) (root, name string, err error) {
	dir := filepath.Join(s.agentDir, aliasDirName, uuid.NewString()[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("share alias: %w", err)
	}
	name = asciiName(filepath.Base(abs))
	if err := os.Symlink(abs, filepath.Join(dir, name)); err != nil {
		return "", "", fmt.Errorf("share alias: %w", err)
	}
	s.mu.Lock()
	s.aliases[dir] = true
	s.mu.Unlock()
	return dir, name, nil
}

// roots returns every directory signed payloads may reference.
func (s *Server) roots() []string {
	roots := s.manager.WorkspaceRoots()
	s.mu.RLock()
	for dir := range s.aliases {
		roots = append(roots, dir)
	}
	s.mu.RUnlock()
	return roots
}

// authorize finds the root whose signed payload matches the token. For
// "p" tokens a parent directory's token authorises any deeper path.
// Token failures answer ErrTokenExpired or ErrTokenInvalid; the caller
// maps both to 410.
func (s *Server) authorize(kind, rel, token string) (string, error) {
	expired := false
	for _, root := range s.roots() {
		for _, r := range authorizedRels(kind, rel) {
			switch err := verifyToken(s.secret, token, kind+":"+root+":"+r); {
			case err == nil:
				return root, nil
			case errors.Is(err, ErrTokenExpired):
				expired = true
			}
		}
	}
	if expired {
		return "", ErrTokenExpired
	}
	return "", ErrTokenInvalid
}

// authorizedRels lists the payload paths a request may verify against:
// the path itself, plus every ancestor for preview tokens.
func authorizedRels(kind, rel string) []string {
	rels := []string{rel}
	if kind != "p" {
		return rels
	}
	for rel != "" {
		if i := strings.LastIndexByte(rel, '/'); i >= 0 {
			rel = rel[:i]
		} else {
			rel = ""
		}
		rels = append(rels, rel)
	}
	return rels
}

func (s *Server) authorizeUpload(token string) (string, error) {
	expired := false
	for _, root := range s.manager.WorkspaceRoots() {
		switch err := verifyToken(s.secret, token, "upload:"+root); {
		case err == nil:
			return root, nil
		case errors.Is(err, ErrTokenExpired):
			expired = true
		}
	}
	if expired {
		return "", ErrTokenExpired
	}
	return "", ErrTokenInvalid
}

// tokenFailure answers 410 for expired and forged links alike; 404 stays
// reserved for traversal and missing files.
func (s *Server) tokenFailure(c *gin.Context, err error) {
	if errors.Is(err, ErrTokenExpired) {
		c.String(http.StatusGone, "link expired")
		return
	}
	c.String(http.StatusGone, "link invalid")
}

// relParam canonicalises the wildcard path segment. ok is false when any
// segment backtracks.
func relParam(raw string) (string, bool) {
	raw = strings.TrimPrefix(raw, "/")
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", false
		}
	}
	clean := path.Clean(raw)
	if clean == "." || clean == "/" {
		return "", true
	}
	return clean, true
}

func (s *Server) handleFile(c *gin.Context) {
	rel, ok := relParam(c.Param("path"))
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	root, err := s.authorize("f", rel, c.Param("token"))
	if err != nil {
		s.tokenFailure(c, err)
		return
	}
	s.serveUnder(c, root, rel, "", true)
}

func (s *Server) handlePreview(c *gin.Context) {
	rel, ok := relParam(c.Param("path"))
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	root, err := s.authorize("p", rel, c.Param("token"))
	if err != nil {
		s.tokenFailure(c, err)
		return
	}
	s.serveUnder(c, root, rel, "/p/"+c.Param("token"), false)
}

// serveUnder serves rel inside root with the traversal defence: the
// symlink-resolved target must stay under the symlink-resolved root.
// Alias roots are exempt, their symlinks deliberately point outside.
// fileOnly rejects directories, for download tokens.
func (s *Server) serveUnder(c *gin.Context, root, rel, listBase string, fileOnly bool) {
	target := filepath.Join(root, filepath.FromSlash(rel))

	s.mu.RLock()
	aliased := s.aliases[root]
	s.mu.RUnlock()

	resolved := target
	if !aliased {
		resolvedRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}
		resolved, err = filepath.EvalSymlinks(target)
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}
		if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
			c.Status(http.StatusNotFound)
			return
		}
	}

	st, err := os.Stat(resolved)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	if st.IsDir() {
		if fileOnly {
			c.Status(http.StatusNotFound)
			return
		}
		// Directories serve their index.html when present, a generated
		// listing otherwise. Child links reuse the same token: the
		// parent-path fallback authorises them.
		index := filepath.Join(resolved, "index.html")
		if ist, ierr := os.Stat(index); ierr == nil && !ist.IsDir() {
			s.serveFile(c, index)
			return
		}
		s.serveListing(c, resolved, func(name string) string {
			return listBase + "/" + escapePath(path.Join(rel, name))
		})
		return
	}
	s.serveFile(c, resolved)
}

func (s *Server) serveFile(c *gin.Context, p string) {
	f, err := os.Open(p)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		c.Status(http.StatusNotFound)
		return
	}

	name := filepath.Base(p)
	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	c.Header("Content-Type", ctype)
	c.Header("Content-Disposition", contentDisposition(name, ctype))
	setProtectiveHeaders(c)
	http.ServeContent(c.Writer, c.Request, name, st.ModTime(), f)
}

func (s *Server) serveListing(c *gin.Context, dir string, href func(name string) string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	b.WriteString("<!doctype html><meta charset=\"utf-8\"><title>")
	b.WriteString(html.EscapeString(filepath.Base(dir)))
	b.WriteString("</title><ul>\n")
	for _, e := range entries {
		name := e.Name()
		label := name
		if e.IsDir() {
			label += "/"
		}
		fmt.Fprintf(&b, "<li><a href=%q>%s</a></li>\n", href(name), html.EscapeString(label))
	}
	b.WriteString("</ul>\n")

	setProtectiveHeaders(c)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(b.String()))
}

func (s *Server) handleUploadForm(c *gin.Context) {
	if _, err := s.authorizeUpload(c.Param("token")); err != nil {
		s.tokenFailure(c, err)
		return
	}
	setProtectiveHeaders(c)
	form := fmt.Sprintf(`<!doctype html><meta charset="utf-8"><title>Upload</title>
<form method="post" enctype="multipart/form-data" action=%q>
<input type="file" name="files" multiple>
<button type="submit">Upload</button>
</form>`, "/u/"+c.Param("token")+"/upload")
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(form))
}

func (s *Server) handleUpload(c *gin.Context) {
	root, err := s.authorizeUpload(c.Param("token"))
	if err != nil {
		s.tokenFailure(c, err)
		return
	}

	maxFiles := s.cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = defaultMaxUploadFiles
	}
	maxBytes := s.cfg.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}

	destDir := filepath.Join(root, "uploads")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	mr, err := c.Request.MultipartReader()
	if err != nil {
		c.String(http.StatusBadRequest, "multipart body required")
		return
	}

	var saved []string
	count := 0
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.String(http.StatusBadRequest, "malformed upload")
			return
		}
		name := part.FileName()
		if part.FormName() != "files" || name == "" {
			io.Copy(io.Discard, part)
			continue
		}
		count++
		if count > maxFiles {
			c.String(http.StatusBadRequest, "too many files (max %d)", maxFiles)
			return
		}
		clean, ok := sanitizeFilename(name)
		if !ok {
			c.String(http.StatusBadRequest, "filename %q not accepted", name)
			return
		}
		dst := uniquePath(filepath.Join(destDir, clean))
		n, err := savePart(part, dst, maxBytes)
		if err != nil {
			os.Remove(dst)
			s.log.WithError(err).Warn("upload save failed")
			c.Status(http.StatusInternalServerError)
			return
		}
		if n > maxBytes {
			os.Remove(dst)
			c.String(http.StatusRequestEntityTooLarge, "file exceeds %d bytes", maxBytes)
			return
		}
		saved = append(saved, filepath.Base(dst))
	}
	if len(saved) == 0 {
		c.String(http.StatusBadRequest, "no files")
		return
	}
	s.log.WithWorkspace(root).Info("upload received", zap.Strings("files", saved))

	s.mu.RLock()
	cb := s.uploadCb
	s.mu.RUnlock()
	if cb != nil {
		cb(root, destDir, saved)
	}

	if s.events != nil {
		ev := bus.NewEvent(events.UploadReceived, "share", map[string]interface{}{
			"workspace": root,
			"files":     strings.Join(saved, ","),
		})
		if perr := s.events.Publish(c.Request.Context(), events.UploadReceived, ev); perr != nil {
			s.log.WithError(perr).Debug("event publish failed")
		}
	}

	setProtectiveHeaders(c)
	c.String(http.StatusOK, "uploaded %d file(s) to uploads/", len(saved))
}

// savePart streams one multipart part to dst, reading at most max+1
// bytes so oversize parts are detected without buffering them.
func savePart(part io.Reader, dst string, max int64) (int64, error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	return io.Copy(out, io.LimitReader(part, max+1))
}

// sanitizeFilename keeps the base name only and replaces path-hostile
// characters. Empty, dot-dot and leading-dot names are rejected.
func sanitizeFilename(name string) (string, bool) {
	name = filepath.Base(filepath.Clean(name))
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", false
	}
	return name, true
}

func uniquePath(p string) string {
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return p
	}
	ext := filepath.Ext(p)
	stem := strings.TrimSuffix(p, ext)
	for i := 1; ; i++ {
		cand := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if _, err := os.Stat(cand); os.IsNotExist(err) {
			return cand
		}
	}
}

// contentDisposition builds an RFC 6266 header with both the plain ASCII
// fallback and the UTF-8 form. Only images and PDFs render inline.
func contentDisposition(name, ctype string) string {
	disp := "attachment"
	if strings.HasPrefix(ctype, "image/") || strings.HasPrefix(ctype, "application/pdf") {
		disp = "inline"
	}
	ascii := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`, disp, ascii, url.PathEscape(name))
}

func setProtectiveHeaders(c *gin.Context) {
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; sandbox")
}

// escapePath percent-encodes each path segment, preserving separators.
func escapePath(p string) string {
	if p == "" {
		return ""
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// asciiName maps a filename onto URL-safe ASCII for alias symlinks.
func asciiName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	mapped = strings.TrimLeft(mapped, ".")
	if mapped == "" {
		return "file"
	}
	return mapped
}

// isASCII reports whether the name survives a URL untouched.
func isASCII(name string) bool {
	for _, r := range name {
		if r > 0x7e || r < 0x20 {
			return false
		}
	}
	return true
}
