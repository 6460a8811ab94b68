// Package mediadir publishes a directory tree through the content
// directory and serves its files over HTTP.
package mediadir

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"

	"github.com/lximedia/lxiserver/internal/client"
	"github.com/lximedia/lxiserver/internal/contentdir"
	"github.com/lximedia/lxiserver/internal/model"
	"github.com/lximedia/lxiserver/internal/sandbox"
	"github.com/lximedia/lxiserver/internal/server"
	"github.com/lximedia/lxiserver/internal/upnp"
)

// MediaPath is the HTTP prefix files are served under.
const MediaPath = "/media/"

// DefaultDebounce is how long the watcher waits for changes to settle.
const DefaultDebounce = 2 * time.Second

// ErrNotDirectory is returned when the root is not a directory.
var ErrNotDirectory = errors.New("not a directory")

// StatFunc returns the metadata of a file.
type StatFunc func(path string) (*sandbox.FileInfo, error)

// Provider maps a file system root to a content directory prefix.
type Provider struct {
	root     string
	prefix   string
	dir      *contentdir.Directory
	logger   *slog.Logger
	stat     StatFunc
	watch    bool
	debounce time.Duration

	mu      sync.Mutex
	http    *server.Server
	watcher *watcher
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWatch enables the file system watcher. Changes are reported to the
// content directory once no event arrived for debounce.
func WithWatch(debounce time.Duration) Option {
	return func(p *Provider) {
		p.watch = true
		if debounce > 0 {
			p.debounce = debounce
		}
	}
}

// WithStat replaces the function files are checked with before being
// served.
func WithStat(stat StatFunc) Option {
	return func(p *Provider) {
		if stat != nil {
			p.stat = stat
		}
	}
}

// WithSandbox checks files through the probe callback of a sandbox worker.
func WithSandbox(sc *client.SandboxClient, timeout time.Duration) Option {
	return WithStat(func(name string) (*sandbox.FileInfo, error) {
		req := model.NewRequestMessage()
		req.SetRequest(model.MethodGet, sandbox.ProbePath+"?path="+url.QueryEscape(name))

		resp := sc.BlockingRequest(req, timeout)
		switch resp.Status() {
		case model.StatusOK:
			return sandbox.DecodeFileInfo(resp.Content)
		case model.StatusNotFound:
			return nil, fmt.Errorf("probe %s: %w", name, os.ErrNotExist)
		default:
			return nil, fmt.Errorf("probe %s: status %d", name, resp.Status())
		}
	})
}

func localStat(name string) (*sandbox.FileInfo, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return nil, err
	}
	return &sandbox.FileInfo{
		Path:     name,
		Size:     fi.Size(),
		MimeType: model.ToMimeType(fi.Name()),
		ModTime:  fi.ModTime().UTC(),
		IsDir:    fi.IsDir(),
	}, nil
}

// New creates a provider publishing root under prefix, which must start
// and end with a slash.
func New(root, prefix string, dir *contentdir.Directory, opts ...Option) *Provider {
	p := &Provider{
		root:     filepath.Clean(root),
		prefix:   prefix,
		dir:      dir,
		logger:   slog.Default(),
		stat:     localStat,
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize registers the file handler with srv and the provider with the
// content directory, and starts the watcher if enabled.
func (p *Provider) Initialize(srv *server.Server) error {
	fi, err := os.Stat(p.root)
	if err != nil {
		return fmt.Errorf("media root: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("media root %s: %w", p.root, ErrNotDirectory)
	}

	var w *watcher
	if p.watch {
		if w, err = newWatcher(p.root, p.debounce, p.dir.Modified, p.logger); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.http = srv
	p.watcher = w
	p.mu.Unlock()

	srv.RegisterCallback(MediaPath, p)
	p.dir.RegisterCallback(p.prefix, p)
	p.logger.Info("publishing media", "root", p.root, "prefix", p.prefix, "watch", p.watch)
	return nil
}

// Close unregisters the provider and stops the watcher.
func (p *Provider) Close() error {
	p.mu.Lock()
	srv, w := p.http, p.watcher
	p.http, p.watcher = nil, nil
	p.mu.Unlock()

	if srv == nil {
		return nil
	}
	srv.UnregisterCallback(p)
	p.dir.UnregisterCallback(p)
	if w != nil {
		return w.Close()
	}
	return nil
}

// Protocols returns the protocols files are offered with.
func Protocols() []upnp.Protocol {
	var list []upnp.Protocol
	for _, mime := range []string{
		model.MimeAudioMpeg, model.MimeAudioOgg, model.MimeAudioWave,
		model.MimeVideoMpeg, model.MimeVideoOgg,
		model.MimeImageJpeg, model.MimeImagePng,
	} {
		list = append(list, upnp.NewProtocol("http-get", mime, false, "", "", nil))
	}
	return list
}

func itemType(mime string) (contentdir.Type, bool) {
	switch {
	case strings.HasPrefix(mime, "audio/"):
		return contentdir.TypeMusic, true
	case strings.HasPrefix(mime, "video/"):
		return contentdir.TypeMovie, true
	case strings.HasPrefix(mime, "image/"):
		return contentdir.TypePhoto, true
	}
	return contentdir.TypeNone, false
}

// fsPath maps a slash separated path below the root to the file system.
// The result never leaves the root.
func (p *Provider) fsPath(rel string) string {
	return filepath.Join(p.root, filepath.FromSlash(path.Clean("/"+rel)))
}

func (p *Provider) readDir(dirPath string) []contentdir.Item {
	rel := strings.TrimPrefix(dirPath, p.prefix)
	entries, err := os.ReadDir(p.fsPath(rel))
	if err != nil {
		p.logger.Debug("read media directory", "path", dirPath, "error", err)
		return nil
	}

	var dirs, files []contentdir.Item
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if e.IsDir() {
			dirs = append(dirs, contentdir.Item{IsDir: true, Title: name})
			continue
		}

		mime := model.ToMimeType(name)
		t, ok := itemType(mime)
		if !ok {
			continue
		}
		files = append(files, contentdir.Item{
			Direct:    true,
			Type:      t,
			URL:       (&url.URL{Path: MediaPath + path.Clean("/"+rel+"/"+name)[1:]}).String(),
			Title:     strings.TrimSuffix(name, filepath.Ext(name)),
			Protocols: []upnp.Protocol{upnp.NewProtocol("http-get", mime, false, "", "", nil)},
		})
	}
	return append(dirs, files...)
}

// CountContentDirItems implements contentdir.Callback.
func (p *Provider) CountContentDirItems(_, dirPath string) int {
	return len(p.readDir(dirPath))
}

// ListContentDirItems implements contentdir.Callback.
func (p *Provider) ListContentDirItems(_, dirPath string, start, count int) []contentdir.Item {
	items := p.readDir(dirPath)
	if start >= len(items) {
		return nil
	}
	items = items[start:]
	if count > 0 && count < len(items) {
		items = items[:count]
	}
	return items
}

// HTTPRequest serves GET and HEAD for files below MediaPath. A trailing
// "..<queryID>" added by the content directory is resolved and dropped.
func (p *Provider) HTTPRequest(req *model.RequestMessage, _ *server.Conn) *model.ResponseMessage {
	if !req.IsGet() && !req.IsHead() {
		return model.NewResponseMessage(&req.RequestHeader, model.StatusMethodNotAllowed)
	}

	escaped := strings.TrimPrefix(req.PathOnly(), MediaPath)
	if i := strings.LastIndex(escaped, ".."); i >= 0 {
		if query, ok := p.dir.DecodeQuery(escaped[i+2:]); ok {
			escaped = escaped[:i]
			p.logger.Debug("media request", "path", escaped, "query", query)
		}
	}
	rel, err := url.PathUnescape(escaped)
	if err != nil {
		return model.NewResponseMessage(&req.RequestHeader, model.StatusBadRequest)
	}

	name := p.fsPath(rel)
	info, err := p.stat(name)
	if err != nil || info.IsDir {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("stat media file", "path", name, "error", err)
		}
		return model.NewResponseMessage(&req.RequestHeader, model.StatusNotFound)
	}

	resp := model.NewResponseMessage(&req.RequestHeader, model.StatusOK)
	resp.SetContentType(model.ToMimeType(name))
	resp.SetField("Accept-Ranges", "none")
	if cf := req.Field("getcontentFeatures.dlna.org"); cf == "1" {
		resp.SetField("contentFeatures.dlna.org", upnp.NewProtocol("http-get", info.MimeType, false, "", "", nil).ContentFeatures())
	}
	if req.IsHead() {
		resp.SetContentLength(info.Size)
		return resp
	}

	f, err := openMapped(name)
	if err != nil {
		p.logger.Warn("open media file", "path", name, "error", err)
		return model.NewResponseMessage(&req.RequestHeader, model.StatusNotFound)
	}
	resp.SetBody(f, f.Size())
	return resp
}

// mappedFile is a read-only memory mapping of a media file. Pages are
// faulted in as the body is written, so the file is never copied to the
// heap as a whole.
type mappedFile struct {
	*bytes.Reader
	file *os.File
	data mmap.MMap
}

func openMapped(name string) (*mappedFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		// Empty files cannot be mapped.
		return &mappedFile{Reader: bytes.NewReader(nil), file: f}, nil
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}
	return &mappedFile{Reader: bytes.NewReader(data), file: f, data: data}, nil
}

func (m *mappedFile) Close() error {
	var err error
	if m.data != nil {
		err = m.data.Unmap()
		m.data = nil
	}
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}
