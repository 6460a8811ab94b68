// Package sandbox implements the worker side of the sandbox line protocol.
// A worker binds a loopback HTTP server, announces its address on stderr
// and serves requests until asked to exit.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/lximedia/lxiserver/internal/model"
	"github.com/lximedia/lxiserver/internal/protocol"
	"github.com/lximedia/lxiserver/internal/server"
)

// Worker serves sandbox requests on a loopback address.
type Worker struct {
	mode   string
	stderr io.Writer
	logger *slog.Logger
	http   *server.Server

	mu   sync.Mutex
	root server.Callback

	exit     chan struct{}
	exitOnce sync.Once
}

// Option configures a Worker.
type Option func(*Worker)

// WithStderr sets where protocol lines are written. Defaults to os.Stderr.
func WithStderr(w io.Writer) Option {
	return func(s *Worker) { s.stderr = w }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Worker) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a worker for mode.
func New(mode string, opts ...Option) *Worker {
	w := &Worker{
		mode:   mode,
		stderr: os.Stderr,
		logger: slog.Default(),
		exit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.http = server.New(
		server.WithLogger(w.logger),
		server.WithSenderID(server.SenderID("", "lxiserver-sandbox", mode)),
		server.WithHooks(server.Hooks{
			Busy: func() { w.logger.Debug("sandbox busy", "mode", mode) },
			Idle: func() { w.logger.Debug("sandbox idle", "mode", mode) },
		}),
	)
	w.http.RegisterCallback("/", server.CallbackFunc(w.handleRoot))
	return w
}

// RegisterCallback routes requests below prefix to cb. A callback for "/"
// receives everything not handled by the exit request.
func (w *Worker) RegisterCallback(prefix string, cb server.Callback) {
	if prefix == "/" {
		w.mu.Lock()
		w.root = cb
		w.mu.Unlock()
		return
	}
	w.http.RegisterCallback(prefix, cb)
}

// Server returns the worker's HTTP engine.
func (w *Worker) Server() *server.Server {
	return w.http
}

// Run binds the loopback server, writes the ready line and blocks until an
// exit request arrives or ctx is done. The stop line is written before Run
// returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.http.Initialize([]string{"127.0.0.1"}, 0); err != nil {
		return fmt.Errorf("sandbox listen: %w", err)
	}

	fmt.Fprintf(w.stderr, "%s 127.0.0.1 %d\n", protocol.SandboxReady, w.http.Port())
	w.logger.Debug("sandbox ready", "mode", w.mode, "port", w.http.Port())

	select {
	case <-ctx.Done():
	case <-w.exit:
	}

	fmt.Fprintln(w.stderr, protocol.SandboxStop)
	return w.http.Close()
}

// Printf writes a console line that the client forwards to its
// ConsoleLine hook.
func (w *Worker) Printf(format string, args ...any) {
	fmt.Fprintf(w.stderr, protocol.SandboxLinePrefix+format+"\n", args...)
}

// Stop makes Run return.
func (w *Worker) Stop() {
	w.exitOnce.Do(func() { close(w.exit) })
}

func (w *Worker) handleRoot(req *model.RequestMessage, conn *server.Conn) *model.ResponseMessage {
	if req.Query().Has("exit") {
		resp := model.NewResponseMessage(&req.RequestHeader, model.StatusOK)
		resp.SetContent(nil)
		w.http.SendHTTPResponse(req, resp, conn, false)
		w.Stop()
		return nil
	}

	w.mu.Lock()
	root := w.root
	w.mu.Unlock()

	if root != nil {
		return root.HTTPRequest(req, conn)
	}
	return model.NewResponseMessage(&req.RequestHeader, model.StatusNotFound)
}
