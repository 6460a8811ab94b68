// Package server implements the HTTP server engine: listeners, per-path
// callback routing and connection reuse.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/lximedia/lxiserver/internal/model"
	"github.com/lximedia/lxiserver/internal/protocol"
)

// Defaults for a new Server.
const (
	DefaultMaxConnections = 1024
	DefaultRequestTimeout = 60 * time.Second
	DefaultMaxTTL         = 300 * time.Second
)

// Errors returned by the server engine.
var (
	ErrNoListeners   = errors.New("no listeners could be bound")
	ErrServerClosed  = errors.New("server closed")
	ErrAlreadyActive = errors.New("server already initialized")
)

// Hooks observe transitions of the open connection count. Busy fires when
// the count goes from 0 to 1 and Idle when it returns from 1 to 0.
type Hooks struct {
	Busy func()
	Idle func()
}

// Server accepts HTTP connections and dispatches requests to callbacks
// registered under path prefixes.
type Server struct {
	mu        sync.RWMutex
	callbacks map[string]Callback

	senderID       string
	logger         *slog.Logger
	hooks          Hooks
	maxConns       int
	requestTimeout time.Duration
	maxTTL         time.Duration
	maxHeaderSize  int
	maxBodySize    int64

	listeners []net.Listener
	group     *errgroup.Group
	conns     sync.WaitGroup
	open      atomic.Int32
	closed    atomic.Bool
	active    map[*Conn]struct{}
	activeMu  sync.Mutex
}

// Option configures a Server.
type Option func(*Server)

// WithSenderID sets the value of the Server field on every response.
func WithSenderID(id string) Option {
	return func(s *Server) { s.senderID = id }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHooks sets the busy/idle observers.
func WithHooks(h Hooks) Option {
	return func(s *Server) { s.hooks = h }
}

// WithMaxConnections caps the number of concurrently accepted connections
// per listener.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

// WithRequestTimeout bounds the time spent reading one request header.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithMaxTTL bounds the lifetime of a kept-alive connection.
func WithMaxTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.maxTTL = d
		}
	}
}

// WithMaxHeaderSize bounds the size of a request header.
func WithMaxHeaderSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxHeaderSize = n
		}
	}
}

// WithMaxBodySize bounds the Content-Length a request may announce. Larger
// requests are answered with 400 Bad Request.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodySize = n
		}
	}
}

// New creates a server. It does not listen until Initialize is called.
func New(opts ...Option) *Server {
	s := &Server{
		callbacks:      make(map[string]Callback),
		senderID:       SenderID("UPnP/1.0 DLNADOC/1.50", "lxiserver", "0.1"),
		logger:         slog.Default(),
		maxConns:       DefaultMaxConnections,
		requestTimeout: DefaultRequestTimeout,
		maxTTL:         DefaultMaxTTL,
		maxHeaderSize:  protocol.DefaultMaxHeaderSize,
		maxBodySize:    protocol.DefaultMaxBodySize,
		active:         make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SenderID builds a Server field value in the UPnP 1.0 form
// "<os>/<version>, <protocol tokens...>, <name>/<version>". The protocol
// string holds space separated tokens such as "UPnP/1.0 DLNADOC/1.50".
func SenderID(protocol, name, version string) string {
	tokens := []string{runtime.GOOS + "/" + runtime.GOARCH}
	tokens = append(tokens, strings.Fields(protocol)...)
	tokens = append(tokens, name+"/"+version)
	return strings.Join(tokens, ", ")
}

// SenderID returns the Server field value.
func (s *Server) SenderID() string {
	return s.senderID
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Initialize binds a listener on every address using the preferred port.
// When the port is taken on an address an ephemeral port is used instead.
func (s *Server) Initialize(addrs []string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.group != nil {
		return ErrAlreadyActive
	}
	if len(addrs) == 0 {
		addrs = []string{"0.0.0.0"}
	}

	for _, addr := range addrs {
		l, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
		if err != nil && port != 0 {
			s.logger.Warn("preferred port unavailable, using ephemeral port",
				"address", addr, "port", port, "error", err)
			l, err = net.Listen("tcp", net.JoinHostPort(addr, "0"))
		}
		if err != nil {
			s.logger.Error("failed to bind interface", "address", addr, "error", err)
			continue
		}
		s.listeners = append(s.listeners, netutil.LimitListener(l, s.maxConns))
	}

	if len(s.listeners) == 0 {
		return ErrNoListeners
	}

	s.group = &errgroup.Group{}
	for _, l := range s.listeners {
		s.logger.Info("listening", "address", l.Addr().String())
		s.group.Go(func() error { return s.serve(l) })
	}
	return nil
}

// Serve accepts connections on an existing listener until it is closed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	return s.serve(l)
}

// Addrs returns the addresses of all bound listeners.
func (s *Server) Addrs() []net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Port returns the port of the first listener, or 0 if none is bound.
func (s *Server) Port() int {
	for _, addr := range s.Addrs() {
		if tcp, ok := addr.(*net.TCPAddr); ok {
			return tcp.Port
		}
	}
	return 0
}

// OpenConnections returns the number of connections currently open.
func (s *Server) OpenConnections() int {
	return int(s.open.Load())
}

// Close stops all listeners and closes every open connection, then waits for
// the connection handlers to return.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	listeners := s.listeners
	group := s.group
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}

	s.activeMu.Lock()
	for c := range s.active {
		c.Conn.Close()
	}
	s.activeMu.Unlock()

	var err error
	if group != nil {
		err = group.Wait()
	}
	s.conns.Wait()

	if errors.Is(err, ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes the server, giving up waiting when ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Close() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serve(l net.Listener) error {
	for {
		nc, err := l.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept on %s: %w", l.Addr(), err)
		}

		c := s.track(nc)
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(c)
		}()
	}
}

func (s *Server) track(nc net.Conn) *Conn {
	c := &Conn{
		Conn:     nc,
		reader:   bufio.NewReader(nc),
		server:   s,
		accepted: time.Now(),
	}

	s.activeMu.Lock()
	s.active[c] = struct{}{}
	s.activeMu.Unlock()

	if s.open.Add(1) == 1 && s.hooks.Busy != nil {
		s.hooks.Busy()
	}
	return c
}

func (s *Server) release(c *Conn) {
	s.activeMu.Lock()
	delete(s.active, c)
	s.activeMu.Unlock()

	if s.open.Add(-1) == 0 && s.hooks.Idle != nil {
		s.hooks.Idle()
	}
}

// serveConn reads requests from c until the connection is closed, handed
// over to a callback, or not eligible for reuse.
func (s *Server) serveConn(c *Conn) {
	for {
		c.SetReadDeadline(time.Now().Add(s.requestTimeout))
		req, err := protocol.ReadRequest(c.reader, s.maxHeaderSize, s.maxBodySize)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, protocol.ErrInvalidProtocol), errors.Is(err, protocol.ErrHeaderTooLarge):
				s.logger.Debug("malformed request", "remote", c.RemoteAddr().String(), "error", err)
				var header model.RequestHeader
				if req != nil {
					header = req.RequestHeader
				} else {
					header = model.NewRequestHeader()
				}
				s.SendHTTPResponse(&model.RequestMessage{RequestHeader: header},
					model.NewResponseMessage(&header, model.StatusBadRequest), c, false)
				return
			default:
				s.logger.Debug("read request failed", "remote", c.RemoteAddr().String(), "error", err)
			}
			c.Close()
			return
		}
		c.SetReadDeadline(time.Time{})

		resp := s.HandleHTTPRequest(req, c)
		if resp == nil {
			return
		}

		reuse := time.Since(c.accepted) < s.maxTTL && !s.closed.Load()
		if !s.SendHTTPResponse(req, resp, c, reuse) {
			return
		}
	}
}

// Conn is a server-side connection. Closing it releases its slot in the open
// connection count exactly once.
type Conn struct {
	net.Conn
	reader   *bufio.Reader
	server   *Server
	accepted time.Time
	once     sync.Once
}

// Reader returns the buffered reader for data following the request.
func (c *Conn) Reader() *bufio.Reader {
	return c.reader
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() {
		if c.server != nil {
			c.server.release(c)
		}
	})
	return err
}

// NewConn wraps an unmanaged connection, for callers that drive handlers
// directly.
func NewConn(nc net.Conn) *Conn {
	return &Conn{Conn: nc, reader: bufio.NewReader(nc), accepted: time.Now()}
}
