// Package client implements the outbound HTTP engine: a bounded pool of
// connections, a FIFO queue for requests waiting on a free socket and a
// sandbox variant that talks to a spawned worker process.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lximedia/lxiserver/internal/model"
	"github.com/lximedia/lxiserver/internal/protocol"
)

// Defaults for a new Client.
const (
	DefaultIdleTimeout    = 30 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Errors returned by the client engine.
var (
	ErrNoHost       = errors.New("request has no host")
	ErrClientClosed = errors.New("client closed")
)

// DefaultMaxOpenSockets is the connection cap for networked clients.
func DefaultMaxOpenSockets() int {
	return max(1, runtime.NumCPU()) * 4
}

// Receiver is notified with the response to a request started by
// OpenRequest.
type Receiver interface {
	HTTPResponse(resp *model.ResponseMessage)
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(resp *model.ResponseMessage)

// HTTPResponse calls f.
func (f ReceiverFunc) HTTPResponse(resp *model.ResponseMessage) { f(resp) }

// DialFunc opens a connection to a host:port address.
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

// Client sends HTTP requests over a bounded set of connections.
// Connections kept alive by the peer are pooled per host and reused.
type Client struct {
	userAgent      string
	logger         *slog.Logger
	maxOpen        int
	idleTimeout    time.Duration
	requestTimeout time.Duration
	maxHeaderSize  int
	maxBodySize    int64
	dial           DialFunc

	sem    *semaphore.Weighted
	open   atomic.Int32
	queued atomic.Int32

	mu     sync.Mutex
	idle   map[string][]*conn
	closed bool

	sweepOnce sync.Once
	sweeping  atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithUserAgent sets the User-Agent field added to requests without one.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxOpenSockets caps the number of concurrently open connections.
func WithMaxOpenSockets(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxOpen = n
		}
	}
}

// WithIdleTimeout sets how long an unused pooled connection is kept.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithRequestTimeout sets the budget used by OpenRequest and SendRequest.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithMaxBodySize bounds the size of a response body. Larger responses fail
// with an error wrapping protocol.ErrInvalidProtocol.
func WithMaxBodySize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBodySize = n
		}
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// New creates a client.
func New(opts ...Option) *Client {
	c := &Client{
		userAgent:      "lxiserver/0.1 " + runtime.GOOS,
		logger:         slog.Default(),
		maxOpen:        DefaultMaxOpenSockets(),
		idleTimeout:    DefaultIdleTimeout,
		requestTimeout: DefaultRequestTimeout,
		maxHeaderSize:  protocol.DefaultMaxHeaderSize,
		maxBodySize:    protocol.DefaultMaxBodySize,
		idle:           make(map[string][]*conn),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		var d net.Dialer
		c.dial = func(ctx context.Context, address string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", address)
		}
	}
	c.sem = semaphore.NewWeighted(int64(c.maxOpen))
	return c
}

// SenderID returns the User-Agent value sent with requests.
func (c *Client) SenderID() string {
	return c.userAgent
}

// MaxOpenSockets returns the connection cap.
func (c *Client) MaxOpenSockets() int {
	return c.maxOpen
}

// OpenSockets returns the number of open connections, including pooled
// idle ones.
func (c *Client) OpenSockets() int {
	return int(c.open.Load())
}

// QueueLen returns the number of requests waiting for a free socket.
func (c *Client) QueueLen() int {
	return int(c.queued.Load())
}

// IdleSockets returns the number of pooled idle connections.
func (c *Client) IdleSockets() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, conns := range c.idle {
		n += len(conns)
	}
	return n
}

// Do sends req to the host named in its Host field and reads the response.
func (c *Client) Do(ctx context.Context, req *model.RequestMessage) (*model.ResponseMessage, error) {
	host := req.Host()
	if host == "" {
		return nil, ErrNoHost
	}
	if c.userAgent != "" && !req.HasField(model.FieldUserAgent) {
		req.SetField(model.FieldUserAgent, c.userAgent)
	}

	address := hostAddress(host)
	cn, err := c.fetchConn(ctx, address)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		cn.SetDeadline(deadline)
	} else {
		cn.SetDeadline(time.Time{})
	}

	if _, err := cn.Write(req.Bytes()); err != nil {
		cn.close()
		return nil, fmt.Errorf("write request to %s: %w", address, err)
	}

	resp, err := protocol.ReadResponse(cn.reader, c.maxHeaderSize, c.maxBodySize, true)
	if err != nil {
		cn.close()
		return nil, fmt.Errorf("read response from %s: %w", address, err)
	}

	if keepAlive(req, resp) {
		c.storeConn(cn)
	} else {
		cn.close()
	}
	return resp, nil
}

// BlockingRequest sends req and waits up to timeout for the response. It
// never returns nil; failures yield a 500 Internal Server Error response.
func (c *Client) BlockingRequest(req *model.RequestMessage, timeout time.Duration) *model.ResponseMessage {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := c.Do(ctx, req)
	if err != nil {
		c.logger.Debug("request failed", "method", req.Method(), "path", req.Path(),
			"host", req.Host(), "error", err)
		return InternalError(req)
	}
	return resp
}

// OpenRequest sends req asynchronously and hands the response, or a
// synthesized 500, to receiver.
func (c *Client) OpenRequest(req *model.RequestMessage, receiver Receiver) {
	go func() {
		resp := c.BlockingRequest(req, c.requestTimeout)
		if receiver != nil {
			receiver.HTTPResponse(resp)
		}
	}()
}

// SendRequest sends req asynchronously and discards the response.
func (c *Client) SendRequest(req *model.RequestMessage) {
	c.OpenRequest(req, nil)
}

// InternalError returns the 500 response synthesized for failed requests.
func InternalError(req *model.RequestMessage) *model.ResponseMessage {
	resp := model.NewResponseMessage(&req.RequestHeader, model.StatusInternalServerError)
	resp.SetContent(nil)
	return resp
}

// Close closes all pooled connections and stops the idle sweeper. Requests
// in flight finish on their own connections.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.CloseIdle()

	c.sweepOnce.Do(func() {})
	close(c.stop)
	if c.sweeping.Load() {
		<-c.done
	}
	return nil
}

// CloseIdle closes every pooled idle connection.
func (c *Client) CloseIdle() {
	c.mu.Lock()
	idle := c.idle
	c.idle = make(map[string][]*conn)
	c.mu.Unlock()

	for _, conns := range idle {
		for _, cn := range conns {
			cn.close()
		}
	}
}

// fetchConn returns a live pooled connection to address, or opens a new one
// once a socket slot is free.
func (c *Client) fetchConn(ctx context.Context, address string) (*conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.mu.Unlock()

	for {
		cn := c.popIdle(address)
		if cn == nil {
			break
		}
		if cn.alive() {
			return cn, nil
		}
		cn.close()
	}

	if !c.sem.TryAcquire(1) {
		c.evictIdle()
		c.queued.Add(1)
		err := c.sem.Acquire(ctx, 1)
		c.queued.Add(-1)
		if err != nil {
			return nil, fmt.Errorf("wait for socket: %w", err)
		}
	}

	nc, err := c.dial(ctx, address)
	if err != nil {
		c.sem.Release(1)
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}

	c.open.Add(1)
	c.startSweeper()
	return &conn{Conn: nc, reader: bufio.NewReader(nc), address: address, client: c}, nil
}

// storeConn returns cn to the idle pool, or closes it when requests are
// waiting for a slot or the client is closed.
func (c *Client) storeConn(cn *conn) {
	cn.SetDeadline(time.Time{})

	c.mu.Lock()
	if c.closed || c.queued.Load() > 0 {
		c.mu.Unlock()
		cn.close()
		return
	}
	cn.idleSince = time.Now()
	c.idle[cn.address] = append(c.idle[cn.address], cn)
	c.mu.Unlock()
}

func (c *Client) popIdle(address string) *conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	conns := c.idle[address]
	if len(conns) == 0 {
		return nil
	}
	cn := conns[len(conns)-1]
	if len(conns) == 1 {
		delete(c.idle, address)
	} else {
		c.idle[address] = conns[:len(conns)-1]
	}
	return cn
}

// evictIdle closes the oldest idle connection of any host to free a slot.
func (c *Client) evictIdle() bool {
	c.mu.Lock()
	var (
		oldest     *conn
		oldestAddr string
		oldestIdx  int
	)
	for address, conns := range c.idle {
		for i, cn := range conns {
			if oldest == nil || cn.idleSince.Before(oldest.idleSince) {
				oldest, oldestAddr, oldestIdx = cn, address, i
			}
		}
	}
	if oldest != nil {
		conns := c.idle[oldestAddr]
		conns = append(conns[:oldestIdx], conns[oldestIdx+1:]...)
		if len(conns) == 0 {
			delete(c.idle, oldestAddr)
		} else {
			c.idle[oldestAddr] = conns
		}
	}
	c.mu.Unlock()

	if oldest == nil {
		return false
	}
	oldest.close()
	return true
}

func (c *Client) startSweeper() {
	c.sweepOnce.Do(func() {
		c.sweeping.Store(true)
		go c.sweep()
	})
}

// sweep closes connections that stayed idle longer than the idle timeout.
func (c *Client) sweep() {
	defer close(c.done)

	ticker := time.NewTicker(c.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.sweepIdle(now)
		}
	}
}

func (c *Client) sweepIdle(now time.Time) {
	var expired []*conn

	c.mu.Lock()
	for address, conns := range c.idle {
		kept := conns[:0]
		for _, cn := range conns {
			if now.Sub(cn.idleSince) >= c.idleTimeout {
				expired = append(expired, cn)
			} else {
				kept = append(kept, cn)
			}
		}
		if len(kept) == 0 {
			delete(c.idle, address)
		} else {
			c.idle[address] = kept
		}
	}
	c.mu.Unlock()

	for _, cn := range expired {
		cn.close()
	}
}

// keepAlive reports whether the connection can carry another request after
// resp.
func keepAlive(req *model.RequestMessage, resp *model.ResponseMessage) bool {
	if !resp.HasField(model.FieldContentLength) {
		return false
	}
	if strings.EqualFold(req.Connection(), model.ConnectionClose) ||
		strings.EqualFold(resp.Connection(), model.ConnectionClose) {
		return false
	}
	return resp.Version() == model.HTTPVersion11 ||
		strings.EqualFold(resp.Connection(), model.ConnectionKeepAlive)
}

func hostAddress(host string) string {
	addr, port := model.SplitHost(host)
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// conn is a client connection holding one socket slot until closed.
type conn struct {
	net.Conn
	reader    *bufio.Reader
	address   string
	client    *Client
	idleSince time.Time
	once      sync.Once
}

// alive reports whether a pooled connection is still usable. A peer that
// closed the connection, or sent unsolicited data, makes it unusable.
func (cn *conn) alive() bool {
	if cn.reader.Buffered() > 0 {
		return false
	}
	cn.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err := cn.reader.Peek(1)
	cn.SetReadDeadline(time.Time{})

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (cn *conn) close() {
	cn.once.Do(func() {
		cn.Conn.Close()
		cn.client.open.Add(-1)
		cn.client.sem.Release(1)
	})
}
