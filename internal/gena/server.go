// Package gena implements the UPnP GENA event server: SUBSCRIBE and
// UNSUBSCRIBE handling, debounced NOTIFY delivery of the latest state and
// expiry of stale subscriptions.
package gena

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lximedia/lxiserver/internal/client"
	"github.com/lximedia/lxiserver/internal/model"
	"github.com/lximedia/lxiserver/internal/server"
)

// Limits and timeouts of the event server.
const (
	MaxSessions     = 256
	MinInterval     = 2 * time.Second
	MinTimeout      = 30 * time.Second
	MaxTimeout      = 1800 * time.Second
	DefaultTimeout  = 180 * time.Second
	ResponseTimeout = 30 * time.Second
)

// NSEvent is the namespace of event property sets.
const NSEvent = "urn:schemas-upnp-org:event-1-0"

// GENA methods and fields.
const (
	MethodSubscribe   = model.MethodSubscribe
	MethodUnsubscribe = model.MethodUnsubscribe
	MethodNotify      = model.MethodNotify

	FieldSID      = "SID"
	FieldCallback = "CALLBACK"
	FieldNT       = "NT"
	FieldNTS      = "NTS"
	FieldSEQ      = "SEQ"
	FieldTimeout  = "TIMEOUT"

	NTEvent       = "upnp:event"
	NTSPropChange = "upnp:propchange"
)

const xmlDeclaration = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

// Property is one evented state variable.
type Property struct {
	Name  string
	Value string
}

// PropertySet renders properties as an e:propertyset document.
func PropertySet(props ...Property) []byte {
	var b bytes.Buffer
	b.WriteString(xmlDeclaration)
	b.WriteString(`<e:propertyset xmlns:e="` + NSEvent + `">`)
	for _, p := range props {
		b.WriteString("<e:property><" + p.Name + ">")
		xml.EscapeText(&b, []byte(p.Value))
		b.WriteString("</" + p.Name + "></e:property>")
	}
	b.WriteString("</e:propertyset>")
	return b.Bytes()
}

// Session is a snapshot of one subscription.
type Session struct {
	SID     string
	URLs    []string
	Timeout time.Duration
	Key     uint32
	Active  bool
}

type session struct {
	sid           string
	urls          []string
	timeout       time.Duration
	lastSubscribe time.Time
	key           uint32

	// queued is 1 while a delivery is pending or in flight, 0 when idle
	// and -1 once the sweep has claimed the session for deletion.
	queued atomic.Int32
}

// Server serves the event subscription URL of one service.
type Server struct {
	path            string
	logger          *slog.Logger
	client          *client.Client
	ownClient       bool
	now             func() time.Time
	interval        time.Duration
	sweepInterval   time.Duration
	responseTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
	payload  []byte
	timer    *time.Timer
	http     *server.Server
	closed   bool

	deliveries sync.WaitGroup
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClient sets the HTTP client used for NOTIFY requests.
func WithClient(c *client.Client) Option {
	return func(s *Server) {
		if c != nil {
			s.client = c
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMinInterval sets the debounce interval between an event and its
// broadcast.
func WithMinInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweepInterval sets how often expired sessions are removed.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithResponseTimeout bounds one delivery across all callback URLs.
func WithResponseTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.responseTimeout = d
		}
	}
}

// New creates an event server for the service mounted at basePath. Its
// callback is registered at basePath + "event/".
func New(basePath string, opts ...Option) *Server {
	s := &Server{
		path:            basePath + "event/",
		logger:          slog.Default(),
		now:             time.Now,
		interval:        MinInterval,
		sweepInterval:   MinTimeout,
		responseTimeout: ResponseTimeout,
		sessions:        make(map[string]*session),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = client.New(client.WithLogger(s.logger))
		s.ownClient = true
	}
	return s
}

// Path returns the event subscription URL path.
func (s *Server) Path() string {
	return s.path + "control"
}

// Initialize registers the server with srv and starts the expiry sweep.
func (s *Server) Initialize(srv *server.Server) {
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	srv.RegisterCallback(s.path, s)
	go s.sweeper()
}

// Close stops the sweep, waits for in-flight deliveries and drops every
// session.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)

		s.mu.Lock()
		s.closed = true
		if s.timer != nil {
			s.timer.Stop()
		}
		srv := s.http
		s.http = nil
		s.mu.Unlock()

		if srv != nil {
			srv.UnregisterCallback(s)
			<-s.done
		}
		s.deliveries.Wait()

		s.mu.Lock()
		clear(s.sessions)
		s.mu.Unlock()

		if s.ownClient {
			s.client.Close()
		}
	})
}

// Session returns a snapshot of the subscription sid.
func (s *Server) Session(sid string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sid]
	if !ok {
		return Session{}, false
	}
	return Session{
		SID:     sess.sid,
		URLs:    append([]string(nil), sess.urls...),
		Timeout: sess.timeout,
		Key:     sess.key,
		Active:  s.active(sess),
	}, true
}

// Len returns the number of sessions in the table, including expired ones
// the sweep has not removed yet.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// EmitEvent stores props as the latest event and restarts the debounce
// timer. Subscribers receive only the state current when the timer fires.
func (s *Server) EmitEvent(props ...Property) {
	payload := PropertySet(props...)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.payload = payload
	if s.timer == nil {
		s.timer = time.AfterFunc(s.interval, s.broadcast)
	} else {
		s.timer.Reset(s.interval)
	}
}

// broadcast queues a delivery for every active session that has none
// pending.
func (s *Server) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for _, sess := range s.sessions {
		if s.active(sess) && sess.queued.CompareAndSwap(0, 1) {
			s.deliveries.Add(1)
			go s.deliver(sess)
		}
	}
}

// Sweep removes sessions that are past their timeout and have no delivery
// in flight.
func (s *Server) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
}

func (s *Server) sweepLocked() {
	for sid, sess := range s.sessions {
		if !s.active(sess) && sess.queued.CompareAndSwap(0, -1) {
			delete(s.sessions, sid)
			s.logger.Debug("event session expired", "path", s.path, "sid", sid)
		}
	}
}

func (s *Server) sweeper() {
	defer close(s.done)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.sweepLocked()
			s.mu.Unlock()
		}
	}
}

// active must be called with s.mu held.
func (s *Server) active(sess *session) bool {
	if sess.lastSubscribe.IsZero() {
		return false
	}
	return s.now().Sub(sess.lastSubscribe) < sess.timeout
}

// HTTPRequest answers SUBSCRIBE and UNSUBSCRIBE on the event URL.
func (s *Server) HTTPRequest(req *model.RequestMessage, conn *server.Conn) *model.ResponseMessage {
	if req.PathOnly() != s.Path() {
		return model.NewResponseMessage(&req.RequestHeader, model.StatusNotFound)
	}

	switch req.Method() {
	case MethodSubscribe:
		return s.handleSubscribe(req, conn)
	case MethodUnsubscribe:
		return s.handleUnsubscribe(req)
	}
	return model.NewResponseMessage(&req.RequestHeader, model.StatusPreconditionFailed)
}

// HTTPOptions advertises the GENA methods.
func (s *Server) HTTPOptions(req *model.RequestMessage) *model.ResponseMessage {
	resp := model.NewResponseMessage(&req.RequestHeader, model.StatusOK)
	resp.SetField("Allow", MethodSubscribe+","+MethodUnsubscribe)
	return resp
}

func (s *Server) handleSubscribe(req *model.RequestMessage, conn *server.Conn) *model.ResponseMessage {
	s.mu.Lock()

	var (
		sess    *session
		created bool
	)
	switch {
	case req.HasField(FieldSID):
		sid := strings.TrimSpace(req.Field(FieldSID))
		var ok bool
		if sess, ok = s.sessions[sid]; !ok {
			s.mu.Unlock()
			return model.NewResponseMessage(&req.RequestHeader, model.StatusPreconditionFailed)
		}
		sess.lastSubscribe = s.now()

	case req.HasField(FieldCallback) && req.Field(FieldNT) == NTEvent && len(s.sessions) < MaxSessions:
		sess = &session{
			sid:           "uuid:" + uuid.NewString(),
			urls:          ParseCallback(req.Field(FieldCallback)),
			timeout:       ParseTimeout(req.Field(FieldTimeout)),
			lastSubscribe: s.now(),
		}
		// The initial event is sent right after the reply.
		sess.queued.Store(1)
		s.sessions[sess.sid] = sess
		created = true

	default:
		s.mu.Unlock()
		return model.NewResponseMessage(&req.RequestHeader, model.StatusBadRequest)
	}

	resp := model.NewResponseMessage(&req.RequestHeader, model.StatusOK)
	resp.SetField(FieldSID, sess.sid)
	resp.SetField(FieldTimeout, "Second-"+strconv.Itoa(int(sess.timeout/time.Second)))
	resp.SetContent(nil)
	srv := s.http
	if s.closed {
		created = false
	}
	s.mu.Unlock()

	if !created {
		return resp
	}
	s.logger.Debug("event subscription", "path", s.path, "sid", sess.sid, "urls", sess.urls)

	s.deliveries.Add(1)
	if srv == nil || conn == nil {
		go s.deliver(sess)
		return resp
	}

	srv.SendHTTPResponse(req, resp, conn, false)
	go s.deliver(sess)
	return nil
}

func (s *Server) handleUnsubscribe(req *model.RequestMessage) *model.ResponseMessage {
	if req.HasField(FieldCallback) || req.HasField(FieldNT) {
		return model.NewResponseMessage(&req.RequestHeader, model.StatusBadRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[strings.TrimSpace(req.Field(FieldSID))]
	if !ok {
		return model.NewResponseMessage(&req.RequestHeader, model.StatusPreconditionFailed)
	}
	sess.lastSubscribe = time.Time{}

	resp := model.NewResponseMessage(&req.RequestHeader, model.StatusOK)
	resp.SetContent(nil)
	return resp
}

// deliver sends the current payload to the session's callback URLs,
// stopping at the first that answers 200. All URLs share one deadline.
// State is copied under the lock and no lock is held during I/O.
func (s *Server) deliver(sess *session) {
	defer s.deliveries.Done()
	defer sess.queued.Add(-1)

	s.mu.RLock()
	if sess.lastSubscribe.IsZero() {
		s.mu.RUnlock()
		return
	}
	payload := s.payload
	key := sess.key
	urls := sess.urls
	sid := sess.sid
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.responseTimeout)
	defer cancel()

	for _, u := range urls {
		err := s.notify(ctx, u, sid, key, payload)
		if err == nil {
			s.mu.Lock()
			sess.key = NextKey(key)
			s.mu.Unlock()
			return
		}
		s.logger.Debug("event delivery failed", "sid", sid, "url", u, "error", err)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Server) notify(ctx context.Context, rawURL, sid string, key uint32, payload []byte) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid callback url %q", rawURL)
	}

	req := model.NewRequestMessage()
	req.SetRequest(MethodNotify, u.RequestURI())
	req.SetHost(u.Host)
	req.SetContentType(model.MimeTextXML)
	req.SetField(FieldNT, NTEvent)
	req.SetField(FieldNTS, NTSPropChange)
	req.SetField(FieldSID, sid)
	req.SetField(FieldSEQ, strconv.FormatUint(uint64(key), 10))
	req.SetContent(payload)

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status() != model.StatusOK {
		return fmt.Errorf("subscriber answered %d", resp.Status())
	}
	return nil
}

// NextKey returns the event key following key. Zero is only used for the
// initial event, so the sequence wraps to 1.
func NextKey(key uint32) uint32 {
	if key++; key == 0 {
		return 1
	}
	return key
}

// ParseCallback extracts the URLs of a CALLBACK field of the form
// "<url1><url2>".
func ParseCallback(field string) []string {
	var urls []string
	for {
		b := strings.IndexByte(field, '<')
		if b < 0 {
			break
		}
		e := strings.IndexByte(field[b:], '>')
		if e < 0 {
			break
		}
		urls = append(urls, field[b+1:b+e])
		field = field[b+e+1:]
	}
	return urls
}

// ParseTimeout reads a "Second-N" TIMEOUT field and clamps it to
// [MinTimeout, MaxTimeout]. Missing, infinite or malformed values give
// DefaultTimeout.
func ParseTimeout(field string) time.Duration {
	field = strings.TrimSpace(field)
	if len(field) < 7 || !strings.EqualFold(field[:7], "Second-") {
		return DefaultTimeout
	}

	n, err := strconv.ParseInt(field[7:], 10, 64)
	if errors.Is(err, strconv.ErrRange) && n > 0 {
		return MaxTimeout
	}
	if err != nil || n <= 0 {
		return DefaultTimeout
	}

	// Clamp in seconds so the conversion to a Duration cannot overflow.
	secs := min(max(n, int64(MinTimeout/time.Second)), int64(MaxTimeout/time.Second))
	return time.Duration(secs) * time.Second
}
