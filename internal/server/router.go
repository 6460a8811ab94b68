package server

import (
	"net/url"
	"reflect"
	"strings"

	"github.com/lximedia/lxiserver/internal/model"
)

// Allowed methods.
const (
	baseOptions    = "OPTIONS,TRACE"
	defaultOptions = "GET,HEAD,POST"
)

// Callback handles requests routed to a registered path prefix. Returning
// nil means the callback has taken over the connection and is responsible
// for closing it.
type Callback interface {
	HTTPRequest(req *model.RequestMessage, conn *Conn) *model.ResponseMessage
}

// OptionsHandler is implemented by callbacks that advertise their own
// methods in answer to OPTIONS. The response's Allow field is merged with
// the methods handled by the engine itself.
type OptionsHandler interface {
	HTTPOptions(req *model.RequestMessage) *model.ResponseMessage
}

// CallbackFunc adapts a function to the Callback interface.
type CallbackFunc func(req *model.RequestMessage, conn *Conn) *model.ResponseMessage

// HTTPRequest calls f.
func (f CallbackFunc) HTTPRequest(req *model.RequestMessage, conn *Conn) *model.ResponseMessage {
	return f(req, conn)
}

// RegisterCallback routes requests below prefix to cb. A callback may be
// registered under several prefixes.
func (s *Server) RegisterCallback(prefix string, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callbacks[prefix] = cb
}

// UnregisterCallback removes every prefix registered for cb. Callbacks of
// uncomparable types, such as CallbackFunc, cannot be unregistered.
func (s *Server) UnregisterCallback(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !reflect.TypeOf(cb).Comparable() {
		return
	}
	for prefix, registered := range s.callbacks {
		if reflect.TypeOf(registered).Comparable() && registered == cb {
			delete(s.callbacks, prefix)
		}
	}
}

// FindCallback returns the callback responsible for path. The directory of
// the path is shortened one segment at a time until a registered prefix is
// found.
func (s *Server) FindCallback(path string) (Callback, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return findPrefix(s.callbacks, path)
}

func findPrefix[T any](table map[string]T, path string) (T, bool) {
	if q := strings.IndexByte(path, '?'); q >= 0 {
		path = path[:q]
	}
	if p, err := url.PathUnescape(path); err == nil {
		path = p
	}

	dir := path[:strings.LastIndexByte(path, '/')+1]
	for {
		if cb, ok := table[dir]; ok {
			return cb, true
		}
		if dir == "" {
			break
		}
		dir = dir[:strings.LastIndexByte(dir[:len(dir)-1], '/')+1]
	}

	var zero T
	return zero, false
}

// HandleHTTPRequest answers OPTIONS and TRACE itself and routes every other
// request to the matching callback. A nil result means the connection has
// been taken over; TRACE always closes the connection.
func (s *Server) HandleHTTPRequest(req *model.RequestMessage, conn *Conn) *model.ResponseMessage {
	switch req.Method() {
	case model.MethodOptions:
		return s.handleOptions(req)

	case model.MethodTrace:
		resp := model.NewResponseMessage(&req.RequestHeader, model.StatusOK)
		resp.SetContentType("message/http")
		resp.SetContent(req.Bytes())
		s.SendHTTPResponse(req, resp, conn, false)
		return nil
	}

	cb, ok := s.FindCallback(req.Path())
	if !ok {
		s.logger.Debug("no callback for path", "method", req.Method(), "path", req.Path())
		return model.NewResponseMessage(&req.RequestHeader, model.StatusNotFound)
	}

	resp := cb.HTTPRequest(req, conn)
	if resp != nil && resp.Status() >= 400 {
		s.logger.Debug("http error response", "status", resp.Status(),
			"method", req.Method(), "path", req.Path())
	}
	return resp
}

func (s *Server) handleOptions(req *model.RequestMessage) *model.ResponseMessage {
	resp := model.NewResponseMessage(&req.RequestHeader, model.StatusOK)
	if req.Path() == "*" {
		resp.SetField("Allow", baseOptions)
		resp.SetContent(nil)
		return resp
	}

	cb, ok := s.FindCallback(req.Path())
	if !ok {
		return model.NewResponseMessage(&req.RequestHeader, model.StatusNotFound)
	}

	allow := defaultOptions
	if h, ok := cb.(OptionsHandler); ok {
		if r := h.HTTPOptions(req); r != nil {
			resp = r
			allow = r.Field("Allow")
		}
	}

	if allow != "" {
		resp.SetField("Allow", baseOptions+","+allow)
	} else {
		resp.SetField("Allow", baseOptions)
	}
	if !resp.HasField(model.FieldContentLength) {
		resp.SetContent(nil)
	}
	return resp
}
