package server

import (
	"io"
	"strings"
	"time"

	"github.com/lximedia/lxiserver/internal/model"
)

// ShouldReuse reports whether the connection may serve another request
// after resp is sent. The response must declare its length, the request
// must not ask to close, and either the response version keeps connections
// open by default or the request asked for keep-alive.
func ShouldReuse(req *model.RequestMessage, resp *model.ResponseMessage, reuse bool) bool {
	if !reuse || !resp.HasField(model.FieldContentLength) {
		return false
	}

	conn := req.Connection()
	if strings.EqualFold(conn, model.ConnectionClose) {
		return false
	}

	return resp.Version() == model.HTTPVersion11 || strings.EqualFold(conn, model.ConnectionKeepAlive)
}

// SendHTTPResponse writes resp to conn. It returns true if the connection
// was kept open for another request and false if it was closed. The body
// of a HEAD request is never written. A streamed Body is copied after the
// header and closed.
func (s *Server) SendHTTPResponse(req *model.RequestMessage, resp *model.ResponseMessage, conn *Conn, reuse bool) bool {
	if c, ok := resp.Body.(io.Closer); ok {
		defer c.Close()
	}
	if resp.Field(model.FieldDate) == "" {
		resp.SetDate(time.Now())
	}
	if s.senderID != "" && !resp.HasField(model.FieldServer) {
		resp.SetField(model.FieldServer, s.senderID)
	}

	keep := ShouldReuse(req, resp, reuse)
	if keep {
		resp.SetConnection(model.ConnectionKeepAlive)
	} else {
		resp.SetConnection(model.ConnectionClose)
	}

	data := resp.ResponseHeader.Bytes()
	if !req.IsHead() {
		data = append(data, resp.Content...)
	}

	if _, err := conn.Write(data); err != nil {
		s.logger.Debug("write response failed", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return false
	}

	if resp.Body != nil && !req.IsHead() {
		remaining := resp.ContentLength() - int64(len(resp.Content))
		if _, err := io.CopyN(conn, resp.Body, remaining); err != nil {
			s.logger.Debug("stream response failed", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			return false
		}
	}

	if !keep {
		conn.Close()
	}
	return keep
}
