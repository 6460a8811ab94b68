// Package model defines the HTTP message types shared by the server and
// client engines.
package model

import (
	"bytes"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTP versions.
const (
	HTTPVersion10 = "HTTP/1.0"
	HTTPVersion11 = "HTTP/1.1"

	// HTTPVersion is the highest version spoken by the engines.
	HTTPVersion = HTTPVersion11
)

// DateFormat is the fixed layout of Date fields; values are always UTC.
const DateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Well known header field names.
const (
	FieldConnection    = "Connection"
	FieldContentLength = "Content-Length"
	FieldContentType   = "Content-Type"
	FieldDate          = "Date"
	FieldHost          = "Host"
	FieldServer        = "Server"
	FieldUserAgent     = "User-Agent"
)

// Connection field values.
const (
	ConnectionClose     = "Close"
	ConnectionKeepAlive = "Keep-Alive"
)

// Methods understood by the engines.
const (
	MethodGet         = "GET"
	MethodHead        = "HEAD"
	MethodPost        = "POST"
	MethodOptions     = "OPTIONS"
	MethodTrace       = "TRACE"
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
	MethodNotify      = "NOTIFY"
)

// Field is a single header field. The name keeps the case it was set with.
type Field struct {
	Name  string
	Value string
}

// Header is an HTTP start line split into tokens plus an ordered list of
// fields. A header whose start line does not have exactly three tokens is
// invalid and serializes to nothing.
type Header struct {
	head   []string
	fields []Field
}

// parse fills h from raw header bytes. Bytes without the terminating blank
// line leave h invalid.
func (h *Header) parse(data []byte) {
	end := bytes.Index(data, []byte("\r\n\r\n"))
	if end < 0 {
		return
	}

	lines := strings.Split(string(data[:end]), "\r\n")
	h.head = strings.Fields(lines[0])

	for _, line := range lines[1:] {
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		h.SetField(strings.TrimSpace(line[:colon]), strings.TrimSpace(line[colon+1:]))
	}
}

// IsValid reports whether the start line has exactly three tokens.
func (h *Header) IsValid() bool {
	return len(h.head) == 3
}

// Head returns a copy of the start line tokens.
func (h *Header) Head() []string {
	return append([]string(nil), h.head...)
}

func (h *Header) headAt(i int) string {
	if i < len(h.head) {
		return h.head[i]
	}
	return ""
}

func (h *Header) setHeadAt(i int, value string) {
	for len(h.head) <= i {
		h.head = append(h.head, "")
	}
	h.head[i] = value
}

// Fields returns a copy of the fields in insertion order.
func (h *Header) Fields() []Field {
	return append([]Field(nil), h.fields...)
}

// HasField reports whether a field with the given name exists, ignoring case.
func (h *Header) HasField(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Field returns the value of the named field, ignoring case. It returns ""
// when the field is absent.
func (h *Header) Field(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// SetField replaces the value of an existing field in place, keeping its
// position and original name, or appends a new field.
func (h *Header) SetField(name, value string) {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].Name, name) {
			h.fields[i].Value = value
			return
		}
	}
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// RemoveField deletes the named field if present.
func (h *Header) RemoveField(name string) {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].Name, name) {
			h.fields = append(h.fields[:i], h.fields[i+1:]...)
			return
		}
	}
}

// ContentLength parses the Content-Length field. Absent or unparsable
// values yield 0.
func (h *Header) ContentLength() int64 {
	n, err := strconv.ParseInt(h.Field(FieldContentLength), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SetContentLength sets the Content-Length field.
func (h *Header) SetContentLength(n int64) {
	h.SetField(FieldContentLength, strconv.FormatInt(n, 10))
}

// ContentType returns the Content-Type field.
func (h *Header) ContentType() string {
	return h.Field(FieldContentType)
}

// SetContentType sets the Content-Type field.
func (h *Header) SetContentType(contentType string) {
	h.SetField(FieldContentType, contentType)
}

// Connection returns the Connection field.
func (h *Header) Connection() string {
	return h.Field(FieldConnection)
}

// SetConnection sets the Connection field.
func (h *Header) SetConnection(value string) {
	h.SetField(FieldConnection, value)
}

// Date parses the Date field. A missing or malformed field yields the zero
// time.
func (h *Header) Date() time.Time {
	t, err := time.Parse(DateFormat, h.Field(FieldDate))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// SetDate sets the Date field, converting t to UTC.
func (h *Header) SetDate(t time.Time) {
	h.SetField(FieldDate, t.UTC().Format(DateFormat))
}

// Host returns the Host field.
func (h *Header) Host() string {
	return h.Field(FieldHost)
}

// SetHost sets the Host field verbatim.
func (h *Header) SetHost(host string) {
	h.SetField(FieldHost, host)
}

// SetHostAddr sets the Host field from an address and port. IPv6 literals
// are bracketed and port 80 is omitted.
func (h *Header) SetHostAddr(addr string, port int) {
	h.SetHost(JoinHost(addr, port))
}

// Bytes serializes the header including the terminating blank line. An
// invalid header serializes to nil.
func (h *Header) Bytes() []byte {
	if !h.IsValid() {
		return nil
	}

	var b bytes.Buffer
	b.WriteString(h.head[0])
	b.WriteByte(' ')
	b.WriteString(h.head[1])
	b.WriteByte(' ')
	b.WriteString(h.head[2])
	b.WriteString("\r\n")
	for _, f := range h.fields {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	return b.Bytes()
}

// RequestHeader is the header of an HTTP request: method, path, version.
type RequestHeader struct {
	Header
}

// NewRequestHeader returns a valid "GET / HTTP/1.1" header.
func NewRequestHeader() RequestHeader {
	return RequestHeader{Header{head: []string{MethodGet, "/", HTTPVersion}}}
}

// ParseRequestHeader parses raw request header bytes. The result must be
// checked with IsValid.
func ParseRequestHeader(data []byte) RequestHeader {
	var h RequestHeader
	h.parse(data)
	return h
}

// Method returns the request method.
func (h *RequestHeader) Method() string { return h.headAt(0) }

// SetMethod sets the request method.
func (h *RequestHeader) SetMethod(method string) { h.setHeadAt(0, method) }

// Path returns the raw request target including any query.
func (h *RequestHeader) Path() string { return h.headAt(1) }

// SetPath sets the raw request target.
func (h *RequestHeader) SetPath(path string) { h.setHeadAt(1, path) }

// Version returns the protocol version token.
func (h *RequestHeader) Version() string { return h.headAt(2) }

// SetVersion sets the protocol version token.
func (h *RequestHeader) SetVersion(version string) { h.setHeadAt(2, version) }

// SetRequest sets method and path and resets the version to HTTP/1.1.
func (h *RequestHeader) SetRequest(method, path string) {
	h.head = []string{method, path, HTTPVersion}
}

// IsGet reports whether this is a GET request.
func (h *RequestHeader) IsGet() bool { return h.Method() == MethodGet }

// IsHead reports whether this is a HEAD request.
func (h *RequestHeader) IsHead() bool { return h.Method() == MethodHead }

// IsPost reports whether this is a POST request.
func (h *RequestHeader) IsPost() bool { return h.Method() == MethodPost }

// PathOnly returns the path without the query, still percent-encoded.
func (h *RequestHeader) PathOnly() string {
	p := h.Path()
	if q := strings.IndexByte(p, '?'); q >= 0 {
		p = p[:q]
	}
	return p
}

// File returns the last path segment without the query, percent-decoded.
func (h *RequestHeader) File() string {
	p := h.PathOnly()
	if s := strings.LastIndexByte(p, '/'); s >= 0 {
		p = p[s+1:]
	}
	return unescape(p)
}

// Directory returns the path up to and including the last slash without
// the query, percent-decoded.
func (h *RequestHeader) Directory() string {
	p := h.PathOnly()
	if s := strings.LastIndexByte(p, '/'); s >= 0 {
		p = p[:s+1]
	}
	return unescape(p)
}

// Query parses the query part of the path.
func (h *RequestHeader) Query() url.Values {
	p := h.Path()
	q := strings.IndexByte(p, '?')
	if q < 0 {
		return url.Values{}
	}
	values, err := url.ParseQuery(p[q+1:])
	if err != nil {
		return url.Values{}
	}
	return values
}

// UserAgent returns the User-Agent field.
func (h *RequestHeader) UserAgent() string { return h.Field(FieldUserAgent) }

func unescape(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}

// ResponseHeader is the header of an HTTP response: version, status code,
// reason phrase.
type ResponseHeader struct {
	Header
}

// NewResponseHeader returns a valid "HTTP/1.1 200 OK" header with the Date
// set to now.
func NewResponseHeader() ResponseHeader {
	h := ResponseHeader{Header{head: []string{HTTPVersion, "200", "OK"}}}
	h.SetDate(time.Now())
	return h
}

// NewResponseHeaderFor returns a header answering req with the given
// status. HTTP/1.0 requests get an HTTP/1.0 answer, everything else is
// answered with HTTP/1.1.
func NewResponseHeaderFor(req *RequestHeader, status int) ResponseHeader {
	version := HTTPVersion
	if strings.EqualFold(req.Version(), HTTPVersion10) {
		version = HTTPVersion10
	}
	h := ResponseHeader{Header{head: []string{version, strconv.Itoa(status), StatusText(status)}}}
	h.SetDate(time.Now())
	return h
}

// ParseResponseHeader parses raw response header bytes. Reason phrases
// containing spaces are joined back into the third token.
func ParseResponseHeader(data []byte) ResponseHeader {
	var h ResponseHeader
	h.parse(data)
	if len(h.head) > 3 {
		h.head = []string{h.head[0], h.head[1], strings.Join(h.head[2:], " ")}
	}
	return h
}

// Version returns the protocol version token.
func (h *ResponseHeader) Version() string { return h.headAt(0) }

// SetVersion sets the protocol version token.
func (h *ResponseHeader) SetVersion(version string) { h.setHeadAt(0, version) }

// Status returns the numeric status code, or 0 if it cannot be parsed.
func (h *ResponseHeader) Status() int {
	n, err := strconv.Atoi(h.headAt(1))
	if err != nil {
		return 0
	}
	return n
}

// StatusText returns the reason phrase token.
func (h *ResponseHeader) StatusText() string { return h.headAt(2) }

// SetStatus sets the status code and its standard reason phrase.
func (h *ResponseHeader) SetStatus(status int) {
	if len(h.head) == 0 {
		h.head = append(h.head, HTTPVersion)
	}
	h.setHeadAt(1, strconv.Itoa(status))
	h.setHeadAt(2, StatusText(status))
}

// RequestMessage is a request header plus its body.
type RequestMessage struct {
	RequestHeader
	Content []byte
}

// NewRequestMessage returns a GET / request with no body.
func NewRequestMessage() *RequestMessage {
	return &RequestMessage{RequestHeader: NewRequestHeader()}
}

// ParseRequestMessage parses a header and takes up to Content-Length bytes
// following it as the body.
func ParseRequestMessage(data []byte) *RequestMessage {
	m := &RequestMessage{RequestHeader: ParseRequestHeader(data)}
	m.Content = contentAfterHeader(data, m.ContentLength())
	return m
}

// SetContent sets the body. Content-Length is only set for non-empty bodies.
func (m *RequestMessage) SetContent(content []byte) {
	m.Content = content
	if len(content) > 0 {
		m.SetContentLength(int64(len(content)))
	}
}

// Bytes serializes the header followed by the body verbatim.
func (m *RequestMessage) Bytes() []byte {
	h := m.RequestHeader.Bytes()
	if h == nil {
		return nil
	}
	return append(h, m.Content...)
}

// ResponseMessage is a response header plus its body.
type ResponseMessage struct {
	ResponseHeader
	Content []byte

	// Body, when set, is streamed after Content. Its length is included in
	// Content-Length by SetBody. The sender closes it if it is an
	// io.Closer, including when the body is never written.
	Body io.Reader
}

// NewResponseMessage returns a response to req with the given status.
func NewResponseMessage(req *RequestHeader, status int) *ResponseMessage {
	return &ResponseMessage{ResponseHeader: NewResponseHeaderFor(req, status)}
}

// ParseResponseMessage parses a header and takes up to Content-Length
// bytes following it as the body.
func ParseResponseMessage(data []byte) *ResponseMessage {
	m := &ResponseMessage{ResponseHeader: ParseResponseHeader(data)}
	m.Content = contentAfterHeader(data, m.ContentLength())
	return m
}

// SetContent sets the body and always sets Content-Length.
func (m *ResponseMessage) SetContent(content []byte) {
	m.Content = content
	m.SetContentLength(int64(len(content)))
}

// SetBody streams length bytes from r as the body and sets Content-Length.
func (m *ResponseMessage) SetBody(r io.Reader, length int64) {
	m.Content = nil
	m.Body = r
	m.SetContentLength(length)
}

// Bytes serializes the header followed by Content verbatim. Body is not
// included.
func (m *ResponseMessage) Bytes() []byte {
	h := m.ResponseHeader.Bytes()
	if h == nil {
		return nil
	}
	return append(h, m.Content...)
}

func contentAfterHeader(data []byte, length int64) []byte {
	end := bytes.Index(data, []byte("\r\n\r\n"))
	if end < 0 || length <= 0 {
		return nil
	}
	body := data[end+4:]
	if int64(len(body)) > length {
		body = body[:length]
	}
	return append([]byte(nil), body...)
}

// JoinHost formats addr and port as a Host value, bracketing IPv6 literals
// and omitting port 80 or lower-than-one ports.
func JoinHost(addr string, port int) string {
	host := addr
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		host = "[" + addr + "]"
	}
	if port > 0 && port != 80 {
		host += ":" + strconv.Itoa(port)
	}
	return host
}

// SplitHost splits a Host value into address and port. Bracketed IPv6
// literals are unwrapped; a missing port yields 80.
func SplitHost(host string) (string, int) {
	if strings.HasPrefix(host, "[") {
		end := strings.IndexByte(host, ']')
		if end < 0 {
			return host, 80
		}
		addr := host[1:end]
		rest := host[end+1:]
		if strings.HasPrefix(rest, ":") {
			if port, err := strconv.Atoi(rest[1:]); err == nil {
				return addr, port
			}
		}
		return addr, 80
	}

	if colon := strings.LastIndexByte(host, ':'); colon >= 0 && strings.IndexByte(host, ':') == colon {
		if port, err := strconv.Atoi(host[colon+1:]); err == nil {
			return host[:colon], port
		}
		return host[:colon], 80
	}

	return host, 80
}
