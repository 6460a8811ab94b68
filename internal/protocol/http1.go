package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/lximedia/lxiserver/internal/model"
)

// Known request methods, used to reject non-HTTP traffic early.
var methods = [][]byte{
	[]byte("GET "),
	[]byte("HEAD "),
	[]byte("POST "),
	[]byte("PUT "),
	[]byte("DELETE "),
	[]byte("OPTIONS "),
	[]byte("TRACE "),
	[]byte("SUBSCRIBE "),
	[]byte("UNSUBSCRIBE "),
	[]byte("NOTIFY "),
	[]byte("M-SEARCH "),
}

// Detect reports whether data looks like the start of an HTTP/1.x request or
// response.
func Detect(data []byte) bool {
	if bytes.HasPrefix(data, []byte("HTTP/1.")) {
		return true
	}
	for _, m := range methods {
		if bytes.HasPrefix(data, m) {
			return true
		}
	}
	return false
}

// ReadHeader reads raw header bytes up to and including the blank line that
// terminates them. Leading empty lines are skipped.
func ReadHeader(r *bufio.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxHeaderSize
	}

	var header bytes.Buffer
	for {
		line, err := r.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			if errors.Is(err, io.EOF) && header.Len() == 0 && len(line) == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: %v", ErrIncompleteData, err)
		}

		if header.Len()+len(line) > maxSize {
			return nil, ErrHeaderTooLarge
		}

		if header.Len() == 0 && isBlank(line) {
			continue
		}

		header.Write(line)
		if err == nil && isBlank(line) {
			break
		}
	}

	// Normalize bare LF line endings so the header splits on CRLF.
	data := header.Bytes()
	if !bytes.Contains(data, []byte("\r\n\r\n")) {
		data = bytes.ReplaceAll(bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n")), []byte("\n"), []byte("\r\n"))
	}
	return data, nil
}

func isBlank(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}

// ReadContent reads exactly length bytes of body. A length above maxSize is
// rejected with ErrBodyTooLarge before anything is allocated.
func ReadContent(r *bufio.Reader, length, maxSize int64) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	if length > maxSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrBodyTooLarge, length, maxSize)
	}
	content := make([]byte, length)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteData, err)
	}
	return content, nil
}

// ReadRequest reads one request header and its Content-Length bytes of body.
func ReadRequest(r *bufio.Reader, maxHeaderSize int, maxBodySize int64) (*model.RequestMessage, error) {
	raw, err := ReadHeader(r, maxHeaderSize)
	if err != nil {
		return nil, err
	}

	req := &model.RequestMessage{RequestHeader: model.ParseRequestHeader(raw)}
	if !req.IsValid() {
		return req, fmt.Errorf("%w: malformed request line", ErrInvalidProtocol)
	}

	if req.Content, err = ReadContent(r, req.ContentLength(), maxBodySize); err != nil {
		return req, err
	}
	return req, nil
}

// ReadResponse reads one response. When the response carries no
// Content-Length and untilEOF is set, the body extends to the end of the
// stream.
func ReadResponse(r *bufio.Reader, maxHeaderSize int, maxBodySize int64, untilEOF bool) (*model.ResponseMessage, error) {
	raw, err := ReadHeader(r, maxHeaderSize)
	if err != nil {
		return nil, err
	}

	resp := &model.ResponseMessage{ResponseHeader: model.ParseResponseHeader(raw)}
	if !resp.IsValid() || resp.Status() == 0 {
		return resp, fmt.Errorf("%w: malformed status line", ErrInvalidProtocol)
	}

	if resp.HasField(model.FieldContentLength) || !untilEOF {
		resp.Content, err = ReadContent(r, resp.ContentLength(), maxBodySize)
		return resp, err
	}

	if resp.Status() == model.StatusNoContent || resp.Status() == model.StatusNotModified {
		return resp, nil
	}
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	if resp.Content, err = io.ReadAll(io.LimitReader(r, maxBodySize+1)); err != nil {
		return resp, fmt.Errorf("%w: %v", ErrIncompleteData, err)
	}
	if int64(len(resp.Content)) > maxBodySize {
		resp.Content = nil
		return resp, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, maxBodySize)
	}
	return resp, nil
}

// StreamParser extracts complete requests from data fed in arbitrary chunks.
type StreamParser struct {
	buffer bytes.Buffer
}

// NewStreamParser creates a new stream parser.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed adds data to the parser buffer.
func (p *StreamParser) Feed(data []byte) {
	p.buffer.Write(data)
}

// Next returns the next complete request, or nil if more data is needed.
func (p *StreamParser) Next() (*model.RequestMessage, error) {
	data := p.buffer.Bytes()
	headerEnd := bytes.Index(data, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return nil, nil
	}

	req := &model.RequestMessage{RequestHeader: model.ParseRequestHeader(data[:headerEnd+4])}
	if !req.IsValid() {
		p.buffer.Reset()
		return nil, fmt.Errorf("%w: malformed request line", ErrInvalidProtocol)
	}

	length := req.ContentLength()
	if length > DefaultMaxBodySize {
		p.buffer.Reset()
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrBodyTooLarge, length, DefaultMaxBodySize)
	}

	total := headerEnd + 4 + int(length)
	if len(data) < total {
		return nil, nil
	}

	req.Content = append([]byte(nil), data[headerEnd+4:total]...)
	p.buffer.Next(total)
	return req, nil
}

// Buffered returns the number of bytes not yet consumed.
func (p *StreamParser) Buffered() int {
	return p.buffer.Len()
}

// Reset clears the parser state.
func (p *StreamParser) Reset() {
	p.buffer.Reset()
}
