package response

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/Brownie44l1/httpd/internal/headers"
	"github.com/Brownie44l1/httpd/internal/request"
	"github.com/Brownie44l1/httpd/internal/resolver"
)

// DefaultServerName is sent in the Server header.
const DefaultServerName = "httpd"

const (
	dateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
	allowed    = "GET, HEAD"
	errorType  = "text/html; charset=utf-8"
)

// Response is a fully framed response. The body is either held in memory
// or streamed from an open file; its length is always known up front.
type Response struct {
	Status  StatusCode
	Headers *headers.Headers

	body []byte
	file io.ReadCloser
	size int64
}

// ContentLength is the number of body bytes a GET would carry.
func (r *Response) ContentLength() int64 {
	if r.file != nil {
		return r.size
	}
	return int64(len(r.body))
}

// SetKeepAlive records the connection decision in the Connection header.
func (r *Response) SetKeepAlive(keepAlive bool) {
	if keepAlive {
		r.Headers.Set("Connection", "keep-alive")
	} else {
		r.Headers.Set("Connection", "close")
	}
}

// Send writes the response. With head set, the headers are identical but
// no body bytes are written.
func (r *Response) Send(w *Writer, head bool) error {
	if err := w.WriteStatusLine(r.Status); err != nil {
		return err
	}
	if err := w.WriteHeaders(r.Headers); err != nil {
		return err
	}

	var err error
	switch {
	case head:
		err = w.WriteBody(nil)
	case r.file != nil:
		err = w.CopyBody(r.file, r.size)
	default:
		err = w.WriteBody(r.body)
	}
	if err != nil {
		return err
	}
	return w.Flush()
}

// Close releases the file backing the body, if any.
func (r *Response) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Builder turns resolved targets and request errors into responses. It is
// immutable and shared by all connections.
type Builder struct {
	serverName string
	now        func() time.Time
}

func NewBuilder(serverName string) *Builder {
	if serverName == "" {
		serverName = DefaultServerName
	}
	return &Builder{
		serverName: serverName,
		now:        time.Now,
	}
}

// Build produces the response for a parsed request and its resolved target.
func (b *Builder) Build(req *request.Request, target resolver.Target) *Response {
	if req.Method != request.MethodGet && req.Method != request.MethodHead {
		resp := b.Error(StatusMethodNotAllowed)
		resp.Headers.Set("Allow", allowed)
		return resp
	}

	switch target.Kind {
	case resolver.KindFile:
		return b.file(target)
	case resolver.KindDirectory, resolver.KindForbidden:
		// No directory listings.
		return b.Error(StatusForbidden)
	default:
		return b.Error(StatusNotFound)
	}
}

func (b *Builder) file(target resolver.Target) *Response {
	f, err := os.Open(target.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return b.Error(StatusForbidden)
		}
		return b.Error(StatusInternalServerError)
	}

	// Size the body from the open handle so a file replaced after
	// resolution is still framed correctly.
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return b.Error(StatusInternalServerError)
	}

	resp := b.newResponse(StatusOK)
	resp.Headers.Set("Content-Type", target.ContentType)
	resp.Headers.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	resp.file = f
	resp.size = info.Size()
	return resp
}

// Error builds a response with a short HTML body describing the status.
func (b *Builder) Error(code StatusCode) *Response {
	body := fmt.Sprintf("<html><head><title>%d %s</title></head><body><h1>%d %s</h1></body></html>\n",
		code, StatusText(code), code, StatusText(code))

	resp := b.newResponse(code)
	resp.Headers.Set("Content-Type", errorType)
	resp.Headers.Set("Content-Length", strconv.Itoa(len(body)))
	resp.body = []byte(body)
	return resp
}

// ForParseError maps a request parse failure to a response. It returns
// false when the connection should be closed without one.
func (b *Builder) ForParseError(err error) (*Response, bool) {
	switch {
	case errors.Is(err, request.ErrTimeout), errors.Is(err, request.ErrConnectionClosed):
		return nil, false
	case errors.Is(err, request.ErrRequestTooLarge):
		return b.Error(StatusRequestEntityTooLarge), true
	case errors.Is(err, request.ErrUnsupportedVersion):
		return b.Error(StatusHTTPVersionNotSupported), true
	default:
		return b.Error(StatusBadRequest), true
	}
}

func (b *Builder) newResponse(code StatusCode) *Response {
	h := headers.NewHeaders()
	h.Set("Date", b.now().UTC().Format(dateFormat))
	h.Set("Server", b.serverName)
	return &Response{
		Status:  code,
		Headers: h,
	}
}
