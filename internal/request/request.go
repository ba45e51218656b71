package request

import (
	"io"
	"strconv"
	"strings"

	"github.com/Brownie44l1/httpd/internal/headers"
)

// Method is the subset of request methods the server distinguishes.
type Method int

const (
	MethodOther Method = iota
	MethodGet
	MethodHead
)

// ParseMethod maps a method token to a Method. Methods are case-sensitive.
func ParseMethod(s string) Method {
	switch s {
	case "GET":
		return MethodGet
	case "HEAD":
		return MethodHead
	default:
		return MethodOther
	}
}

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodHead:
		return "HEAD"
	default:
		return "OTHER"
	}
}

// Request is one parsed request head. It is not modified after parsing.
type Request struct {
	Method    Method
	RawMethod string
	Target    string // as received, still percent-encoded
	Version   string
	Headers   *headers.Headers

	// KeepAlive reports whether the connection may serve another request
	// after this one.
	KeepAlive bool
}

func newRequest() *Request {
	return &Request{
		Headers: headers.NewHeaders(),
	}
}

// RequestFromReader parses a single request from reader with default limits.
func RequestFromReader(reader io.Reader) (*Request, error) {
	return NewReader(reader, DefaultLimits()).ReadRequest()
}

func (r *Request) IsHTTP10() bool {
	return r.Version == "HTTP/1.0"
}

func (r *Request) IsHTTP11() bool {
	return r.Version == "HTTP/1.1"
}

// Host returns the Host header, if any.
func (r *Request) Host() string {
	host, _ := r.Headers.Get("host")
	return host
}

// WantsClose reports whether the client asked for the connection to close
// after this request.
func (r *Request) WantsClose() bool {
	if r.hasConnectionToken("close") {
		return true
	}
	// HTTP/1.0 closes by default unless "Connection: keep-alive"
	return r.IsHTTP10() && !r.hasConnectionToken("keep-alive")
}

func (r *Request) WantsKeepAlive() bool {
	return !r.WantsClose()
}

// HasBody reports whether the client announced a request body.
func (r *Request) HasBody() bool {
	if r.Headers.Has("transfer-encoding") {
		return true
	}
	cl, ok := r.Headers.Get("content-length")
	if !ok {
		return false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	// An unparsable length is treated as a body we cannot frame.
	return err != nil || n > 0
}

func (r *Request) hasConnectionToken(token string) bool {
	for _, value := range r.Headers.GetAll("connection") {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// computeKeepAlive derives KeepAlive once the head is complete. Request
// bodies are never read, so a request that carries one ends the session.
func (r *Request) computeKeepAlive() {
	r.KeepAlive = r.WantsKeepAlive() && !r.HasBody()
}
