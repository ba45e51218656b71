package request

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/Brownie44l1/httpd/internal/bufferpool"
)

// Error classes. Every error returned by ReadRequest matches exactly one of
// them with errors.Is.
var (
	ErrMalformedRequest   = errors.New("malformed request")
	ErrRequestTooLarge    = errors.New("request too large")
	ErrUnsupportedVersion = errors.New("unsupported HTTP version")
	ErrTimeout            = errors.New("timeout reading request")
	ErrConnectionClosed   = errors.New("connection closed")
)

var (
	ErrHeaderTooLarge  = fmt.Errorf("%w: header block exceeds limit", ErrRequestTooLarge)
	ErrTooManyHeaders  = fmt.Errorf("%w: too many header lines", ErrRequestTooLarge)
	ErrUnexpectedEOF   = fmt.Errorf("%w: unexpected EOF", ErrMalformedRequest)
	ErrMalformedHeader = fmt.Errorf("%w: malformed header", ErrMalformedRequest)
)

// Limits bounds how much a client can make the parser buffer.
type Limits struct {
	MaxRequestLine int
	MaxHeaderBytes int
	MaxHeaders     int
}

func DefaultLimits() Limits {
	return Limits{
		MaxRequestLine: 8 << 10,
		MaxHeaderBytes: 8 << 10,
		MaxHeaders:     100,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxRequestLine <= 0 {
		l.MaxRequestLine = d.MaxRequestLine
	}
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if l.MaxHeaders <= 0 {
		l.MaxHeaders = d.MaxHeaders
	}
	return l
}

// parserState represents the current state of the request parser
type parserState int

const (
	stateRequestLine parserState = iota
	stateHeaders
	stateDone
)

// parser tracks one request head while it is assembled
type parser struct {
	state       parserState
	limits      Limits
	headerBytes int
}

func newParser(limits Limits) *parser {
	return &parser{
		state:  stateRequestLine,
		limits: limits,
	}
}

// parse processes buffered data and advances the state machine.
// Returns number of bytes consumed.
func (p *parser) parse(data []byte, req *Request) (int, error) {
	switch p.state {
	case stateRequestLine:
		return p.parseRequestLine(data, req)
	case stateHeaders:
		return p.parseHeaders(data, req)
	case stateDone:
		return 0, nil
	default:
		return 0, fmt.Errorf("invalid parser state: %d", p.state)
	}
}

func (p *parser) parseRequestLine(data []byte, req *Request) (int, error) {
	// Empty lines before the request line are ignored (RFC 9112 2.2).
	if bytes.HasPrefix(data, crlf) {
		return len(crlf), nil
	}

	method, target, version, consumed, err := parseRequestLine(data)
	if err != nil {
		return 0, err
	}

	if consumed == 0 {
		return 0, nil
	}
	if consumed-len(crlf) > p.limits.MaxRequestLine {
		return 0, ErrRequestLineTooLong
	}

	req.RawMethod = method
	req.Method = ParseMethod(method)
	req.Target = target
	req.Version = version

	p.state = stateHeaders
	return consumed, nil
}

// parseHeaders parses header lines until the empty line
func (p *parser) parseHeaders(data []byte, req *Request) (int, error) {
	consumed, done, err := req.Headers.Parse(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	p.headerBytes += consumed
	if p.headerBytes > p.limits.MaxHeaderBytes {
		return 0, ErrHeaderTooLarge
	}
	if req.Headers.Len() > p.limits.MaxHeaders {
		return 0, ErrTooManyHeaders
	}

	if done {
		req.computeKeepAlive()
		p.state = stateDone
	}
	return consumed, nil
}

// checkPending fails once the unparsed bytes can no longer fit in the
// limit for the current state, so an endless line cannot grow the buffer.
func (p *parser) checkPending(pending int) error {
	switch p.state {
	case stateRequestLine:
		if pending > p.limits.MaxRequestLine+len(crlf) {
			return ErrRequestLineTooLong
		}
	case stateHeaders:
		if p.headerBytes+pending > p.limits.MaxHeaderBytes {
			return ErrHeaderTooLarge
		}
	}
	return nil
}

// Reader reads consecutive requests from one connection. Bytes that arrive
// after a request head are kept for the next call.
type Reader struct {
	r      io.Reader
	limits Limits
	buf    []byte
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{
		r:      r,
		limits: limits.withDefaults(),
	}
}

// Buffered returns the number of bytes already read but not yet parsed.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

// ReadRequest reads one request head. Request bodies are never read.
func (r *Reader) ReadRequest() (*Request, error) {
	p := newParser(r.limits)
	req := newRequest()

	readBuf := bufferpool.Get(bufferpool.SmallSize)
	defer bufferpool.Put(readBuf)

	started := len(r.buf) > 0

	for p.state != stateDone {
		if len(r.buf) > 0 {
			consumed, err := p.parse(r.buf, req)
			if err != nil {
				return nil, err
			}
			if consumed > 0 {
				r.buf = r.buf[consumed:]
				continue
			}
		}

		if err := p.checkPending(len(r.buf)); err != nil {
			return nil, err
		}

		n, err := r.r.Read(readBuf)
		if n > 0 {
			started = true
			r.buf = append(r.buf, readBuf[:n]...)
		}

		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				// Parse what arrived with the EOF before reporting it.
				continue
			}
			return nil, classifyReadError(err, started)
		}
	}

	// Detach leftovers from the consumed prefix.
	if len(r.buf) > 0 {
		r.buf = bytes.Clone(r.buf)
	} else {
		r.buf = nil
	}

	return req, nil
}

func classifyReadError(err error, started bool) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, io.EOF) {
		if !started {
			return ErrConnectionClosed
		}
		return ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
