package response

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/Brownie44l1/httpd/internal/bufferpool"
	"github.com/Brownie44l1/httpd/internal/headers"
)

var ErrShortBody = errors.New("body shorter than Content-Length")

// writerState tracks what's been written so far
type writerState int

const (
	stateStart writerState = iota
	stateStatusWritten
	stateHeadersWritten
	stateBodyWritten
)

// Writer writes one HTTP response to an io.Writer, enforcing the order
// status line, headers, body.
type Writer struct {
	w             io.Writer
	state         writerState
	statusCode    StatusCode
	contentLength int64 // -1 means unknown
	bodyBytes     int64
	hadError      bool
}

// NewWriter creates a new response writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:             w,
		state:         stateStart,
		contentLength: -1,
	}
}

// WriteStatusLine writes the HTTP status line
func (w *Writer) WriteStatusLine(code StatusCode) error {
	if w.state != stateStart {
		return fmt.Errorf("status line already written")
	}

	statusLine := fmt.Sprintf("HTTP/1.1 %d %s\r\n", code, StatusText(code))
	if _, err := io.WriteString(w.w, statusLine); err != nil {
		w.hadError = true
		return err
	}

	w.statusCode = code
	w.state = stateStatusWritten
	return nil
}

// WriteHeaders writes all HTTP headers and the blank line after them
func (w *Writer) WriteHeaders(h *headers.Headers) error {
	if w.state != stateStatusWritten {
		return fmt.Errorf("must write status line before headers")
	}

	if cl, ok := h.Get("content-length"); ok {
		if length, err := strconv.ParseInt(cl, 10, 64); err == nil {
			w.contentLength = length
		}
	}

	var err error
	h.Each(func(name, value string) {
		if err != nil {
			return
		}
		_, err = fmt.Fprintf(w.w, "%s: %s\r\n", name, value)
	})
	if err == nil {
		_, err = io.WriteString(w.w, "\r\n")
	}
	if err != nil {
		w.hadError = true
		return err
	}

	w.state = stateHeadersWritten
	return nil
}

// WriteBody writes the complete response body
func (w *Writer) WriteBody(data []byte) error {
	if w.state != stateHeadersWritten {
		return fmt.Errorf("must write headers before body")
	}

	if len(data) > 0 {
		n, err := w.w.Write(data)
		w.bodyBytes += int64(n)
		if err != nil {
			w.hadError = true
			return err
		}
	}

	w.state = stateBodyWritten
	return nil
}

// CopyBody streams exactly n bytes from src as the body. A source that
// ends early is an error, since the length was already advertised.
func (w *Writer) CopyBody(src io.Reader, n int64) error {
	if w.state != stateHeadersWritten {
		return fmt.Errorf("must write headers before body")
	}

	buf := bufferpool.Get(bufferpool.LargeSize)
	defer bufferpool.Put(buf)

	copied, err := io.CopyBuffer(w.w, io.LimitReader(src, n), buf)
	w.bodyBytes += copied
	if err == nil && copied < n {
		err = fmt.Errorf("%w: wrote %d of %d bytes", ErrShortBody, copied, n)
	}
	if err != nil {
		w.hadError = true
		return err
	}

	w.state = stateBodyWritten
	return nil
}

// Flush pushes buffered bytes to the connection when the underlying
// writer buffers.
func (w *Writer) Flush() error {
	f, ok := w.w.(interface{ Flush() error })
	if !ok {
		return nil
	}
	if err := f.Flush(); err != nil {
		w.hadError = true
		return err
	}
	return nil
}

// State tracking methods for connection management

func (w *Writer) HadError() bool {
	return w.hadError
}

func (w *Writer) HasContentLength() bool {
	return w.contentLength >= 0
}

func (w *Writer) ContentLength() int64 {
	return w.contentLength
}

// BodyBytes returns how many body bytes reached the underlying writer.
func (w *Writer) BodyBytes() int64 {
	return w.bodyBytes
}

// Complete reports whether a full response went out without errors.
func (w *Writer) Complete() bool {
	return w.state == stateBodyWritten && !w.hadError
}

func (w *Writer) StatusCode() StatusCode {
	return w.statusCode
}
