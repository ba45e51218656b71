package headers

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedHeader = errors.New("malformed header")
	ErrLineFolding     = errors.New("obsolete line folding not supported")
)

var crlf = []byte("\r\n")

// Headers is a case-insensitive multi-value header map that remembers
// insertion order, so responses are written in a stable order.
type Headers struct {
	headers map[string][]string
	names   map[string]string // folded name -> name as first given
	order   []string
	count   int
}

func NewHeaders() *Headers {
	return &Headers{
		headers: make(map[string][]string),
		names:   make(map[string]string),
	}
}

// Get returns the last value received for a header.
func (h *Headers) Get(key string) (string, bool) {
	values := h.headers[strings.ToLower(key)]
	if len(values) == 0 {
		return "", false
	}
	return values[len(values)-1], true
}

// GetAll returns all values for a header
func (h *Headers) GetAll(key string) []string {
	return h.headers[strings.ToLower(key)]
}

// Has reports whether the header is present at all.
func (h *Headers) Has(key string) bool {
	_, ok := h.headers[strings.ToLower(key)]
	return ok
}

// Set replaces all values for a header
func (h *Headers) Set(key, value string) {
	folded := h.track(key)
	h.count -= len(h.headers[folded])
	h.headers[folded] = []string{value}
	h.count++
}

// Add appends a value to a header
func (h *Headers) Add(key, value string) {
	folded := h.track(key)
	h.headers[folded] = append(h.headers[folded], value)
	h.count++
}

// Del removes a header
func (h *Headers) Del(key string) {
	folded := strings.ToLower(key)
	values, ok := h.headers[folded]
	if !ok {
		return
	}
	h.count -= len(values)
	delete(h.headers, folded)
	delete(h.names, folded)
	for i, name := range h.order {
		if name == folded {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of header values stored.
func (h *Headers) Len() int {
	return h.count
}

// Each calls fn for every value in insertion order, using the name as it
// was first given.
func (h *Headers) Each(fn func(name, value string)) {
	for _, folded := range h.order {
		for _, value := range h.headers[folded] {
			fn(h.names[folded], value)
		}
	}
}

func (h *Headers) track(key string) string {
	folded := strings.ToLower(key)
	if _, ok := h.names[folded]; !ok {
		h.names[folded] = key
		h.order = append(h.order, folded)
	}
	return folded
}

// Parse parses header lines from raw bytes. It returns the number of bytes
// consumed and whether the terminating empty line was reached. Incomplete
// trailing lines are left unconsumed.
func (h *Headers) Parse(data []byte) (int, bool, error) {
	read := 0
	done := false

	for {
		idx := bytes.Index(data[read:], crlf)
		if idx == -1 {
			// Need more data
			break
		}

		if idx == 0 {
			// Empty line = end of headers
			done = true
			read += 2
			break
		}

		line := data[read : read+idx]

		if line[0] == ' ' || line[0] == '\t' {
			return read, false, ErrLineFolding
		}

		name, value, err := parseHeader(line)
		if err != nil {
			return read, false, err
		}

		h.Add(name, value)

		read += idx + 2
	}

	return read, done, nil
}

func parseHeader(line []byte) (string, string, error) {
	colonIdx := bytes.IndexByte(line, ':')
	if colonIdx == -1 {
		return "", "", fmt.Errorf("%w: no colon", ErrMalformedHeader)
	}

	name := line[:colonIdx]
	value := line[colonIdx+1:]

	if len(name) == 0 {
		return "", "", fmt.Errorf("%w: empty name", ErrMalformedHeader)
	}

	if bytes.ContainsAny(name, " \t") {
		return "", "", fmt.Errorf("%w: whitespace in name", ErrMalformedHeader)
	}

	for _, b := range name {
		if !IsTokenChar(b) {
			return "", "", fmt.Errorf("%w: invalid character in name: %q", ErrMalformedHeader, b)
		}
	}

	if bytes.ContainsAny(value, "\x00\r\n") {
		return "", "", fmt.Errorf("%w: invalid character in value", ErrMalformedHeader)
	}

	return strings.ToLower(string(name)), string(bytes.TrimSpace(value)), nil
}

// IsTokenChar reports whether b is an RFC 9110 tchar.
func IsTokenChar(b byte) bool {
	return (b >= 'A' && b <= 'Z') ||
		(b >= 'a' && b <= 'z') ||
		(b >= '0' && b <= '9') ||
		b == '!' || b == '#' || b == '$' || b == '%' || b == '&' ||
		b == '\'' || b == '*' || b == '+' || b == '-' || b == '.' ||
		b == '^' || b == '_' || b == '`' || b == '|' || b == '~'
}
