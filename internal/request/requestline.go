package request

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/Brownie44l1/httpd/internal/headers"
)

var (
	ErrMalformedRequestLine = fmt.Errorf("%w: malformed request line", ErrMalformedRequest)
	ErrRequestLineTooLong   = fmt.Errorf("%w: request line too long", ErrMalformedRequest)
	ErrInvalidMethod        = fmt.Errorf("%w: invalid method token", ErrMalformedRequest)
	ErrInvalidPath          = fmt.Errorf("%w: invalid request target", ErrMalformedRequest)
)

var crlf = []byte("\r\n")

// parseRequestLine parses: METHOD SP TARGET SP VERSION CRLF
// Returns: method, target, version, bytesConsumed, error
// A zero consumed count with a nil error means more data is needed.
func parseRequestLine(data []byte) (string, string, string, int, error) {
	idx := bytes.Index(data, crlf)
	if idx == -1 {
		return "", "", "", 0, nil
	}

	line := data[:idx]
	consumed := idx + 2

	for _, b := range line {
		if b < 0x20 || b == 0x7f {
			return "", "", "", 0, ErrMalformedRequestLine
		}
	}

	parts := bytes.Split(line, []byte(" "))
	if len(parts) != 3 {
		return "", "", "", 0, ErrMalformedRequestLine
	}

	method := string(parts[0])
	target := string(parts[1])
	version := string(parts[2])

	if !isValidMethod(method) {
		return "", "", "", 0, ErrInvalidMethod
	}

	if !isValidTarget(target) {
		return "", "", "", 0, ErrInvalidPath
	}

	if err := checkVersion(version); err != nil {
		return "", "", "", 0, err
	}

	return method, target, version, consumed, nil
}

// isValidMethod checks the method is a well-formed token. Whether the
// server supports it is decided later, so unknown methods still parse.
func isValidMethod(method string) bool {
	if method == "" {
		return false
	}
	for i := 0; i < len(method); i++ {
		if !headers.IsTokenChar(method[i]) {
			return false
		}
	}
	return true
}

// isValidTarget accepts origin-form ("/path?query") and absolute-form
// ("http://host/path").
func isValidTarget(target string) bool {
	if target == "" {
		return false
	}
	if target[0] == '/' {
		return true
	}
	return strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}

// checkVersion accepts HTTP/1.0 and HTTP/1.1; any other well-formed
// HTTP/x.y is unsupported rather than malformed.
func checkVersion(version string) error {
	if version == "HTTP/1.0" || version == "HTTP/1.1" {
		return nil
	}
	if len(version) == len("HTTP/x.y") && strings.HasPrefix(version, "HTTP/") &&
		isDigit(version[5]) && version[6] == '.' && isDigit(version[7]) {
		return ErrUnsupportedVersion
	}
	return ErrMalformedRequestLine
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
