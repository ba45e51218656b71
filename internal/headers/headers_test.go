package headers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderParse(t *testing.T) {
	// Test: Valid single header
	h := NewHeaders()
	data := []byte("Host: localhost:42069\r\n")
	n, done, err := h.Parse(data)
	require.NoError(t, err)
	val, ok := h.Get("host")
	assert.True(t, ok)
	assert.Equal(t, "localhost:42069", val)
	assert.Equal(t, 23, n)
	assert.False(t, done)

	// Test: Valid single header with extra whitespace
	h = NewHeaders()
	data = []byte("Host:   localhost:42069   \r\n")
	_, done, err = h.Parse(data)
	require.NoError(t, err)
	val, ok = h.Get("host")
	assert.True(t, ok)
	assert.Equal(t, "localhost:42069", val)
	assert.False(t, done)

	// Test: Duplicate headers keep every value, Get is last-wins
	h = NewHeaders()
	data = []byte("Connection: keep-alive\r\nConnection: close\r\n")
	_, done, err = h.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep-alive", "close"}, h.GetAll("connection"))
	val, ok = h.Get("connection")
	assert.True(t, ok)
	assert.Equal(t, "close", val)
	assert.Equal(t, 2, h.Len())
	assert.False(t, done)

	// Test: Empty line signals end of headers
	h = NewHeaders()
	n, done, err = h.Parse([]byte("\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, done)

	// Test: Headers followed by empty line
	h = NewHeaders()
	n, done, err = h.Parse([]byte("Host: example.com\r\n\r\nGET / HTTP/1.1"))
	require.NoError(t, err)
	assert.Equal(t, 21, n)
	assert.True(t, done)

	// Test: Case insensitive lookup
	h = NewHeaders()
	_, _, err = h.Parse([]byte("Content-Type: application/json\r\n"))
	require.NoError(t, err)
	val, ok = h.Get("CONTENT-TYPE")
	assert.True(t, ok)
	assert.Equal(t, "application/json", val)

	// Test: Incomplete headers (no \r\n yet)
	h = NewHeaders()
	n, done, err = h.Parse([]byte("Host: example.com"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, done)
	assert.Len(t, h.GetAll("host"), 0)

	// Test: Empty header value (allowed)
	h = NewHeaders()
	_, _, err = h.Parse([]byte("X-Empty:\r\n"))
	require.NoError(t, err)
	val, ok = h.Get("x-empty")
	assert.True(t, ok)
	assert.Equal(t, "", val)
}

func TestHeaderParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"whitespace before colon", "Host : localhost\r\n", ErrMalformedHeader},
		{"whitespace in name", "Ho st: localhost\r\n", ErrMalformedHeader},
		{"invalid character", "HÂ©st: localhost\r\n", ErrMalformedHeader},
		{"no colon", "InvalidHeader\r\n", ErrMalformedHeader},
		{"empty name", ": value\r\n", ErrMalformedHeader},
		{"line folding with space", "Host: example.com\r\n continued\r\n", ErrLineFolding},
		{"line folding with tab", "Host: example.com\r\n\tcontinued\r\n", ErrLineFolding},
		{"nul in value", "X-Bad: a\x00b\r\n", ErrMalformedHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHeaders()
			_, done, err := h.Parse([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, done)
		})
	}
}

func TestHeadersSetAddDel(t *testing.T) {
	h := NewHeaders()
	h.Add("X-Custom", "value1")
	h.Add("X-Custom", "value2")
	assert.Equal(t, []string{"value1", "value2"}, h.GetAll("x-custom"))

	h.Set("X-Custom", "new-value")
	assert.Equal(t, []string{"new-value"}, h.GetAll("x-custom"))
	assert.Equal(t, 1, h.Len())

	h.Del("x-custom")
	assert.False(t, h.Has("X-Custom"))
	assert.Equal(t, 0, h.Len())

	val, ok := h.Get("non-existent")
	assert.False(t, ok)
	assert.Equal(t, "", val)
}

func TestHeadersEachKeepsOrderAndCase(t *testing.T) {
	h := NewHeaders()
	h.Set("Content-Type", "text/html")
	h.Set("Content-Length", "9")
	h.Set("Server", "httpd")
	h.Set("content-type", "text/plain")

	var lines []string
	h.Each(func(name, value string) {
		lines = append(lines, name+": "+value)
	})

	assert.Equal(t, []string{
		"Content-Type: text/plain",
		"Content-Length: 9",
		"Server: httpd",
	}, lines)
}
