package main

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleConnectionDumpsRequests(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	out := &bytes.Buffer{}
	done := make(chan struct{})
	go func() {
		handleConnection(srv, out, &sync.Mutex{})
		close(done)
	}()

	go io.WriteString(client, "GET /coffee?x=1 HTTP/1.1\r\nHost: localhost:42069\r\nUser-Agent: curl/8.0\r\nConnection: close\r\n\r\n")

	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", status)

	rest, _ := io.ReadAll(br)
	assert.Contains(t, string(rest), "Connection: close")
	<-done

	dumped := out.String()
	assert.Contains(t, dumped, "- Method: GET")
	assert.Contains(t, dumped, "- Target: /coffee?x=1")
	assert.Contains(t, dumped, "- Version: HTTP/1.1")
	assert.Contains(t, dumped, "- host: localhost:42069")
	assert.Contains(t, dumped, "- user-agent: curl/8.0")
	assert.True(t, strings.HasSuffix(dumped, "Keep-Alive: false\n\n"))
}

func TestHandleConnectionReportsParseErrors(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	out := &bytes.Buffer{}
	go handleConnection(srv, out, &sync.Mutex{})
	go io.WriteString(client, "NONSENSE\r\n\r\n")

	status, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 400 Bad Request\r\n", status)
}
