// Command reqdump prints every request head it receives, parsed with the
// same parser httpd uses. Useful for checking what a client really sends.
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/Brownie44l1/httpd/internal/request"
	"github.com/Brownie44l1/httpd/internal/response"
)

func main() {
	port := flag.Int("p", 42069, "listen port")
	flag.Parse()

	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(*port)))
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(1)
	}
	defer listener.Close()
	fmt.Printf("Listening on port %d...\n", *port)

	var mu sync.Mutex
	for {
		conn, err := listener.Accept()
		if err != nil {
			fmt.Fprintln(os.Stderr, "accept error:", err)
			continue
		}

		go handleConnection(conn, os.Stdout, &mu)
	}
}

// handleConnection dumps requests until the client stops sending. Output
// from concurrent connections is serialized through mu.
func handleConnection(conn net.Conn, out io.Writer, mu *sync.Mutex) {
	defer conn.Close()

	builder := response.NewBuilder("reqdump")
	reader := request.NewReader(conn, request.DefaultLimits())

	for {
		req, err := reader.ReadRequest()
		if err != nil {
			resp, ok := builder.ForParseError(err)
			if ok {
				mu.Lock()
				fmt.Fprintf(out, "parse error from %s: %v\n", conn.RemoteAddr(), err)
				mu.Unlock()
				resp.SetKeepAlive(false)
				resp.Send(response.NewWriter(conn), false)
			}
			return
		}

		mu.Lock()
		dump(out, conn.RemoteAddr().String(), req)
		mu.Unlock()

		resp := builder.Error(response.StatusOK)
		resp.SetKeepAlive(req.KeepAlive)
		if err := resp.Send(response.NewWriter(conn), req.Method == request.MethodHead); err != nil || !req.KeepAlive {
			return
		}
	}
}

func dump(out io.Writer, remote string, req *request.Request) {
	fmt.Fprintf(out, "Request from %s\n", remote)
	fmt.Fprintln(out, "Request Line")
	fmt.Fprintf(out, "- Method: %s\n", req.RawMethod)
	fmt.Fprintf(out, "- Target: %s\n", req.Target)
	fmt.Fprintf(out, "- Version: %s\n", req.Version)
	fmt.Fprintln(out, "Headers")
	req.Headers.Each(func(name, value string) {
		fmt.Fprintf(out, "- %s: %s\n", name, value)
	})
	fmt.Fprintf(out, "Keep-Alive: %t\n\n", req.KeepAlive)
}
