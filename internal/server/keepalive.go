package server

import (
	"github.com/Brownie44l1/httpd/internal/request"
	"github.com/Brownie44l1/httpd/internal/response"
)

// wantsKeepAlive decides, before anything is written, whether the response
// may advertise Connection: keep-alive.
func wantsKeepAlive(req *request.Request, shuttingDown bool) bool {
	if shuttingDown {
		return false
	}

	// HTTP/1.0 closes by default unless "Connection: keep-alive", HTTP/1.1
	// keeps alive unless "Connection: close". Requests with an unread body
	// leave the stream unframed. The parser folds all of this into KeepAlive.
	return req.KeepAlive
}

// canReuse reports whether the connection is still usable after the
// response went out.
func canReuse(w *response.Writer) bool {
	// If the response had errors, close the connection
	if w.HadError() || !w.Complete() {
		return false
	}

	// Without Content-Length the client can't tell where the response ends.
	return w.HasContentLength()
}
