//go:build !linux

package server

import (
	"errors"
	"net"
)

var errEpollUnsupported = errors.New("epoll listener is only available on linux")

func listenEpoll(addr string, logger Logger) (net.Listener, error) {
	return nil, errEpollUnsupported
}
