// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"net"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// offlineError is returned when the server can not be reached.
type offlineError struct {
	addr string
	err  error
}

func (e offlineError) Error() string {
	return "ripc: server " + e.addr + " is offline: " + e.err.Error()
}

func (e offlineError) Cause() error {
	return e.err
}

func isWebSocketAddr(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}

// dial opens the network connection for a client channel.
func dial(opts ConnectOptions) (Socket, error) {
	if isWebSocketAddr(opts.Address) {
		dialer := websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: opts.DialTimeout,
		}
		conn, _, err := dialer.Dial(opts.Address, nil)
		if err != nil {
			return nil, errors.WithStack(offlineError{addr: opts.Address, err: err})
		}
		return newWebSocket(conn, opts.Blocking), nil
	}
	conn, err := net.DialTimeout("tcp", opts.Address, opts.DialTimeout)
	if err != nil {
		return nil, errors.WithStack(offlineError{addr: opts.Address, err: err})
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return NewSocket(conn, opts.Blocking), nil
}
