// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// wsSocket carries the RIPC byte stream in binary WebSocket messages.
// A reader goroutine receives messages so that Read can be non-blocking.
type wsSocket struct {
	conn      *websocket.Conn
	blocking  bool
	msgs      chan []byte
	cur       []byte
	readErr   error // set before msgs is closed
	wmu       sync.Mutex
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func newWebSocket(conn *websocket.Conn, blocking bool) *wsSocket {
	ws := &wsSocket{
		conn:     conn,
		blocking: blocking,
		msgs:     make(chan []byte, 16),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go ws.readLoop()
	return ws
}

func (ws *wsSocket) String() string {
	return "ws:" + ws.conn.RemoteAddr().String()
}

func (ws *wsSocket) readLoop() {
	defer close(ws.stopped)
	defer close(ws.msgs)
	for {
		mt, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
			ws.readErr = err
			return
		}
		if mt != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		select {
		case ws.msgs <- data:
		case <-ws.done:
			ws.readErr = io.EOF
			return
		}
	}
}

func (ws *wsSocket) Read(p []byte) (n int, err error) {
	if len(ws.cur) == 0 {
		var data []byte
		var ok bool
		if ws.blocking {
			data, ok = <-ws.msgs
		} else {
			select {
			case data, ok = <-ws.msgs:
			default:
				return 0, ErrWouldBlock
			}
		}
		if !ok {
			if ws.readErr == nil || isClosedConnError(ws.readErr) {
				return 0, io.EOF
			}
			return 0, errors.WithStack(ws.readErr)
		}
		ws.cur = data
	}
	n = copy(p, ws.cur)
	ws.cur = ws.cur[n:]
	return
}

func (ws *wsSocket) Writev(bufs [][]byte) (n int, err error) {
	ws.wmu.Lock()
	defer ws.wmu.Unlock()
	var w io.WriteCloser
	if w, err = ws.conn.NextWriter(websocket.BinaryMessage); err == nil {
		for _, b := range bufs {
			var nn int
			nn, err = w.Write(b)
			n += nn
			if err != nil {
				break
			}
		}
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}
	return n, errors.WithStack(err)
}

func (ws *wsSocket) Close() (err error) {
	ws.closeOnce.Do(func() {
		close(ws.done)
		ws.wmu.Lock()
		_ = ws.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ws.wmu.Unlock()
		err = errors.WithStack(ws.conn.Close())
		<-ws.stopped
	})
	return
}

func (ws *wsSocket) SetReadBuffer(n int) error {
	return connSocket{ws.conn.UnderlyingConn()}.SetReadBuffer(n)
}

func (ws *wsSocket) SetWriteBuffer(n int) error {
	return connSocket{ws.conn.UnderlyingConn()}.SetWriteBuffer(n)
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
