// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// ErrWouldBlock is returned by a non-blocking Socket when the
// operation can not make progress without waiting.
var ErrWouldBlock = errors.New("operation would block")

// Socket is the byte stream a Channel runs over.
//
// Read returns the bytes available right now, or ErrWouldBlock if there are none.
// It returns io.EOF once the peer has closed the stream.
// Writev writes as much of bufs as possible with one call, returning the
// number of bytes written and ErrWouldBlock if not all of it could be written.
type Socket interface {
	Read(p []byte) (n int, err error)
	Writev(bufs [][]byte) (n int, err error)
	Close() error
}

// sysBufferSetter is implemented by sockets backed by an OS socket.
type sysBufferSetter interface {
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error
}

// connSocket holds what all net.Conn backed sockets share.
type connSocket struct {
	conn net.Conn
}

func (s connSocket) Close() error {
	return s.conn.Close()
}

func (s connSocket) SetReadBuffer(n int) error {
	if sb, ok := s.conn.(sysBufferSetter); ok {
		return errors.WithStack(sb.SetReadBuffer(n))
	}
	return newError(InvalidArgument, "%T has no system read buffer", s.conn)
}

func (s connSocket) SetWriteBuffer(n int) error {
	if sb, ok := s.conn.(sysBufferSetter); ok {
		return errors.WithStack(sb.SetWriteBuffer(n))
	}
	return newError(InvalidArgument, "%T has no system write buffer", s.conn)
}

func (s connSocket) String() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "?"
}

// NewSocket wraps conn as a Socket. Non-blocking sockets use raw
// file descriptor I/O where the platform and conn allow it.
func NewSocket(conn net.Conn, blocking bool) Socket {
	if !blocking {
		if sock := newRawSocket(conn); sock != nil {
			return sock
		}
		return &deadlineSocket{connSocket{conn}}
	}
	return &blockingSocket{connSocket{conn}}
}

// blockingSocket waits for the socket on every call.
type blockingSocket struct {
	connSocket
}

func (s *blockingSocket) Read(p []byte) (n int, err error) {
	return s.conn.Read(p)
}

func (s *blockingSocket) Writev(bufs [][]byte) (n int, err error) {
	nb := net.Buffers(bufs)
	n64, err := nb.WriteTo(s.conn)
	return int(n64), err
}

// deadlineReadWait is how long a deadlineSocket waits for data to arrive.
const deadlineReadWait = time.Millisecond

// deadlineSocket emulates non-blocking I/O with short deadlines,
// for connections that do not expose a file descriptor.
type deadlineSocket struct {
	connSocket
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (s *deadlineSocket) Read(p []byte) (n int, err error) {
	if err = s.conn.SetReadDeadline(time.Now().Add(deadlineReadWait)); err == nil {
		n, err = s.conn.Read(p)
		if isTimeout(err) {
			err = ErrWouldBlock
		}
	}
	return
}

func (s *deadlineSocket) Writev(bufs [][]byte) (n int, err error) {
	if err = s.conn.SetWriteDeadline(time.Now().Add(deadlineReadWait)); err == nil {
		nb := net.Buffers(bufs)
		var n64 int64
		n64, err = nb.WriteTo(s.conn)
		n = int(n64)
		if isTimeout(err) {
			err = ErrWouldBlock
		}
	}
	return
}
