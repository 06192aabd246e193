// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build linux || darwin || illumos

package ripc

import (
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// rawSocket performs single non-blocking read(2) and writev(2) calls
// on the connection's file descriptor, never parking in the poller.
type rawSocket struct {
	connSocket
	rc syscall.RawConn
}

func newRawSocket(conn net.Conn) Socket {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil
	}
	return &rawSocket{connSocket: connSocket{conn}, rc: rc}
}

func wouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

func (s *rawSocket) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	rerr := s.rc.Read(func(fd uintptr) bool {
		for {
			n, err = unix.Read(int(fd), p)
			if err != unix.EINTR {
				return true
			}
		}
	})
	if rerr != nil {
		return 0, errors.WithStack(rerr)
	}
	if n < 0 {
		n = 0
	}
	switch {
	case wouldBlock(err):
		err = ErrWouldBlock
	case err != nil:
		err = errors.WithStack(err)
	case n == 0:
		err = io.EOF
	}
	return
}

func (s *rawSocket) Writev(bufs [][]byte) (n int, err error) {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	if total == 0 {
		return 0, nil
	}
	werr := s.rc.Write(func(fd uintptr) bool {
		for {
			n, err = unix.Writev(int(fd), bufs)
			if err != unix.EINTR {
				return true
			}
		}
	})
	if werr != nil {
		return 0, errors.WithStack(werr)
	}
	if n < 0 {
		n = 0
	}
	switch {
	case wouldBlock(err):
		err = ErrWouldBlock
	case err != nil:
		err = errors.WithStack(err)
	case n < total:
		err = ErrWouldBlock
	}
	return
}
