// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type serverClosedError struct{}

func (serverClosedError) Error() string { return "server closed" }

// ErrServerClosed is returned by Serve and Accept after Close.
var ErrServerClosed error = serverClosedError{}

// ChannelHandler serves one accepted Channel. The Channel is closed when it returns.
type ChannelHandler func(ch *Channel) error

// ServerInfo holds the Server's shared pool statistics.
type ServerInfo struct {
	CurrentBufferUsage int   // shared buffers lent to channels
	PeakBufferUsage    int   // highest CurrentBufferUsage since the last reset
	NumPoolBuffers     int   // free buffers in the shared pool
	ActiveChannels     int   // channels not yet closed
	BytesRead          int64 // total over all channels
	BytesWritten       int64 // total over all channels
}

// Server accepts RIPC connections, over TCP or WebSocket, and creates
// Channels for them. All of a Server's channels share its buffer pool.
type Server struct {
	Handler       ChannelHandler // called by Serve and ServeHTTP for each new Channel
	t             *Transport
	opts          BindOptions
	logger        *zap.Logger
	shared        *sharedPool
	upgrader      websocket.Upgrader
	listener      net.Listener
	bytesWritten  int64
	bytesRead     int64
	mu            sync.Mutex
	serveErrorsMu sync.Mutex
	serveErrors   map[string]int
	doneChan      chan struct{}
	channels      map[*Channel]struct{}
	netLog        bool
}

func newServer(t *Transport, opts BindOptions) *Server {
	srv := &Server{
		t:           t,
		opts:        opts,
		logger:      loggerOrNop(opts.Logger),
		shared:      t.newServerPool(opts.MaxFragmentSize+HeaderSize, opts.SharedPoolSize),
		serveErrors: make(map[string]int),
		channels:    make(map[*Channel]struct{}),
		doneChan:    make(chan struct{}),
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  opts.MaxFragmentSize + HeaderSize,
		WriteBufferSize: opts.MaxFragmentSize + HeaderSize,
	}
	return srv
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted
// network connections, so dead network connections eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	tc.SetNoDelay(true)
	return tc, nil
}

// Listen announces on the local network address. The listener is
// used by Accept, and closed by Close.
func (srv *Server) Listen(address string) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ln = tcpKeepAliveListener{ln.(*net.TCPListener)}
	srv.mu.Lock()
	srv.listener = ln
	srv.mu.Unlock()
	srv.logger.Info("listening", zap.String("address", ln.Addr().String()))
	return ln, nil
}

// Addr returns the listening address, or nil if not listening.
func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

func (srv *Server) isClosed() bool {
	select {
	case <-srv.doneChan:
		return true
	default:
		return false
	}
}

// NewChannel creates a server side channel running over sock.
// The channel must be initialized with Init before use.
func (srv *Server) NewChannel(sock Socket) (*Channel, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.isClosed() {
		return nil, errors.WithStack(ErrServerClosed)
	}
	opts := srv.opts.ChannelOptions
	opts.Logger = srv.logger
	ch := newChannel(srv.t, srv, sock, opts, srv.opts.MaxFragmentSize)
	ch.NetLog(srv.netLog)
	srv.channels[ch] = struct{}{}
	return ch, nil
}

func (srv *Server) untrackChannel(ch *Channel) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.channels, ch)
}

// Accept waits for the next connection on the listener and returns
// its Channel, still Initializing.
func (srv *Server) Accept() (*Channel, error) {
	srv.mu.Lock()
	ln := srv.listener
	srv.mu.Unlock()
	if ln == nil {
		return nil, newError(Failure, "server is not listening")
	}
	conn, err := ln.Accept()
	if err != nil {
		if srv.isClosed() {
			return nil, errors.WithStack(ErrServerClosed)
		}
		return nil, errors.WithStack(err)
	}
	ch, err := srv.NewChannel(NewSocket(conn, srv.opts.Blocking))
	if err != nil {
		conn.Close()
	}
	return ch, err
}

// serveChannel initializes ch and runs the handler for it.
func (srv *Server) serveChannel(ch *Channel, handler ChannelHandler) {
	defer ch.Close()
	err := ch.Init()
	for CodeOf(err) == ChanInitInProgress {
		time.Sleep(time.Millisecond)
		err = ch.Init()
	}
	if err == nil && handler != nil {
		err = handler(ch)
	}
	if err != nil {
		srv.serveErrorsMu.Lock()
		srv.serveErrors[errors.Cause(err).Error()]++
		srv.serveErrorsMu.Unlock()
	}
}

// Serve accepts connections on the listener, serving each in a new
// goroutine with srv.Handler. Serve returns when the listener fails
// or the Server is closed.
func (srv *Server) Serve() error {
	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		ch, err := srv.Accept()
		if err != nil {
			if srv.isClosed() {
				return errors.WithStack(ErrServerClosed)
			}
			if ne, ok := errors.Cause(err).(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go srv.serveChannel(ch, srv.Handler)
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves the RIPC
// connection carried in it with srv.Handler.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	ch, err := srv.NewChannel(newWebSocket(conn, srv.opts.Blocking))
	if err != nil {
		conn.Close()
		return
	}
	srv.serveChannel(ch, srv.Handler)
}

// IOCtl changes a Server setting. ServerNumPoolBuffers sets the number of
// free buffers the shared pool keeps, ServerPeakBufReset resets the peak
// usage statistic. Other codes are not valid for a Server.
func (srv *Server) IOCtl(code IOCtlCode, value interface{}) (int, error) {
	switch code {
	case ServerNumPoolBuffers:
		n, err := ioctlInt(code, value)
		if err != nil {
			return 0, err
		}
		if n < 0 {
			return 0, newError(Failure, "%v must not be negative", code)
		}
		return srv.shared.setMaxFree(n), nil
	case ServerPeakBufReset:
		srv.shared.resetPeak()
		return 0, nil
	}
	return 0, errInvalidIOCtlCode(code)
}

// BufferUsage returns the number of shared pool buffers lent to channels.
func (srv *Server) BufferUsage() (int, error) {
	lent, _ := srv.shared.usage()
	return lent, nil
}

// Info returns the Server's statistics.
func (srv *Server) Info() ServerInfo {
	lent, peak := srv.shared.usage()
	return ServerInfo{
		CurrentBufferUsage: lent,
		PeakBufferUsage:    peak,
		NumPoolBuffers:     srv.shared.numFree(),
		ActiveChannels:     srv.ActiveChannels(),
		BytesRead:          srv.BytesRead(),
		BytesWritten:       srv.BytesWritten(),
	}
}

// NetLog enables or disables debug logging of frames
// on all current and future channels.
func (srv *Server) NetLog(state bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.netLog = state
	for ch := range srv.channels {
		ch.NetLog(state)
	}
}

// ServeErrors returns a copy of the serve errors map
func (srv *Server) ServeErrors() map[string]int {
	srv.serveErrorsMu.Lock()
	defer srv.serveErrorsMu.Unlock()
	m := make(map[string]int)
	for k, v := range srv.serveErrors {
		m[k] = v
	}
	return m
}

// ActiveChannels returns the number of channels not yet closed.
func (srv *Server) ActiveChannels() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.channels)
}

// Close stops listening and closes all channels.
func (srv *Server) Close() (err error) {
	srv.mu.Lock()
	if !srv.isClosed() {
		close(srv.doneChan)
	}
	if srv.listener != nil {
		err = errors.WithStack(srv.listener.Close())
		srv.listener = nil
	}
	channels := make([]*Channel, 0, len(srv.channels))
	for ch := range srv.channels {
		channels = append(channels, ch)
	}
	srv.mu.Unlock()
	for _, ch := range channels {
		ch.Close()
	}
	srv.logger.Debug("server closed")
	return
}

// AddBytesWritten adds n to the number of bytes written statistic.
func (srv *Server) AddBytesWritten(n int64) {
	atomic.AddInt64(&srv.bytesWritten, n)
}

// BytesWritten returns the current number of bytes written.
func (srv *Server) BytesWritten() int64 {
	return atomic.LoadInt64(&srv.bytesWritten)
}

// AddBytesRead adds n to the number of bytes read statistic.
func (srv *Server) AddBytesRead(n int64) {
	atomic.AddInt64(&srv.bytesRead, n)
}

// BytesRead returns the current number of bytes read.
func (srv *Server) BytesRead() int64 {
	return atomic.LoadInt64(&srv.bytesRead)
}
