// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ChannelState is the lifecycle state of a Channel.
type ChannelState int32

const (
	// ChannelInitializing means the handshake has not completed.
	ChannelInitializing = ChannelState(0)
	// ChannelActive means the channel can read and write messages.
	ChannelActive = ChannelState(1)
	// ChannelClosed is terminal, all operations fail.
	ChannelClosed = ChannelState(2)
)

var channelStateTexts = map[ChannelState]string{
	ChannelInitializing: "Initializing",
	ChannelActive:       "Active",
	ChannelClosed:       "Closed",
}

func (cs ChannelState) String() string {
	if s, ok := channelStateTexts[cs]; ok {
		return s
	}
	return fmt.Sprintf("ChannelState(%d)", int32(cs))
}

// WriteFlags modify how Channel.Write sends a buffer.
type WriteFlags uint8

const (
	// WriteDirectSocketWrite sends the buffer at once if nothing else is queued.
	WriteDirectSocketWrite = WriteFlags(1 << iota)
	// WriteDoNotCompress sends the buffer uncompressed.
	WriteDoNotCompress
)

// WriteArgs are passed to Channel.Write and receive its byte counts.
type WriteArgs struct {
	Priority                 Priority
	Flags                    WriteFlags
	BytesWritten             int // wire bytes of the buffer, 0 if it was only queued
	UncompressedBytesWritten int // frame bytes before compression
}

// ReadArgs receive the outcome of Channel.Read.
type ReadArgs struct {
	BytesRead             int         // wire bytes consumed
	UncompressedBytesRead int         // bytes consumed after decompression
	State                 BufferState // state of the receive buffer
	Pending               int         // bytes still buffered, call Read again if positive
}

// StatsCollector is the interface required to collect statistics
type StatsCollector interface {
	AddBytesWritten(int64)
	AddBytesRead(int64)
}

// ChannelInfo is a snapshot of a Channel's negotiated and current settings.
type ChannelInfo struct {
	State                    ChannelState
	Version                  ProtocolVersion
	MaxFragmentSize          int
	Compression              CompressionType
	CompressionThreshold     int
	PingTimeout              int
	GuaranteedOutputBuffers  int
	MaxOutputBuffers         int
	HighWaterMark            int
	FlushOrder               string
	ComponentInfo            string // the peer's component info
	BytesRead                int64
	BytesWritten             int64
	UncompressedBytesRead    int64
	UncompressedBytesWritten int64
}

// Channel is one RIPC connection. A Channel supports one reader and one
// writer goroutine at a time.
type Channel struct {
	t        *Transport
	srv      *Server
	sock     Socket
	logger   *zap.Logger
	stats    StatsCollector
	isServer bool
	state    int32 // ChannelState
	netLog   int32
	lastRead int64 // unix nanoseconds
	closeErr error
	sockOnce sync.Once

	rmu sync.Mutex // guards the read side
	rb  *readBuffer

	wmu        sync.Mutex // guards the write side and the settings below
	opts       ChannelOptions
	wq         *writeQueue
	pool       *channelPool
	comp       Compressor
	threshold  int
	hwm        int
	fragID     uint16
	curWrite   *TransportBuffer
	curWire    int
	versionIdx int
	reqSent    bool
	ackQueued  bool

	version     ProtocolVersion
	maxFrag     int
	compression CompressionType
	pingTimeout int
	peerInfo    string

	bytesRead     int64
	bytesWritten  int64
	uncompRead    int64
	uncompWritten int64
}

func newChannel(t *Transport, srv *Server, sock Socket, opts ChannelOptions, maxFrag int) *Channel {
	ch := &Channel{
		t:         t,
		srv:       srv,
		sock:      sock,
		logger:    loggerOrNop(opts.Logger),
		stats:     opts.StatsCollector,
		isServer:  srv != nil,
		opts:      opts,
		threshold: opts.CompressionThreshold,
		hwm:       opts.HighWaterMark,
		maxFrag:   maxFrag,
		version:   opts.Versions[0],
		lastRead:  time.Now().UnixNano(),
	}
	if s, ok := sock.(fmt.Stringer); ok {
		ch.logger = ch.logger.With(zap.String("remote", s.String()))
	}
	if srv != nil {
		ch.logger = ch.logger.With(zap.Bool("server", true))
		if ch.stats == nil {
			ch.stats = srv
		}
	}
	order, _ := parseFlushOrder(opts.FlushOrder)
	ch.wq = newWriteQueue(order, ch.encode, ch.releaseQueued)
	ch.rb = newReadBuffer(opts.NumInputBuffers*(maxFrag+HeaderSize), ch.version)
	if sb, ok := sock.(sysBufferSetter); ok {
		if opts.SysRecvBufSize > 0 {
			_ = sb.SetReadBuffer(opts.SysRecvBufSize)
		}
		if opts.SysSendBufSize > 0 {
			_ = sb.SetWriteBuffer(opts.SysSendBufSize)
		}
	}
	return ch
}

func (ch *Channel) String() string {
	return fmt.Sprintf("[Channel %v %v %v]", ch.State(), ch.version, ch.sock)
}

// State returns the current ChannelState.
func (ch *Channel) State() ChannelState {
	return ChannelState(atomic.LoadInt32(&ch.state))
}

// Version returns the protocol version, final once the channel is Active.
func (ch *Channel) Version() ProtocolVersion {
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	return ch.version
}

// IsServer returns true for channels created by a Server.
func (ch *Channel) IsServer() bool {
	return ch.isServer
}

// LastReadTime returns when bytes were last received, or when the channel was created.
func (ch *Channel) LastReadTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&ch.lastRead))
}

// NetLog enables or disables debug logging of frames.
func (ch *Channel) NetLog(state bool) {
	var v int32
	if state {
		v = 1
	}
	atomic.StoreInt32(&ch.netLog, v)
}

func (ch *Channel) isNetLog() bool {
	return atomic.LoadInt32(&ch.netLog) != 0
}

func (ch *Channel) checkActive() error {
	switch ch.State() {
	case ChannelActive:
		return nil
	case ChannelInitializing:
		return newError(Failure, "channel is initializing")
	}
	return newError(Failure, "channel is closed")
}

// Close closes the channel, returning all queued buffers to the pool.
func (ch *Channel) Close() error {
	if ch.State() == ChannelClosed {
		return nil
	}
	ch.closeSocket()
	return ch.close(nil)
}

func (ch *Channel) closeSocket() {
	ch.sockOnce.Do(func() {
		if err := ch.sock.Close(); err != nil && ch.closeErr == nil {
			ch.closeErr = errors.WithStack(err)
		}
	})
}

func (ch *Channel) close(reason error) error {
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	return ch.closeLocked(reason)
}

// closeLocked moves the channel to Closed. Must run with wmu locked.
func (ch *Channel) closeLocked(reason error) error {
	if ChannelState(atomic.SwapInt32(&ch.state, int32(ChannelClosed))) == ChannelClosed {
		return nil
	}
	if reason != nil {
		ch.logger.Warn("channel failed", zap.Error(reason))
	} else {
		ch.logger.Debug("channel closed")
	}
	ch.wq.drain()
	if ch.pool != nil {
		ch.pool.close()
	}
	ch.closeSocket()
	if ch.srv != nil {
		ch.srv.untrackChannel(ch)
	}
	return ch.closeErr
}

// fail closes the channel because of err and returns a Failure error.
// Must run with wmu locked.
func (ch *Channel) failLocked(err error) error {
	ch.closeLocked(err)
	if IsProtocolError(err) {
		return err
	}
	return errors.Wrap(newError(Failure, "%v", errors.Cause(err)), "channel failed")
}

func (ch *Channel) fail(err error) error {
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	return ch.failLocked(err)
}

// Init advances the connection handshake. It returns nil once the channel is
// Active and ErrChanInitInProgress while more I/O is needed. A blocking
// channel does not return until the handshake has completed or failed.
func (ch *Channel) Init() error {
	switch ch.State() {
	case ChannelActive:
		return nil
	case ChannelClosed:
		return newError(Failure, "channel is closed")
	}
	ch.rmu.Lock()
	defer ch.rmu.Unlock()
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	for {
		done, err := ch.initStep()
		if err != nil {
			return ch.failLocked(err)
		}
		if done {
			return nil
		}
		if !ch.opts.Blocking {
			return ErrChanInitInProgress
		}
	}
}

func (ch *Channel) sendConnectReq() {
	req := &connectReq{
		Version:       ch.opts.Versions[ch.versionIdx],
		Compression:   compressionBitmap(ch.opts.Compression),
		PingTimeout:   uint8(ch.opts.PingTimeout),
		ComponentInfo: ch.opts.ComponentInfo,
	}
	ch.version = req.Version
	ch.rb.version = req.Version
	ch.wq.enqueueGather(newInternalBuffer(req.encode()))
	ch.reqSent = true
	ch.logger.Debug("connect request", zap.Stringer("version", req.Version))
}

// flushControl writes queued handshake frames. Must run with wmu locked.
func (ch *Channel) flushControl() error {
	for !ch.wq.isEmpty() {
		n, err := ch.wq.flush(ch.sock)
		ch.addBytesWritten(n)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

// initStep performs one round of handshake I/O. Must run with rmu and wmu locked.
func (ch *Channel) initStep() (done bool, err error) {
	if !ch.isServer && !ch.reqSent {
		ch.sendConnectReq()
	}
	if err = ch.flushControl(); err != nil {
		return
	}
	if ch.ackQueued {
		if ch.wq.isEmpty() {
			ch.setActive()
			return true, nil
		}
		return false, nil
	}
	didRead := false
	for {
		res, st, err := ch.rb.next()
		if err != nil {
			return false, err
		}
		if st == BufferKnownInsufficient {
			ch.rb.grow(ch.rb.frameLength())
			continue
		}
		if st != BufferKnownComplete {
			if didRead {
				return false, nil
			}
			didRead = true
			n, rerr := ch.fill()
			switch {
			case rerr == nil && n > 0:
				continue
			case rerr == nil || errors.Is(rerr, ErrWouldBlock):
				return false, nil
			case errors.Is(rerr, io.EOF):
				return false, newError(Failure, "end of stream during handshake")
			}
			return false, rerr
		}
		if res.ping {
			continue
		}
		if res.control == nil {
			return false, protocolErrorf("data frame before handshake completed")
		}
		msg, err := parseControl(res.control)
		if err != nil {
			return false, err
		}
		if done, err = ch.handleControl(msg); err != nil || done {
			return done, err
		}
		if err = ch.flushControl(); err != nil {
			return false, err
		}
		if ch.ackQueued {
			if ch.wq.isEmpty() {
				ch.setActive()
				return true, nil
			}
			return false, nil
		}
	}
}

// handleControl processes a handshake message. Must run with rmu and wmu locked.
func (ch *Channel) handleControl(msg interface{}) (done bool, err error) {
	switch m := msg.(type) {
	case *connectReq:
		if !ch.isServer {
			return false, protocolErrorf("client received connect request")
		}
		ch.peerInfo = m.ComponentInfo
		if !ch.supportsVersion(m.Version) {
			ch.logger.Info("refusing protocol version", zap.Stringer("version", m.Version))
			nak := &connectNak{Reason: NakVersion, Text: fmt.Sprintf("protocol version %v not supported", m.Version)}
			ch.wq.enqueueGather(newInternalBuffer(nak.encode()))
			return false, nil
		}
		ping := ch.opts.PingTimeout
		if int(m.PingTimeout) > 0 && int(m.PingTimeout) < ping {
			ping = int(m.PingTimeout)
		}
		ack := &connectAck{
			Version:         m.Version,
			MaxFragmentSize: uint16(ch.maxFrag),
			Compression:     chooseCompression(ch.opts.Compression, m.Compression),
			PingTimeout:     uint8(ping),
			ComponentInfo:   ch.opts.ComponentInfo,
		}
		if err = ch.activate(ack); err != nil {
			return false, err
		}
		ch.wq.enqueueGather(newInternalBuffer(ack.encode()))
		ch.ackQueued = true
		return false, nil
	case *connectAck:
		if ch.isServer {
			return false, protocolErrorf("server received connect ack")
		}
		if m.Version != ch.version {
			return false, protocolErrorf("ack for version %v, requested %v", m.Version, ch.version)
		}
		if int(m.MaxFragmentSize) < MinMaxFragmentSize || int(m.MaxFragmentSize) > MaxMaxFragmentSize {
			return false, protocolErrorf("ack max fragment size %d out of range", m.MaxFragmentSize)
		}
		if m.Compression != CompressionNone && compressionBitmap(ch.opts.Compression)&m.Compression.bit() == 0 {
			return false, protocolErrorf("ack selected compression %v which was not offered", m.Compression)
		}
		ch.peerInfo = m.ComponentInfo
		ch.maxFrag = int(m.MaxFragmentSize)
		if err = ch.activate(m); err != nil {
			return false, err
		}
		ch.setActive()
		return true, nil
	case *connectNak:
		if ch.isServer {
			return false, protocolErrorf("server received connect nak")
		}
		if m.Reason != NakVersion {
			return false, newError(Failure, "connection refused: %s", m.Text)
		}
		ch.versionIdx++
		if ch.versionIdx >= len(ch.opts.Versions) {
			return false, newError(Failure, "no protocol version accepted: %s", m.Text)
		}
		ch.logger.Info("protocol version refused, falling back",
			zap.Stringer("refused", ch.version), zap.Stringer("next", ch.opts.Versions[ch.versionIdx]))
		ch.sendConnectReq()
		return false, nil
	}
	return false, protocolErrorf("unexpected control message %T", msg)
}

func (ch *Channel) supportsVersion(v ProtocolVersion) bool {
	for _, sv := range ch.opts.Versions {
		if sv == v {
			return true
		}
	}
	return false
}

// activate fixes the session parameters from the ack. Must run with rmu and wmu locked.
func (ch *Channel) activate(ack *connectAck) (err error) {
	ch.version = ack.Version
	ch.rb.version = ack.Version
	ch.compression = ack.Compression
	ch.pingTimeout = int(ack.PingTimeout)
	if ch.comp, err = NewCompressor(ack.Compression, ch.opts.CompressionLevel); err != nil {
		return
	}
	if ch.rb.decomp, err = NewCompressor(ack.Compression, ch.opts.CompressionLevel); err != nil {
		return
	}
	if m := ack.Compression.minThreshold(); ch.threshold < m {
		ch.threshold = m
	}
	if need := ch.opts.NumInputBuffers * (ch.maxFrag + HeaderSize); need > len(ch.rb.buf) {
		ch.rb.grow(need)
	}
	var shared *sharedPool
	if ch.srv != nil {
		shared = ch.srv.shared
	} else {
		shared = ch.t.sharedPoolFor(ch.maxFrag + HeaderSize)
	}
	ch.pool = newChannelPool(shared, ch.t.big, ch.opts.GuaranteedOutputBuffers, ch.opts.MaxOutputBuffers)
	return nil
}

func (ch *Channel) setActive() {
	ch.ackQueued = false
	atomic.StoreInt32(&ch.state, int32(ChannelActive))
	ch.logger.Info("channel active",
		zap.Stringer("version", ch.version),
		zap.Int("maxFragmentSize", ch.maxFrag),
		zap.Stringer("compression", ch.compression),
		zap.Int("pingTimeout", ch.pingTimeout),
		zap.String("peer", ch.peerInfo))
}

// fill reads once from the socket. Must run with rmu locked.
func (ch *Channel) fill() (n int, err error) {
	n, err = ch.rb.fill(ch.sock)
	if n > 0 {
		atomic.StoreInt64(&ch.lastRead, time.Now().UnixNano())
		atomic.AddInt64(&ch.bytesRead, int64(n))
		if ch.stats != nil {
			ch.stats.AddBytesRead(int64(n))
		}
	}
	return
}

// evictFragments drops fragmented messages that have not received a
// fragment for two ping timeouts. Must run with rmu locked.
func (ch *Channel) evictFragments() {
	fa := ch.rb.frags
	if fa.Pending() == 0 {
		return
	}
	timeout := ch.pingTimeout
	if timeout < 1 {
		timeout = DefaultPingTimeout
	}
	if n := fa.Evict(fa.now().Add(-2 * time.Duration(timeout) * time.Second)); n > 0 {
		ch.logger.Debug("evicted stale fragments", zap.Int("count", n), zap.Int("pending", fa.Pending()))
	}
}

// Read returns the next complete message. The returned slice is only valid
// until the next call to Read. ErrReadWouldBlock means no complete message
// is available yet and ErrReadPing that a keepalive was received.
func (ch *Channel) Read(args *ReadArgs) ([]byte, error) {
	if args == nil {
		args = &ReadArgs{}
	}
	*args = ReadArgs{}
	switch ch.State() {
	case ChannelInitializing:
		return nil, ErrChanInitInProgress
	case ChannelClosed:
		return nil, newError(Failure, "channel is closed")
	}
	ch.rmu.Lock()
	defer ch.rmu.Unlock()
	ch.evictFragments()
	didRead := false
	for {
		res, st, err := ch.rb.next()
		args.BytesRead += res.bytesRead
		args.UncompressedBytesRead += res.uncompressed
		atomic.AddInt64(&ch.uncompRead, int64(res.uncompressed))
		if err != nil {
			args.State = BufferReadError
			return nil, ch.fail(err)
		}
		if res.bytesRead > 0 && ch.isNetLog() {
			ch.logger.Debug("READ", zap.Int("bytes", res.bytesRead), zap.Int("uncompressed", res.uncompressed))
		}
		switch st {
		case BufferKnownComplete:
			switch {
			case res.ping:
				args.State = st
				args.Pending = ch.rb.pending()
				return nil, ErrReadPing
			case res.control != nil:
				args.State = BufferReadError
				return nil, ch.fail(protocolErrorf("control frame on active channel"))
			case res.ok:
				args.State = st
				args.Pending = ch.rb.pending()
				return res.msg, nil
			}
			continue
		case BufferKnownInsufficient:
			if !ch.rb.grow(ch.rb.frameLength()) {
				args.State = st
				return nil, newError(Failure, "frame of %d bytes exceeds receive buffer", ch.rb.frameLength())
			}
			continue
		}
		if didRead && !ch.opts.Blocking {
			args.State = st
			args.Pending = ch.rb.pending()
			return nil, ErrReadWouldBlock
		}
		didRead = true
		n, err := ch.fill()
		switch {
		case err == nil && n > 0:
		case err == nil || errors.Is(err, ErrWouldBlock):
			args.State = BufferReadWouldBlock
			args.Pending = ch.rb.pending()
			return nil, ErrReadWouldBlock
		case errors.Is(err, io.EOF):
			args.State = BufferEndOfStream
			return nil, ch.fail(newError(Failure, "end of stream"))
		default:
			args.State = BufferReadError
			return nil, ch.fail(err)
		}
	}
}

// GetBuffer returns a buffer with room for size bytes. A packed buffer holds
// several messages, separated by calls to PackBuffer, and can not be larger
// than the max fragment size. Larger unpacked buffers are sent fragmented.
func (ch *Channel) GetBuffer(size int, packed bool) (*TransportBuffer, error) {
	if err := ch.checkActive(); err != nil {
		return nil, err
	}
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	if !ch.version.wideFragments() && size > 0xffff {
		return nil, newError(InvalidArgument, "buffer size %d too large for %v", size, ch.version)
	}
	return ch.pool.get(size, packed)
}

// PackBuffer ends the current message in a packed buffer and starts the next,
// returning the room left for it.
func (ch *Channel) PackBuffer(b *TransportBuffer) (int, error) {
	if b == nil || !b.packed {
		return 0, newError(InvalidArgument, "not a packed buffer")
	}
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	if b.state != bufferOwnedByApp || b.pool != ch.pool {
		return 0, newError(InvalidArgument, "%v is not owned by the application", b)
	}
	return b.pack(), nil
}

// ReleaseBuffer returns an unwritten buffer to the pool. Releasing a buffer
// that has already been passed to Write or released does nothing.
func (ch *Channel) ReleaseBuffer(b *TransportBuffer) error {
	if b == nil {
		return newError(InvalidArgument, "nil buffer")
	}
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	if b.state != bufferOwnedByApp {
		return nil
	}
	if b.pool != ch.pool {
		return newError(InvalidArgument, "%v belongs to another channel", b)
	}
	ch.pool.put(b)
	return nil
}

// releaseQueued returns a buffer the write queue is done with.
func (ch *Channel) releaseQueued(b *TransportBuffer) {
	if b.origin != originInternal && b.pool != nil {
		b.pool.put(b)
	}
}

func newInternalBuffer(wire []byte) *TransportBuffer {
	return &TransportBuffer{
		origin:  originInternal,
		slot:    -1,
		wire:    wire,
		logical: len(wire),
	}
}

// logicalSize returns the uncompressed wire size of a payload of n bytes.
func (ch *Channel) logicalSize(n int) (size int) {
	if n <= ch.maxFrag {
		return HeaderSize + n
	}
	first := true
	for n > 0 {
		ext := fragmentHeaderSize(ch.version, first)
		chunk := ch.maxFrag - ext
		if chunk > n {
			chunk = n
		}
		size += HeaderSize + ext + chunk
		n -= chunk
		first = false
	}
	return
}

func (ch *Channel) nextFragID() uint16 {
	ch.fragID++
	if ch.fragID == 0 || ch.fragID > maxFragmentID(ch.version) {
		ch.fragID = 1
	}
	return ch.fragID
}

// appendPayload appends data to w, compressed if allowed and worthwhile.
func (ch *Channel) appendPayload(w, data []byte, compress bool) ([]byte, FrameFlag, error) {
	if compress && ch.comp != nil && len(data) >= ch.threshold {
		start := len(w)
		z, err := ch.comp.Compress(w, data)
		if err != nil {
			return w, 0, err
		}
		if ch.comp.Type() != CompressionLZ4 || len(z)-start < len(data) {
			return z, FrameFlagCompressed, nil
		}
		w = z[:start]
	}
	return append(w, data...), 0, nil
}

// encode builds the wire form of a buffer taken from a lane.
// Must run with wmu locked.
func (ch *Channel) encode(b *TransportBuffer) (err error) {
	if b.origin == originInternal {
		return nil
	}
	payload := b.payload()
	compress := !b.noCompress
	if len(payload) <= ch.maxFrag {
		flags := FrameFlagData
		if b.packed {
			flags |= FrameFlagPacked
		}
		if compress && ch.comp != nil && len(payload) >= ch.threshold {
			var zflag FrameFlag
			w := appendFrameHeader(b.scratch[:0], 0, 0)
			if w, zflag, err = ch.appendPayload(w, payload, true); err != nil {
				return
			}
			if zflag != 0 {
				if len(w) > MaxFrameSize {
					return newError(Failure, "compressed frame of %d bytes too large", len(w))
				}
				FrameHeader(w).SetLength(len(w))
				FrameHeader(w).SetFlags(flags | zflag)
				b.scratch = w
				b.wire = w
			}
		}
		if b.wire == nil {
			FrameHeader(b.data).SetLength(len(b.data))
			FrameHeader(b.data).SetFlags(flags)
			b.wire = b.data
		}
	} else {
		id := ch.nextFragID()
		total := len(payload)
		w := b.scratch[:0]
		fh := FragmentHeader{Flag: FragmentFlagHeader, TotalLength: uint32(total), ID: id}
		for off := 0; off < total; {
			ext := fragmentHeaderSize(ch.version, fh.IsFirst())
			chunk := ch.maxFrag - ext
			if chunk > total-off {
				chunk = total - off
			}
			start := len(w)
			w = appendFrameHeader(w, 0, 0)
			w = appendFragmentHeader(w, ch.version, fh)
			var zflag FrameFlag
			if w, zflag, err = ch.appendPayload(w, payload[off:off+chunk], compress); err != nil {
				return
			}
			if len(w)-start > MaxFrameSize {
				return newError(Failure, "fragment frame of %d bytes too large", len(w)-start)
			}
			FrameHeader(w[start:]).SetLength(len(w) - start)
			FrameHeader(w[start:]).SetFlags(FrameFlagData | FrameFlagExtended | zflag)
			off += chunk
			fh.Flag = FragmentFlagContinuation
		}
		b.scratch = w
		b.wire = w
	}
	if b == ch.curWrite {
		ch.curWire = len(b.wire)
	}
	if ch.isNetLog() {
		netLogFrame(ch.logger, "WRIT", b.wire)
	}
	return nil
}

// Write queues a buffer from GetBuffer for sending and returns the number
// of bytes still queued. The channel owns the buffer afterwards. If the
// queued bytes reach the high water mark, or args.Flags requests a direct
// write, the queue is flushed before returning.
func (ch *Channel) Write(b *TransportBuffer, args *WriteArgs) (int, error) {
	if args == nil {
		args = &WriteArgs{}
	}
	args.BytesWritten, args.UncompressedBytesWritten = 0, 0
	if b == nil {
		return 0, newError(InvalidArgument, "nil buffer")
	}
	if args.Priority >= numPriorities {
		return 0, newError(InvalidArgument, "invalid priority %v", args.Priority)
	}
	if err := ch.checkActive(); err != nil {
		return 0, err
	}
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	if ch.State() != ChannelActive {
		return 0, newError(Failure, "channel is closed")
	}
	if b.state != bufferOwnedByApp || b.pool != ch.pool {
		return 0, newError(InvalidArgument, "%v is not owned by the application", b)
	}
	if b.packed {
		b.finishPacked()
	}
	b.noCompress = args.Flags&WriteDoNotCompress != 0
	b.logical = ch.logicalSize(len(b.payload()))
	args.UncompressedBytesWritten = b.logical
	atomic.AddInt64(&ch.uncompWritten, int64(b.logical))

	ch.curWrite, ch.curWire = b, -1
	defer func() { ch.curWrite = nil }()

	direct := args.Flags&WriteDirectSocketWrite != 0
	if direct && ch.wq.isEmpty() {
		if err := ch.encode(b); err != nil {
			ch.pool.put(b)
			return 0, ch.failLocked(err)
		}
		ch.wq.enqueueGather(b)
	} else {
		ch.wq.enqueue(b, args.Priority)
	}
	if direct || ch.wq.queued() >= ch.hwm {
		if _, err := ch.flushLocked(); err != nil {
			args.BytesWritten = ch.wireWritten()
			return 0, errors.Wrap(newError(WriteFlushFailed, "%v", errors.Cause(err)), "write")
		}
	}
	args.BytesWritten = ch.wireWritten()
	return ch.wq.queued(), nil
}

// wireWritten returns the encoded size of the buffer being written,
// or 0 if it is still waiting in a lane.
func (ch *Channel) wireWritten() int {
	if ch.curWire >= 0 {
		return ch.curWire
	}
	return 0
}

func (ch *Channel) addBytesWritten(n int) {
	if n > 0 {
		atomic.AddInt64(&ch.bytesWritten, int64(n))
		if ch.stats != nil {
			ch.stats.AddBytesWritten(int64(n))
		}
	}
}

// flushLocked performs one vectored write. Must run with wmu locked.
func (ch *Channel) flushLocked() (int, error) {
	for {
		n, err := ch.wq.flush(ch.sock)
		ch.addBytesWritten(n)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return ch.wq.queued(), nil
			}
			return 0, ch.failLocked(err)
		}
		if !ch.opts.Blocking || ch.wq.isEmpty() {
			return ch.wq.queued(), nil
		}
	}
}

// Flush writes queued buffers to the socket, returning the number of bytes
// still queued. A positive return means Flush should be called again.
func (ch *Channel) Flush() (int, error) {
	if err := ch.checkActive(); err != nil {
		return 0, err
	}
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	return ch.flushLocked()
}

// Ping sends a keepalive frame, or flushes queued data which serves the same
// purpose. Returns the number of bytes still queued.
func (ch *Channel) Ping() (int, error) {
	if err := ch.checkActive(); err != nil {
		return 0, err
	}
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	if ch.wq.isEmpty() {
		ch.wq.enqueueGather(newInternalBuffer(appendFrameHeader(nil, HeaderSize, 0)))
	}
	return ch.flushLocked()
}

// BufferUsage returns the number of output buffers in use.
func (ch *Channel) BufferUsage() (int, error) {
	if err := ch.checkActive(); err != nil {
		return 0, err
	}
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	return ch.pool.usage(), nil
}

// Info returns the channel's current settings and statistics.
func (ch *Channel) Info() (ci ChannelInfo) {
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	ci = ChannelInfo{
		State:                    ch.State(),
		Version:                  ch.version,
		MaxFragmentSize:          ch.maxFrag,
		Compression:              ch.compression,
		CompressionThreshold:     ch.threshold,
		PingTimeout:              ch.pingTimeout,
		GuaranteedOutputBuffers:  ch.opts.GuaranteedOutputBuffers,
		MaxOutputBuffers:         ch.opts.MaxOutputBuffers,
		HighWaterMark:            ch.hwm,
		FlushOrder:               flushOrderString(ch.wq.order),
		ComponentInfo:            ch.peerInfo,
		BytesRead:                atomic.LoadInt64(&ch.bytesRead),
		BytesWritten:             atomic.LoadInt64(&ch.bytesWritten),
		UncompressedBytesRead:    atomic.LoadInt64(&ch.uncompRead),
		UncompressedBytesWritten: atomic.LoadInt64(&ch.uncompWritten),
	}
	if ch.pool != nil {
		ci.GuaranteedOutputBuffers = ch.pool.guaranteed
		ci.MaxOutputBuffers = ch.pool.max
	}
	return
}

// IOCtl changes a channel setting. The returned int is the value achieved
// for numeric settings. Server codes are passed on to the channel's Server.
func (ch *Channel) IOCtl(code IOCtlCode, value interface{}) (int, error) {
	switch code {
	case ServerNumPoolBuffers, ServerPeakBufReset:
		if ch.srv == nil {
			return 0, errInvalidIOCtlCode(code)
		}
		return ch.srv.IOCtl(code, value)
	}
	if ch.State() == ChannelClosed {
		return 0, newError(Failure, "channel is closed")
	}
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	switch code {
	case MaxNumBuffers, NumGuaranteedBuffers:
		n, err := ioctlInt(code, value)
		if err != nil {
			return 0, err
		}
		if n < 0 {
			return 0, newError(Failure, "%v must not be negative", code)
		}
		if ch.pool == nil {
			if code == MaxNumBuffers {
				ch.opts.MaxOutputBuffers = n
			} else {
				ch.opts.GuaranteedOutputBuffers = n
			}
			if ch.opts.MaxOutputBuffers < ch.opts.GuaranteedOutputBuffers {
				ch.opts.MaxOutputBuffers = ch.opts.GuaranteedOutputBuffers
			}
			return n, nil
		}
		if code == MaxNumBuffers {
			n = ch.pool.setMax(n)
			ch.opts.MaxOutputBuffers = n
		} else {
			n = ch.pool.setGuaranteed(n)
			ch.opts.GuaranteedOutputBuffers = n
			ch.opts.MaxOutputBuffers = ch.pool.max
		}
		ch.logger.Debug("output buffers changed", zap.Stringer("code", code), zap.Int("value", n))
		return n, nil
	case HighWaterMark:
		n, err := ioctlInt(code, value)
		if err != nil {
			return 0, err
		}
		if n < 0 {
			return 0, newError(Failure, "high water mark %d must not be negative", n)
		}
		ch.hwm = n
		return n, nil
	case SystemReadBuffers, SystemWriteBuffers:
		n, err := ioctlInt(code, value)
		if err != nil {
			return 0, err
		}
		if n < 1 {
			return 0, newError(Failure, "%v must be positive", code)
		}
		sb, ok := ch.sock.(sysBufferSetter)
		if !ok {
			return 0, newError(Failure, "%v not supported by socket", code)
		}
		if code == SystemReadBuffers {
			err = sb.SetReadBuffer(n)
		} else {
			err = sb.SetWriteBuffer(n)
		}
		if err != nil {
			return 0, errors.Wrap(newError(Failure, "%v", errors.Cause(err)), code.String())
		}
		return n, nil
	case PriorityFlushOrder:
		s, err := ioctlString(code, value)
		if err != nil {
			return 0, err
		}
		order, err := parseFlushOrder(s)
		if err != nil {
			return 0, newError(Failure, "%v", errors.Cause(err))
		}
		ch.wq.setOrder(order)
		ch.opts.FlushOrder = s
		return len(order), nil
	case CompressionThreshold:
		n, err := ioctlInt(code, value)
		if err != nil {
			return 0, err
		}
		min := 0
		if ch.State() == ChannelActive {
			min = ch.compression.minThreshold()
		} else {
			for _, ct := range ch.opts.Compression {
				if m := ct.minThreshold(); m > min {
					min = m
				}
			}
		}
		if n < min {
			return 0, newError(Failure, "compression threshold %d is below the minimum %d", n, min)
		}
		ch.threshold = n
		ch.opts.CompressionThreshold = n
		return n, nil
	case ComponentInfo:
		s, err := ioctlString(code, value)
		if err != nil {
			return 0, err
		}
		if len(s) > MaxComponentInfoLength {
			return 0, newError(Failure, "component info longer than %d bytes", MaxComponentInfoLength)
		}
		ch.opts.ComponentInfo = s
		return len(s), nil
	}
	return 0, errInvalidIOCtlCode(code)
}
