// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"encoding/binary"
	"fmt"
)

// BufferState classifies the bytes held in a channel's receive buffer.
type BufferState int

const (
	// BufferNoData means the receive buffer is empty.
	BufferNoData = BufferState(iota)
	// BufferReadWouldBlock means the socket had no bytes to give.
	BufferReadWouldBlock
	// BufferKnownComplete means a whole frame is buffered.
	BufferKnownComplete
	// BufferKnownIncomplete means the frame length is known but not all of it has arrived.
	BufferKnownIncomplete
	// BufferUnknownIncomplete means too few bytes are buffered to know the frame length.
	BufferUnknownIncomplete
	// BufferKnownInsufficient means the frame is larger than the receive buffer.
	BufferKnownInsufficient
	// BufferEndOfStream means the peer closed the connection.
	BufferEndOfStream
	// BufferReadError means the socket read failed or a frame was malformed.
	BufferReadError
)

var bufferStateNames = map[BufferState]string{
	BufferNoData:            "NoData",
	BufferReadWouldBlock:    "ReadWouldBlock",
	BufferKnownComplete:     "KnownComplete",
	BufferKnownIncomplete:   "KnownIncomplete",
	BufferUnknownIncomplete: "UnknownIncomplete",
	BufferKnownInsufficient: "KnownInsufficient",
	BufferEndOfStream:       "EndOfStream",
	BufferReadError:         "ReadError",
}

func (bs BufferState) String() string {
	if s, ok := bufferStateNames[bs]; ok {
		return s
	}
	return fmt.Sprintf("BufferState(%d)", int(bs))
}

// readResult is what parsing one frame (or one packed message) produced.
type readResult struct {
	msg          []byte // the message, valid until the next call
	ok           bool   // msg holds a complete message
	ping         bool   // the frame was a keepalive
	control      []byte // body of a connection control frame
	bytesRead    int    // wire bytes consumed
	uncompressed int    // bytes consumed after decompression
}

// readBuffer is the receive side state of a channel. Unparsed bytes live in
// buf[start:end] and survive between calls, as do the packed message cursor
// and the fragments being assembled.
type readBuffer struct {
	buf     []byte
	start   int
	end     int
	maxSize int
	version ProtocolVersion
	decomp  Compressor
	frags   *FragmentAssembler
	packed  []byte // unread packed messages of the last packed frame
	pbuf    []byte // backing store for packed
	zbuf    []byte // decompressed frame body
}

func newReadBuffer(size int, version ProtocolVersion) *readBuffer {
	if size < HeaderSize {
		size = HeaderSize
	}
	return &readBuffer{
		buf:     make([]byte, size),
		maxSize: MaxFrameSize,
		version: version,
		frags:   NewFragmentAssembler(),
	}
}

func (rb *readBuffer) String() string {
	return fmt.Sprintf("[readBuffer %d/%d packed=%d %v]", rb.end-rb.start, len(rb.buf), len(rb.packed), rb.frags)
}

// pending returns the number of bytes buffered but not yet returned.
func (rb *readBuffer) pending() int {
	return rb.end - rb.start + len(rb.packed)
}

// compact moves unparsed bytes to the start of buf.
func (rb *readBuffer) compact() {
	if rb.start > 0 {
		rb.end = copy(rb.buf, rb.buf[rb.start:rb.end])
		rb.start = 0
	}
}

// grow enlarges buf to hold at least n bytes, up to maxSize.
func (rb *readBuffer) grow(n int) bool {
	if n > rb.maxSize {
		return false
	}
	if n <= len(rb.buf) {
		return true
	}
	size := len(rb.buf) * 2
	if size < n {
		size = n
	}
	if size > rb.maxSize {
		size = rb.maxSize
	}
	buf := make([]byte, size)
	rb.end = copy(buf, rb.buf[rb.start:rb.end])
	rb.start = 0
	rb.buf = buf
	return true
}

// fill reads once from sock into the free space of buf.
func (rb *readBuffer) fill(sock Socket) (n int, err error) {
	if rb.start == rb.end {
		rb.start, rb.end = 0, 0
	} else if rb.end == len(rb.buf) {
		rb.compact()
	}
	if rb.end < len(rb.buf) {
		n, err = sock.Read(rb.buf[rb.end:])
		if n > 0 {
			rb.end += n
		}
	}
	return
}

// frameLength returns the declared length of the buffered frame.
func (rb *readBuffer) frameLength() int {
	return FrameHeader(rb.buf[rb.start:]).Length()
}

// classify reports the state of the buffered bytes.
func (rb *readBuffer) classify() BufferState {
	avail := rb.end - rb.start
	switch {
	case avail == 0:
		return BufferNoData
	case avail < HeaderSize:
		return BufferUnknownIncomplete
	}
	n := rb.frameLength()
	switch {
	case n > len(rb.buf):
		return BufferKnownInsufficient
	case n > avail:
		return BufferKnownIncomplete
	}
	return BufferKnownComplete
}

// next parses the next message out of the buffered bytes without reading
// the socket. A BufferKnownComplete state with res.ok false means a frame
// was consumed that produced no message, such as a partial fragment.
func (rb *readBuffer) next() (res readResult, st BufferState, err error) {
	if len(rb.packed) > 0 {
		res, err = rb.nextPacked()
		return res, BufferKnownComplete, err
	}
	if st = rb.classify(); st != BufferKnownComplete {
		return
	}
	length := rb.frameLength()
	if length < HeaderSize {
		return res, BufferReadError, protocolErrorf("frame length %d shorter than header", length)
	}
	frame := rb.buf[rb.start : rb.start+length]
	rb.start += length
	res.bytesRead = length
	res.uncompressed = length

	fh := FrameHeader(frame)
	flags := fh.Flags()
	body := frame[HeaderSize:]
	switch {
	case flags == 0 && len(body) == 0:
		res.ping = true
		return
	case flags == 0:
		res.control = body
		return
	case flags&^FrameFlagMask != 0 || flags&FrameFlagData == 0:
		return res, BufferReadError, protocolErrorf("invalid frame flags 0x%02x", byte(flags))
	case flags&(FrameFlagExtended|FrameFlagPacked) == FrameFlagExtended|FrameFlagPacked:
		return res, BufferReadError, protocolErrorf("fragmented packed frame")
	}

	var fragHdr FragmentHeader
	if flags&FrameFlagExtended != 0 {
		var n int
		if fragHdr, n, err = parseFragmentHeader(body, rb.version); err != nil {
			return res, BufferReadError, err
		}
		body = body[n:]
	}

	if flags&FrameFlagCompressed != 0 {
		if rb.decomp == nil {
			return res, BufferReadError, protocolErrorf("compressed frame without negotiated compression")
		}
		if rb.zbuf, err = rb.decomp.Decompress(rb.zbuf[:0], body, rb.maxSize); err != nil {
			return res, BufferReadError, err
		}
		res.uncompressed += len(rb.zbuf) - len(body)
		body = rb.zbuf
	}

	switch {
	case flags&FrameFlagExtended != 0:
		if fragHdr.IsFirst() {
			res.msg = rb.frags.First(fragHdr.ID, int(fragHdr.TotalLength), body)
		} else {
			res.msg = rb.frags.Next(fragHdr.ID, body)
		}
		res.ok = res.msg != nil
	case flags&FrameFlagPacked != 0:
		rb.pbuf = append(rb.pbuf[:0], body...)
		rb.packed = rb.pbuf
		var pres readResult
		pres, err = rb.nextPacked()
		res.msg, res.ok = pres.msg, pres.ok
		if err != nil {
			st = BufferReadError
		}
	default:
		res.msg = body
		res.ok = true
	}
	return
}

// nextPacked returns the next message of a packed frame body.
func (rb *readBuffer) nextPacked() (res readResult, err error) {
	p := rb.packed
	if len(p) < 2 {
		rb.packed = nil
		if len(p) > 0 {
			err = protocolErrorf("truncated packed message header")
		}
		return
	}
	n := int(binary.BigEndian.Uint16(p))
	if n == 0 {
		rb.packed = nil
		return
	}
	if n > len(p)-2 {
		rb.packed = nil
		return res, protocolErrorf("packed message length %d exceeds remaining %d", n, len(p)-2)
	}
	res.msg = p[2 : 2+n]
	res.ok = true
	rb.packed = p[2+n:]
	return
}
