// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// bufferState tracks who may touch a TransportBuffer.
type bufferState uint8

const (
	bufferFree       = bufferState(0) // resting in a pool
	bufferOwnedByApp = bufferState(1) // returned by GetBuffer, being written into
	bufferInFlight   = bufferState(2) // accepted by Write, owned by the write queue
)

var bufferStateTexts = map[bufferState]string{
	bufferFree:       "FREE",
	bufferOwnedByApp: "APP",
	bufferInFlight:   "FLIGHT",
}

// bufferOrigin records which pool a buffer returns to.
type bufferOrigin uint8

const (
	originGuaranteed = bufferOrigin(0)
	originShared     = bufferOrigin(1)
	originBig        = bufferOrigin(2)
	originInternal   = bufferOrigin(3)
)

// TransportBuffer is a region of bytes handed out by Channel.GetBuffer.
// The application writes its message into it and passes it to Channel.Write,
// after which the transport owns it until it has been sent.
type TransportBuffer struct {
	data       []byte // base header room followed by payload
	limit      int    // largest len(data) allowed
	packed     bool
	noCompress bool
	subHdr     int // packed only: offset of the open sub-message length field, -1 when closed
	state      bufferState
	origin     bufferOrigin
	pool       *channelPool
	lane       Priority
	slot       int
	wire       []byte // encoded frames, nil until encoded
	sent       int    // bytes of wire already written
	logical    int    // uncompressed size of the frames in wire
	scratch    []byte // backing store for wire when it can not live in data
}

func newTransportBuffer(capacity int, origin bufferOrigin) *TransportBuffer {
	return &TransportBuffer{
		data:   make([]byte, HeaderSize, capacity),
		origin: origin,
		slot:   -1,
	}
}

func (b *TransportBuffer) String() string {
	return fmt.Sprintf("[TransportBuffer %s %d/%d]", bufferStateTexts[b.state], b.Len(), b.limit-HeaderSize)
}

// reset prepares the buffer to be handed to the application.
func (b *TransportBuffer) reset(size int, packed bool) {
	if cap(b.data) < HeaderSize+size {
		b.data = make([]byte, HeaderSize, HeaderSize+size)
	}
	b.data = b.data[:HeaderSize]
	b.limit = HeaderSize + size
	b.packed = packed
	b.subHdr = -1
	if packed {
		b.subHdr = HeaderSize
		b.data = append(b.data, 0, 0)
	}
	b.wire = nil
	b.sent = 0
	b.logical = 0
	b.state = bufferOwnedByApp
}

func (b *TransportBuffer) msgStart() int {
	if b.packed {
		if b.subHdr < 0 {
			return len(b.data)
		}
		return b.subHdr + 2
	}
	return HeaderSize
}

// Write implements io.Writer. Bytes beyond the size requested from
// GetBuffer are not written and io.ErrShortBuffer is returned.
func (b *TransportBuffer) Write(p []byte) (n int, err error) {
	if b.state != bufferOwnedByApp {
		return 0, newError(InvalidArgument, "%v is not writable", b)
	}
	n = len(p)
	if room := b.Available(); n > room {
		n = room
	}
	b.data = append(b.data, p[:n]...)
	if n < len(p) {
		err = errors.WithStack(io.ErrShortBuffer)
	}
	return
}

// WriteString appends the bytes of s.
func (b *TransportBuffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// WriteByte appends a single byte.
func (b *TransportBuffer) WriteByte(c byte) error {
	_, err := b.Write([]byte{c})
	return err
}

// Bytes returns the message written so far. For a packed buffer this is
// the message currently being packed.
func (b *TransportBuffer) Bytes() []byte {
	return b.data[b.msgStart():]
}

// Len returns the number of bytes in the current message.
func (b *TransportBuffer) Len() int {
	return len(b.data) - b.msgStart()
}

// Available returns the number of bytes that may still be written.
func (b *TransportBuffer) Available() int {
	if b.packed && b.subHdr < 0 {
		return 0
	}
	return b.limit - len(b.data)
}

// Reset discards the current message.
func (b *TransportBuffer) Reset() {
	b.data = b.data[:b.msgStart()]
}

// IsPacked returns true if the buffer was requested with packing enabled.
func (b *TransportBuffer) IsPacked() bool {
	return b.packed
}

// payload returns everything after the base header room.
func (b *TransportBuffer) payload() []byte {
	return b.data[HeaderSize:]
}

// pack closes the open packed message and opens the next one,
// returning the room left for it.
func (b *TransportBuffer) pack() int {
	if b.subHdr < 0 {
		return 0
	}
	n := b.Len()
	if n == 0 {
		return b.Available()
	}
	binary.BigEndian.PutUint16(b.data[b.subHdr:], uint16(n))
	if b.limit-len(b.data) < 3 {
		b.subHdr = -1
		return 0
	}
	b.subHdr = len(b.data)
	b.data = append(b.data, 0, 0)
	return b.Available()
}

// finishPacked closes the last packed message. An empty open message is dropped.
func (b *TransportBuffer) finishPacked() {
	if b.subHdr < 0 {
		return
	}
	if n := b.Len(); n > 0 {
		binary.BigEndian.PutUint16(b.data[b.subHdr:], uint16(n))
	} else {
		b.data = b.data[:b.subHdr]
	}
	b.subHdr = -1
}

// unsent returns the number of bytes still to be written for the buffer.
// Buffers not yet encoded count their logical frame size.
func (b *TransportBuffer) unsent() int {
	if b.wire != nil {
		return len(b.wire) - b.sent
	}
	return b.logical
}
