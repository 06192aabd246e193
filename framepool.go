// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

// bigBufferPool provides a buffer of allocated but unused TransportBuffers
// for messages larger than a channel's max fragment size.
type bigBufferPool chan *TransportBuffer

func newBigBufferPool(n int) bigBufferPool {
	return make(bigBufferPool, n)
}

// alloc returns a big buffer able to hold size payload bytes.
func (p bigBufferPool) alloc(size int) *TransportBuffer {
	select {
	case b := <-p:
		if cap(b.data) >= HeaderSize+size {
			return b
		}
	default:
	}
	return newTransportBuffer(HeaderSize+size, originBig)
}

// free releases a big buffer.
func (p bigBufferPool) free(b *TransportBuffer) {
	if b != nil {
		b.state = bufferFree
		b.pool = nil
		b.wire = nil
		select {
		case p <- b:
		default:
		}
	}
}
