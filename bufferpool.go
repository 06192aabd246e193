// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"fmt"
	"sync"
)

// noLock is used for shared pools when global locking is disabled.
type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

// sharedPool holds the free buffers of one size class. It is shared by all
// channels of a Server, or by all client channels that negotiated the
// same max fragment size.
type sharedPool struct {
	mu      sync.Locker
	bufSize int                // capacity of each buffer
	free    []*TransportBuffer // available buffers
	maxFree int                // most buffers kept in free, 0 for no limit
	lent    int                // buffers lent to channels above their guaranteed count
	peak    int                // highest value of lent since the last reset
}

func newSharedPool(bufSize, maxFree int, mu sync.Locker) *sharedPool {
	if mu == nil {
		mu = noLock{}
	}
	return &sharedPool{
		mu:      mu,
		bufSize: bufSize,
		maxFree: maxFree,
	}
}

func (sp *sharedPool) String() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return fmt.Sprintf("[sharedPool %d free=%d lent=%d peak=%d]", sp.bufSize, len(sp.free), sp.lent, sp.peak)
}

func (sp *sharedPool) popLocked() *TransportBuffer {
	if n := len(sp.free); n > 0 {
		b := sp.free[n-1]
		sp.free[n-1] = nil
		sp.free = sp.free[:n-1]
		return b
	}
	return newTransportBuffer(sp.bufSize, originShared)
}

func (sp *sharedPool) pushLocked(b *TransportBuffer) {
	b.state = bufferFree
	b.pool = nil
	b.wire = nil
	if sp.maxFree == 0 || len(sp.free) < sp.maxFree {
		sp.free = append(sp.free, b)
	}
}

// take removes n buffers from the pool, allocating any it does not have.
func (sp *sharedPool) take(n int) (bufs []*TransportBuffer) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for i := 0; i < n; i++ {
		bufs = append(bufs, sp.popLocked())
	}
	return
}

// give returns buffers to the pool.
func (sp *sharedPool) give(bufs ...*TransportBuffer) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, b := range bufs {
		sp.pushLocked(b)
	}
}

// lend hands out a buffer beyond a channel's guaranteed count.
func (sp *sharedPool) lend() *TransportBuffer {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.lent++
	if sp.lent > sp.peak {
		sp.peak = sp.lent
	}
	return sp.popLocked()
}

// reclaim takes back a buffer obtained from lend.
func (sp *sharedPool) reclaim(b *TransportBuffer) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.lent--
	sp.pushLocked(b)
}

// numFree returns the number of buffers resting in the pool.
func (sp *sharedPool) numFree() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.free)
}

// usage returns the number of lent buffers and the peak of that value.
func (sp *sharedPool) usage() (lent, peak int) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.lent, sp.peak
}

// setMaxFree changes how many free buffers the pool keeps,
// discarding any above the new limit. Returns the new limit.
func (sp *sharedPool) setMaxFree(n int) int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.maxFree = n
	if n > 0 && len(sp.free) > n {
		for i := n; i < len(sp.free); i++ {
			sp.free[i] = nil
		}
		sp.free = sp.free[:n]
	}
	return sp.maxFree
}

// resetPeak sets the peak usage to the current usage.
func (sp *sharedPool) resetPeak() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.peak = sp.lent
}

// channelPool is the per-channel output buffer pool. It keeps a number of
// guaranteed buffers for the channel's exclusive use and borrows from the
// shared pool up to the channel's maximum.
//
// At all times len(free) + inUse == guaranteed.
type channelPool struct {
	shared     *sharedPool
	big        bigBufferPool
	maxPayload int                // largest payload a pool buffer holds
	free       []*TransportBuffer // available guaranteed buffers
	guaranteed int                // guaranteed buffers owned, free or in use
	target     int                // requested guaranteed count, below guaranteed while a shrink is deferred
	max        int                // limit on inUse + borrowed
	inUse      int                // guaranteed buffers handed out
	borrowed   int                // shared buffers handed out
	closed     bool
}

func newChannelPool(shared *sharedPool, big bigBufferPool, guaranteed, max int) *channelPool {
	if max < guaranteed {
		max = guaranteed
	}
	cp := &channelPool{
		shared:     shared,
		big:        big,
		maxPayload: shared.bufSize - HeaderSize,
		max:        max,
	}
	cp.setGuaranteed(guaranteed)
	return cp
}

func (cp *channelPool) String() string {
	return fmt.Sprintf("[channelPool %d avail=%d inUse=%d borrowed=%d max=%d]",
		cp.guaranteed, len(cp.free), cp.inUse, cp.borrowed, cp.max)
}

// get returns a buffer with room for size payload bytes.
func (cp *channelPool) get(size int, packed bool) (b *TransportBuffer, err error) {
	if cp.closed {
		return nil, newError(Failure, "buffer pool is closed")
	}
	if size < 1 {
		return nil, newError(InvalidArgument, "buffer size %d must be positive", size)
	}
	if size > cp.maxPayload {
		if packed {
			return nil, newError(InvalidArgument, "packed buffer size %d exceeds max fragment size %d", size, cp.maxPayload)
		}
		b = cp.big.alloc(size)
	} else if n := len(cp.free); n > 0 {
		b = cp.free[n-1]
		cp.free[n-1] = nil
		cp.free = cp.free[:n-1]
		cp.inUse++
	} else if cp.inUse+cp.borrowed < cp.max {
		b = cp.shared.lend()
		cp.borrowed++
	} else {
		return nil, newError(NoBuffers, "all %d output buffers in use", cp.max)
	}
	b.pool = cp
	b.reset(size, packed)
	return
}

// put returns a buffer obtained from get.
func (cp *channelPool) put(b *TransportBuffer) {
	switch b.origin {
	case originGuaranteed:
		cp.inUse--
		if cp.closed || cp.guaranteed > cp.target {
			cp.guaranteed--
			b.origin = originShared
			cp.shared.give(b)
			return
		}
		b.state = bufferFree
		b.wire = nil
		cp.free = append(cp.free, b)
	case originShared:
		cp.borrowed--
		cp.shared.reclaim(b)
	case originBig:
		cp.big.free(b)
	}
}

// setGuaranteed grows or shrinks the guaranteed buffer count. Growth takes
// buffers from the shared pool, shrinking gives available buffers back to it.
// Buffers in use are given back as they are released.
// Returns the guaranteed count actually achieved.
func (cp *channelPool) setGuaranteed(n int) int {
	cp.target = n
	if n > cp.guaranteed {
		for _, b := range cp.shared.take(n - cp.guaranteed) {
			b.origin = originGuaranteed
			cp.free = append(cp.free, b)
		}
		cp.guaranteed = n
		if cp.max < n {
			cp.max = n
		}
	} else if n < cp.guaranteed {
		move := cp.guaranteed - n
		if move > len(cp.free) {
			move = len(cp.free)
		}
		moved := cp.free[len(cp.free)-move:]
		for _, b := range moved {
			b.origin = originShared
		}
		cp.shared.give(moved...)
		for i := len(cp.free) - move; i < len(cp.free); i++ {
			cp.free[i] = nil
		}
		cp.free = cp.free[:len(cp.free)-move]
		cp.guaranteed -= move
	}
	return cp.guaranteed
}

// setMax sets the buffer ceiling, never below the guaranteed count.
func (cp *channelPool) setMax(n int) int {
	if n < cp.guaranteed {
		n = cp.guaranteed
	}
	cp.max = n
	return cp.max
}

// available returns the number of free guaranteed buffers.
func (cp *channelPool) available() int {
	return len(cp.free)
}

// usage returns the number of pool buffers handed out.
func (cp *channelPool) usage() int {
	return cp.inUse + cp.borrowed
}

// close gives all free guaranteed buffers to the shared pool.
// Buffers still in use follow when they are released.
func (cp *channelPool) close() {
	if !cp.closed {
		cp.closed = true
		cp.target = 0
		cp.setGuaranteed(0)
	}
}
