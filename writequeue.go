// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Priority selects the output lane of a written buffer.
type Priority uint8

const (
	// PriorityHigh is the high priority lane.
	PriorityHigh = Priority(0)
	// PriorityMedium is the medium priority lane.
	PriorityMedium = Priority(1)
	// PriorityLow is the low priority lane.
	PriorityLow = Priority(2)

	numPriorities = 3
)

const priorityLetters = "HML"

func (p Priority) String() string {
	if p < numPriorities {
		return priorityLetters[p : p+1]
	}
	return fmt.Sprintf("Priority(%d)", uint8(p))
}

// parseFlushOrder validates a flush order string such as "HMLHLM".
func parseFlushOrder(s string) (order []Priority, err error) {
	if len(s) < 1 || len(s) > MaxFlushOrderLength {
		return nil, newError(InvalidArgument, "flush order %q must be 1 to %d characters", s, MaxFlushOrderLength)
	}
	var seen [numPriorities]bool
	for i := 0; i < len(s); i++ {
		idx := strings.IndexByte(priorityLetters, s[i])
		if idx < 0 {
			return nil, newError(InvalidArgument, "flush order %q has invalid character %q", s, s[i])
		}
		seen[idx] = true
		order = append(order, Priority(idx))
	}
	for i, ok := range seen {
		if !ok {
			return nil, newError(InvalidArgument, "flush order %q is missing %q", s, priorityLetters[i])
		}
	}
	return order, nil
}

func flushOrderString(order []Priority) string {
	var sb strings.Builder
	for _, p := range order {
		sb.WriteString(p.String())
	}
	return sb.String()
}

// indexQueue is a growable ring buffer of arena slot indices.
type indexQueue struct {
	items []int
	head  int
	n     int
}

func (q *indexQueue) len() int { return q.n }

func (q *indexQueue) grow() {
	size := len(q.items) * 2
	if size < 8 {
		size = 8
	}
	items := make([]int, size)
	for i := 0; i < q.n; i++ {
		items[i] = q.items[(q.head+i)%len(q.items)]
	}
	q.items = items
	q.head = 0
}

func (q *indexQueue) push(i int) {
	if q.n == len(q.items) {
		q.grow()
	}
	q.items[(q.head+q.n)%len(q.items)] = i
	q.n++
}

func (q *indexQueue) pop() (int, bool) {
	if q.n == 0 {
		return -1, false
	}
	i := q.items[q.head]
	q.head = (q.head + 1) % len(q.items)
	q.n--
	return i, true
}

func (q *indexQueue) peek() (int, bool) {
	if q.n == 0 {
		return -1, false
	}
	return q.items[q.head], true
}

// at returns the i'th index from the front.
func (q *indexQueue) at(i int) int {
	return q.items[(q.head+i)%len(q.items)]
}

func (q *indexQueue) clear() {
	q.head, q.n = 0, 0
}

// bufferArena holds the buffers owned by a write queue, referenced by slot index.
type bufferArena struct {
	slots []*TransportBuffer
	free  []int
}

func (a *bufferArena) add(b *TransportBuffer) int {
	var i int
	if n := len(a.free); n > 0 {
		i = a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[i] = b
	} else {
		i = len(a.slots)
		a.slots = append(a.slots, b)
	}
	b.slot = i
	return i
}

func (a *bufferArena) get(i int) *TransportBuffer {
	return a.slots[i]
}

func (a *bufferArena) remove(i int) (b *TransportBuffer) {
	b = a.slots[i]
	a.slots[i] = nil
	a.free = append(a.free, i)
	b.slot = -1
	return
}

// writeQueue holds a channel's outbound buffers in priority lanes and
// moves them to the gather list in flush order. Buffers are encoded to
// wire form as they enter the gather list, so stateful compression sees
// them in the order they are sent.
//
// totalQueued always equals the unsent bytes of every buffer in the arena.
type writeQueue struct {
	arena       bufferArena
	lanes       [numPriorities]indexQueue
	order       []Priority
	orderPos    int
	gather      indexQueue
	totalQueued int
	encode      func(*TransportBuffer) error
	release     func(*TransportBuffer)
	iov         [][]byte
}

func newWriteQueue(order []Priority, encode func(*TransportBuffer) error, release func(*TransportBuffer)) *writeQueue {
	return &writeQueue{
		order:   order,
		encode:  encode,
		release: release,
	}
}

func (wq *writeQueue) String() string {
	return fmt.Sprintf("[writeQueue H=%d M=%d L=%d gather=%d queued=%d]",
		wq.lanes[PriorityHigh].len(), wq.lanes[PriorityMedium].len(), wq.lanes[PriorityLow].len(),
		wq.gather.len(), wq.totalQueued)
}

// setOrder replaces the flush order, restarting its cycle.
func (wq *writeQueue) setOrder(order []Priority) {
	wq.order = order
	wq.orderPos = 0
}

// queued returns the number of bytes not yet written.
func (wq *writeQueue) queued() int {
	return wq.totalQueued
}

// isEmpty returns true if nothing is waiting to be written.
func (wq *writeQueue) isEmpty() bool {
	return wq.gather.len() == 0 && wq.lanes[0].len() == 0 && wq.lanes[1].len() == 0 && wq.lanes[2].len() == 0
}

// enqueue appends b to the lane for p.
func (wq *writeQueue) enqueue(b *TransportBuffer, p Priority) {
	b.state = bufferInFlight
	b.lane = p
	wq.lanes[p].push(wq.arena.add(b))
	wq.totalQueued += b.unsent()
}

// enqueueGather appends an already encoded b directly to the gather list.
func (wq *writeQueue) enqueueGather(b *TransportBuffer) {
	b.state = bufferInFlight
	wq.gather.push(wq.arena.add(b))
	wq.totalQueued += b.unsent()
}

// nextFromLanes pops from the next non-empty lane in flush order.
func (wq *writeQueue) nextFromLanes() (int, bool) {
	for tries := 0; tries < len(wq.order); tries++ {
		p := wq.order[wq.orderPos]
		wq.orderPos = (wq.orderPos + 1) % len(wq.order)
		if idx, ok := wq.lanes[p].pop(); ok {
			return idx, true
		}
	}
	return -1, false
}

// fill moves buffers from the lanes to the gather list until the lanes are
// empty or the gather budget is used up.
func (wq *writeQueue) fill() error {
	gatherBytes := 0
	for i := 0; i < wq.gather.len(); i++ {
		gatherBytes += wq.arena.get(wq.gather.at(i)).unsent()
	}
	for wq.gather.len() < MaxGatherBuffers && gatherBytes < MaxGatherBytes {
		idx, ok := wq.nextFromLanes()
		if !ok {
			break
		}
		b := wq.arena.get(idx)
		if b.wire == nil {
			before := b.unsent()
			if err := wq.encode(b); err != nil {
				wq.totalQueued -= before
				wq.release(wq.arena.remove(idx))
				return err
			}
			wq.totalQueued += b.unsent() - before
		}
		wq.gather.push(idx)
		gatherBytes += b.unsent()
	}
	return nil
}

// flush fills the gather list and writes it with a single vectored write.
// Returns the number of bytes written.
func (wq *writeQueue) flush(sock Socket) (n int, err error) {
	if err = wq.fill(); err != nil {
		return
	}
	if wq.gather.len() == 0 {
		return
	}
	wq.iov = wq.iov[:0]
	for i := 0; i < wq.gather.len(); i++ {
		b := wq.arena.get(wq.gather.at(i))
		wq.iov = append(wq.iov, b.wire[b.sent:])
	}
	n, err = sock.Writev(wq.iov)
	for i := range wq.iov {
		wq.iov[i] = nil
	}
	if n < 0 {
		n = 0
	}
	wq.advance(n)
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		err = errors.WithStack(err)
	}
	return
}

// advance accounts for n bytes written from the front of the gather list,
// releasing fully sent buffers. A partially sent buffer stays at the front.
func (wq *writeQueue) advance(n int) {
	for n > 0 {
		idx, ok := wq.gather.peek()
		if !ok {
			break
		}
		b := wq.arena.get(idx)
		rem := len(b.wire) - b.sent
		if n < rem {
			b.sent += n
			wq.totalQueued -= n
			return
		}
		n -= rem
		wq.totalQueued -= rem
		wq.gather.pop()
		wq.release(wq.arena.remove(idx))
	}
}

// drain releases every queued buffer without writing it.
func (wq *writeQueue) drain() {
	for i := range wq.arena.slots {
		if b := wq.arena.slots[i]; b != nil {
			wq.release(wq.arena.remove(i))
		}
	}
	for i := range wq.lanes {
		wq.lanes[i].clear()
	}
	wq.gather.clear()
	wq.totalQueued = 0
}
