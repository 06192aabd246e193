// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"fmt"
	"time"
)

type fragmentEntry struct {
	data    []byte // sized to the declared total
	n       int    // bytes received
	touched time.Time
}

// FragmentAssembler reassembles fragmented messages, keyed by fragment id.
// Several messages may be in progress at once.
type FragmentAssembler struct {
	entries map[uint16]*fragmentEntry
	dropped int
	now     func() time.Time
}

// NewFragmentAssembler returns an empty FragmentAssembler.
func NewFragmentAssembler() *FragmentAssembler {
	return &FragmentAssembler{
		entries: make(map[uint16]*fragmentEntry),
		now:     time.Now,
	}
}

func (fa *FragmentAssembler) String() string {
	return fmt.Sprintf("[FragmentAssembler pending=%d dropped=%d]", len(fa.entries), fa.dropped)
}

// First starts assembly of a message of total bytes with the given id.
// An assembly already in progress for the id is discarded. A total of
// zero or above MaxFragmentedLength drops the fragment.
// Returns the message if chunk completes it.
func (fa *FragmentAssembler) First(id uint16, total int, chunk []byte) []byte {
	if total < 1 || total > MaxFragmentedLength {
		delete(fa.entries, id)
		fa.dropped++
		return nil
	}
	fe := fa.entries[id]
	if fe == nil || cap(fe.data) < total {
		fe = &fragmentEntry{data: make([]byte, total)}
		fa.entries[id] = fe
	}
	fe.data = fe.data[:total]
	fe.n = 0
	return fa.add(id, fe, chunk)
}

// Next adds a continuation fragment. Fragments for an id without an
// assembly in progress are dropped. Returns the message if chunk completes it.
func (fa *FragmentAssembler) Next(id uint16, chunk []byte) []byte {
	fe := fa.entries[id]
	if fe == nil {
		fa.dropped++
		return nil
	}
	return fa.add(id, fe, chunk)
}

// add copies chunk into the entry, ignoring bytes past the declared total.
func (fa *FragmentAssembler) add(id uint16, fe *fragmentEntry, chunk []byte) []byte {
	fe.n += copy(fe.data[fe.n:], chunk)
	fe.touched = fa.now()
	if fe.n == len(fe.data) {
		delete(fa.entries, id)
		return fe.data
	}
	return nil
}

// Pending returns the number of messages being assembled.
func (fa *FragmentAssembler) Pending() int {
	return len(fa.entries)
}

// Dropped returns the number of fragments discarded as unusable or stale.
func (fa *FragmentAssembler) Dropped() int {
	return fa.dropped
}

// Evict discards assemblies not touched since t and returns how many were removed.
func (fa *FragmentAssembler) Evict(t time.Time) (n int) {
	for id, fe := range fa.entries {
		if fe.touched.Before(t) {
			delete(fa.entries, id)
			n++
		}
	}
	fa.dropped += n
	return
}

// Reset discards all assemblies in progress.
func (fa *FragmentAssembler) Reset() {
	for id := range fa.entries {
		delete(fa.entries, id)
	}
}
