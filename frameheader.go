// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// frameheader.go

// A frame header consists of three bytes. The first two bytes are the big
// endian length of the whole frame, header included. The third byte holds
// the frame flags.
//
// If the Extended flag is set, a fragment header follows the base header.
// The first fragment of a message carries the total message length and the
// fragment id, continuations carry only the id. The width of those fields
// depends on the negotiated protocol version.

package ripc

import (
	"encoding/binary"
	"fmt"
)

// FrameFlag enumerates the bits of the frame flags byte.
type FrameFlag byte

const (
	// FrameFlagData marks a frame carrying application data.
	FrameFlagData FrameFlag = 0x01
	// FrameFlagCompressed marks a frame whose payload is compressed.
	FrameFlagCompressed FrameFlag = 0x02
	// FrameFlagPacked marks a frame whose payload is a sequence of packed messages.
	FrameFlagPacked FrameFlag = 0x04
	// FrameFlagExtended marks a frame followed by a fragment header.
	FrameFlagExtended FrameFlag = 0x08
	// FrameFlagMask covers all defined flag bits.
	FrameFlagMask = FrameFlagData | FrameFlagCompressed | FrameFlagPacked | FrameFlagExtended
)

func (f FrameFlag) String() string {
	b := []byte("....")
	if f&FrameFlagData != 0 {
		b[0] = 'D'
	}
	if f&FrameFlagCompressed != 0 {
		b[1] = 'C'
	}
	if f&FrameFlagPacked != 0 {
		b[2] = 'P'
	}
	if f&FrameFlagExtended != 0 {
		b[3] = 'X'
	}
	return string(b)
}

// FrameHeader is the base header at the start of every frame.
type FrameHeader []byte

func (fh FrameHeader) String() string {
	if len(fh) < HeaderSize {
		return fmt.Sprintf("[FrameHeader short (%d)]", len(fh))
	}
	return fmt.Sprintf("[FrameHeader %s %d]", fh.Flags(), fh.Length())
}

// Length returns the frame length, header included.
func (fh FrameHeader) Length() int {
	return int(binary.BigEndian.Uint16(fh))
}

// SetLength sets the frame length, header included.
func (fh FrameHeader) SetLength(n int) {
	if n < HeaderSize || n > MaxFrameSize {
		panic(fmt.Sprintf("FrameHeader.SetLength(): %d out of range", n))
	}
	binary.BigEndian.PutUint16(fh, uint16(n))
}

// Flags returns the flags byte.
func (fh FrameHeader) Flags() FrameFlag {
	return FrameFlag(fh[2])
}

// SetFlags sets the flags byte.
func (fh FrameHeader) SetFlags(f FrameFlag) {
	fh[2] = byte(f)
}

// Has returns true if all bits in f are set.
func (fh FrameHeader) Has(f FrameFlag) bool {
	return fh.Flags()&f == f
}

// IsPing returns true for a keepalive frame: a bare header without flags.
func (fh FrameHeader) IsPing() bool {
	return fh.Length() == HeaderSize && fh.Flags() == 0
}

// IsControl returns true for a connection control frame,
// which has no flags but does have a body.
func (fh FrameHeader) IsControl() bool {
	return fh.Length() > HeaderSize && fh.Flags() == 0
}

// appendFrameHeader appends a base header to dst.
func appendFrameHeader(dst []byte, length int, flags FrameFlag) []byte {
	return append(dst, byte(length>>8), byte(length), byte(flags))
}

// FragmentFlag enumerates the fragment header kinds.
type FragmentFlag byte

const (
	// FragmentFlagHeader marks the first fragment of a message.
	FragmentFlagHeader FragmentFlag = 0x01
	// FragmentFlagContinuation marks a subsequent fragment.
	FragmentFlagContinuation FragmentFlag = 0x02
)

// FragmentHeader is the decoded extended header of a fragmented frame.
type FragmentHeader struct {
	Flag        FragmentFlag
	TotalLength uint32 // only valid for the first fragment
	ID          uint16
}

func (fh FragmentHeader) String() string {
	if fh.IsFirst() {
		return fmt.Sprintf("[Fragment %04x first %d]", fh.ID, fh.TotalLength)
	}
	return fmt.Sprintf("[Fragment %04x cont]", fh.ID)
}

// IsFirst returns true if this is the first fragment of a message.
func (fh FragmentHeader) IsFirst() bool {
	return fh.Flag == FragmentFlagHeader
}

// fragmentHeaderSize returns the size of the extended header for the given version.
func fragmentHeaderSize(v ProtocolVersion, first bool) int {
	n := 1
	if v.wideFragments() {
		n += 2
		if first {
			n += 4
		}
	} else {
		n++
		if first {
			n += 2
		}
	}
	return n
}

// maxFragmentID returns the highest fragment id usable with the given version.
func maxFragmentID(v ProtocolVersion) uint16 {
	if v.wideFragments() {
		return 0xffff
	}
	return 0xff
}

// appendFragmentHeader appends the extended header to dst.
func appendFragmentHeader(dst []byte, v ProtocolVersion, fh FragmentHeader) []byte {
	dst = append(dst, byte(fh.Flag))
	if v.wideFragments() {
		if fh.IsFirst() {
			dst = binary.BigEndian.AppendUint32(dst, fh.TotalLength)
		}
		return binary.BigEndian.AppendUint16(dst, fh.ID)
	}
	if fh.IsFirst() {
		dst = binary.BigEndian.AppendUint16(dst, uint16(fh.TotalLength))
	}
	return append(dst, byte(fh.ID))
}

// parseFragmentHeader decodes the extended header at the start of b,
// returning the header and the number of bytes it occupies.
func parseFragmentHeader(b []byte, v ProtocolVersion) (fh FragmentHeader, n int, err error) {
	if len(b) < 1 {
		return fh, 0, protocolErrorf("missing fragment header")
	}
	fh.Flag = FragmentFlag(b[0])
	first := false
	switch fh.Flag {
	case FragmentFlagHeader:
		first = true
	case FragmentFlagContinuation:
	default:
		return fh, 0, protocolErrorf("unknown fragment flag 0x%02x", b[0])
	}
	n = fragmentHeaderSize(v, first)
	if len(b) < n {
		return fh, 0, protocolErrorf("short fragment header (%d < %d)", len(b), n)
	}
	if v.wideFragments() {
		if first {
			fh.TotalLength = binary.BigEndian.Uint32(b[1:])
			fh.ID = binary.BigEndian.Uint16(b[5:])
		} else {
			fh.ID = binary.BigEndian.Uint16(b[1:])
		}
	} else {
		if first {
			fh.TotalLength = uint32(binary.BigEndian.Uint16(b[1:]))
			fh.ID = uint16(b[3])
		} else {
			fh.ID = uint16(b[1])
		}
	}
	return fh, n, nil
}
