// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"fmt"
	"time"
)

const (
	// HeaderSize is the number of bytes in the base frame header.
	HeaderSize = 3
	// MaxFrameSize is the largest frame the 16-bit length field can describe.
	MaxFrameSize = 0xffff
	// DefaultMaxFragmentSize is the default largest payload carried by one frame.
	DefaultMaxFragmentSize = 6144
	// MinMaxFragmentSize is the smallest allowed value for MaxFragmentSize.
	MinMaxFragmentSize = 64
	// MaxMaxFragmentSize is the largest allowed value for MaxFragmentSize,
	// leaving room for compression expansion within a single frame.
	MaxMaxFragmentSize = MaxFrameSize - HeaderSize - 256
	// MaxFragmentedLength is the largest message that may be fragmented.
	MaxFragmentedLength = 1 << 30
	// DefaultGuaranteedOutputBuffers is the default number of per-channel buffers.
	DefaultGuaranteedOutputBuffers = 50
	// DefaultMaxOutputBuffers is the default per-channel buffer ceiling.
	DefaultMaxOutputBuffers = 100
	// DefaultNumInputBuffers is the default receive buffer size in fragments.
	DefaultNumInputBuffers = 10
	// DefaultHighWaterMark is the default queued byte count forcing a flush.
	DefaultHighWaterMark = 6144
	// DefaultFlushOrder is the default priority flush order.
	DefaultFlushOrder = "HMHLHM"
	// MaxFlushOrderLength is the longest accepted priority flush order.
	MaxFlushOrderLength = 32
	// DefaultCompressionThreshold is the default smallest payload that gets compressed.
	DefaultCompressionThreshold = 30
	// DefaultCompressionLevel is the default zlib compression level.
	DefaultCompressionLevel = 6
	// DefaultPingTimeout is the default ping timeout in seconds.
	DefaultPingTimeout = 60
	// DefaultSharedPoolSize is the default number of free buffers a shared pool may hold.
	DefaultSharedPoolSize = 100000
	// MaxGatherBuffers is the most buffers placed in a single vectored write.
	MaxGatherBuffers = 128
	// MaxGatherBytes is the byte budget of a single vectored write.
	MaxGatherBytes = 256 * 1024
	// MaxComponentInfoLength is the longest component info string sent in a handshake.
	MaxComponentInfoLength = 253
	// DefaultDialTimeout is how long Connect waits for a network connection.
	DefaultDialTimeout = time.Second * 60
)

// ProtocolVersion is a RIPC protocol version.
type ProtocolVersion uint32

const (
	// RIPC11 is the oldest supported version.
	RIPC11 = ProtocolVersion(11)
	// RIPC12 adds compression negotiation.
	RIPC12 = ProtocolVersion(12)
	// RIPC13 widens the fragment header to a 4-byte total length and 2-byte id.
	RIPC13 = ProtocolVersion(13)
	// RIPC14 is the current version.
	RIPC14 = ProtocolVersion(14)
)

// SupportedVersions lists the versions this package speaks, highest first.
var SupportedVersions = []ProtocolVersion{RIPC14, RIPC13, RIPC12, RIPC11}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("RIPC%d", uint32(v))
}

// IsSupported returns true if v is one of SupportedVersions.
func (v ProtocolVersion) IsSupported() bool {
	for _, sv := range SupportedVersions {
		if v == sv {
			return true
		}
	}
	return false
}

// wideFragments returns true if the version uses the 4-byte total length
// and 2-byte fragment id header form.
func (v ProtocolVersion) wideFragments() bool {
	return v >= RIPC13
}
