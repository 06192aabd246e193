// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// CompressionType identifies a payload compression algorithm.
type CompressionType byte

const (
	// CompressionNone disables compression.
	CompressionNone = CompressionType(0)
	// CompressionZlib uses a zlib stream spanning the life of the channel.
	CompressionZlib = CompressionType(1)
	// CompressionLZ4 compresses each frame as an independent LZ4 block.
	CompressionLZ4 = CompressionType(2)
)

// MinCompressionThreshold is the smallest accepted compression threshold
// when compression is enabled.
const MinCompressionThreshold = 30

var compressionTypeTexts = map[CompressionType]string{
	CompressionNone: "none",
	CompressionZlib: "zlib",
	CompressionLZ4:  "lz4",
}

func (ct CompressionType) String() string {
	if s, ok := compressionTypeTexts[ct]; ok {
		return s
	}
	return fmt.Sprintf("CompressionType(%d)", byte(ct))
}

// ParseCompressionType returns the CompressionType named by s.
func ParseCompressionType(s string) (CompressionType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CompressionNone, nil
	}
	for ct, name := range compressionTypeTexts {
		if s == name {
			return ct, nil
		}
	}
	return CompressionNone, newError(InvalidArgument, "unknown compression type %q", s)
}

// bit returns the bit representing ct in a handshake compression bitmap.
func (ct CompressionType) bit() byte {
	if ct == CompressionNone || ct > CompressionLZ4 {
		return 0
	}
	return 1 << ct
}

// minThreshold returns the lowest compression threshold usable with ct.
func (ct CompressionType) minThreshold() int {
	if ct == CompressionNone {
		return 0
	}
	return MinCompressionThreshold
}

func compressionBitmap(types []CompressionType) (bitmap byte) {
	for _, ct := range types {
		bitmap |= ct.bit()
	}
	return
}

// Compressor compresses outbound and decompresses inbound frame payloads
// for one channel direction. Implementations may keep state between calls,
// so frames must be passed in the order they appear on the wire.
type Compressor interface {
	// Type returns the algorithm used.
	Type() CompressionType
	// Compress appends the compressed form of src to dst.
	Compress(dst, src []byte) ([]byte, error)
	// Decompress appends the decompressed form of src to dst, failing
	// if it would produce more than limit bytes.
	Decompress(dst, src []byte, limit int) ([]byte, error)
}

// NewCompressor returns a Compressor for the given type. The level
// is only used by zlib. Returns nil for CompressionNone.
func NewCompressor(ct CompressionType, level int) (Compressor, error) {
	switch ct {
	case CompressionNone:
		return nil, nil
	case CompressionZlib:
		return newZlibCompressor(level)
	case CompressionLZ4:
		return &lz4Compressor{}, nil
	}
	return nil, newError(InvalidArgument, "unsupported compression type %v", ct)
}

// zlibSyncTail terminates a sync flushed deflate block sequence
// with an empty final stored block.
var zlibSyncTail = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

const zlibWindowSize = 32 * 1024

type zlibCompressor struct {
	out     bytes.Buffer
	w       *zlib.Writer
	in      bytes.Reader
	inbuf   []byte
	r       io.ReadCloser
	hist    []byte
	gotHdr  bool
	scratch bytes.Buffer
}

func newZlibCompressor(level int) (*zlibCompressor, error) {
	// Lower levels drop their history on small flushes.
	if level < 7 {
		level = 7
	}
	if level > zlib.BestCompression {
		level = zlib.BestCompression
	}
	zc := &zlibCompressor{}
	w, err := zlib.NewWriterLevel(&zc.out, level)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	zc.w = w
	return zc, nil
}

func (zc *zlibCompressor) Type() CompressionType { return CompressionZlib }

func (zc *zlibCompressor) Compress(dst, src []byte) ([]byte, error) {
	zc.out.Reset()
	if _, err := zc.w.Write(src); err != nil {
		return dst, errors.WithStack(err)
	}
	if err := zc.w.Flush(); err != nil {
		return dst, errors.WithStack(err)
	}
	return append(dst, zc.out.Bytes()...), nil
}

func (zc *zlibCompressor) Decompress(dst, src []byte, limit int) ([]byte, error) {
	if !zc.gotHdr {
		if len(src) < 2 {
			return dst, protocolErrorf("short zlib header")
		}
		if src[0]&0x0f != 8 || (uint16(src[0])<<8|uint16(src[1]))%31 != 0 || src[1]&0x20 != 0 {
			return dst, protocolErrorf("invalid zlib header %02x%02x", src[0], src[1])
		}
		src = src[2:]
		zc.gotHdr = true
	}
	zc.inbuf = append(append(zc.inbuf[:0], src...), zlibSyncTail...)
	zc.in.Reset(zc.inbuf)
	if zc.r == nil {
		zc.r = flate.NewReaderDict(&zc.in, zc.hist)
	} else if err := zc.r.(flate.Resetter).Reset(&zc.in, zc.hist); err != nil {
		return dst, errors.WithStack(err)
	}
	zc.scratch.Reset()
	n, err := io.Copy(&zc.scratch, io.LimitReader(zc.r, int64(limit)+1))
	if err != nil {
		return dst, protocolErrorf("zlib: %v", err)
	}
	if n > int64(limit) {
		return dst, protocolErrorf("zlib output exceeds %d bytes", limit)
	}
	out := zc.scratch.Bytes()
	zc.hist = append(zc.hist, out...)
	if over := len(zc.hist) - zlibWindowSize; over > 0 {
		zc.hist = zc.hist[:copy(zc.hist, zc.hist[over:])]
	}
	return append(dst, out...), nil
}

type lz4Compressor struct {
	c lz4.Compressor
}

func (lc *lz4Compressor) Type() CompressionType { return CompressionLZ4 }

func (lc *lz4Compressor) Compress(dst, src []byte) ([]byte, error) {
	start := len(dst)
	need := 4 + lz4.CompressBlockBound(len(src))
	if cap(dst)-start < need {
		grown := make([]byte, start, start+need)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:start+need]
	binary.BigEndian.PutUint32(dst[start:], uint32(len(src)))
	n, err := lc.c.CompressBlock(src, dst[start+4:])
	if err != nil {
		return dst[:start], errors.WithStack(err)
	}
	return dst[:start+4+n], nil
}

func (lc *lz4Compressor) Decompress(dst, src []byte, limit int) ([]byte, error) {
	if len(src) < 4 {
		return dst, protocolErrorf("short lz4 payload")
	}
	size := int(binary.BigEndian.Uint32(src))
	if size > limit {
		return dst, protocolErrorf("lz4 output %d exceeds %d bytes", size, limit)
	}
	start := len(dst)
	if cap(dst)-start < size {
		grown := make([]byte, start, start+size)
		copy(grown, dst)
		dst = grown
	}
	n, err := lz4.UncompressBlock(src[4:], dst[start:start+size])
	if err != nil {
		return dst[:start], protocolErrorf("lz4: %v", err)
	}
	if n != size {
		return dst[:start], protocolErrorf("lz4 output %d, expected %d", n, size)
	}
	return dst[:start+n], nil
}
