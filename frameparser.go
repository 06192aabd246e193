// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// frameParser reads fields from a control frame body.
// The first read past the end sets err and all later reads return zero values.
type frameParser struct {
	b   []byte
	err error
}

func newFrameParser(body []byte) *frameParser {
	return &frameParser{b: body}
}

func (fp *frameParser) String() string {
	switch {
	case len(fp.b) < 1:
		return "[frameParser 0]"
	case len(fp.b) < 32:
		return fmt.Sprintf("[frameParser %v %v]", len(fp.b), hex.EncodeToString(fp.b))
	default:
		return fmt.Sprintf("[frameParser %v %v...]", len(fp.b), hex.EncodeToString(fp.b[:32]))
	}
}

func (fp *frameParser) take(n int) (p []byte) {
	if fp.err == nil {
		if len(fp.b) < n {
			fp.err = protocolErrorf("control frame truncated, need %d bytes, have %d", n, len(fp.b))
			fp.b = nil
			return nil
		}
		p = fp.b[:n]
		fp.b = fp.b[n:]
	}
	return
}

// ReadUint8 reads a byte.
func (fp *frameParser) ReadUint8() uint8 {
	if p := fp.take(1); p != nil {
		return p[0]
	}
	return 0
}

// ReadUint16 reads a big endian uint16.
func (fp *frameParser) ReadUint16() uint16 {
	if p := fp.take(2); p != nil {
		return binary.BigEndian.Uint16(p)
	}
	return 0
}

// ReadUint32 reads a big endian uint32.
func (fp *frameParser) ReadUint32() uint32 {
	if p := fp.take(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

// ReadString8 reads a string preceded by a one byte length.
func (fp *frameParser) ReadString8() string {
	return string(fp.take(int(fp.ReadUint8())))
}

// ReadString16 reads a string preceded by a two byte length.
func (fp *frameParser) ReadString16() string {
	return string(fp.take(int(fp.ReadUint16())))
}

// Err returns the first error encountered.
func (fp *frameParser) Err() error {
	return fp.err
}
