// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"encoding/binary"
	"fmt"
)

// controlOp is the first body byte of a connection control frame.
type controlOp byte

const (
	opConnectReq = controlOp(0x01)
	opConnectAck = controlOp(0x02)
	opConnectNak = controlOp(0x03)
)

// NakReason tells a client why its connection request was refused.
type NakReason byte

const (
	// NakVersion means the requested protocol version is not supported.
	NakVersion = NakReason(1)
	// NakRefused means the server will not accept the connection.
	NakRefused = NakReason(2)
)

func (r NakReason) String() string {
	switch r {
	case NakVersion:
		return "version"
	case NakRefused:
		return "refused"
	}
	return fmt.Sprintf("NakReason(%d)", byte(r))
}

// connectReq is sent by a client to open a session.
type connectReq struct {
	Version       ProtocolVersion
	Compression   byte // bitmap of CompressionType.bit()
	PingTimeout   uint8
	ComponentInfo string
}

// connectAck accepts a session, fixing its parameters.
type connectAck struct {
	Version         ProtocolVersion
	MaxFragmentSize uint16
	Compression     CompressionType
	PingTimeout     uint8
	ComponentInfo   string
}

// connectNak refuses a session request.
type connectNak struct {
	Reason NakReason
	Text   string
}

func clampComponentInfo(s string) string {
	if len(s) > MaxComponentInfoLength {
		s = s[:MaxComponentInfoLength]
	}
	return s
}

// controlFrame wraps body in a base header without flags.
func controlFrame(body []byte) []byte {
	frame := appendFrameHeader(make([]byte, 0, HeaderSize+len(body)), HeaderSize+len(body), 0)
	return append(frame, body...)
}

func (m *connectReq) encode() []byte {
	info := clampComponentInfo(m.ComponentInfo)
	body := []byte{byte(opConnectReq)}
	body = binary.BigEndian.AppendUint32(body, uint32(m.Version))
	body = append(body, m.Compression, m.PingTimeout, byte(len(info)))
	body = append(body, info...)
	return controlFrame(body)
}

func (m *connectAck) encode() []byte {
	info := clampComponentInfo(m.ComponentInfo)
	body := []byte{byte(opConnectAck)}
	body = binary.BigEndian.AppendUint32(body, uint32(m.Version))
	body = binary.BigEndian.AppendUint16(body, m.MaxFragmentSize)
	body = append(body, byte(m.Compression), m.PingTimeout, byte(len(info)))
	body = append(body, info...)
	return controlFrame(body)
}

// maxNakText is the most text a nak frame can carry after its opcode,
// reason and length fields.
const maxNakText = MaxFrameSize - HeaderSize - 4

func (m *connectNak) encode() []byte {
	text := m.Text
	if len(text) > maxNakText {
		text = text[:maxNakText]
	}
	body := []byte{byte(opConnectNak), byte(m.Reason)}
	body = binary.BigEndian.AppendUint16(body, uint16(len(text)))
	body = append(body, text...)
	return controlFrame(body)
}

// parseControl decodes a control frame body into
// a *connectReq, *connectAck or *connectNak.
func parseControl(body []byte) (msg interface{}, err error) {
	fp := newFrameParser(body)
	switch op := controlOp(fp.ReadUint8()); op {
	case opConnectReq:
		m := &connectReq{}
		m.Version = ProtocolVersion(fp.ReadUint32())
		m.Compression = fp.ReadUint8()
		m.PingTimeout = fp.ReadUint8()
		m.ComponentInfo = fp.ReadString8()
		msg = m
	case opConnectAck:
		m := &connectAck{}
		m.Version = ProtocolVersion(fp.ReadUint32())
		m.MaxFragmentSize = fp.ReadUint16()
		m.Compression = CompressionType(fp.ReadUint8())
		m.PingTimeout = fp.ReadUint8()
		m.ComponentInfo = fp.ReadString8()
		msg = m
	case opConnectNak:
		m := &connectNak{}
		m.Reason = NakReason(fp.ReadUint8())
		m.Text = fp.ReadString16()
		msg = m
	default:
		if fp.Err() == nil {
			return nil, protocolErrorf("unknown control opcode 0x%02x", byte(op))
		}
	}
	if err = fp.Err(); err != nil {
		msg = nil
	}
	return
}

// chooseCompression picks the first of prefs offered in bitmap.
func chooseCompression(prefs []CompressionType, bitmap byte) CompressionType {
	for _, ct := range prefs {
		if bit := ct.bit(); bit != 0 && bitmap&bit != 0 {
			return ct
		}
	}
	return CompressionNone
}
