// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"fmt"
)

// IOCtlCode selects the setting changed by an IOCtl call.
type IOCtlCode int

const (
	// MaxNumBuffers sets the channel's output buffer ceiling (int).
	MaxNumBuffers = IOCtlCode(1)
	// NumGuaranteedBuffers grows or shrinks the channel's guaranteed buffers (int).
	NumGuaranteedBuffers = IOCtlCode(2)
	// HighWaterMark sets the queued byte count that forces a flush (int).
	HighWaterMark = IOCtlCode(3)
	// SystemReadBuffers sets the OS socket receive buffer size (int).
	SystemReadBuffers = IOCtlCode(4)
	// SystemWriteBuffers sets the OS socket send buffer size (int).
	SystemWriteBuffers = IOCtlCode(5)
	// PriorityFlushOrder sets the lane flush order (string).
	PriorityFlushOrder = IOCtlCode(6)
	// CompressionThreshold sets the smallest payload that is compressed (int).
	CompressionThreshold = IOCtlCode(7)
	// ComponentInfo sets the component info sent in the handshake (string).
	ComponentInfo = IOCtlCode(8)
	// ServerNumPoolBuffers sets how many free buffers the server's shared pool keeps (int).
	ServerNumPoolBuffers = IOCtlCode(9)
	// ServerPeakBufReset resets the server's peak shared buffer usage.
	ServerPeakBufReset = IOCtlCode(10)
)

var ioctlCodeNames = map[IOCtlCode]string{
	MaxNumBuffers:        "MAX_NUM_BUFFERS",
	NumGuaranteedBuffers: "NUM_GUARANTEED_BUFFERS",
	HighWaterMark:        "HIGH_WATER_MARK",
	SystemReadBuffers:    "SYSTEM_READ_BUFFERS",
	SystemWriteBuffers:   "SYSTEM_WRITE_BUFFERS",
	PriorityFlushOrder:   "PRIORITY_FLUSH_ORDER",
	CompressionThreshold: "COMPRESSION_THRESHOLD",
	ComponentInfo:        "COMPONENT_INFO",
	ServerNumPoolBuffers: "SERVER_NUM_POOL_BUFFERS",
	ServerPeakBufReset:   "SERVER_PEAK_BUF_RESET",
}

func (c IOCtlCode) String() string {
	if s, ok := ioctlCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("IOCtlCode(%d)", int(c))
}

func errInvalidIOCtlCode(c IOCtlCode) error {
	return newError(Failure, "Code is not valid: %v", c)
}

// ioctlInt returns value as an int.
func ioctlInt(c IOCtlCode, value interface{}) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint32:
		return int(v), nil
	}
	return 0, newError(Failure, "%v requires an integer value, got %T", c, value)
}

// ioctlString returns value as a string.
func ioctlString(c IOCtlCode, value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", newError(Failure, "%v requires a string value, got %T", c, value)
}
