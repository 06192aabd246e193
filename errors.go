// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"fmt"

	"github.com/pkg/errors"
)

// ReturnCode classifies the outcome of a transport call.
type ReturnCode int

const (
	// Success means the call completed.
	Success = ReturnCode(0)
	// Failure means the call failed. If the channel was Active it may now be Closed.
	Failure = ReturnCode(-1)
	// InvalidArgument means a parameter was out of range or of the wrong type.
	InvalidArgument = ReturnCode(-2)
	// NoBuffers means the channel is at its MaxOutputBuffers limit.
	NoBuffers = ReturnCode(-4)
	// WriteFlushFailed means the buffer was queued but the flush it triggered failed.
	WriteFlushFailed = ReturnCode(-9)
	// WriteCallAgain means the call could not complete without blocking and should be retried.
	WriteCallAgain = ReturnCode(-10)
	// ChanInitInProgress means the channel handshake has not yet completed.
	ChanInitInProgress = ReturnCode(-11)
	// ReadWouldBlock means no complete message is available yet.
	ReadWouldBlock = ReturnCode(-12)
	// ReadPing means a keepalive frame was received instead of a message.
	ReadPing = ReturnCode(-13)
)

var returnCodeTexts = map[ReturnCode]string{
	Success:            "SUCCESS",
	Failure:            "FAILURE",
	InvalidArgument:    "INVALID_ARGUMENT",
	NoBuffers:          "NO_BUFFERS",
	WriteFlushFailed:   "WRITE_FLUSH_FAILED",
	WriteCallAgain:     "WRITE_CALL_AGAIN",
	ChanInitInProgress: "CHAN_INIT_IN_PROGRESS",
	ReadWouldBlock:     "READ_WOULD_BLOCK",
	ReadPing:           "READ_PING",
}

func (rc ReturnCode) String() string {
	if s, ok := returnCodeTexts[rc]; ok {
		return s
	}
	return fmt.Sprintf("ReturnCode(%d)", int(rc))
}

// Error is the error type returned by transport calls.
type Error struct {
	Code ReturnCode // Classification of the error
	Text string     // Human readable description
}

func (e *Error) Error() string {
	return e.Code.String() + ": " + e.Text
}

var (
	// ErrReadWouldBlock is returned by Read when no complete message is buffered.
	ErrReadWouldBlock = &Error{Code: ReadWouldBlock, Text: "no complete message available"}
	// ErrReadPing is returned by Read when a keepalive frame was consumed.
	ErrReadPing = &Error{Code: ReadPing, Text: "ping received"}
	// ErrChanInitInProgress is returned by Init while the handshake is not finished.
	ErrChanInitInProgress = &Error{Code: ChanInitInProgress, Text: "channel initialization in progress"}
)

func newError(code ReturnCode, format string, args ...interface{}) error {
	return errors.WithStack(&Error{Code: code, Text: fmt.Sprintf(format, args...)})
}

// ProtocolError reports a malformed or unexpected frame.
// Protocol errors are fatal to a Channel.
type ProtocolError struct {
	Reason string
}

func (err ProtocolError) Error() string { return "protocol error: " + err.Reason }

func protocolErrorf(format string, args ...interface{}) error {
	return errors.WithStack(ProtocolError{Reason: fmt.Sprintf(format, args...)})
}

// CodeOf returns the ReturnCode carried by err.
// A nil error is Success, and errors not created by this package are Failure.
func CodeOf(err error) ReturnCode {
	if err == nil {
		return Success
	}
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Code
	}
	return Failure
}

// IsProtocolError returns true if err was caused by a ProtocolError.
func IsProtocolError(err error) bool {
	_, ok := errors.Cause(err).(ProtocolError)
	return ok
}
