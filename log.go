// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a JSON logger writing entries at or above level to w.
func NewLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		NameKey:     "logger",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		level,
	)
	return zap.New(core)
}

func loggerOrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// netLogFrame logs a frame passing through a channel.
func netLogFrame(l *zap.Logger, dir string, frame []byte) {
	if len(frame) >= HeaderSize {
		fh := FrameHeader(frame)
		l.Debug(dir, zap.Int("length", fh.Length()), zap.Stringer("flags", fh.Flags()), zap.Int("bytes", len(frame)))
	} else {
		l.Debug(dir, zap.Int("bytes", len(frame)))
	}
}
