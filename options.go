// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"time"

	"go.uber.org/zap"
)

// ChannelOptions configure a channel, whether created by Connect or by a Server.
type ChannelOptions struct {
	Blocking                bool              `yaml:"blocking"`                  // Read, Flush and Init wait for the socket
	Versions                []ProtocolVersion `yaml:"versions"`                  // protocol versions, preferred first
	Compression             []CompressionType `yaml:"-"`                         // compression types, preferred first
	CompressionLevel        int               `yaml:"compression_level"`         // zlib compression level
	CompressionThreshold    int               `yaml:"compression_threshold"`     // smallest payload compressed
	GuaranteedOutputBuffers int               `yaml:"guaranteed_output_buffers"` // buffers reserved for the channel
	MaxOutputBuffers        int               `yaml:"max_output_buffers"`        // most buffers the channel may use
	NumInputBuffers         int               `yaml:"num_input_buffers"`         // receive buffer size in fragments
	HighWaterMark           int               `yaml:"high_water_mark"`           // queued bytes forcing a flush
	FlushOrder              string            `yaml:"flush_order"`               // priority lane order, like "HMHLHM"
	PingTimeout             int               `yaml:"ping_timeout"`              // seconds, negotiated down to the smaller
	ComponentInfo           string            `yaml:"component_info"`            // sent to the peer in the handshake
	SysSendBufSize          int               `yaml:"sys_send_buf_size"`         // OS send buffer size, 0 for default
	SysRecvBufSize          int               `yaml:"sys_recv_buf_size"`         // OS receive buffer size, 0 for default
	Logger                  *zap.Logger       `yaml:"-"`
	StatsCollector          StatsCollector    `yaml:"-"`
}

// ConnectOptions configure a client channel.
type ConnectOptions struct {
	ChannelOptions `yaml:",inline"`
	Address        string        `yaml:"address"`      // "host:port", or a ws:// or wss:// URL
	DialTimeout    time.Duration `yaml:"dial_timeout"` // network connect timeout
}

// BindOptions configure a Server.
type BindOptions struct {
	ChannelOptions  `yaml:",inline"`
	Address         string `yaml:"address"`           // address to listen on
	MaxFragmentSize int    `yaml:"max_fragment_size"` // largest frame payload, sent to clients
	SharedPoolSize  int    `yaml:"shared_pool_size"`  // most free buffers kept in the shared pool
}

// DefaultChannelOptions returns the channel defaults.
func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{
		Versions:                append([]ProtocolVersion(nil), SupportedVersions...),
		Compression:             []CompressionType{CompressionNone},
		CompressionLevel:        DefaultCompressionLevel,
		CompressionThreshold:    DefaultCompressionThreshold,
		GuaranteedOutputBuffers: DefaultGuaranteedOutputBuffers,
		MaxOutputBuffers:        DefaultMaxOutputBuffers,
		NumInputBuffers:         DefaultNumInputBuffers,
		HighWaterMark:           DefaultHighWaterMark,
		FlushOrder:              DefaultFlushOrder,
		PingTimeout:             DefaultPingTimeout,
	}
}

// DefaultConnectOptions returns client defaults for the given address.
func DefaultConnectOptions(addr string) ConnectOptions {
	return ConnectOptions{
		ChannelOptions: DefaultChannelOptions(),
		Address:        addr,
		DialTimeout:    DefaultDialTimeout,
	}
}

// DefaultBindOptions returns server defaults for the given address.
func DefaultBindOptions(addr string) BindOptions {
	return BindOptions{
		ChannelOptions:  DefaultChannelOptions(),
		Address:         addr,
		MaxFragmentSize: DefaultMaxFragmentSize,
		SharedPoolSize:  DefaultSharedPoolSize,
	}
}

// validate checks the options, filling in zero values with defaults.
func (o *ChannelOptions) validate() error {
	def := DefaultChannelOptions()
	if len(o.Versions) == 0 {
		o.Versions = def.Versions
	}
	for _, v := range o.Versions {
		if !v.IsSupported() {
			return newError(InvalidArgument, "unsupported protocol version %v", v)
		}
	}
	if len(o.Compression) == 0 {
		o.Compression = def.Compression
	}
	minThreshold := 0
	for _, ct := range o.Compression {
		if ct > CompressionLZ4 {
			return newError(InvalidArgument, "unsupported compression type %v", ct)
		}
		if m := ct.minThreshold(); m > minThreshold {
			minThreshold = m
		}
	}
	if o.CompressionThreshold == 0 {
		o.CompressionThreshold = def.CompressionThreshold
	}
	if o.CompressionThreshold < minThreshold {
		return newError(InvalidArgument, "compression threshold %d is below %d", o.CompressionThreshold, minThreshold)
	}
	if o.CompressionLevel == 0 {
		o.CompressionLevel = def.CompressionLevel
	}
	if o.GuaranteedOutputBuffers < 1 {
		o.GuaranteedOutputBuffers = def.GuaranteedOutputBuffers
	}
	if o.MaxOutputBuffers < o.GuaranteedOutputBuffers {
		o.MaxOutputBuffers = o.GuaranteedOutputBuffers
	}
	if o.NumInputBuffers < 1 {
		o.NumInputBuffers = def.NumInputBuffers
	}
	if o.HighWaterMark < 0 {
		return newError(InvalidArgument, "high water mark %d is negative", o.HighWaterMark)
	}
	if o.FlushOrder == "" {
		o.FlushOrder = def.FlushOrder
	}
	if _, err := parseFlushOrder(o.FlushOrder); err != nil {
		return err
	}
	if o.PingTimeout < 1 || o.PingTimeout > 255 {
		o.PingTimeout = def.PingTimeout
	}
	o.ComponentInfo = clampComponentInfo(o.ComponentInfo)
	return nil
}

func (o *BindOptions) validate() error {
	if o.MaxFragmentSize == 0 {
		o.MaxFragmentSize = DefaultMaxFragmentSize
	}
	if o.MaxFragmentSize < MinMaxFragmentSize || o.MaxFragmentSize > MaxMaxFragmentSize {
		return newError(InvalidArgument, "max fragment size %d not in %d..%d", o.MaxFragmentSize, MinMaxFragmentSize, MaxMaxFragmentSize)
	}
	if o.SharedPoolSize < 0 {
		o.SharedPoolSize = 0
	}
	return o.ChannelOptions.validate()
}
