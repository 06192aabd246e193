// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"os"
	"time"

	"github.com/linkdata/ripc"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ServeConfig configures the echo server.
type ServeConfig struct {
	ripc.BindOptions `yaml:",inline"`
	Compression      []string `yaml:"compression"` // names, preferred first
	WebSocket        string   `yaml:"websocket"`   // HTTP address for WebSocket clients, empty to disable
	Stats            bool     `yaml:"stats"`       // log throughput every second
}

// ConnectConfig configures the load generator.
type ConnectConfig struct {
	ripc.ConnectOptions `yaml:",inline"`
	Compression         []string      `yaml:"compression"`  // names, preferred first
	Channels            int           `yaml:"channels"`     // concurrent channels
	Messages            int           `yaml:"messages"`     // messages echoed per channel
	MessageSize         int           `yaml:"message_size"` // payload bytes per message
	Priority            string        `yaml:"priority"`     // H, M or L
	Timeout             time.Duration `yaml:"timeout"`      // per message echo timeout
}

// Config is the ripcperf configuration file.
type Config struct {
	LogLevel      string        `yaml:"log_level"`
	GlobalLocking bool          `yaml:"global_locking"`
	Serve         ServeConfig   `yaml:"serve"`
	Connect       ConnectConfig `yaml:"connect"`
}

const defaultAddress = "127.0.0.1:14002"

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:      "info",
		GlobalLocking: true,
		Serve: ServeConfig{
			BindOptions: ripc.DefaultBindOptions(defaultAddress),
			Compression: []string{"lz4", "zlib"},
		},
		Connect: ConnectConfig{
			ConnectOptions: ripc.DefaultConnectOptions(defaultAddress),
			Compression:    []string{"none"},
			Channels:       4,
			Messages:       10000,
			MessageSize:    512,
			Priority:       "M",
			Timeout:        10 * time.Second,
		},
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config file %q", path)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "invalid YAML in %s", path)
	}
	return cfg, nil
}

func parseCompression(names []string) (types []ripc.CompressionType, err error) {
	for _, name := range names {
		var ct ripc.CompressionType
		if ct, err = ripc.ParseCompressionType(name); err != nil {
			return nil, err
		}
		types = append(types, ct)
	}
	return
}

func parsePriority(s string) (ripc.Priority, error) {
	switch s {
	case "H", "h", "high":
		return ripc.PriorityHigh, nil
	case "", "M", "m", "medium":
		return ripc.PriorityMedium, nil
	case "L", "l", "low":
		return ripc.PriorityLow, nil
	}
	return 0, errors.Errorf("unknown priority %q", s)
}

// bindOptions returns the server options with compression names resolved.
func (sc *ServeConfig) bindOptions() (opts ripc.BindOptions, err error) {
	opts = sc.BindOptions
	opts.Compression, err = parseCompression(sc.Compression)
	return
}

// connectOptions returns the client options with compression names resolved.
func (cc *ConnectConfig) connectOptions() (opts ripc.ConnectOptions, err error) {
	opts = cc.ConnectOptions
	opts.Compression, err = parseCompression(cc.Compression)
	return
}
