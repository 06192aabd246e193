// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
	ripcperf is an echo server and load generator for RIPC.

	  ripcperf serve -address :14002 -websocket :8080
	  ripcperf connect -address 127.0.0.1:14002 -channels 8 -size 4096
	  ripcperf connect -address ws://127.0.0.1:8080/

	Settings not available as flags are read from a YAML file given with -config.
*/

package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/linkdata/ripc"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML configuration file",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	}
	profileFlag = &cli.StringFlag{
		Name:  "profile",
		Usage: "write a profile to the current directory: cpu, mem, block, mutex or trace",
	}
	netLogFlag = &cli.BoolFlag{
		Name:  "netlog",
		Usage: "log every frame at debug level",
	}
	addressFlag = &cli.StringFlag{
		Name:    "address",
		Aliases: []string{"a"},
		Usage:   "RIPC address",
	}
	blockingFlag = &cli.BoolFlag{
		Name:  "blocking",
		Usage: "use blocking channels",
	}
	compressionFlag = &cli.StringSliceFlag{
		Name:  "compression",
		Usage: "compression types, preferred first: none, zlib, lz4",
	}
)

// app holds what the commands share.
type app struct {
	cfg     *Config
	logger  *zap.Logger
	tr      *ripc.Transport
	netLog  bool
	profile interface{ Stop() }
}

func profileOption(mode string) (func(*profile.Profile), error) {
	switch mode {
	case "cpu":
		return profile.CPUProfile, nil
	case "mem":
		return profile.MemProfile, nil
	case "block":
		return profile.BlockProfile, nil
	case "mutex":
		return profile.MutexProfile, nil
	case "trace":
		return profile.TraceProfile, nil
	}
	return nil, errors.Errorf("unknown profile mode %q", mode)
}

func (a *app) before(c *cli.Context) (err error) {
	if a.cfg, err = Load(c.String(configFlag.Name)); err != nil {
		return
	}
	if c.IsSet(logLevelFlag.Name) {
		a.cfg.LogLevel = c.String(logLevelFlag.Name)
	}
	level, err := zapcore.ParseLevel(a.cfg.LogLevel)
	if err != nil {
		return
	}
	a.logger = ripc.NewLogger(os.Stderr, level)
	a.netLog = c.Bool(netLogFlag.Name)
	if mode := c.String(profileFlag.Name); mode != "" {
		var opt func(*profile.Profile)
		if opt, err = profileOption(mode); err != nil {
			return
		}
		a.profile = profile.Start(opt, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	a.tr = ripc.NewTransport()
	return a.tr.Init(ripc.InitOptions{
		GlobalLocking: a.cfg.GlobalLocking,
		Logger:        a.logger,
	})
}

func (a *app) after(c *cli.Context) error {
	if a.profile != nil {
		a.profile.Stop()
	}
	if a.tr != nil && a.tr.IsInitialized() {
		a.tr.Shutdown()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return nil
}

// waitForSignal returns when the process is interrupted or done is closed.
func waitForSignal(logger *zap.Logger, done <-chan struct{}) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)
	select {
	case sig := <-stop:
		logger.Info("stopping", zap.Stringer("signal", sig))
	case <-done:
	}
}

func main() {
	a := &app{}
	cliApp := &cli.App{
		Name:   "ripcperf",
		Usage:  "RIPC echo server and load generator",
		Flags:  []cli.Flag{configFlag, logLevelFlag, profileFlag, netLogFlag},
		Before: a.before,
		After:  a.after,
		Commands: []*cli.Command{
			a.serveCommand(),
			a.connectCommand(),
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
