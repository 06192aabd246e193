// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"net/http"
	"time"

	"github.com/linkdata/ripc"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var (
	websocketFlag = &cli.StringFlag{
		Name:  "websocket",
		Usage: "also accept WebSocket clients on this HTTP address",
	}
	statsFlag = &cli.BoolFlag{
		Name:  "stats",
		Usage: "log throughput every second",
	}
)

var errPingTimeout = errors.New("ping timeout")

// echoChannel writes back every message read from ch.
// Short messages go out at high priority.
func echoChannel(ch *ripc.Channel) error {
	pingTimeout := time.Duration(ch.Info().PingTimeout) * time.Second
	for {
		msg, err := ch.Read(nil)
		switch {
		case err == ripc.ErrReadPing:
			continue
		case err == ripc.ErrReadWouldBlock:
			if pingTimeout > 0 && time.Since(ch.LastReadTime()) > pingTimeout {
				return errPingTimeout
			}
			time.Sleep(time.Millisecond)
			continue
		case err != nil:
			return err
		}
		b, err := ch.GetBuffer(len(msg), false)
		if err != nil {
			return err
		}
		if _, err = b.Write(msg); err != nil {
			ch.ReleaseBuffer(b)
			return err
		}
		args := ripc.WriteArgs{Priority: ripc.PriorityMedium}
		if len(msg) < 64 {
			args.Priority = ripc.PriorityHigh
		}
		if _, err = ch.Write(b, &args); err != nil {
			return err
		}
		for {
			n, err := ch.Flush()
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
}

// logStats logs server throughput once a second until done is closed.
func logStats(logger *zap.Logger, srv *ripc.Server, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastTick := time.Now()
	lastBytesRead := srv.BytesRead()
	lastBytesWritten := srv.BytesWritten()
	for {
		select {
		case <-done:
			return
		case currTick := <-ticker.C:
			elapsed := currTick.Sub(lastTick).Seconds()
			lastTick = currTick
			info := srv.Info()
			if info.BytesRead != lastBytesRead {
				logger.Info("stats",
					zap.Int("channels", info.ActiveChannels),
					zap.Float64("mbpsIn", float64(info.BytesRead-lastBytesRead)*8/1024/1024/elapsed),
					zap.Float64("mbpsOut", float64(info.BytesWritten-lastBytesWritten)*8/1024/1024/elapsed),
					zap.Int("bufferUsage", info.CurrentBufferUsage),
					zap.Int("peakBufferUsage", info.PeakBufferUsage))
				lastBytesRead = info.BytesRead
				lastBytesWritten = info.BytesWritten
			}
		}
	}
}

func (a *app) serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run an echo server",
		Flags: []cli.Flag{addressFlag, blockingFlag, compressionFlag, websocketFlag, statsFlag},
		Action: func(c *cli.Context) error {
			sc := a.cfg.Serve
			if c.IsSet(addressFlag.Name) {
				sc.Address = c.String(addressFlag.Name)
			}
			if c.IsSet(blockingFlag.Name) {
				sc.Blocking = c.Bool(blockingFlag.Name)
			}
			if c.IsSet(compressionFlag.Name) {
				sc.Compression = c.StringSlice(compressionFlag.Name)
			}
			if c.IsSet(websocketFlag.Name) {
				sc.WebSocket = c.String(websocketFlag.Name)
			}
			if c.IsSet(statsFlag.Name) {
				sc.Stats = c.Bool(statsFlag.Name)
			}
			return a.serve(sc)
		},
	}
}

func (a *app) serve(sc ServeConfig) error {
	opts, err := sc.bindOptions()
	if err != nil {
		return err
	}
	opts.Logger = a.logger
	srv, err := a.tr.Bind(opts)
	if err != nil {
		return err
	}
	defer srv.Close()
	srv.NetLog(a.netLog)
	srv.Handler = echoChannel

	done := make(chan struct{})
	var hs *http.Server
	if sc.WebSocket != "" {
		hs = &http.Server{Addr: sc.WebSocket, Handler: srv}
		go func() {
			a.logger.Info("starting WebSocket listener", zap.String("address", sc.WebSocket))
			if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("WebSocket listener failed", zap.Error(err))
			}
		}()
		defer hs.Close()
	}
	if sc.Stats {
		go logStats(a.logger, srv, done)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve()
		close(done)
	}()
	waitForSignal(a.logger, done)
	srv.Close()
	err = <-serveErr
	if errors.Cause(err) == ripc.ErrServerClosed {
		err = nil
	}
	for msg, count := range srv.ServeErrors() {
		a.logger.Info("serve errors", zap.String("error", msg), zap.Int("count", count))
	}
	return err
}
