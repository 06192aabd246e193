// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkdata/ripc"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var (
	channelsFlag = &cli.IntFlag{
		Name:  "channels",
		Usage: "number of concurrent channels",
	}
	messagesFlag = &cli.IntFlag{
		Name:  "messages",
		Usage: "messages echoed per channel",
	}
	sizeFlag = &cli.IntFlag{
		Name:  "size",
		Usage: "message size in bytes",
	}
)

// benchResult accumulates the load generator's counters.
type benchResult struct {
	messages int64
	bytes    int64
	failed   int64
}

func (a *app) connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "echo messages through a server",
		Flags: []cli.Flag{addressFlag, blockingFlag, compressionFlag, channelsFlag, messagesFlag, sizeFlag},
		Action: func(c *cli.Context) error {
			cc := a.cfg.Connect
			if c.IsSet(addressFlag.Name) {
				cc.Address = c.String(addressFlag.Name)
			}
			if c.IsSet(blockingFlag.Name) {
				cc.Blocking = c.Bool(blockingFlag.Name)
			}
			if c.IsSet(compressionFlag.Name) {
				cc.Compression = c.StringSlice(compressionFlag.Name)
			}
			if c.IsSet(channelsFlag.Name) {
				cc.Channels = c.Int(channelsFlag.Name)
			}
			if c.IsSet(messagesFlag.Name) {
				cc.Messages = c.Int(messagesFlag.Name)
			}
			if c.IsSet(sizeFlag.Name) {
				cc.MessageSize = c.Int(sizeFlag.Name)
			}
			return a.connect(cc)
		},
	}
}

func (a *app) connect(cc ConnectConfig) error {
	opts, err := cc.connectOptions()
	if err != nil {
		return err
	}
	prio, err := parsePriority(cc.Priority)
	if err != nil {
		return err
	}
	if cc.MessageSize < 1 {
		return errors.Errorf("message size %d must be positive", cc.MessageSize)
	}
	opts.Logger = a.logger
	numChannels := cc.Channels
	// let's not overflow race detector limit
	if ripc.RaceEnabled() && numChannels > 1000 {
		numChannels = 1000
	}
	a.logger.Info("benchmarking",
		zap.String("address", opts.Address),
		zap.Int("channels", numChannels),
		zap.Int("messages", cc.Messages),
		zap.Int("size", cc.MessageSize))

	var res benchResult
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < numChannels; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := a.runChannel(id, opts, cc, prio, &res); err != nil {
				atomic.AddInt64(&res.failed, 1)
				a.logger.Warn("channel failed", zap.Int("id", id), zap.Error(err))
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start).Seconds()
	a.logger.Info("done",
		zap.Int64("messages", res.messages),
		zap.Float64("messagesPerSecond", float64(res.messages)/elapsed),
		zap.Float64("mbps", float64(res.bytes)*8/1024/1024/elapsed),
		zap.Int64("failedChannels", res.failed))
	if res.failed > 0 {
		return errors.Errorf("%d of %d channels failed", res.failed, numChannels)
	}
	return nil
}

func (a *app) runChannel(id int, opts ripc.ConnectOptions, cc ConnectConfig, prio ripc.Priority, res *benchResult) error {
	ch, err := a.tr.Connect(opts)
	if err != nil {
		return err
	}
	defer ch.Close()
	ch.NetLog(a.netLog)
	deadline := time.Now().Add(opts.DialTimeout)
	for {
		err = ch.Init()
		if err == nil {
			break
		}
		if err != ripc.ErrChanInitInProgress {
			return err
		}
		if time.Now().After(deadline) {
			return errors.New("handshake timed out")
		}
		time.Sleep(time.Millisecond)
	}
	payload := bytes.Repeat([]byte{byte('A' + id%26)}, cc.MessageSize)
	for i := 0; i < cc.Messages; i++ {
		if err = sendMessage(ch, payload, prio); err != nil {
			return err
		}
		if err = awaitEcho(ch, payload, cc.Timeout); err != nil {
			return err
		}
		atomic.AddInt64(&res.messages, 1)
		atomic.AddInt64(&res.bytes, int64(2*len(payload)))
	}
	return nil
}

func sendMessage(ch *ripc.Channel, payload []byte, prio ripc.Priority) error {
	b, err := ch.GetBuffer(len(payload), false)
	if err != nil {
		return err
	}
	b.Write(payload)
	if _, err = ch.Write(b, &ripc.WriteArgs{Priority: prio}); err != nil {
		return err
	}
	for {
		n, err := ch.Flush()
		if err != nil || n == 0 {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}

func awaitEcho(ch *ripc.Channel, payload []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		msg, err := ch.Read(nil)
		switch {
		case err == nil:
			if !bytes.Equal(msg, payload) {
				return errors.Errorf("echo mismatch, sent %d bytes, got %d", len(payload), len(msg))
			}
			return nil
		case err == ripc.ErrReadPing:
		case err == ripc.ErrReadWouldBlock:
			if time.Now().After(deadline) {
				return errors.New("echo timed out")
			}
			time.Sleep(time.Millisecond)
		default:
			return err
		}
	}
}
