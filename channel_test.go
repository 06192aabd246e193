package ripc

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_Channel_handshake(t *testing.T) {
	copts := DefaultConnectOptions("")
	copts.ComponentInfo = "client"
	copts.PingTimeout = 30
	bopts := DefaultBindOptions("")
	bopts.ComponentInfo = "server"
	bopts.MaxFragmentSize = 1000
	cp := newChannelPairOpts(t, copts, bopts)
	defer cp.Close()
	assert.Equal(t, ChannelInitializing, cp.cli.State())
	assert.False(t, cp.cli.IsServer())
	assert.True(t, cp.sch.IsServer())
	cp.handshake()
	assert.Equal(t, ChannelActive, cp.cli.State())
	assert.Equal(t, ChannelActive, cp.sch.State())
	assert.Equal(t, RIPC14, cp.cli.Version())
	assert.Equal(t, RIPC14, cp.sch.Version())

	ci := cp.cli.Info()
	assert.Equal(t, 1000, ci.MaxFragmentSize)
	assert.Equal(t, 30, ci.PingTimeout)
	assert.Equal(t, "server", ci.ComponentInfo)
	assert.Equal(t, CompressionNone, ci.Compression)
	assert.Equal(t, DefaultFlushOrder, ci.FlushOrder)
	assert.True(t, ci.BytesWritten > 0)
	si := cp.sch.Info()
	assert.Equal(t, "client", si.ComponentInfo)
	assert.Equal(t, 30, si.PingTimeout)
	assert.Equal(t, ci.BytesWritten, si.BytesRead)
	assert.Equal(t, "Active", ChannelActive.String())
	assert.Contains(t, cp.cli.String(), "Active")
}

func Test_Channel_version_fallback(t *testing.T) {
	copts := DefaultConnectOptions("")
	copts.Versions = []ProtocolVersion{RIPC14, RIPC13, RIPC12}
	bopts := DefaultBindOptions("")
	bopts.Versions = []ProtocolVersion{RIPC12, RIPC11}
	cp := newChannelPairOpts(t, copts, bopts)
	defer cp.Close()
	cp.handshake()
	assert.Equal(t, RIPC12, cp.cli.Version())
	assert.Equal(t, RIPC12, cp.sch.Version())

	msg := bytes.Repeat([]byte("legacy"), 2000)
	writeMsg(t, cp.cli, msg, nil)
	flushAll(t, cp.cli)
	assert.Equal(t, msg, readMsg(t, cp.sch))

	_, err := cp.cli.GetBuffer(0x10000, false)
	assert.Equal(t, InvalidArgument, CodeOf(err))
}

func Test_Channel_version_refused(t *testing.T) {
	copts := DefaultConnectOptions("")
	copts.Versions = []ProtocolVersion{RIPC14}
	bopts := DefaultBindOptions("")
	bopts.Versions = []ProtocolVersion{RIPC11}
	cp := newChannelPairOpts(t, copts, bopts)
	defer cp.Close()
	var err error
	for i := 0; i < 5; i++ {
		if err = cp.cli.Init(); err != nil && err != ErrChanInitInProgress {
			break
		}
		cp.sch.Init()
	}
	assert.Equal(t, Failure, CodeOf(err))
	assert.Equal(t, ChannelClosed, cp.cli.State())
	assert.Equal(t, ChannelInitializing, cp.sch.State())
}

func Test_Channel_not_active(t *testing.T) {
	cp := newChannelPair(t)
	defer cp.Close()
	_, err := cp.cli.GetBuffer(10, false)
	assert.Equal(t, Failure, CodeOf(err))
	_, err = cp.cli.Read(nil)
	assert.Equal(t, ErrChanInitInProgress, err)
	_, err = cp.cli.Flush()
	assert.Equal(t, Failure, CodeOf(err))
	_, err = cp.cli.Ping()
	assert.Equal(t, Failure, CodeOf(err))
	n, err := cp.cli.IOCtl(HighWaterMark, 100)
	assert.NoError(t, err)
	assert.Equal(t, 100, n)
}

func testRoundTrip(t *testing.T, ct CompressionType, v ProtocolVersion) {
	copts := DefaultConnectOptions("")
	copts.Compression = []CompressionType{ct}
	copts.Versions = []ProtocolVersion{v}
	bopts := DefaultBindOptions("")
	bopts.Compression = []CompressionType{ct}
	cp := newChannelPairOpts(t, copts, bopts)
	defer cp.Close()
	cp.ss.maxRead = 7
	cp.cs.maxWrite = 1000
	cp.handshake()
	assert.Equal(t, ct, cp.cli.Info().Compression)

	sizes := []int{1, 29, 30, 100, DefaultMaxFragmentSize, DefaultMaxFragmentSize + 1, 3 * DefaultMaxFragmentSize, 60000}
	if v.wideFragments() {
		sizes = append(sizes, 200000)
	}
	for _, size := range sizes {
		msg := make([]byte, size)
		for i := range msg {
			msg[i] = byte(i % 251)
		}
		var args WriteArgs
		writeMsg(t, cp.cli, msg, &args)
		assert.Equal(t, cp.cli.logicalSize(size), args.UncompressedBytesWritten)
		flushAll(t, cp.cli)
		var got []byte
		for i := 0; got == nil && i < 1000000; i++ {
			var rargs ReadArgs
			m, err := cp.sch.Read(&rargs)
			if err == ErrReadWouldBlock {
				continue
			}
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, BufferKnownComplete, rargs.State)
			got = append([]byte{}, m...)
		}
		assert.Equal(t, msg, got, "%v %v size %d", ct, v, size)
	}

	// and back again
	writeMsg(t, cp.sch, []byte("reply with enough text to get compressed"), nil)
	flushAll(t, cp.sch)
	assert.Equal(t, []byte("reply with enough text to get compressed"), readMsg(t, cp.cli))
}

func Test_Channel_roundtrip(t *testing.T) {
	for _, ct := range []CompressionType{CompressionNone, CompressionZlib, CompressionLZ4} {
		for _, v := range []ProtocolVersion{RIPC14, RIPC11} {
			t.Run(fmt.Sprintf("%v_%v", ct, v), func(t *testing.T) {
				testRoundTrip(t, ct, v)
			})
		}
	}
}

func Test_Channel_priority_flush_order(t *testing.T) {
	cp := newChannelPair(t)
	defer cp.Close()
	cp.handshake()
	_, err := cp.cli.IOCtl(HighWaterMark, 1<<20)
	assert.NoError(t, err)
	n, err := cp.cli.IOCtl(PriorityFlushOrder, "HMLHLM")
	assert.NoError(t, err)
	assert.Equal(t, 6, n)
	for i := 1; i <= 3; i++ {
		writeMsg(t, cp.cli, []byte(fmt.Sprintf("H%d", i)), &WriteArgs{Priority: PriorityHigh})
		writeMsg(t, cp.cli, []byte(fmt.Sprintf("M%d", i)), &WriteArgs{Priority: PriorityMedium})
		writeMsg(t, cp.cli, []byte(fmt.Sprintf("L%d", i)), &WriteArgs{Priority: PriorityLow})
	}
	assert.Equal(t, 9, cp.cli.pool.usage())
	flushAll(t, cp.cli)
	assert.Equal(t, 0, cp.cli.pool.usage())
	var got []string
	for i := 0; i < 9; i++ {
		got = append(got, string(readMsg(t, cp.sch)))
	}
	assert.Equal(t, []string{"H1", "M1", "L1", "H2", "L2", "M2", "H3", "M3", "L3"}, got)
}

func Test_Channel_high_water_mark_flushes(t *testing.T) {
	cp := newChannelPair(t)
	defer cp.Close()
	cp.handshake()
	_, err := cp.cli.IOCtl(HighWaterMark, 20)
	assert.NoError(t, err)
	calls := cp.cs.writeCalls()
	b, _ := cp.cli.GetBuffer(10, false)
	b.Write(make([]byte, 10))
	queued, err := cp.cli.Write(b, nil)
	assert.NoError(t, err)
	assert.Equal(t, HeaderSize+10, queued)
	assert.Equal(t, calls, cp.cs.writeCalls())
	b, _ = cp.cli.GetBuffer(10, false)
	b.Write(make([]byte, 10))
	queued, err = cp.cli.Write(b, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, queued)
	assert.Equal(t, calls+1, cp.cs.writeCalls())
}

func Test_Channel_write_partial_flush(t *testing.T) {
	cp := newChannelPair(t)
	defer cp.Close()
	cp.handshake()
	cp.cs.maxWrite = 5
	msg := []byte("0123456789abcdef")
	writeMsg(t, cp.cli, msg, &WriteArgs{Flags: WriteDirectSocketWrite})
	queued, err := cp.cli.Flush()
	assert.NoError(t, err)
	assert.Equal(t, HeaderSize+len(msg)-10, queued)
	flushAll(t, cp.cli)
	assert.Equal(t, msg, readMsg(t, cp.sch))
}

func Test_Channel_packed(t *testing.T) {
	cp := newChannelPair(t)
	defer cp.Close()
	cp.handshake()
	b, err := cp.cli.GetBuffer(100, true)
	assert.NoError(t, err)
	assert.True(t, b.IsPacked())
	b.WriteString("abc")
	room, err := cp.cli.PackBuffer(b)
	assert.NoError(t, err)
	assert.Equal(t, 100-5-2, room)
	b.WriteString("de")
	cp.cli.PackBuffer(b)
	var args WriteArgs
	_, err = cp.cli.Write(b, &args)
	assert.NoError(t, err)
	assert.Equal(t, HeaderSize+2+3+2+2, args.UncompressedBytesWritten)
	flushAll(t, cp.cli)
	assert.Equal(t, []byte("abc"), readMsg(t, cp.sch))
	assert.Equal(t, []byte("de"), readMsg(t, cp.sch))

	_, err = cp.cli.GetBuffer(DefaultMaxFragmentSize+1, true)
	assert.Equal(t, InvalidArgument, CodeOf(err))
	nb, _ := cp.cli.GetBuffer(10, false)
	_, err = cp.cli.PackBuffer(nb)
	assert.Equal(t, InvalidArgument, CodeOf(err))
	assert.NoError(t, cp.cli.ReleaseBuffer(nb))
}

func Test_Channel_ping(t *testing.T) {
	cp := newChannelPair(t)
	defer cp.Close()
	cp.handshake()
	queued, err := cp.cli.Ping()
	assert.NoError(t, err)
	assert.Equal(t, 0, queued)
	var args ReadArgs
	_, err = cp.sch.Read(&args)
	assert.Equal(t, ErrReadPing, err)
	assert.Equal(t, ReadPing, CodeOf(err))
	assert.Equal(t, HeaderSize, args.BytesRead)
	_, err = cp.sch.Read(&args)
	assert.Equal(t, ErrReadWouldBlock, err)
	assert.Equal(t, BufferReadWouldBlock, args.State)

	// with data queued, Ping only flushes
	writeMsg(t, cp.cli, []byte("data"), nil)
	cp.cli.Ping()
	msg, err := cp.sch.Read(nil)
	assert.NoError(t, err)
	assert.Equal(t, []byte("data"), msg)
	assert.True(t, !cp.sch.LastReadTime().IsZero())
}

func Test_Channel_direct_write_bytes(t *testing.T) {
	copts := DefaultConnectOptions("")
	copts.Compression = []CompressionType{CompressionLZ4}
	bopts := DefaultBindOptions("")
	bopts.Compression = []CompressionType{CompressionLZ4}
	cp := newChannelPairOpts(t, copts, bopts)
	defer cp.Close()
	cp.handshake()
	msg := bytes.Repeat([]byte("A"), 500)

	var args WriteArgs
	args.Flags = WriteDirectSocketWrite | WriteDoNotCompress
	writeMsg(t, cp.cli, msg, &args)
	assert.Equal(t, HeaderSize+500, args.BytesWritten)
	assert.Equal(t, HeaderSize+500, args.UncompressedBytesWritten)

	args = WriteArgs{Flags: WriteDirectSocketWrite}
	writeMsg(t, cp.cli, msg, &args)
	assert.True(t, args.BytesWritten < 100, "%d", args.BytesWritten)
	assert.Equal(t, HeaderSize+500, args.UncompressedBytesWritten)

	var rargs ReadArgs
	for i := 0; i < 2; i++ {
		got, err := cp.sch.Read(&rargs)
		assert.NoError(t, err)
		assert.Equal(t, msg, got)
	}
	assert.Equal(t, args.BytesWritten, rargs.BytesRead)
	assert.Equal(t, HeaderSize+500, rargs.UncompressedBytesRead)
}

func Test_Channel_zlib_dictionary_reuse(t *testing.T) {
	copts := DefaultConnectOptions("")
	copts.Compression = []CompressionType{CompressionZlib}
	bopts := DefaultBindOptions("")
	bopts.Compression = []CompressionType{CompressionZlib}
	cp := newChannelPairOpts(t, copts, bopts)
	defer cp.Close()
	cp.handshake()
	msg := []byte(strings.Repeat("ABCDEFGHIJKLMNOP", 5))
	assert.Equal(t, 80, len(msg))
	var sizes []int
	for i := 0; i < 3; i++ {
		args := WriteArgs{Flags: WriteDirectSocketWrite}
		writeMsg(t, cp.cli, msg, &args)
		sizes = append(sizes, args.BytesWritten)
	}
	assert.Less(t, sizes[1], sizes[0])
	assert.Less(t, sizes[2], sizes[0])
	for i := 0; i < 3; i++ {
		assert.Equal(t, msg, readMsg(t, cp.sch))
	}
}

func Test_Channel_compression_threshold(t *testing.T) {
	copts := DefaultConnectOptions("")
	copts.Compression = []CompressionType{CompressionZlib}
	bopts := DefaultBindOptions("")
	bopts.Compression = []CompressionType{CompressionZlib}
	cp := newChannelPairOpts(t, copts, bopts)
	defer cp.Close()
	_, err := cp.cli.IOCtl(CompressionThreshold, 29)
	assert.Equal(t, Failure, CodeOf(err))
	cp.handshake()
	_, err = cp.cli.IOCtl(CompressionThreshold, 29)
	assert.Equal(t, Failure, CodeOf(err))
	n, err := cp.cli.IOCtl(CompressionThreshold, 30)
	assert.NoError(t, err)
	assert.Equal(t, 30, n)

	_, err = cp.cli.IOCtl(CompressionThreshold, 1000)
	assert.NoError(t, err)
	for _, size := range []int{999, 1000} {
		msg := bytes.Repeat([]byte("q"), size)
		args := WriteArgs{Flags: WriteDirectSocketWrite}
		writeMsg(t, cp.cli, msg, &args)
		wire := cp.ss.drainIncoming()
		assert.Equal(t, args.BytesWritten, len(wire))
		compressed := FrameHeader(wire).Flags()&FrameFlagCompressed != 0
		if size < 1000 {
			assert.False(t, compressed, "%d", size)
			assert.Equal(t, HeaderSize+size, args.BytesWritten)
		} else {
			assert.True(t, compressed, "%d", size)
			assert.Less(t, args.BytesWritten, HeaderSize+size)
		}
		cp.ss.inject(wire)
		assert.Equal(t, msg, readMsg(t, cp.sch))
	}
}

func Test_Channel_queued_write_bytes(t *testing.T) {
	cp := newChannelPair(t)
	defer cp.Close()
	cp.handshake()
	var args WriteArgs
	writeMsg(t, cp.cli, []byte("queued"), &args)
	assert.Equal(t, 0, args.BytesWritten)
	assert.Equal(t, HeaderSize+6, args.UncompressedBytesWritten)
	flushAll(t, cp.cli)
	assert.Equal(t, []byte("queued"), readMsg(t, cp.sch))
}

func Test_Channel_write_after_close(t *testing.T) {
	cp := newChannelPair(t)
	defer cp.Close()
	cp.handshake()
	b, err := cp.cli.GetBuffer(4, false)
	assert.NoError(t, err)
	b.Write([]byte("late"))
	cp.cli.wmu.Lock()
	done := make(chan error)
	go func() {
		_, err := cp.cli.Write(b, nil)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cp.cli.closeLocked(nil)
	cp.cli.wmu.Unlock()
	assert.Equal(t, Failure, CodeOf(<-done))
	assert.True(t, cp.cli.wq.isEmpty())
	assert.Equal(t, 0, cp.cli.wq.queued())
}

func Test_Channel_stale_fragments_evicted(t *testing.T) {
	copts := DefaultConnectOptions("")
	copts.PingTimeout = 10
	cp := newChannelPairOpts(t, copts, DefaultBindOptions(""))
	defer cp.Close()
	cp.handshake()
	now := time.Unix(1000, 0)
	cp.sch.rb.frags.now = func() time.Time { return now }

	first := appendFrameHeader(nil, 0, FrameFlagData|FrameFlagExtended)
	first = appendFragmentHeader(first, RIPC14, FragmentHeader{Flag: FragmentFlagHeader, TotalLength: 8, ID: 7})
	first = append(first, "abcd"...)
	FrameHeader(first).SetLength(len(first))
	cp.ss.inject(first)
	_, err := cp.sch.Read(nil)
	assert.Equal(t, ErrReadWouldBlock, err)
	assert.Equal(t, 1, cp.sch.rb.frags.Pending())

	now = now.Add(19 * time.Second)
	_, err = cp.sch.Read(nil)
	assert.Equal(t, ErrReadWouldBlock, err)
	assert.Equal(t, 1, cp.sch.rb.frags.Pending())

	now = now.Add(2 * time.Second)
	_, err = cp.sch.Read(nil)
	assert.Equal(t, ErrReadWouldBlock, err)
	assert.Equal(t, 0, cp.sch.rb.frags.Pending())
	assert.Equal(t, 1, cp.sch.rb.frags.Dropped())

	next := appendFrameHeader(nil, 0, FrameFlagData|FrameFlagExtended)
	next = appendFragmentHeader(next, RIPC14, FragmentHeader{Flag: FragmentFlagContinuation, ID: 7})
	next = append(next, "efgh"...)
	FrameHeader(next).SetLength(len(next))
	cp.ss.inject(next)
	_, err = cp.sch.Read(nil)
	assert.Equal(t, ErrReadWouldBlock, err)
	assert.Equal(t, 2, cp.sch.rb.frags.Dropped())
	assert.Equal(t, ChannelActive, cp.sch.State())
}

func Test_Channel_buffers(t *testing.T) {
	copts := DefaultConnectOptions("")
	copts.GuaranteedOutputBuffers = 2
	copts.MaxOutputBuffers = 3
	cp := newChannelPairOpts(t, copts, DefaultBindOptions(""))
	defer cp.Close()
	cp.handshake()
	var bufs []*TransportBuffer
	for i := 0; i < 3; i++ {
		b, err := cp.cli.GetBuffer(10, false)
		assert.NoError(t, err)
		bufs = append(bufs, b)
	}
	_, err := cp.cli.GetBuffer(10, false)
	assert.Equal(t, NoBuffers, CodeOf(err))
	n, err := cp.cli.BufferUsage()
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.NoError(t, cp.cli.ReleaseBuffer(bufs[0]))
	assert.NoError(t, cp.cli.ReleaseBuffer(bufs[0]))
	n, _ = cp.cli.BufferUsage()
	assert.Equal(t, 2, n)

	bufs[1].WriteString("hi")
	_, err = cp.cli.Write(bufs[1], nil)
	assert.NoError(t, err)
	assert.NoError(t, cp.cli.ReleaseBuffer(bufs[1]))
	_, err = cp.cli.Write(bufs[1], nil)
	assert.Equal(t, InvalidArgument, CodeOf(err))
	flushAll(t, cp.cli)
	n, _ = cp.cli.BufferUsage()
	assert.Equal(t, 1, n)

	_, err = cp.sch.Write(bufs[2], nil)
	assert.Equal(t, InvalidArgument, CodeOf(err))
	assert.Equal(t, InvalidArgument, CodeOf(cp.sch.ReleaseBuffer(bufs[2])))
	assert.NoError(t, cp.cli.ReleaseBuffer(bufs[2]))
	assert.Equal(t, InvalidArgument, CodeOf(cp.cli.ReleaseBuffer(nil)))
	_, err = cp.cli.Write(nil, nil)
	assert.Equal(t, InvalidArgument, CodeOf(err))
}

func Test_Channel_ioctl(t *testing.T) {
	cp := newChannelPair(t)
	defer cp.Close()
	cp.handshake()

	n, err := cp.cli.IOCtl(NumGuaranteedBuffers, 10)
	assert.NoError(t, err)
	assert.Equal(t, 10, n)
	n, err = cp.cli.IOCtl(MaxNumBuffers, 5)
	assert.NoError(t, err)
	assert.Equal(t, 10, n)
	n, err = cp.cli.IOCtl(MaxNumBuffers, int64(20))
	assert.NoError(t, err)
	assert.Equal(t, 20, n)
	ci := cp.cli.Info()
	assert.Equal(t, 10, ci.GuaranteedOutputBuffers)
	assert.Equal(t, 20, ci.MaxOutputBuffers)
	_, err = cp.cli.IOCtl(NumGuaranteedBuffers, -1)
	assert.Equal(t, Failure, CodeOf(err))
	_, err = cp.cli.IOCtl(MaxNumBuffers, "many")
	assert.Equal(t, Failure, CodeOf(err))

	_, err = cp.cli.IOCtl(PriorityFlushOrder, "HMX")
	assert.Equal(t, Failure, CodeOf(err))
	_, err = cp.cli.IOCtl(PriorityFlushOrder, 1)
	assert.Equal(t, Failure, CodeOf(err))
	assert.Equal(t, DefaultFlushOrder, cp.cli.Info().FlushOrder)

	n, err = cp.cli.IOCtl(ComponentInfo, "me")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = cp.cli.IOCtl(ComponentInfo, strings.Repeat("x", MaxComponentInfoLength+1))
	assert.Equal(t, Failure, CodeOf(err))

	_, err = cp.cli.IOCtl(HighWaterMark, -1)
	assert.Equal(t, Failure, CodeOf(err))
	_, err = cp.cli.IOCtl(SystemReadBuffers, 65536)
	assert.Equal(t, Failure, CodeOf(err))
	_, err = cp.cli.IOCtl(SystemWriteBuffers, 0)
	assert.Equal(t, Failure, CodeOf(err))

	_, err = cp.cli.IOCtl(ServerNumPoolBuffers, 10)
	assert.Equal(t, Failure, CodeOf(err))
	n, err = cp.sch.IOCtl(ServerNumPoolBuffers, 10)
	assert.NoError(t, err)
	assert.Equal(t, 10, n)
	_, err = cp.sch.IOCtl(ServerPeakBufReset, nil)
	assert.NoError(t, err)

	_, err = cp.cli.IOCtl(IOCtlCode(99), 1)
	assert.Equal(t, Failure, CodeOf(err))
	assert.Contains(t, err.Error(), "Code is not valid")
	assert.Equal(t, "IOCtlCode(99)", IOCtlCode(99).String())
	assert.Equal(t, "HIGH_WATER_MARK", HighWaterMark.String())
}

func Test_Channel_closed(t *testing.T) {
	cp := newChannelPair(t)
	defer cp.Close()
	cp.handshake()
	b, err := cp.cli.GetBuffer(10, false)
	assert.NoError(t, err)
	writeMsg(t, cp.cli, []byte("queued"), nil)
	assert.NoError(t, cp.cli.Close())
	assert.NoError(t, cp.cli.Close())
	assert.Equal(t, ChannelClosed, cp.cli.State())
	assert.Equal(t, 0, cp.cli.wq.queued())

	_, err = cp.cli.Read(nil)
	assert.Equal(t, Failure, CodeOf(err))
	_, err = cp.cli.Write(b, nil)
	assert.Equal(t, Failure, CodeOf(err))
	_, err = cp.cli.GetBuffer(10, false)
	assert.Equal(t, Failure, CodeOf(err))
	_, err = cp.cli.Flush()
	assert.Equal(t, Failure, CodeOf(err))
	_, err = cp.cli.IOCtl(HighWaterMark, 1)
	assert.Equal(t, Failure, CodeOf(err))
	assert.Equal(t, Failure, CodeOf(cp.cli.Init()))
	assert.NoError(t, cp.cli.ReleaseBuffer(b))

	// queued bytes are discarded, the peer sees end of stream
	var args ReadArgs
	_, err = cp.sch.Read(&args)
	assert.Equal(t, Failure, CodeOf(err))
	assert.Equal(t, BufferEndOfStream, args.State)
	assert.Equal(t, ChannelClosed, cp.sch.State())
	assert.Equal(t, 0, cp.srv.ActiveChannels())
}

func Test_Channel_protocol_error_closes(t *testing.T) {
	cp := newChannelPair(t)
	defer cp.Close()
	cp.handshake()
	cp.cs.inject([]byte{0, 4, 0x30, 'x'})
	var args ReadArgs
	_, err := cp.cli.Read(&args)
	assert.True(t, IsProtocolError(err))
	assert.Equal(t, BufferReadError, args.State)
	assert.Equal(t, ChannelClosed, cp.cli.State())
}

func Test_Channel_control_frame_when_active(t *testing.T) {
	cp := newChannelPair(t)
	defer cp.Close()
	cp.handshake()
	cp.ss.inject((&connectReq{Version: RIPC14}).encode())
	_, err := cp.sch.Read(nil)
	assert.True(t, IsProtocolError(err))
	assert.Equal(t, ChannelClosed, cp.sch.State())
}

func Test_Channel_stats(t *testing.T) {
	cp := newChannelPair(t)
	defer cp.Close()
	cp.handshake()
	writeMsg(t, cp.cli, []byte("stats"), &WriteArgs{Flags: WriteDirectSocketWrite})
	readMsg(t, cp.sch)
	ci, si := cp.cli.Info(), cp.sch.Info()
	assert.Equal(t, ci.BytesWritten, si.BytesRead)
	assert.Equal(t, si.BytesRead, cp.srv.BytesRead())
	assert.Equal(t, si.BytesWritten, cp.srv.BytesWritten())
	assert.Equal(t, int64(HeaderSize+5), si.UncompressedBytesRead)
	assert.Equal(t, int64(HeaderSize+5), ci.UncompressedBytesWritten)
	cp.sch.NetLog(true)
	assert.True(t, cp.sch.isNetLog())
}
