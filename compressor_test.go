package ripc

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
)

func testPayloads() [][]byte {
	rnd := rand.New(rand.NewSource(1))
	random := make([]byte, 5000)
	rnd.Read(random)
	return [][]byte{
		[]byte("x"),
		bytes.Repeat([]byte("a"), MinCompressionThreshold-1),
		bytes.Repeat([]byte("b"), MinCompressionThreshold),
		bytes.Repeat([]byte("market data "), 100),
		random,
		bytes.Repeat([]byte("market data "), 100),
	}
}

func Test_Compressor_roundtrip(t *testing.T) {
	for _, ct := range []CompressionType{CompressionZlib, CompressionLZ4} {
		enc, err := NewCompressor(ct, DefaultCompressionLevel)
		assert.NoError(t, err)
		dec, err := NewCompressor(ct, DefaultCompressionLevel)
		assert.NoError(t, err)
		assert.Equal(t, ct, enc.Type())
		for i, p := range testPayloads() {
			z, err := enc.Compress([]byte{0xaa}, p)
			assert.NoError(t, err)
			assert.Equal(t, byte(0xaa), z[0])
			out, err := dec.Decompress([]byte{0xbb}, z[1:], MaxFrameSize)
			assert.NoError(t, err)
			assert.Equal(t, byte(0xbb), out[0])
			assert.Equal(t, p, out[1:], "%v %d", ct, i)
		}
	}
}

func Test_Compressor_zlib_history_shrinks_output(t *testing.T) {
	enc, err := NewCompressor(CompressionZlib, 1)
	assert.NoError(t, err)
	p := bytes.Repeat([]byte("0123456789"), 8)
	var sizes []int
	var stream []byte
	for i := 0; i < 3; i++ {
		z, err := enc.Compress(nil, p)
		assert.NoError(t, err)
		sizes = append(sizes, len(z))
		stream = append(stream, z...)
	}
	assert.Less(t, sizes[1], sizes[0])
	assert.Less(t, sizes[2], sizes[0])

	// the frames concatenated are a valid zlib stream
	r, err := zlib.NewReader(bytes.NewReader(stream))
	assert.NoError(t, err)
	out := make([]byte, 3*len(p))
	_, err = io.ReadFull(r, out)
	assert.NoError(t, err)
	assert.Equal(t, bytes.Repeat(p, 3), out)
}

func Test_Compressor_zlib_bad_header(t *testing.T) {
	dec, _ := NewCompressor(CompressionZlib, 6)
	_, err := dec.Decompress(nil, []byte{0x12, 0x34, 0x00}, MaxFrameSize)
	assert.True(t, IsProtocolError(err))
	_, err = dec.Decompress(nil, []byte{0x78}, MaxFrameSize)
	assert.True(t, IsProtocolError(err))
}

func Test_Compressor_limit(t *testing.T) {
	p := bytes.Repeat([]byte("z"), 1000)
	for _, ct := range []CompressionType{CompressionZlib, CompressionLZ4} {
		enc, _ := NewCompressor(ct, 6)
		dec, _ := NewCompressor(ct, 6)
		z, err := enc.Compress(nil, p)
		assert.NoError(t, err)
		_, err = dec.Decompress(nil, z, 999)
		assert.True(t, IsProtocolError(err), "%v", ct)
	}
}

func Test_Compressor_lz4_corrupt(t *testing.T) {
	dec, _ := NewCompressor(CompressionLZ4, 0)
	_, err := dec.Decompress(nil, []byte{0, 0}, MaxFrameSize)
	assert.True(t, IsProtocolError(err))
	_, err = dec.Decompress(nil, []byte{0, 0, 0, 10, 0xf0}, MaxFrameSize)
	assert.True(t, IsProtocolError(err))
}

func Test_Compressor_types(t *testing.T) {
	c, err := NewCompressor(CompressionNone, 0)
	assert.NoError(t, err)
	assert.Nil(t, c)
	_, err = NewCompressor(CompressionType(7), 0)
	assert.Equal(t, InvalidArgument, CodeOf(err))

	for _, s := range []string{"zlib", " LZ4 ", "none", ""} {
		_, err := ParseCompressionType(s)
		assert.NoError(t, err, s)
	}
	ct, _ := ParseCompressionType("Zlib")
	assert.Equal(t, CompressionZlib, ct)
	_, err = ParseCompressionType("snappy")
	assert.Equal(t, InvalidArgument, CodeOf(err))

	assert.Equal(t, "lz4", CompressionLZ4.String())
	assert.Equal(t, "CompressionType(9)", CompressionType(9).String())
	assert.Equal(t, byte(0x06), compressionBitmap([]CompressionType{CompressionNone, CompressionZlib, CompressionLZ4}))
	assert.Equal(t, 0, CompressionNone.minThreshold())
	assert.Equal(t, MinCompressionThreshold, CompressionLZ4.minThreshold())
}
