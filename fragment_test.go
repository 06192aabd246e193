package ripc

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_FragmentAssembler_two_chunks(t *testing.T) {
	fa := NewFragmentAssembler()
	assert.Nil(t, fa.First(1, 10, []byte("hello")))
	assert.Equal(t, 1, fa.Pending())
	msg := fa.Next(1, []byte("world"))
	assert.Equal(t, []byte("helloworld"), msg)
	assert.Equal(t, 0, fa.Pending())
	assert.Equal(t, 0, fa.Dropped())
}

func Test_FragmentAssembler_single_chunk(t *testing.T) {
	fa := NewFragmentAssembler()
	assert.Equal(t, []byte("abc"), fa.First(7, 3, []byte("abc")))
	assert.Equal(t, 0, fa.Pending())
}

func Test_FragmentAssembler_interleaved(t *testing.T) {
	fa := NewFragmentAssembler()
	assert.Nil(t, fa.First(1, 4, []byte("ab")))
	assert.Nil(t, fa.First(2, 4, []byte("wx")))
	assert.Equal(t, 2, fa.Pending())
	assert.Equal(t, []byte("wxyz"), fa.Next(2, []byte("yz")))
	assert.Equal(t, []byte("abcd"), fa.Next(1, []byte("cd")))
	assert.Equal(t, 0, fa.Pending())
}

func Test_FragmentAssembler_duplicate_first_restarts(t *testing.T) {
	fa := NewFragmentAssembler()
	assert.Nil(t, fa.First(3, 6, []byte("xxx")))
	assert.Nil(t, fa.First(3, 6, []byte("abc")))
	assert.Equal(t, 1, fa.Pending())
	assert.Equal(t, []byte("abcdef"), fa.Next(3, []byte("def")))
	assert.Equal(t, []byte("12"), fa.First(4, 2, []byte("12")))
}

func Test_FragmentAssembler_stale_continuation(t *testing.T) {
	fa := NewFragmentAssembler()
	assert.Nil(t, fa.Next(9, []byte("zzz")))
	assert.Equal(t, 1, fa.Dropped())
	assert.Equal(t, 0, fa.Pending())
}

func Test_FragmentAssembler_overflow_ignored(t *testing.T) {
	fa := NewFragmentAssembler()
	assert.Nil(t, fa.First(1, 5, []byte("abc")))
	msg := fa.Next(1, []byte("defghij"))
	assert.Equal(t, []byte("abcde"), msg)
	assert.Equal(t, 5, len(msg))
}

func Test_FragmentAssembler_invalid_total(t *testing.T) {
	fa := NewFragmentAssembler()
	assert.Nil(t, fa.First(1, 4, []byte("ab")))
	assert.Nil(t, fa.First(1, 0, []byte("cd")))
	assert.Equal(t, 0, fa.Pending())
	assert.Nil(t, fa.Next(1, []byte("cd")))
	assert.Nil(t, fa.First(2, MaxFragmentedLength+1, []byte("ab")))
	assert.Equal(t, 0, fa.Pending())
	assert.Equal(t, 3, fa.Dropped())
}

func Test_FragmentAssembler_evict(t *testing.T) {
	fa := NewFragmentAssembler()
	now := time.Unix(1000, 0)
	fa.now = func() time.Time { return now }
	fa.First(1, 4, []byte("ab"))
	now = now.Add(time.Minute)
	fa.First(2, 4, []byte("ab"))
	assert.Equal(t, 1, fa.Evict(now.Add(-time.Second)))
	assert.Equal(t, 1, fa.Pending())
	assert.Equal(t, 1, fa.Dropped())
	fa.Reset()
	assert.Equal(t, 0, fa.Pending())
	assert.Contains(t, fa.String(), "pending=0")
}

func Test_FragmentAssembler_large(t *testing.T) {
	fa := NewFragmentAssembler()
	want := bytes.Repeat([]byte("0123456789"), 10000)
	var got []byte
	for off := 0; off < len(want); off += 999 {
		end := off + 999
		if end > len(want) {
			end = len(want)
		}
		if off == 0 {
			got = fa.First(0xffff, len(want), want[off:end])
		} else {
			got = fa.Next(0xffff, want[off:end])
		}
	}
	assert.Equal(t, want, got)
}
