// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package ripc

// sanity check the configuration
func init() {
	if MinMaxFragmentSize < HeaderSize+7 {
		panic("MinMaxFragmentSize < HeaderSize+7")
	}
	if MaxMaxFragmentSize+HeaderSize > MaxFrameSize {
		panic("MaxMaxFragmentSize+HeaderSize > MaxFrameSize")
	}
	if DefaultMaxFragmentSize < MinMaxFragmentSize {
		panic("DefaultMaxFragmentSize < MinMaxFragmentSize")
	}
	if DefaultMaxFragmentSize > MaxMaxFragmentSize {
		panic("DefaultMaxFragmentSize > MaxMaxFragmentSize")
	}
	if DefaultMaxOutputBuffers < DefaultGuaranteedOutputBuffers {
		panic("DefaultMaxOutputBuffers < DefaultGuaranteedOutputBuffers")
	}
	if DefaultCompressionThreshold < MinCompressionThreshold {
		panic("DefaultCompressionThreshold < MinCompressionThreshold")
	}
	if _, err := parseFlushOrder(DefaultFlushOrder); err != nil {
		panic(err)
	}
	if MaxComponentInfoLength > 0xff {
		panic("MaxComponentInfoLength > 0xff")
	}
	if MaxFragmentedLength > 1<<30 {
		panic("MaxFragmentedLength > 1<<30")
	}
}
