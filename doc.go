// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package ripc implements the RIPC transport, the length-prefixed framing layer
that carries opaque market data messages between a client and a server.

Every frame starts with a three byte header: the big endian length of the
whole frame followed by a flags byte. A frame may carry a single message, a
sequence of packed messages, or one fragment of a message larger than the
negotiated max fragment size. Payloads may be compressed with zlib, whose
stream spans the life of the connection, or with LZ4, which compresses each
frame independently. A frame without flags or body is a ping.

A Transport owns the buffer pools shared between channels. Init it once,
then use Connect to create client channels or Bind to create a Server that
accepts them. A Channel starts out Initializing, and becomes Active once the
connection handshake has agreed on protocol version, max fragment size,
compression and ping timeout.

Outbound buffers are obtained from GetBuffer and handed to Write with one of
three priorities. Queued buffers are sent in the order given by the channel's
flush order, such as "HMHLHM", using vectored writes. Read returns one
complete message per call, reassembling fragments and unpacking packed
frames, whatever way the bytes were split by the network.
*/
package ripc
