// Package rtp implements the RTP L24 packetizer and depacketizer used for
// AES67 audio transport: RFC 3550 headers via github.com/pion/rtp, RFC 3190
// big-endian 24-bit PCM payload.
//
// A Packetizer owns a monotonic sequence number and RTP timestamp for one
// outbound stream; a Depacketizer tracks the last-seen sequence number for
// one inbound stream and reports packet loss from sequence gaps. Both are
// pure functions over byte buffers plus a small amount of sequencing
// state: no sockets, no goroutines, no I/O. The engine's per-stream
// receive/transmit goroutines own the sockets and call into this package.
//
// Samples cross this package as signed 32-bit containers with a 24-bit
// value left-justified in the high bits (the low 8 bits are the part that
// round-trips as zero); see the ring package for how those containers move
// between real-time callers and the engine.
package rtp
