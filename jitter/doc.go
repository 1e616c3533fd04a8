// Package jitter implements the adaptive de-jitter buffer that sits
// between the RTP receive thread and the RX-direction SPSC ring: it
// reorders depacketized packets by RTP timestamp and releases them to
// the playout loop once their PTP-timed deadline has been reached.
//
// Insert and GetNextPacket are called from different goroutines (the
// RTP receive thread and the playout thread respectively); Buffer
// serializes them behind a single mutex since both are well off any
// hot per-sample path (the hot path is the SPSC ring itself).
package jitter
