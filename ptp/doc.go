// Package ptp implements an IEEE 1588-2008 (PTPv2) ordinary clock for the
// AES67 engine: a slave role that disciplines a host-time<->PTP affine
// mapping from Sync/Follow_Up messages via a PI servo, and an optional
// master role that emits Announce/Sync and answers Delay_Req.
//
// The affine mapping (ptp = anchorPTP + slope*(host-anchorHost)) is
// published as an immutable snapshot behind an atomic.Pointer, per the
// engine's concurrency design: the servo goroutine is the sole writer,
// and HostToPTP/PTPToHost read the snapshot pointer without locking.
// NowPTP (called from the RX and playout goroutines) also takes the
// clock's mutex to read the lock state before mapping the host time.
//
// Deterministic testing follows the same injectable-time-source pattern
// used elsewhere in the module: Clock accepts a TimeProvider so servo and
// lock-threshold behavior can be driven by synthetic Sync events instead
// of wall-clock sleeps.
package ptp
