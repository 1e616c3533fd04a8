// Package ring implements a fixed-capacity, power-of-two, lock-free
// single-producer/single-consumer queue of audio frames.
//
// Exactly one writer and one reader are permitted at a time. Head/tail are
// monotonic counters masked at read/write, and one slot is always kept
// empty so a full ring is distinguishable from an empty one. Hot-path
// operations (Write, Read, Peek, Skip, WriteSilence) allocate nothing and
// never block: a short write/read is not an error, it is the normal signal
// for overflow/underflow.
//
// Published indices use release semantics on the writing side and acquire
// semantics on the reading side, via atomic.Uint64 load/store (Go's
// happens-before guarantees on sync/atomic operations give the same
// ordering release/acquire fences would on a lower-level runtime).
package ring
