// Package engine is the orchestrator: it owns the PTP clock, the SAP
// announcer/discoverer, and eight TX plus eight RX audio streams, each
// with its own socket, RTP codec, SPSC ring, and (on RX) a jitter
// buffer and playout goroutine. It wires PTP status and per-stream xrun
// events up to caller-supplied callbacks and exposes the engine facade
// consumed by the host audio plug-in and the CLI tools.
//
// Start creates every socket and goroutine; any failure rolls back what
// was already brought up before returning the error, so a failed Start
// leaves the engine in the same state as before it was called. Stop is
// idempotent and never fails, per the engine's error-handling design.
package engine
