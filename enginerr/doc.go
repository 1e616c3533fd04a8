// Package enginerr defines the shared error taxonomy used across the AES67
// network engine: invalid wire formats, invalid operations, resource
// failures, and the two conditions (PTP unlock, xrun) that are surfaced as
// status callbacks rather than hard errors.
//
// Components wrap a sentinel with *EngineError to attach the operation and
// any address/index context, following the same Op/Err wrapping shape the
// rest of the module uses for contextual errors.
package enginerr
