// Package errors provides standardized error handling for the taotie pipeline.
// It includes error classification, standard error variables, and helper
// functions for consistent error wrapping across pipeline stages.
//
// # Error Classes
//
// Every error that crosses a stage boundary is classified as one of:
//
//   - Transient: temporary failures worth retrying (store unavailable,
//     rate limits, timeouts). The dispatcher retries these with backoff.
//   - Invalid: the input itself is bad (malformed payload, rejected content).
//     Never retried; batches failing this way are dead-lettered.
//   - Fatal: unrecoverable conditions (bad configuration). Stops startup.
//
// # Pipeline Outcomes
//
// Duplicate content is not an error in this system. ErrDuplicateContent exists
// so the synchronous submission path can report it as a distinct outcome, but
// background adapters treat a duplicate as a silent, expected drop.
//
// ErrQueueFull is a backpressure signal, not a failure: the adapter that
// receives it decides whether to drop, block, or shed.
package errors
