// Package retry provides simple exponential backoff retry logic for transient failures.
//
// # Overview
//
// This package offers a minimal retry mechanism with exponential backoff, used by
// the dispatcher for Consumer/Storage capability calls and by the NATS client for
// connection and bucket setup.
//
// # Core Functions
//
//   - Do: Execute function with retry and exponential backoff
//   - DoWithAttempt: Like Do, but the function receives the 1-based attempt number
//   - DoWithResult: Execute function with retry, returns both result and error
//
// # Usage
//
// Basic retry with defaults:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Connect()
//	})
//
// Attempt-aware retry (the dispatcher records one Attempt per try):
//
//	err := retry.DoWithAttempt(ctx, cfg, func(attempt int) error {
//	    return d.dispatchOnce(ctx, batch, attempt)
//	})
//
// Mark an error non-retryable to fail fast:
//
//	return retry.NonRetryable(err)
//
// # Design Philosophy
//
// This package is intentionally minimal: no circuit breakers, no metrics
// collection, no error classification. The caller decides what to retry;
// this package only sequences attempts and sleeps between them.
//
// All operations respect context cancellation, both during the operation and
// during the backoff delay.
package retry
