// Package taotie aggregates noisy content streams into deduplicated,
// batched, LLM-summarized digests.
//
// # Pipeline
//
// Events flow through fixed stages:
//
//	source adapters -> ingress gate -> per-kind queues -> batchers -> dispatcher -> summarizer -> storage
//
// Source adapters produce normalized Events with a stable content
// fingerprint: the trending-repositories scraper and the arXiv author poll
// are pull-style, websocket feeds are push-style, and the operator HTTP
// endpoint submits single URLs synchronously. The ingress gate admits each
// fingerprint at most once per TTL window via an atomic check-and-set index
// (in-process, or a NATS JetStream KV bucket when shared dedup across
// replicas is needed). Accepted events queue per source kind; one batcher
// per queue seals batches under count or age pressure. The dispatcher runs
// a bounded worker pool over closed batches, retries transient consumer
// failures with backoff on a separate retry lane, dead-letters permanent
// failures, and persists summaries idempotently keyed by the batch's
// fingerprints.
//
// # Layout
//
//   - event, fingerprint, queue: data model and the two shared-state
//     capabilities with their atomicity contracts
//   - ingest, batch, dispatch: the pipeline stages
//   - source, consumer, storage: capability interfaces and their adapters
//   - service, cmd/taotie: wiring, operator HTTP surface, entry point
//   - errors, pkg/retry, metric, config, natsclient: ambient infrastructure
package taotie
