// Package engine drives tokens through a compiled pipeline.
//
// Architecture:
//
// builder.go   - Build: validates a PipelineSpec, lays out the execution graph and compiles steps
// step.go      - The closed Step variant (gate, transform, aggregation, coalesce)
// queue.go     - Per-row FIFO work queue
// processor.go - RowProcessor: the work-queue loop, retry/breaker/limiter around transforms,
//                fork and coalesce handling, audit and telemetry for every transition
//
// Every token created for a row reaches exactly one terminal outcome before
// ProcessRow returns, unless the row is aborted by an audit failure, context
// cancellation or the iteration ceiling.
package engine
