// Package telemetry wires OpenTelemetry tracing and metrics and the Prometheus
// run metrics for the pipeline engine.
//
// Spans and OTel instruments describe individual step executions; the
// Prometheus collectors summarise whole runs (tokens by outcome, rows, row
// latency) and are exposed over HTTP by the CLI.
package telemetry
