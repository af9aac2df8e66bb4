// Package governance holds the runtime safety controls wrapped around
// transform execution: retry with exponential backoff, per-node circuit
// breaking and per-node rate limiting.
//
// None of these primitives record audit data themselves. Callers receive the
// 0-indexed attempt number through callbacks and attach it to their own
// records.
package governance
