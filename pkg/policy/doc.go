// Package policy decides what happens to a token whose transform failed for
// good: quarantine it into a sink for review, or fail it outright.
//
// Decisions come from Rego modules evaluated by an embedded Open Policy Agent
// engine. The package has no knowledge of the processor; it implements the
// runtime.ErrorPolicy interface and is wired in by the pipeline builder.
package policy
