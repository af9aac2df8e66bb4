// Package audit records the lineage of a pipeline run: which nodes and edges
// existed, which tokens were created from which parents, every node state
// (one per attempt), every retry and routing decision, and the terminal
// outcome of every token.
//
// The engine depends only on the Recorder interface. MemoryRecorder keeps the
// trail in process for tests and short runs; SQLiteRecorder persists it.
package audit
