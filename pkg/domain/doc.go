// Package domain defines the core types shared by the pipeline engine: tokens,
// work items, terminal results, node kinds and the error taxonomy.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no database, tracing, plugin discovery)
// - Testable in isolation without mocks
// - Stable and unlikely to change frequently
//
// The dependency direction is always:
//
//	engine, graph, audit → domain (CORRECT)
//	domain → engine, graph, audit (FORBIDDEN)
package domain
