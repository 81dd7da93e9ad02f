// Package executor owns the execution collaborator boundary.
//
// Ownership boundary:
// - plan compilation contract and declared-variable metadata
// - execution contract and tagged result shapes
// - lazy result sources consumed by subscription delivery
//
// The package defines contracts only; a real GraphQL engine is supplied by
// the embedding process. executor/fake provides a scripted implementation
// for tests and demo wiring.
package executor
