// Package integration holds cross-package tests that run the real pool
// stack: SQLite storage, the persistent pub/sub broker over the in-memory
// event bus, registry, queue, recovery, coordinator, and workers with a
// scripted session runner. Nothing here is imported by production code.
package integration
