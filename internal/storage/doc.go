// Package storage is the persistence layer of the pipeline.
//
// It owns two durable entity families, both partitioned by scope:
//   - Items: ingested feed entries (idempotent insert keyed on scope+guid)
//   - Scope configs: ruleset + feed source blobs, mutated atomically
//
// Successful config mutations are published as change events so the poller
// can restart the affected scope.
package storage
