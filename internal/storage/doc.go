// Package storage holds the three shared collaborators of a fleet:
// a message Queue, a table-scoped KeyValue store and a Blob store.
//
// Drivers:
//   - memory: process-local, shared by every caller holding the same value
//   - sqlite: one database file, usable by several processes on a host
//   - file:   journal + snapshot KeyValue, directory Blob store
//   - leveldb: KeyValue
//   - minio:  S3-compatible Blob store
package storage
