// Package syncer pushes locally computed state to many external
// contacts in bounded batches. Targets are partitioned into chunks;
// chunks run strictly in sequence while the members of a chunk update
// in parallel, which caps concurrent connections against the external
// API's rate limits. A content-hashed snapshot store makes the storage
// step preceding a sync idempotent on unchanged input.
package syncer
