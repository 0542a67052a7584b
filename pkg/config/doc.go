// Package config loads hookrelay configuration from environment variables.
//
// Every setting has a sensible default; the only truly optional dependency
// is the distributed cache (HOOKRELAY_CACHE_REDIS_URL); its absence puts
// the cache layer into memory-only mode. The queue backend
// (HOOKRELAY_QUEUE_REDIS_URL) is a hard dependency of the worker binary
// only.
package config
