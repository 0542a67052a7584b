// Package queue implements durable, named job queues on redis with
// typed payloads, exponential-backoff retries, bounded retention of
// settled jobs, and a worker that dispatches each queue to its
// registered processor.
//
// Job payloads form a closed union, one variant per queue, so worker
// dispatch is exhaustive and a malformed payload fails a job
// permanently instead of burning retries.
//
// Layout per queue (all keys prefixed queue:<name>):
//
//	waiting    list of job ids ready to run
//	active     list of job ids being processed
//	delayed    zset of job ids scored by ready-time (delays and retries)
//	heartbeat  zset of job ids scored by last-seen time (stalled detection)
//	completed  list of settled job ids, trimmed to the retention cap
//	failed     list of exhausted job ids, trimmed to the retention cap
//	job:<id>   the job envelope, JSON
package queue
