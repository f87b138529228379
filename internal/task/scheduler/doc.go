// Package scheduler runs a fixed list of named jobs, each on its own
// interval, from a single poll loop.
//
// # Polling
//
// Every poll interval (10s unless configured) the loop walks the jobs in
// registration order. A job is due when it is not currently running and
// either has never run or at least its interval has elapsed since its last
// completion. Due jobs are handed to a Spawner and the loop moves on; it never
// waits for a job to finish.
//
// # Overlap and failures
//
// Each job carries a running flag, so at most one invocation of a job is in
// flight at a time. A failed run is logged and the job becomes due again after
// its normal interval. There is no backoff and no retry limit. A panic inside
// a job, or while the loop dispatches it, is recovered and never stops the
// evaluation of the remaining jobs.
//
// # Intervals
//
// Intervals below one second are rejected at registration with a warning;
// the rest of the jobs still start. ParseEvery accepts the interval
// spellings used in configuration ("90s", "00:05", "@every 1m").
//
// # Lifecycle
//
// Start runs the loop in the background, Run blocks. Stop clears the loop,
// cancels the context handed to in-flight jobs and waits for them.
package scheduler
