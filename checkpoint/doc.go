// Package checkpoint owns the training run's progress counters and the
// save/retention/resume protocol. Saves are triggered by elapsed time or
// step deltas, published atomically (temp file then rename) and pruned to a
// bounded set of recent and best-scoring snapshots.
//
// Resumption is epoch-granular: a snapshot records the epoch, step and
// step-within-epoch counters but no mid-stream cursor, so a resumed run
// restarts the interrupted epoch from the head of the streams. This matches
// the original system, which restores only counters.
package checkpoint
