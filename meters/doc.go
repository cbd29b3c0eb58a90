// Package meters provides small stateful counters updated by the training
// step executor: running averages with min/max tracking, throughput
// measurement and accumulated stopwatches. Meters are monotonic until
// explicitly Reset.
package meters
