// Package data implements the batching pipeline: aligned text-line streams
// with bounded read-ahead, eager index encoding on worker goroutines, length
// filtering, approximate shuffling through a bounded window, and padding
// efficient batch formation through a sorted cache. Every stage communicates
// over bounded channels so a slow consumer backpressures the readers.
package data
