// Package trainer provides high-level training orchestration: the
// resource-aware step executor with gradient accumulation and out-of-memory
// recovery, the evaluation pass, and the epoch loop driving the pipeline,
// the scheduler and the checkpoint state machine.
package trainer
