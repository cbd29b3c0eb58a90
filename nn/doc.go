// Package nn declares the narrow contracts this core consumes: the model,
// the training criterion, the optimizer and its learning-rate scheduler.
// Their internals (architecture, loss formula, parameter math) stay outside
// the training core; the executor only orchestrates them.
package nn
