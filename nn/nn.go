package nn

import (
	"github.com/pkg/errors"

	"github.com/hushukai/abdnmt/data"
)

// ErrOutOfMemory marks a transient resource-exhaustion failure during
// forward or backward computation. The executor recovers from it by
// skipping the micro-batch; any other failure is fatal.
var ErrOutOfMemory = errors.New("out of memory")

// ErrOverflow marks a numeric overflow during the optimizer update. The
// executor zeroes gradients and continues.
var ErrOverflow = errors.New("numeric overflow")

// IsOutOfMemory reports whether err is a resource-exhaustion condition.
func IsOutOfMemory(err error) bool {
	return errors.Cause(err) == ErrOutOfMemory
}

// IsOverflow reports whether err is a numeric overflow.
func IsOverflow(err error) bool {
	return errors.Cause(err) == ErrOverflow
}

// Parameter is one named tensor with its gradient buffer. The executor
// rescales and clips Grad in place; only the optimizer mutates Value.
type Parameter struct {
	Name  string
	Value []float64
	Grad  []float64
}

// LogOutput carries criterion-defined scalars for one micro-batch or, after
// aggregation, one accumulation window.
type LogOutput map[string]float64

// Loss is the forward result still attached to its computation graph.
type Loss interface {
	Value() float64
	// Backward accumulates gradients into the model's parameters.
	Backward() error
}

// Model is the opaque sequence-to-sequence network.
type Model interface {
	Parameters() []*Parameter
	Train()
	Eval()
	// Translate decodes hypotheses for a padded source batch. Used only by
	// the evaluation path.
	Translate(src [][]int32, srcLens []int, beamSize int) ([][]string, error)
	StateDict() ([]byte, error)
	LoadStateDict([]byte) error
}

// Seeder is optionally implemented by models whose stochastic parts
// (dropout and friends) must be re-seeded per step for reproducible
// resumes.
type Seeder interface {
	Seed(int64)
}

// Criterion computes the training loss for one batch.
type Criterion interface {
	// Compute returns the loss, the sample size (the criterion's metric for
	// gradient normalization) and the micro-batch logging output.
	Compute(m Model, b *data.Batch) (Loss, int, LogOutput, error)
	// AggregateLoggingOutputs reduces per-micro-batch outputs into one.
	AggregateLoggingOutputs(logs []LogOutput) LogOutput
	// GradDenom derives the gradient rescaling denominator from the
	// buffered sample sizes.
	GradDenom(sampleSizes []int) float64
}

// Optimizer applies parameter updates.
type Optimizer interface {
	// Step may return ErrOverflow, which the executor treats as a failed
	// but non-fatal update.
	Step() error
	ZeroGrad()
	LearningRate() float64
	SetLearningRate(lr float64)
	StateDict() ([]byte, error)
	LoadStateDict([]byte) error
}

// LRScheduler adjusts the optimizer's learning rate.
type LRScheduler interface {
	// Step runs at epoch boundaries with a validation metric (negated
	// score, as a loss proxy) and returns the new rate.
	Step(epoch int, metric float64) float64
	// StepUpdate runs after every successful update.
	StepUpdate(step int64) float64
	StateDict() ([]byte, error)
	LoadStateDict([]byte) error
}
