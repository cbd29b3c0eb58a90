package trainer

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hushukai/abdnmt/data"
	"github.com/hushukai/abdnmt/meters"
	"github.com/hushukai/abdnmt/nn"
)

// StepKind classifies the outcome of one TrainStep call. Resource
// exhaustion is an explicit result, not an exception: the accumulation
// logic is a decision table over these kinds.
type StepKind int

const (
	// StepBuffered means gradients were accumulated; no update requested.
	StepBuffered StepKind = iota
	// StepOk means one parameter update was applied.
	StepOk
	// StepSkippedOOM means this micro-batch hit resource exhaustion and
	// was skipped; no update was requested.
	StepSkippedOOM
	// StepFailedWindow means every micro-batch of the accumulation window
	// failed; the buffer was discarded without side effects.
	StepFailedWindow
	// StepOverflow means the update was dropped after a numeric overflow;
	// gradients were zeroed and training continues.
	StepOverflow
)

// Trainer executes resource-aware training steps against opaque model,
// criterion, optimizer and scheduler collaborators.
type Trainer struct {
	model     nn.Model
	criterion nn.Criterion
	optimizer nn.Optimizer
	scheduler nn.LRScheduler
	clipNorm  float64
	log       *zap.SugaredLogger

	// live performance meters, reset once per logical run
	Wps   meters.Speed   // target tokens per second
	Gnorm meters.Average // pre-clip gradient norm
	Clip  meters.Average // fraction of clipped updates
	Oom   meters.Average // resource-exhaustion events per update

	buf bufferedStats
}

// bufferedStats accumulates per-micro-batch results within one
// accumulation window and is cleared atomically on every update attempt.
type bufferedStats struct {
	sampleSizes []int
	logs        []nn.LogOutput
	oomsFwd     []int
	oomsBwd     []int
}

func (b *bufferedStats) clear() {
	*b = bufferedStats{}
}

func (b *bufferedStats) size() int {
	return len(b.logs)
}

// StepResult is the outcome of one TrainStep call. Log is non-nil only for
// StepOk, carrying the window's aggregated logging output.
type StepResult struct {
	Kind StepKind
	Log  nn.LogOutput
}

func New(model nn.Model, criterion nn.Criterion, optimizer nn.Optimizer,
	scheduler nn.LRScheduler, clipNorm float64, log *zap.SugaredLogger) *Trainer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Trainer{
		model:     model,
		criterion: criterion,
		optimizer: optimizer,
		scheduler: scheduler,
		clipNorm:  clipNorm,
		log:       log,
	}
}

func (t *Trainer) Model() nn.Model { return t.model }

// LR is the optimizer's current learning rate.
func (t *Trainer) LR() float64 { return t.optimizer.LearningRate() }

// LRStep adjusts the learning rate at an epoch boundary using a validation
// metric as a loss proxy.
func (t *Trainer) LRStep(epoch int, metric float64) float64 {
	return t.scheduler.Step(epoch, metric)
}

// LRStepUpdate adjusts the learning rate after a successful update.
func (t *Trainer) LRStepUpdate(step int64) float64 {
	return t.scheduler.StepUpdate(step)
}

func (t *Trainer) ResetMeters() {
	t.Wps.Reset()
	t.Gnorm.Reset()
	t.Clip.Reset()
	t.Oom.Reset()
}

// TrainStep runs one micro-batch: forward, backward, and, when
// updateParams is true, one parameter update over the buffered window.
// Resource exhaustion during either phase is recovered locally; any other
// collaborator failure is fatal and propagates.
func (t *Trainer) TrainStep(b *data.Batch, updateParams bool) (StepResult, error) {
	t.Wps.Start()

	loss, sampleSize, logOut, oomFwd, err := t.forward(b)
	if err != nil {
		return StepResult{}, err
	}
	oomBwd, err := t.backward(loss)
	if err != nil {
		return StepResult{}, err
	}
	if oomFwd+oomBwd > 0 {
		// a skipped micro-batch contributes nothing to the denominator
		sampleSize = 0
	}
	t.buf.sampleSizes = append(t.buf.sampleSizes, sampleSize)
	t.buf.logs = append(t.buf.logs, logOut)
	t.buf.oomsFwd = append(t.buf.oomsFwd, oomFwd)
	t.buf.oomsBwd = append(t.buf.oomsBwd, oomBwd)

	if !updateParams {
		if oomFwd+oomBwd > 0 {
			return StepResult{Kind: StepSkippedOOM}, nil
		}
		return StepResult{Kind: StepBuffered}, nil
	}
	return t.update()
}

// update applies one optimizer step over the buffered window.
func (t *Trainer) update() (StepResult, error) {
	failed := 0
	totalOOM := 0
	for i := range t.buf.logs {
		n := t.buf.oomsFwd[i] + t.buf.oomsBwd[i]
		totalOOM += n
		if n > 0 {
			failed++
		}
	}
	if failed == t.buf.size() {
		t.buf.clear()
		return StepResult{Kind: StepFailedWindow}, nil
	}

	agg := t.criterion.AggregateLoggingOutputs(t.buf.logs)
	denom := t.criterion.GradDenom(t.buf.sampleSizes)
	gnorm := t.scaleClipGrad(denom)

	if err := t.optimizer.Step(); err != nil {
		if nn.IsOverflow(err) {
			t.optimizer.ZeroGrad()
			t.buf.clear()
			t.log.Warnf("overflow detected during parameter update: %v", err)
			return StepResult{Kind: StepOverflow}, nil
		}
		return StepResult{}, errors.Wrap(err, "optimizer step")
	}
	t.optimizer.ZeroGrad()

	t.Wps.Stop(int64(agg["ntokens"]))
	t.Gnorm.Update(gnorm)
	if t.clipNorm > 0 && gnorm > t.clipNorm {
		t.Clip.Update(1)
	} else {
		t.Clip.Update(0)
	}
	t.Oom.Update(float64(totalOOM))

	t.buf.clear()
	return StepResult{Kind: StepOk, Log: agg}, nil
}

// forward invokes the criterion in training mode. Resource exhaustion is
// recorded, not propagated.
func (t *Trainer) forward(b *data.Batch) (nn.Loss, int, nn.LogOutput, int, error) {
	t.model.Train()
	logOut := nn.LogOutput{
		"ntokens":    float64(b.TargetTokens()),
		"nsentences": float64(b.Sentences),
	}
	loss, sampleSize, out, err := t.criterion.Compute(t.model, b)
	if err != nil {
		if nn.IsOutOfMemory(err) {
			t.log.Warn("ran out of memory during forward, skipping batch")
			return nil, 0, logOut, 1, nil
		}
		return nil, 0, nil, 0, errors.Wrap(err, "forward")
	}
	for k, v := range out {
		logOut[k] = v
	}
	return loss, sampleSize, logOut, 0, nil
}

// backward accumulates gradients. On resource exhaustion it zeroes the
// partial gradients of this step and records the event.
func (t *Trainer) backward(loss nn.Loss) (int, error) {
	if loss == nil {
		return 0, nil
	}
	if err := loss.Backward(); err != nil {
		if nn.IsOutOfMemory(err) {
			t.log.Warn("ran out of memory during backward, skipping batch")
			t.optimizer.ZeroGrad()
			return 1, nil
		}
		return 0, errors.Wrap(err, "backward")
	}
	return 0, nil
}

// scaleClipGrad rescales all gradients by denom, then clips the global
// gradient norm to the configured ceiling. It returns the pre-clip norm.
func (t *Trainer) scaleClipGrad(denom float64) float64 {
	if denom == 0 {
		denom = 1
	}
	var sq float64
	params := t.model.Parameters()
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] /= denom
			sq += p.Grad[i] * p.Grad[i]
		}
	}
	norm := math.Sqrt(sq)
	if t.clipNorm > 0 && norm > t.clipNorm {
		scale := t.clipNorm / norm
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] *= scale
			}
		}
	}
	return norm
}
