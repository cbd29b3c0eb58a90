package trainer

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hushukai/abdnmt/checkpoint"
	"github.com/hushukai/abdnmt/config"
	"github.com/hushukai/abdnmt/data"
	"github.com/hushukai/abdnmt/eventlog"
	"github.com/hushukai/abdnmt/meters"
	"github.com/hushukai/abdnmt/nn"
	"github.com/hushukai/abdnmt/score"
)

// Loop is the top-level training driver. It iterates epochs and batches,
// gates parameter updates by the accumulation window, triggers periodic
// validation and checkpointing, and enforces the stopping conditions.
type Loop struct {
	Cfg     config.Config
	Trainer *Trainer
	Iter    *data.Iterator
	Dev     *data.EvalSet
	State   *checkpoint.State
	Events  *eventlog.Writer
	Scorer  score.Scorer
	Log     *zap.SugaredLogger
}

// keepGoing is the stopping predicate, re-evaluated before each epoch and
// after every successful update.
func (l *Loop) keepGoing() bool {
	p := l.State.Progress
	if l.Cfg.MinLR > 0 && l.Trainer.LR() <= l.Cfg.MinLR {
		return false
	}
	if l.Cfg.MaxEpoch > 0 && p.Epoch >= l.Cfg.MaxEpoch {
		return false
	}
	if l.Cfg.MaxStep > 0 && p.Step >= l.Cfg.MaxStep {
		return false
	}
	return true
}

// Run trains until the stopping predicate fails, then evaluates once more
// and reports the best validation score.
func (l *Loop) Run() error {
	if l.Log == nil {
		l.Log = zap.NewNop().Sugar()
	}
	if l.Scorer == nil {
		l.Scorer = score.NewBLEU()
	}
	accumulate := l.Cfg.Accumulate
	if accumulate < 1 {
		accumulate = 1
	}

	l.Trainer.ResetMeters()
	l.reseed()

	for l.keepGoing() {
		l.beforeEpoch()
		stopped, err := l.runEpoch(accumulate)
		if err != nil {
			return err
		}
		if stopped {
			// the epoch did not complete, so its counter must not advance
			break
		}
		l.afterEpoch()
	}

	if err := l.validate(); err != nil {
		return err
	}
	p := l.State.Progress
	if best, ok := p.Best(); ok {
		l.Log.Infof("best validation score: %.2f, at step %d", best.Score, best.Step)
	}
	l.Log.Infof("training finished, took %s", meters.Round(l.State.Elapsed()))
	return nil
}

func (l *Loop) runEpoch(accumulate int) (stopped bool, err error) {
	epoch := l.Iter.IterEpoch()
	defer epoch.Close()

	var batchIdx int64
	for {
		b, ok, err := epoch.Next()
		if err != nil {
			return false, errors.Wrap(err, "batch pipeline")
		}
		if !ok {
			return false, nil
		}
		batchIdx++
		l.reseed()

		update := batchIdx%int64(accumulate) == 0
		res, err := l.Trainer.TrainStep(b, update)
		if err != nil {
			return false, errors.Wrap(err, "train step")
		}
		if res.Kind != StepOk {
			continue
		}

		p := l.State.Progress
		p.IncreaseStep()
		l.Trainer.LRStepUpdate(p.Step)

		loss := res.Log["per_word_loss"]
		lr := l.Trainer.LR()
		sentences := b.Sentences
		l.Log.Infof("%d |loss=%.4f |lr=%.6e |norm=%.2f |batch=%d/%.2f |input=%dx%d/%d, %dx%d/%d",
			p.Step, loss, lr, l.Trainer.Gnorm.Val,
			sentences, l.Trainer.Wps.Avg(),
			sentences, b.MaxLen[0], b.SourceTokens(),
			sentences, b.MaxLen[len(b.MaxLen)-1], b.TargetTokens())

		if l.Events != nil {
			if err := l.Events.AddScalar("loss", p.Step, res.Log["loss"]); err != nil {
				return false, err
			}
			if err := l.Events.AddScalar("lr", p.Step, lr); err != nil {
				return false, err
			}
		}

		if l.Cfg.EvalSteps > 0 && p.Step%l.Cfg.EvalSteps == 0 {
			if err := l.validate(); err != nil {
				return false, err
			}
		}
		if _, err := l.State.TrySave(); err != nil {
			return false, errors.Wrap(err, "checkpoint")
		}
		if !l.keepGoing() {
			return true, nil
		}
	}
}

func (l *Loop) beforeEpoch() {
	l.Log.Infof("start epoch %d", l.State.Progress.Epoch+1)
}

func (l *Loop) afterEpoch() {
	p := l.State.Progress
	l.Log.Infof("finished epoch %d, failed steps: %d out of %d in last epoch and %d out of %d in total",
		p.Epoch+1,
		l.Iter.StepInEpoch()-p.StepInEpoch, l.Iter.StepInEpoch(),
		l.Iter.Step()-p.Step, l.Iter.Step())

	p.IncreaseEpoch()
	if latest, ok := p.LatestScore(); ok {
		// negated score stands in for a validation loss
		l.Trainer.LRStep(p.Epoch, -latest)
	}
}

// validate runs one no-gradient evaluation pass and appends the score to
// the progress state.
func (l *Loop) validate() error {
	if l.Dev == nil || l.Dev.Len() == 0 {
		return nil
	}
	var watch meters.Stopwatch
	watch.Start()
	val, err := l.Trainer.Evaluate(l.Dev, l.Cfg.BeamSize, l.Scorer, l.Cfg.R2L, l.Cfg.BPE)
	if err != nil {
		return errors.Wrap(err, "evaluate")
	}
	took := watch.Stop()

	p := l.State.Progress
	p.AddValidScore(val)
	l.Log.Infof("validation bleu at %d: %.2f, took %s", p.Step, val, meters.Round(took))
	if l.Events != nil {
		return l.Events.AddScalar("dev/bleu", p.Step, val)
	}
	return nil
}

// reseed makes stochastic model parts reproducible across resumes by
// deriving the seed from the base and the global step.
func (l *Loop) reseed() {
	if seeder, ok := l.Trainer.Model().(nn.Seeder); ok {
		p := l.State.Progress
		seeder.Seed(p.SeedBase + p.Step)
	}
}
