package bagmodel

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/hushukai/abdnmt/nn"
)

// Plateau warms the learning rate up linearly over the first WarmupSteps
// updates and halves it at epoch boundaries whenever the validation metric
// stopped improving.
type Plateau struct {
	opt         nn.Optimizer
	base        float64
	warmupSteps int64
	factor      float64

	best    float64
	hasBest bool
}

func NewPlateau(opt nn.Optimizer, base float64, warmupSteps int64, factor float64) *Plateau {
	if factor <= 0 || factor >= 1 {
		factor = 0.5
	}
	return &Plateau{opt: opt, base: base, warmupSteps: warmupSteps, factor: factor}
}

// Step compares the epoch metric (lower is better) against the best seen
// and decays the rate on a plateau.
func (s *Plateau) Step(epoch int, metric float64) float64 {
	if !s.hasBest || metric < s.best {
		s.best = metric
		s.hasBest = true
	} else {
		s.opt.SetLearningRate(s.opt.LearningRate() * s.factor)
	}
	return s.opt.LearningRate()
}

func (s *Plateau) StepUpdate(step int64) float64 {
	if s.warmupSteps > 0 && step <= s.warmupSteps {
		s.opt.SetLearningRate(s.base * float64(step) / float64(s.warmupSteps))
	}
	return s.opt.LearningRate()
}

type plateauState struct {
	Best    float64 `json:"best"`
	HasBest bool    `json:"hasBest"`
}

func (s *Plateau) StateDict() ([]byte, error) {
	raw, err := json.Marshal(plateauState{Best: s.best, HasBest: s.hasBest})
	return raw, errors.Wrap(err, "serialize scheduler")
}

func (s *Plateau) LoadStateDict(b []byte) error {
	var st plateauState
	if err := json.Unmarshal(b, &st); err != nil {
		return errors.Wrap(err, "parse scheduler state")
	}
	s.best, s.hasBest = st.Best, st.HasBest
	return nil
}
