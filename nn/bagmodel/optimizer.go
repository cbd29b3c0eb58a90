package bagmodel

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"

	"github.com/hushukai/abdnmt/nn"
)

// SGD is a plain gradient-descent optimizer. A non-finite gradient reports
// nn.ErrOverflow instead of poisoning the weights.
type SGD struct {
	model *Model
	lr    float64
}

func NewSGD(m *Model, lr float64) *SGD {
	return &SGD{model: m, lr: lr}
}

func (o *SGD) Step() error {
	for _, p := range o.model.Parameters() {
		for _, g := range p.Grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return errors.Wrapf(nn.ErrOverflow, "parameter %s", p.Name)
			}
		}
	}
	for _, p := range o.model.Parameters() {
		for i, g := range p.Grad {
			p.Value[i] -= o.lr * g
		}
	}
	return nil
}

func (o *SGD) ZeroGrad() {
	for _, p := range o.model.Parameters() {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

func (o *SGD) LearningRate() float64      { return o.lr }
func (o *SGD) SetLearningRate(lr float64) { o.lr = lr }

func (o *SGD) StateDict() ([]byte, error) {
	raw, err := json.Marshal(map[string]float64{"lr": o.lr})
	return raw, errors.Wrap(err, "serialize optimizer")
}

func (o *SGD) LoadStateDict(b []byte) error {
	var st map[string]float64
	if err := json.Unmarshal(b, &st); err != nil {
		return errors.Wrap(err, "parse optimizer state")
	}
	o.lr = st["lr"]
	return nil
}
