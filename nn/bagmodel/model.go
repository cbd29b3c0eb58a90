package bagmodel

import (
	"encoding/json"
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/hushukai/abdnmt/nn"
	"github.com/hushukai/abdnmt/vocab"
)

// Config sizes the model and binds it to the target vocabulary.
type Config struct {
	SrcVocab int
	TrgVocab int
	Hidden   int
	// Dropout is the sentence-vector dropout rate, applied in training
	// mode only.
	Dropout float64
	// Token renders a target id for decoding output.
	Token func(id int32) string
}

// Model holds the embedding matrix (SrcVocab x Hidden) and the output
// projection (Hidden x TrgVocab) together with their gradient buffers.
type Model struct {
	cfg Config

	embed     *mat.Dense
	out       *mat.Dense
	embedGrad *mat.Dense
	outGrad   *mat.Dense

	params   []*nn.Parameter
	rng      *rand.Rand
	training bool
}

func New(cfg Config, seed int64) *Model {
	m := &Model{
		cfg:       cfg,
		embed:     mat.NewDense(cfg.SrcVocab, cfg.Hidden, nil),
		out:       mat.NewDense(cfg.Hidden, cfg.TrgVocab, nil),
		embedGrad: mat.NewDense(cfg.SrcVocab, cfg.Hidden, nil),
		outGrad:   mat.NewDense(cfg.Hidden, cfg.TrgVocab, nil),
		rng:       rand.New(rand.NewSource(seed)),
	}
	scale := 1 / math.Sqrt(float64(cfg.Hidden))
	for _, d := range []*mat.Dense{m.embed, m.out} {
		data := d.RawMatrix().Data
		for i := range data {
			data[i] = (m.rng.Float64()*2 - 1) * scale
		}
	}
	m.params = []*nn.Parameter{
		{Name: "embed", Value: m.embed.RawMatrix().Data, Grad: m.embedGrad.RawMatrix().Data},
		{Name: "out", Value: m.out.RawMatrix().Data, Grad: m.outGrad.RawMatrix().Data},
	}
	return m
}

func (m *Model) Parameters() []*nn.Parameter { return m.params }
func (m *Model) Train()                      { m.training = true }
func (m *Model) Eval()                       { m.training = false }

// Seed resets the dropout stream so interrupted and uninterrupted runs draw
// the same noise at the same global step.
func (m *Model) Seed(s int64) { m.rng = rand.New(rand.NewSource(s)) }

// encodeWithMask averages the embeddings of the first srcLen tokens. In
// training mode it applies inverted dropout to the sentence vector and
// returns the applied mask for the backward pass; otherwise mask is nil.
func (m *Model) encodeWithMask(src []int32, srcLen int) (h, mask []float64) {
	h = make([]float64, m.cfg.Hidden)
	if srcLen == 0 {
		return h, nil
	}
	for _, id := range src[:srcLen] {
		floats.Add(h, m.embed.RawRowView(int(id)))
	}
	floats.Scale(1/float64(srcLen), h)
	if m.training && m.cfg.Dropout > 0 {
		keep := 1 - m.cfg.Dropout
		mask = make([]float64, len(h))
		for i := range h {
			if m.rng.Float64() >= m.cfg.Dropout {
				mask[i] = 1 / keep
			}
			h[i] *= mask[i]
		}
	}
	return h, mask
}

func (m *Model) encode(src []int32, srcLen int) []float64 {
	h, _ := m.encodeWithMask(src, srcLen)
	return h
}

// logits projects a sentence vector onto the target vocabulary.
func (m *Model) logits(h []float64) []float64 {
	z := make([]float64, m.cfg.TrgVocab)
	hv := mat.NewVecDense(len(h), h)
	zv := mat.NewVecDense(len(z), z)
	zv.MulVec(m.out.T(), hv)
	return z
}

func softmax(z []float64) []float64 {
	p := make([]float64, len(z))
	max := floats.Max(z)
	var sum float64
	for i, v := range z {
		p[i] = math.Exp(v - max)
		sum += p[i]
	}
	floats.Scale(1/sum, p)
	return p
}

// Translate emits, for every source sentence, the source-length best target
// tokens by logit. A bag decoder has no sequential state, so the beam width
// is ignored.
func (m *Model) Translate(src [][]int32, srcLens []int, beamSize int) ([][]string, error) {
	if m.cfg.Token == nil {
		return nil, errors.New("bagmodel: no target token renderer configured")
	}
	hyps := make([][]string, len(src))
	for s := range src {
		z := m.logits(m.encode(src[s], srcLens[s]))
		order := make([]int, len(z))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return z[order[a]] > z[order[b]] })

		var hyp []string
		for _, id := range order {
			if len(hyp) >= srcLens[s] {
				break
			}
			switch int32(id) {
			case vocab.PadID, vocab.UnkID, vocab.BosID, vocab.EosID:
				continue
			}
			hyp = append(hyp, m.cfg.Token(int32(id)))
		}
		hyps[s] = hyp
	}
	return hyps, nil
}

type stateDict struct {
	SrcVocab int       `json:"srcVocab"`
	TrgVocab int       `json:"trgVocab"`
	Hidden   int       `json:"hidden"`
	Embed    []float64 `json:"embed"`
	Out      []float64 `json:"out"`
}

func (m *Model) StateDict() ([]byte, error) {
	raw, err := json.Marshal(stateDict{
		SrcVocab: m.cfg.SrcVocab,
		TrgVocab: m.cfg.TrgVocab,
		Hidden:   m.cfg.Hidden,
		Embed:    m.embed.RawMatrix().Data,
		Out:      m.out.RawMatrix().Data,
	})
	return raw, errors.Wrap(err, "serialize bagmodel")
}

// LoadStateDict copies the saved weights into the live backing arrays so
// previously handed out Parameters stay valid.
func (m *Model) LoadStateDict(b []byte) error {
	var sd stateDict
	if err := json.Unmarshal(b, &sd); err != nil {
		return errors.Wrap(err, "parse bagmodel state")
	}
	if sd.SrcVocab != m.cfg.SrcVocab || sd.TrgVocab != m.cfg.TrgVocab || sd.Hidden != m.cfg.Hidden {
		return errors.Errorf("bagmodel shape mismatch: saved %dx%d/%d, have %dx%d/%d",
			sd.SrcVocab, sd.TrgVocab, sd.Hidden, m.cfg.SrcVocab, m.cfg.TrgVocab, m.cfg.Hidden)
	}
	copy(m.embed.RawMatrix().Data, sd.Embed)
	copy(m.out.RawMatrix().Data, sd.Out)
	return nil
}
