package bagmodel

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/hushukai/abdnmt/data"
	"github.com/hushukai/abdnmt/nn"
	"github.com/hushukai/abdnmt/vocab"
)

// CrossEntropy scores every unpadded target token against the sentence
// vector. The sample size is the target token count and gradients are
// accumulated unnormalized; the executor divides by the window denominator.
type CrossEntropy struct{}

type sentenceCache struct {
	src    []int32
	srcLen int
	trg    []int32
	h      []float64
	mask   []float64
	probs  []float64
}

type batchLoss struct {
	model *Model
	val   float64
	sents []sentenceCache
}

func (l *batchLoss) Value() float64 { return l.val }

// Backward pushes exact analytic gradients into the two weight matrices.
func (l *batchLoss) Backward() error {
	m := l.model
	for _, s := range l.sents {
		n := float64(len(s.trg))
		if n == 0 {
			continue
		}
		// d(loss)/d(logits) for summed NLL over the bag of targets
		dl := make([]float64, m.cfg.TrgVocab)
		for j, p := range s.probs {
			dl[j] = n * p
		}
		for _, t := range s.trg {
			dl[t]--
		}
		hv := mat.NewVecDense(len(s.h), s.h)
		dlv := mat.NewVecDense(len(dl), dl)
		m.outGrad.RankOne(m.outGrad, 1, hv, dlv)

		dh := make([]float64, m.cfg.Hidden)
		dhv := mat.NewVecDense(len(dh), dh)
		dhv.MulVec(m.out, dlv)
		if s.mask != nil {
			floats.Mul(dh, s.mask)
		}
		floats.Scale(1/float64(s.srcLen), dh)
		for _, id := range s.src[:s.srcLen] {
			floats.Add(m.embedGrad.RawRowView(int(id)), dh)
		}
	}
	return nil
}

func (c CrossEntropy) Compute(model nn.Model, b *data.Batch) (nn.Loss, int, nn.LogOutput, error) {
	m, ok := model.(*Model)
	if !ok {
		return nil, 0, nil, errors.Errorf("bagmodel criterion got %T", model)
	}

	src, trg := b.Source(), b.Target()
	srcLens := b.Lengths[0]
	trgLens := b.Lengths[len(b.Lengths)-1]

	loss := &batchLoss{model: m, sents: make([]sentenceCache, 0, b.Sentences)}
	var tokens int
	for s := range src {
		h, mask := m.encodeWithMask(src[s], srcLens[s])
		probs := softmax(m.logits(h))

		var kept []int32
		for _, t := range trg[s][:trgLens[s]] {
			if t == vocab.PadID {
				continue
			}
			kept = append(kept, t)
			loss.val -= math.Log(probs[t])
		}
		tokens += len(kept)
		loss.sents = append(loss.sents, sentenceCache{
			src: src[s], srcLen: srcLens[s], trg: kept,
			h: h, mask: mask, probs: probs,
		})
	}

	out := nn.LogOutput{
		"loss":       loss.val,
		"ntokens":    float64(tokens),
		"nsentences": float64(b.Sentences),
	}
	if tokens > 0 {
		out["per_word_loss"] = loss.val / float64(tokens)
	}
	return loss, tokens, out, nil
}

func (c CrossEntropy) AggregateLoggingOutputs(logs []nn.LogOutput) nn.LogOutput {
	agg := nn.LogOutput{}
	for _, l := range logs {
		agg["loss"] += l["loss"]
		agg["ntokens"] += l["ntokens"]
		agg["nsentences"] += l["nsentences"]
	}
	if agg["ntokens"] > 0 {
		agg["per_word_loss"] = agg["loss"] / agg["ntokens"]
	}
	return agg
}

// GradDenom is the total target token count of the window, so the update
// direction matches a single large batch over the same sentences.
func (c CrossEntropy) GradDenom(sampleSizes []int) float64 {
	var sum float64
	for _, s := range sampleSizes {
		sum += float64(s)
	}
	if sum == 0 {
		return 1
	}
	return sum
}
