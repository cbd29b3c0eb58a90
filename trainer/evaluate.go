package trainer

import (
	"github.com/pkg/errors"

	"github.com/hushukai/abdnmt/data"
	"github.com/hushukai/abdnmt/score"
	"github.com/hushukai/abdnmt/vocab"
)

// Evaluate translates the held-out set without gradients and returns the
// corpus-level quality score scaled to [0, 100]. Target-side
// post-processing runs strictly in this order: subword restoration after
// right-to-left reversal.
func (t *Trainer) Evaluate(set *data.EvalSet, beamSize int, scorer score.Scorer, r2l, bpe bool) (float64, error) {
	t.model.Eval()

	var hyps [][]string
	var refs [][][]string
	next := set.Epoch()
	for {
		b, ok := next()
		if !ok {
			break
		}
		out, err := t.model.Translate(b.Src, b.SrcLens, beamSize)
		if err != nil {
			return 0, errors.Wrap(err, "translate")
		}
		for _, hyp := range out {
			if r2l {
				reverse(hyp)
			}
			if bpe {
				hyp = vocab.RestoreBPE(hyp)
			}
			hyps = append(hyps, hyp)
		}
		refs = append(refs, b.Refs...)
	}
	return scorer.CorpusScore(refs, hyps) * 100, nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
