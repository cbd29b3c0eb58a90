// Package score defines the corpus-level quality scorer consumed by the
// evaluation path and ships a plain corpus BLEU implementation.
package score

import "math"

// Scorer computes a corpus-level quality score in [0, 1] for hypotheses
// against one or more references per sentence.
type Scorer interface {
	CorpusScore(refs [][][]string, hyps [][]string) float64
}

// BLEU is corpus BLEU with uniform n-gram weights up to MaxOrder and a
// brevity penalty.
type BLEU struct {
	MaxOrder int
}

func NewBLEU() BLEU {
	return BLEU{MaxOrder: 4}
}

func (b BLEU) CorpusScore(refs [][][]string, hyps [][]string) float64 {
	order := b.MaxOrder
	if order <= 0 {
		order = 4
	}
	if len(hyps) == 0 || len(refs) != len(hyps) {
		return 0
	}

	matches := make([]int, order)
	totals := make([]int, order)
	var hypLen, refLen int

	for i, hyp := range hyps {
		hypLen += len(hyp)
		refLen += closestRefLen(refs[i], len(hyp))
		for n := 1; n <= order; n++ {
			hypCounts := ngrams(hyp, n)
			if len(hypCounts) == 0 {
				continue
			}
			// clip against the maximum reference count per n-gram
			maxRef := make(map[string]int)
			for _, ref := range refs[i] {
				for g, c := range ngrams(ref, n) {
					if c > maxRef[g] {
						maxRef[g] = c
					}
				}
			}
			for g, c := range hypCounts {
				totals[n-1] += c
				if m := maxRef[g]; m > 0 {
					if c < m {
						matches[n-1] += c
					} else {
						matches[n-1] += m
					}
				}
			}
		}
	}

	logSum := 0.0
	for n := 0; n < order; n++ {
		if totals[n] == 0 || matches[n] == 0 {
			return 0
		}
		logSum += math.Log(float64(matches[n]) / float64(totals[n]))
	}
	precision := math.Exp(logSum / float64(order))

	bp := 1.0
	if hypLen < refLen && hypLen > 0 {
		bp = math.Exp(1 - float64(refLen)/float64(hypLen))
	}
	return bp * precision
}

func ngrams(tokens []string, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		key := ""
		for j := i; j < i+n; j++ {
			key += tokens[j] + "\x1f"
		}
		counts[key]++
	}
	return counts
}

func closestRefLen(refs [][]string, hypLen int) int {
	best := 0
	bestDiff := math.MaxInt32
	for _, ref := range refs {
		diff := len(ref) - hypLen
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff || (diff == bestDiff && len(ref) < best) {
			best = len(ref)
			bestDiff = diff
		}
	}
	return best
}
