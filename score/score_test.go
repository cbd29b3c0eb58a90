package score

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPerfectMatch(t *testing.T) {
	hyp := [][]string{{"the", "cat", "sat", "on", "the", "mat"}}
	refs := [][][]string{{{"the", "cat", "sat", "on", "the", "mat"}}}
	require.InDelta(t, 1.0, NewBLEU().CorpusScore(refs, hyp), 1e-9)
}

func TestNoMatch(t *testing.T) {
	hyp := [][]string{{"x", "y", "z", "w"}}
	refs := [][][]string{{{"a", "b", "c", "d"}}}
	require.Equal(t, 0.0, NewBLEU().CorpusScore(refs, hyp))
}

func TestPartialMatchIsBetween(t *testing.T) {
	hyp := [][]string{{"the", "cat", "sat", "on", "a", "rug"}}
	refs := [][][]string{{{"the", "cat", "sat", "on", "the", "mat"}}}
	s := NewBLEU().CorpusScore(refs, hyp)
	require.Greater(t, s, 0.0)
	require.Less(t, s, 1.0)
}

func TestBrevityPenalty(t *testing.T) {
	long := [][]string{{"the", "cat", "sat", "on", "the", "mat"}}
	short := [][]string{{"the", "cat", "sat", "on"}}
	refs := [][][]string{{{"the", "cat", "sat", "on", "the", "mat"}}}
	require.Greater(t,
		NewBLEU().CorpusScore(refs, long),
		NewBLEU().CorpusScore(refs, short))
}

func TestMultipleReferences(t *testing.T) {
	hyp := [][]string{{"a", "b", "c", "d"}}
	refs := [][][]string{{
		{"z", "z", "z", "z"},
		{"a", "b", "c", "d"},
	}}
	require.InDelta(t, 1.0, NewBLEU().CorpusScore(refs, hyp), 1e-9)
}

func TestEmptyCorpus(t *testing.T) {
	require.Equal(t, 0.0, NewBLEU().CorpusScore(nil, nil))
}
