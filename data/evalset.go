package data

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// EvalBatch pairs padded source ids with the tokenized references of its
// sentences. References stay in corpus order so hypotheses line up with
// them without revert bookkeeping.
type EvalBatch struct {
	Src     [][]int32
	SrcLens []int
	Tokens  int
	// Refs[i][j] is the j-th reference translation of sentence i.
	Refs [][][]string
}

// EvalSet is a held-out corpus loaded eagerly; dev sets are small compared
// to the training streams, so there is no read-ahead machinery here.
type EvalSet struct {
	records []evalRecord
	batch   int
	padID   int32
}

type evalRecord struct {
	src  []int32
	refs [][]string
}

// NewEvalSet reads the source file and one or more aligned reference files.
func NewEvalSet(fs afero.Fs, srcPath string, refPaths []string, encode func(string) []int32, batchSize int, padID int32) (*EvalSet, error) {
	src, err := readLines(fs, srcPath)
	if err != nil {
		return nil, err
	}
	refs := make([][]string, len(refPaths))
	for i, p := range refPaths {
		refs[i], err = readLines(fs, p)
		if err != nil {
			return nil, err
		}
		if len(refs[i]) != len(src) {
			return nil, errors.Errorf("reference %s has %d lines, source has %d", p, len(refs[i]), len(src))
		}
	}
	if batchSize < 1 {
		batchSize = 1
	}
	s := &EvalSet{batch: batchSize, padID: padID}
	for i, line := range src {
		r := evalRecord{src: encode(line)}
		for _, ref := range refs {
			r.refs = append(r.refs, strings.Fields(ref[i]))
		}
		s.records = append(s.records, r)
	}
	return s, nil
}

func (s *EvalSet) Len() int { return len(s.records) }

// Epoch returns a pull function over the set's batches in corpus order.
func (s *EvalSet) Epoch() func() (*EvalBatch, bool) {
	pos := 0
	return func() (*EvalBatch, bool) {
		if pos >= len(s.records) {
			return nil, false
		}
		end := pos + s.batch
		if end > len(s.records) {
			end = len(s.records)
		}
		recs := s.records[pos:end]
		pos = end

		b := &EvalBatch{
			Src:     make([][]int32, len(recs)),
			SrcLens: make([]int, len(recs)),
			Refs:    make([][][]string, len(recs)),
		}
		maxLen := 0
		for _, r := range recs {
			if len(r.src) > maxLen {
				maxLen = len(r.src)
			}
			b.Tokens += len(r.src)
		}
		for i, r := range recs {
			row := make([]int32, maxLen)
			copy(row, r.src)
			for k := len(r.src); k < maxLen; k++ {
				row[k] = s.padID
			}
			b.Src[i] = row
			b.SrcLens[i] = len(r.src)
			b.Refs[i] = r.refs
		}
		return b, true
	}
}

func readLines(fs afero.Fs, path string) ([]string, error) {
	stream, err := NewTextLine(fs, path, 64)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	var lines []string
	for {
		line, ok, err := stream.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return lines, nil
		}
		lines = append(lines, line)
	}
}
