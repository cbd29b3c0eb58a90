// Package vocab provides the token/id mapping collaborator consumed by the
// pipeline and the evaluation path. Construction of the token inventory
// (counting, subword merging) happens offline; this package only loads and
// applies it.
package vocab

import (
	"bufio"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Reserved ids. Vocabulary files hold one token per line; real tokens start
// after the reserved block.
const (
	PadID int32 = 0
	UnkID int32 = 1
	BosID int32 = 2
	EosID int32 = 3

	numReserved = 4
)

type Vocabulary struct {
	tokens []string
	index  map[string]int32
}

// Load reads a token-per-line vocabulary, keeping at most size entries when
// size is positive.
func Load(fs afero.Fs, path string, size int) (*Vocabulary, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open vocabulary %s", path)
	}
	defer f.Close()

	v := newEmpty()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		tok := strings.TrimSpace(sc.Text())
		if tok == "" {
			continue
		}
		if size > 0 && len(v.tokens) >= size {
			break
		}
		v.add(tok)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read vocabulary %s", path)
	}
	return v, nil
}

// FromTokens builds a vocabulary from an in-memory token list.
func FromTokens(tokens []string) *Vocabulary {
	v := newEmpty()
	for _, tok := range tokens {
		v.add(tok)
	}
	return v
}

func newEmpty() *Vocabulary {
	v := &Vocabulary{
		tokens: []string{"<pad>", "<unk>", "<s>", "</s>"},
		index:  make(map[string]int32),
	}
	for i, tok := range v.tokens {
		v.index[tok] = int32(i)
	}
	return v
}

func (v *Vocabulary) add(tok string) {
	if _, ok := v.index[tok]; ok {
		return
	}
	v.index[tok] = int32(len(v.tokens))
	v.tokens = append(v.tokens, tok)
}

func (v *Vocabulary) Len() int { return len(v.tokens) }

func (v *Vocabulary) PadID() int32 { return PadID }

// Encode maps a whitespace-tokenized line to ids, appending EOS. Unknown
// tokens map to UnkID.
func (v *Vocabulary) Encode(line string) []int32 {
	fields := strings.Fields(line)
	ids := make([]int32, 0, len(fields)+1)
	for _, tok := range fields {
		id, ok := v.index[tok]
		if !ok {
			id = UnkID
		}
		ids = append(ids, id)
	}
	return append(ids, EosID)
}

// Decode maps ids back to tokens, stopping at EOS and skipping padding.
func (v *Vocabulary) Decode(ids []int32) []string {
	var out []string
	for _, id := range ids {
		if id == EosID {
			break
		}
		if id == PadID || id == BosID {
			continue
		}
		if int(id) < len(v.tokens) {
			out = append(out, v.tokens[id])
		} else {
			out = append(out, "<unk>")
		}
	}
	return out
}

// Token returns the surface form of id.
func (v *Vocabulary) Token(id int32) string {
	if int(id) < len(v.tokens) {
		return v.tokens[id]
	}
	return "<unk>"
}

// StateDict serializes the token inventory so checkpoints are
// self-contained.
func (v *Vocabulary) StateDict() ([]byte, error) {
	return json.Marshal(v.tokens)
}

func (v *Vocabulary) LoadStateDict(b []byte) error {
	var tokens []string
	if err := json.Unmarshal(b, &tokens); err != nil {
		return errors.Wrap(err, "vocabulary state")
	}
	if len(tokens) < numReserved {
		return errors.Errorf("vocabulary state too small: %d tokens", len(tokens))
	}
	v.tokens = tokens
	v.index = make(map[string]int32, len(tokens))
	for i, tok := range tokens {
		v.index[tok] = int32(i)
	}
	return nil
}

// RestoreBPE joins subword units produced by a learned byte-pair encoding:
// a token ending in "@@" continues into the next one.
func RestoreBPE(tokens []string) []string {
	var out []string
	carry := ""
	for _, tok := range tokens {
		if strings.HasSuffix(tok, "@@") {
			carry += strings.TrimSuffix(tok, "@@")
			continue
		}
		out = append(out, carry+tok)
		carry = ""
	}
	if carry != "" {
		out = append(out, carry)
	}
	return out
}
