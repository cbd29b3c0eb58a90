package data

// Record is one training example: an encoded token id sequence per aligned
// field. Records are immutable once produced by the encoding transform.
type Record struct {
	Fields [][]int32
}

// Len returns the token count of field i.
func (r Record) Len(i int) int {
	return len(r.Fields[i])
}

// SourceLen is the token count of the first field.
func (r Record) SourceLen() int {
	return r.Len(0)
}

// TargetLen is the token count of the last field.
func (r Record) TargetLen() int {
	return r.Len(len(r.Fields) - 1)
}

// Batch is a group of records collated into fixed-shape padded id matrices
// plus scalar aggregates. It is owned by the pipeline until yielded and is
// consumed read-only thereafter.
type Batch struct {
	// Fields[i] is the padded [sentence][token] matrix for field i.
	Fields [][][]int32
	// Lengths[i] holds the unpadded token counts for field i.
	Lengths [][]int
	// Tokens[i] is the total unpadded token count of field i.
	Tokens []int
	// MaxLen[i] is the padded width of field i.
	MaxLen    []int
	Sentences int
}

func (b *Batch) Source() [][]int32 {
	return b.Fields[0]
}

func (b *Batch) Target() [][]int32 {
	return b.Fields[len(b.Fields)-1]
}

func (b *Batch) SourceTokens() int {
	return b.Tokens[0]
}

func (b *Batch) TargetTokens() int {
	return b.Tokens[len(b.Tokens)-1]
}

// Collate pads every field of the given records to the batch maximum with the
// field's pad id and computes the aggregate counts.
func Collate(recs []Record, padIDs []int32) *Batch {
	if len(recs) == 0 {
		return nil
	}
	nf := len(recs[0].Fields)
	b := &Batch{
		Fields:    make([][][]int32, nf),
		Lengths:   make([][]int, nf),
		Tokens:    make([]int, nf),
		MaxLen:    make([]int, nf),
		Sentences: len(recs),
	}
	for i := 0; i < nf; i++ {
		for _, r := range recs {
			if r.Len(i) > b.MaxLen[i] {
				b.MaxLen[i] = r.Len(i)
			}
			b.Tokens[i] += r.Len(i)
		}
		rows := make([][]int32, len(recs))
		lens := make([]int, len(recs))
		for j, r := range recs {
			row := make([]int32, b.MaxLen[i])
			copy(row, r.Fields[i])
			for k := r.Len(i); k < b.MaxLen[i]; k++ {
				row[k] = padIDs[i]
			}
			rows[j] = row
			lens[j] = r.Len(i)
		}
		b.Fields[i] = rows
		b.Lengths[i] = lens
	}
	return b
}
