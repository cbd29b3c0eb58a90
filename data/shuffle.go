package data

import "math/rand"

// shuffleWindow is a bounded first-in-random-out buffer. Once full, every
// admitted record evicts a uniformly chosen buffered one, which yields an
// approximate shuffle constrained by the window's sliding nature.
type shuffleWindow struct {
	rng *rand.Rand
	buf []Record
	cap int
}

func newShuffleWindow(capacity int, rng *rand.Rand) *shuffleWindow {
	return &shuffleWindow{rng: rng, cap: capacity, buf: make([]Record, 0, capacity)}
}

// put admits r. When the window is full it returns an evicted record.
func (w *shuffleWindow) put(r Record) (Record, bool) {
	if len(w.buf) < w.cap {
		w.buf = append(w.buf, r)
		return Record{}, false
	}
	j := w.rng.Intn(len(w.buf))
	out := w.buf[j]
	w.buf[j] = r
	return out, true
}

// drain returns the remaining records in random order and empties the window.
func (w *shuffleWindow) drain() []Record {
	out := w.buf
	w.rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	w.buf = make([]Record, 0, w.cap)
	return out
}
