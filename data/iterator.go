package data

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Transform encodes one aligned line tuple into a Record. It runs eagerly on
// the pipeline's worker goroutines.
type Transform func(lines []string) (Record, error)

// SortKey orders records; smaller keys sort first. A nil key disables the
// corresponding sort.
type SortKey func(Record) int

// Options configure batch formation.
type Options struct {
	// BufferSize bounds the read-ahead of every pipeline stage.
	BufferSize int
	// NumWorkers is the number of parallel transform workers.
	NumWorkers int
	// ShuffleWindow is the shuffle buffer capacity; zero or negative
	// disables shuffling.
	ShuffleWindow int
	// LengthLimits holds per-field inclusive maxima. Records with any
	// longer field are filtered out before batching. Zero or negative
	// entries leave the field unlimited; a nil slice disables filtering.
	LengthLimits []int
	// BatchSize limits each batch's governing metric: sentences when
	// BatchBySentence, total target tokens otherwise.
	BatchSize int
	// PaddedSizeLimit optionally caps maxTargetLen*sentences of a batch.
	// A single oversized record still forms a batch of one.
	PaddedSizeLimit int
	BatchBySentence bool
	// SortCacheFactor multiplies BatchSize to size the sort cache.
	SortCacheFactor int
	// SortCacheKey orders the whole cache before batches are cut.
	SortCacheKey SortKey
	// SortBatchKey orders each cut batch before collation.
	SortBatchKey SortKey
	// PadIDs holds the per-field pad id used during collation.
	PadIDs []int32
	Seed   int64
}

// Iterator turns aligned record streams into a lazy, restartable sequence of
// batches. Each call to IterEpoch re-opens the streams from the beginning.
type Iterator struct {
	opts      Options
	streams   StreamFunc
	transform Transform

	step        int64
	stepInEpoch int64
	epochs      int
}

func NewIterator(streams StreamFunc, transform Transform, opts Options) *Iterator {
	if opts.BufferSize < 1 {
		opts.BufferSize = 1
	}
	if opts.NumWorkers < 1 {
		opts.NumWorkers = 1
	}
	if opts.SortCacheFactor < 1 {
		opts.SortCacheFactor = 1
	}
	return &Iterator{opts: opts, streams: streams, transform: transform}
}

// Step is the total number of batches yielded across all epochs.
func (it *Iterator) Step() int64 { return it.step }

// StepInEpoch is the number of batches yielded in the current epoch.
func (it *Iterator) StepInEpoch() int64 { return it.stepInEpoch }

// Epochs is the number of epochs started.
func (it *Iterator) Epochs() int { return it.epochs }

// sampleUnits is the record's contribution to the governing batch metric.
func (it *Iterator) sampleUnits(r Record) int {
	if it.opts.BatchBySentence {
		return 1
	}
	return r.TargetLen()
}

func (it *Iterator) admits(r Record) bool {
	for i, lim := range it.opts.LengthLimits {
		if lim > 0 && i < len(r.Fields) && r.Len(i) > lim {
			return false
		}
	}
	return true
}

// Epoch is one in-flight pass over the streams.
type Epoch struct {
	it   *Iterator
	out  chan *Batch
	errc chan error
	quit chan struct{}
	once sync.Once
}

// IterEpoch starts a new pass over the streams. The previous epoch, if any,
// must be exhausted or closed first.
func (it *Iterator) IterEpoch() *Epoch {
	it.stepInEpoch = 0
	it.epochs++
	e := &Epoch{
		it:   it,
		out:  make(chan *Batch, 1),
		errc: make(chan error, 1),
		quit: make(chan struct{}),
	}
	go e.run()
	return e
}

// Next yields the next batch of the epoch. ok is false once the epoch ends;
// a non-nil error reports a failed pipeline stage.
func (e *Epoch) Next() (*Batch, bool, error) {
	b, ok := <-e.out
	if !ok {
		select {
		case err := <-e.errc:
			return nil, false, err
		default:
			return nil, false, nil
		}
	}
	e.it.step++
	e.it.stepInEpoch++
	return b, true, nil
}

// Close abandons the epoch and releases its workers.
func (e *Epoch) Close() {
	e.once.Do(func() { close(e.quit) })
	for range e.out {
	}
}

func (e *Epoch) fail(err error) {
	select {
	case e.errc <- err:
	default:
	}
}

type job struct {
	idx   int64
	lines []string
}

type result struct {
	idx int64
	rec Record
	err error
}

func (e *Epoch) run() {
	defer close(e.out)
	opts := e.it.opts

	streams, err := e.it.streams()
	if err != nil {
		e.fail(errors.Wrap(err, "open streams"))
		return
	}
	defer func() {
		for _, s := range streams {
			s.Close()
		}
	}()

	jobs := make(chan job, opts.BufferSize)
	results := make(chan result, opts.BufferSize)

	// zip the aligned streams record by record
	go func() {
		defer close(jobs)
		var idx int64
		for {
			lines := make([]string, len(streams))
			var done, open int
			for i, s := range streams {
				line, ok, err := s.Next()
				if err != nil {
					e.fail(err)
					return
				}
				if !ok {
					done++
					continue
				}
				open++
				lines[i] = line
			}
			if done == len(streams) {
				return
			}
			if done > 0 {
				e.fail(errors.Errorf("aligned streams diverge after %d records", idx))
				return
			}
			select {
			case jobs <- job{idx: idx, lines: lines}:
			case <-e.quit:
				return
			}
			idx++
		}
	}()

	// eager per-record encoding on a bounded worker set
	var wg sync.WaitGroup
	wg.Add(opts.NumWorkers)
	for w := 0; w < opts.NumWorkers; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				rec, err := e.it.transform(j.lines)
				select {
				case results <- result{idx: j.idx, rec: rec, err: err}:
				case <-e.quit:
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// restore stream order; the in-flight set is bounded by
	// BufferSize+NumWorkers so the pending map cannot grow unbounded
	recs := make(chan Record, opts.BufferSize)
	go func() {
		defer close(recs)
		pending := make(map[int64]result)
		var next int64
		for r := range results {
			if r.err != nil {
				e.fail(errors.Wrapf(r.err, "transform record %d", r.idx))
				for range results {
				}
				return
			}
			pending[r.idx] = r
			for {
				p, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				select {
				case recs <- p.rec:
				case <-e.quit:
					return
				}
			}
		}
	}()

	e.batch(recs)
}

// batch filters, shuffles and groups the ordered record stream.
func (e *Epoch) batch(recs <-chan Record) {
	opts := e.it.opts

	var win *shuffleWindow
	if opts.ShuffleWindow > 0 {
		win = newShuffleWindow(opts.ShuffleWindow, rand.New(rand.NewSource(opts.Seed+int64(e.it.epochs))))
	}

	var cache []Record
	var cacheUnits int
	target := opts.SortCacheFactor * opts.BatchSize

	emit := func(final bool) bool {
		if !final && cacheUnits < target {
			return true
		}
		if opts.SortCacheKey != nil {
			key := opts.SortCacheKey
			sort.SliceStable(cache, func(i, j int) bool {
				return key(cache[i]) < key(cache[j])
			})
		}
		for len(cache) > 0 {
			if !final && cacheUnits < opts.BatchSize {
				return true // hold a full batch's worth for the next fill
			}
			n, units := e.it.cut(cache)
			part := make([]Record, n)
			copy(part, cache[:n])
			cache = cache[n:]
			cacheUnits -= units
			if opts.SortBatchKey != nil {
				key := opts.SortBatchKey
				sort.SliceStable(part, func(i, j int) bool {
					return key(part[i]) < key(part[j])
				})
			}
			select {
			case e.out <- Collate(part, opts.PadIDs):
			case <-e.quit:
				return false
			}
		}
		return true
	}

	feed := func(r Record) bool {
		cache = append(cache, r)
		cacheUnits += e.it.sampleUnits(r)
		return emit(false)
	}

	for r := range recs {
		if !e.it.admits(r) {
			continue
		}
		if win != nil {
			evicted, full := win.put(r)
			if !full {
				continue
			}
			r = evicted
		}
		if !feed(r) {
			return
		}
	}
	if win != nil {
		for _, r := range win.drain() {
			if !feed(r) {
				return
			}
		}
	}
	emit(true)
}

// cut returns the length and unit total of the batch prefix of cache,
// honoring the governing metric and the padded-size cap. A single record is
// always admissible so oversized records form singleton batches.
func (it *Iterator) cut(cache []Record) (n, units int) {
	opts := it.opts
	maxTrg := 0
	for n < len(cache) {
		r := cache[n]
		u := it.sampleUnits(r)
		if n > 0 {
			if units+u > opts.BatchSize {
				break
			}
			m := maxTrg
			if r.TargetLen() > m {
				m = r.TargetLen()
			}
			if opts.PaddedSizeLimit > 0 && m*(n+1) > opts.PaddedSizeLimit {
				break
			}
		}
		if r.TargetLen() > maxTrg {
			maxTrg = r.TargetLen()
		}
		units += u
		n++
	}
	return n, units
}
