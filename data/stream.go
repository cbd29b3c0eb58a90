package data

import (
	"bufio"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// LineStream yields one text line at a time. Next returns false once the
// stream is exhausted; a subsequent error return means the stream failed
// rather than ended.
type LineStream interface {
	Next() (string, bool, error)
	Close() error
}

// StreamFunc opens one aligned line stream per field. The pipeline calls it
// once per epoch, so each epoch re-reads the sources from the beginning.
type StreamFunc func() ([]LineStream, error)

type lineOrErr struct {
	line string
	err  error
}

// TextLine reads a file line by line on a dedicated goroutine, staying at
// most bufSize lines ahead of the consumer.
type TextLine struct {
	ch   chan lineOrErr
	quit chan struct{}
	once sync.Once
}

// NewTextLine opens path on fs and starts the read-ahead goroutine.
func NewTextLine(fs afero.Fs, path string, bufSize int) (*TextLine, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if bufSize < 1 {
		bufSize = 1
	}
	t := &TextLine{
		ch:   make(chan lineOrErr, bufSize),
		quit: make(chan struct{}),
	}
	go func() {
		defer close(t.ch)
		defer f.Close()
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for sc.Scan() {
			select {
			case t.ch <- lineOrErr{line: sc.Text()}:
			case <-t.quit:
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case t.ch <- lineOrErr{err: errors.Wrapf(err, "read %s", path)}:
			case <-t.quit:
			}
		}
	}()
	return t, nil
}

func (t *TextLine) Next() (string, bool, error) {
	v, ok := <-t.ch
	if !ok {
		return "", false, nil
	}
	if v.err != nil {
		return "", false, v.err
	}
	return v.line, true, nil
}

func (t *TextLine) Close() error {
	t.once.Do(func() { close(t.quit) })
	return nil
}

// FileStreams builds a StreamFunc over one file per field.
func FileStreams(fs afero.Fs, paths []string, bufSize int) StreamFunc {
	return func() ([]LineStream, error) {
		streams := make([]LineStream, 0, len(paths))
		for _, p := range paths {
			s, err := NewTextLine(fs, p, bufSize)
			if err != nil {
				for _, open := range streams {
					open.Close()
				}
				return nil, err
			}
			streams = append(streams, s)
		}
		return streams, nil
	}
}

// SliceStream serves lines from memory. Tests and toy runs use it.
type SliceStream struct {
	lines []string
	pos   int
}

func NewSliceStream(lines []string) *SliceStream {
	return &SliceStream{lines: lines}
}

func (s *SliceStream) Next() (string, bool, error) {
	if s.pos >= len(s.lines) {
		return "", false, nil
	}
	l := s.lines[s.pos]
	s.pos++
	return l, true, nil
}

func (s *SliceStream) Close() error { return nil }

// SliceStreams builds a StreamFunc over in-memory aligned fields.
func SliceStreams(fields ...[]string) StreamFunc {
	return func() ([]LineStream, error) {
		streams := make([]LineStream, len(fields))
		for i, f := range fields {
			streams[i] = NewSliceStream(f)
		}
		return streams, nil
	}
}
