// Package eventlog appends scalar training metrics keyed by global step to
// a JSON-lines file. It is the write-only side channel an external
// dashboard tails; the training core never reads it back.
package eventlog

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Scalar is one metric observation.
type Scalar struct {
	Tag   string  `json:"tag"`
	Step  int64   `json:"step"`
	Value float64 `json:"value"`
	Time  int64   `json:"time"`
}

type Writer struct {
	mu  sync.Mutex
	f   afero.File
	enc *json.Encoder
	now func() time.Time
}

// NewWriter opens path for appending, creating it if needed.
func NewWriter(fs afero.Fs, path string) (*Writer, error) {
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open event log %s", path)
	}
	return &Writer{f: f, enc: json.NewEncoder(f), now: time.Now}, nil
}

// AddScalar appends one observation. Each line is flushed on write so a
// crash loses at most the line being written.
func (w *Writer) AddScalar(tag string, step int64, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.enc.Encode(Scalar{Tag: tag, Step: step, Value: value, Time: w.now().Unix()})
	return errors.Wrapf(err, "append scalar %s", tag)
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
