// Package config resolves the layered configuration override chain
// (command line > config files > resumed-checkpoint config > defaults)
// into one immutable value before the training core starts. The core never
// re-reads raw configuration.
package config

import (
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	yaml "gopkg.in/yaml.v2"
)

// Config is the resolved training configuration. Zero-valued fields count
// as unset during layering.
type Config struct {
	// Train holds the source and target training files, in field order.
	Train []string `yaml:"train" json:"train"`
	// Dev holds the dev source followed by one or more reference files.
	Dev []string `yaml:"dev" json:"dev"`
	// Vocab holds one vocabulary file per field.
	Vocab     []string `yaml:"vocab" json:"vocab"`
	VocabSize []int    `yaml:"vocabSize" json:"vocabSize"`
	// Model is the run directory: checkpoints, event log, resolved config.
	Model string `yaml:"model" json:"model"`
	Seed  int64  `yaml:"seed" json:"seed"`

	BufferSize int `yaml:"bufferSize" json:"bufferSize"`
	NumWorkers int `yaml:"numWorkers" json:"numWorkers"`
	// Shuffle is the shuffle window capacity; 0 or negative disables it.
	Shuffle      int   `yaml:"shuffle" json:"shuffle"`
	LengthLimit  []int `yaml:"lengthLimit" json:"lengthLimit"`
	// BatchSize is the primary batch limit, optionally followed by the
	// padded-size cap.
	BatchSize        []int `yaml:"batchSize" json:"batchSize"`
	BatchBySentence  bool  `yaml:"batchBySentence" json:"batchBySentence"`
	SortBufferFactor int   `yaml:"sortBufferFactor" json:"sortBufferFactor"`

	Accumulate int     `yaml:"accumulate" json:"accumulate"`
	ClipNorm   float64 `yaml:"clipNorm" json:"clipNorm"`
	LR         float64 `yaml:"lr" json:"lr"`
	MinLR      float64 `yaml:"minLR" json:"minLR"`
	MaxEpoch   int     `yaml:"maxEpoch" json:"maxEpoch"`
	MaxStep    int64   `yaml:"maxStep" json:"maxStep"`

	EvalSteps     int64 `yaml:"evalSteps" json:"evalSteps"`
	EvalBatchSize int   `yaml:"evalBatchSize" json:"evalBatchSize"`
	BeamSize      int   `yaml:"beamSize" json:"beamSize"`
	// R2L marks a model trained on reversed target sequences; the
	// evaluation path re-reverses hypotheses before scoring.
	R2L bool `yaml:"r2l" json:"r2l"`
	// BPE marks subword-encoded targets the evaluation path joins back.
	BPE bool `yaml:"bpe" json:"bpe"`

	SaveCheckpointSecs    int   `yaml:"saveCheckpointSecs" json:"saveCheckpointSecs"`
	SaveCheckpointSteps   int64 `yaml:"saveCheckpointSteps" json:"saveCheckpointSteps"`
	KeepCheckpointMax     int   `yaml:"keepCheckpointMax" json:"keepCheckpointMax"`
	KeepBestCheckpointMax int   `yaml:"keepBestCheckpointMax" json:"keepBestCheckpointMax"`

	HiddenSize int `yaml:"hiddenSize" json:"hiddenSize"`
}

// Defaults is the lowest layer of the chain.
func Defaults() Config {
	return Config{
		Seed:                  1,
		BufferSize:            1024,
		NumWorkers:            1,
		Shuffle:               100000,
		BatchSize:             []int{80},
		SortBufferFactor:      8,
		Accumulate:            1,
		ClipNorm:              5,
		LR:                    0.001,
		MaxEpoch:              100,
		EvalSteps:             1000,
		EvalBatchSize:         32,
		BeamSize:              4,
		SaveCheckpointSecs:    1800,
		SaveCheckpointSteps:   5000,
		KeepCheckpointMax:     5,
		KeepBestCheckpointMax: 1,
		HiddenSize:            64,
	}
}

// Override copies every non-zero field of over onto base and returns the
// result. Later layers win.
func Override(base, over Config) Config {
	bv := reflect.ValueOf(&base).Elem()
	ov := reflect.ValueOf(over)
	for i := 0; i < ov.NumField(); i++ {
		f := ov.Field(i)
		if !f.IsZero() {
			bv.Field(i).Set(f)
		}
	}
	return base
}

// Resolve applies the override chain in increasing priority on top of
// Defaults.
func Resolve(layers ...Config) Config {
	out := Defaults()
	for _, l := range layers {
		out = Override(out, l)
	}
	return out
}

// LoadFile reads one YAML config layer.
func LoadFile(fs afero.Fs, path string) (Config, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	var c Config
	if err := yaml.UnmarshalStrict(raw, &c); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	return c, nil
}

// FromJSON decodes the configuration embedded in a checkpoint.
func FromJSON(raw []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return Config{}, errors.Wrap(err, "parse checkpointed config")
	}
	return c, nil
}

// ToJSON encodes the resolved configuration for embedding in checkpoints.
func (c Config) ToJSON() ([]byte, error) {
	raw, err := json.Marshal(c)
	return raw, errors.Wrap(err, "encode config")
}

// PrimaryBatchSize is the sentence or token budget per batch.
func (c Config) PrimaryBatchSize() int {
	if len(c.BatchSize) == 0 {
		return 1
	}
	return c.BatchSize[0]
}

// PaddedSizeLimit is the optional secondary cap; zero when unset.
func (c Config) PaddedSizeLimit() int {
	if len(c.BatchSize) < 2 {
		return 0
	}
	return c.BatchSize[1]
}
