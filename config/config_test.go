package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestOverrideChainPriority(t *testing.T) {
	fromCheckpoint := Config{LR: 0.01, MaxEpoch: 10, Model: "runs/old"}
	fromFile := Config{LR: 0.005, Shuffle: 50}
	fromCLI := Config{LR: 0.002}

	// cli > file > checkpoint > defaults
	c := Resolve(fromCheckpoint, fromFile, fromCLI)

	require.Equal(t, 0.002, c.LR)
	require.Equal(t, 50, c.Shuffle)
	require.Equal(t, 10, c.MaxEpoch)
	require.Equal(t, "runs/old", c.Model)
	// untouched field falls through to defaults
	require.Equal(t, 4, c.BeamSize)
}

func TestZeroFieldsDoNotOverride(t *testing.T) {
	base := Config{LR: 0.5, BatchSize: []int{64, 4096}}
	c := Override(base, Config{})
	require.Equal(t, base, c)
}

func TestLoadFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "train.yaml", []byte(
		"train: [corpus.de, corpus.en]\nbatchSize: [4096, 65536]\nbatchBySentence: false\nlr: 0.0003\n"), 0644))

	c, err := LoadFile(fs, "train.yaml")
	require.NoError(t, err)
	require.Equal(t, []string{"corpus.de", "corpus.en"}, c.Train)
	require.Equal(t, 4096, c.PrimaryBatchSize())
	require.Equal(t, 65536, c.PaddedSizeLimit())
	require.Equal(t, 0.0003, c.LR)
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "bad.yaml", []byte("learningRate: 0.1\n"), 0644))
	_, err := LoadFile(fs, "bad.yaml")
	require.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	c := Resolve(Config{Train: []string{"a", "b"}, MaxStep: 100000})
	raw, err := c.ToJSON()
	require.NoError(t, err)
	back, err := FromJSON(raw)
	require.NoError(t, err)
	require.Equal(t, c, back)
}
