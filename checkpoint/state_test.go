package checkpoint

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	state []byte
}

func (f *fakeSub) StateDict() ([]byte, error)  { return f.state, nil }
func (f *fakeSub) LoadStateDict(b []byte) error { f.state = append([]byte(nil), b...); return nil }

func newTestState(t *testing.T, fs afero.Fs, opts Options) *State {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = "run"
	}
	return New(fs, opts, json.RawMessage(`{"lr":0.001}`), map[string]Stateful{
		"model": &fakeSub{state: []byte(`"weights"`)},
	}, nil)
}

func files(t *testing.T, fs afero.Fs, dir string) []string {
	t.Helper()
	infos, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	var names []string
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names
}

func TestFreshStartWhenNoCheckpoint(t *testing.T) {
	fs := afero.NewMemMapFs()
	snap, p, err := Latest(fs, "missing")
	require.NoError(t, err)
	require.Nil(t, snap)
	require.Empty(t, p)
}

func TestSaveAndResume(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestState(t, fs, Options{KeepMax: 3})
	s.Progress.SeedBase = 42
	for i := 0; i < 5; i++ {
		s.Progress.IncreaseStep()
	}
	s.Progress.AddValidScore(11.5)
	s.Progress.IncreaseEpoch()
	require.NoError(t, s.Save())

	snap, p, err := Latest(fs, "run")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.True(t, strings.HasSuffix(p, fileName(5)))

	fs2 := afero.NewMemMapFs()
	resumed := newTestState(t, fs2, Options{})
	require.NoError(t, resumed.Restore(snap))
	require.Equal(t, int64(5), resumed.Progress.Step)
	require.Equal(t, 1, resumed.Progress.Epoch)
	require.Equal(t, int64(0), resumed.Progress.StepInEpoch)
	require.Equal(t, int64(42), resumed.Progress.SeedBase)
	require.Equal(t, s.RunID(), resumed.RunID())
	require.Len(t, resumed.Progress.EvalScores, 1)
}

func TestRestoreSubStates(t *testing.T) {
	fs := afero.NewMemMapFs()
	model := &fakeSub{state: []byte(`"trained"`)}
	s := New(fs, Options{Dir: "run"}, nil, map[string]Stateful{"model": model}, nil)
	s.Progress.IncreaseStep()
	require.NoError(t, s.Save())

	snap, _, err := Latest(fs, "run")
	require.NoError(t, err)

	fresh := &fakeSub{state: []byte(`"fresh"`)}
	s2 := New(fs, Options{Dir: "run"}, nil, map[string]Stateful{"model": fresh}, nil)
	require.NoError(t, s2.Restore(snap))
	require.Equal(t, `"trained"`, string(fresh.state))
}

// saves at steps 10 (score 20), 20 (score 15), 30 (score 25) with
// keepMax=2, keepBestMax=1 leave exactly {20, 30} on disk
func TestRetentionScenario(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestState(t, fs, Options{KeepMax: 2, KeepBestMax: 1})

	save := func(step int64, score float64) {
		for s.Progress.Step < step {
			s.Progress.IncreaseStep()
		}
		s.Progress.AddValidScore(score)
		require.NoError(t, s.Save())
	}
	save(10, 20)
	save(20, 15)
	save(30, 25)

	names := files(t, fs, "run")
	require.ElementsMatch(t, []string{fileName(20), fileName(30)}, names)
}

func TestBestIsProtectedFromRecencyPruning(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestState(t, fs, Options{KeepMax: 1, KeepBestMax: 1})

	save := func(step int64, score float64) {
		for s.Progress.Step < step {
			s.Progress.IncreaseStep()
		}
		s.Progress.AddValidScore(score)
		require.NoError(t, s.Save())
	}
	save(10, 99) // best forever
	save(20, 1)
	save(30, 2)

	names := files(t, fs, "run")
	require.ElementsMatch(t, []string{fileName(10), fileName(30)}, names)
}

func TestRetentionBound(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestState(t, fs, Options{KeepMax: 3, KeepBestMax: 2})
	for i := 1; i <= 10; i++ {
		s.Progress.IncreaseStep()
		s.Progress.AddValidScore(float64(i % 4))
		require.NoError(t, s.Save())
	}
	require.LessOrEqual(t, len(files(t, fs, "run")), 5)
}

func TestNoTmpFileLeftBehind(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestState(t, fs, Options{})
	s.Progress.IncreaseStep()
	require.NoError(t, s.Save())
	for _, name := range files(t, fs, "run") {
		require.False(t, strings.HasSuffix(name, ".tmp"), name)
	}
}

func TestTrySaveTriggers(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestState(t, fs, Options{SaveSteps: 3, SaveInterval: time.Hour})

	now := time.Unix(1000, 0)
	s.clock = func() time.Time { return now }
	s.lastSaveTime = now

	saved, err := s.TrySave()
	require.NoError(t, err)
	require.False(t, saved, "no trigger satisfied yet")

	// step trigger
	for i := 0; i < 3; i++ {
		s.Progress.IncreaseStep()
	}
	saved, err = s.TrySave()
	require.NoError(t, err)
	require.True(t, saved)

	saved, err = s.TrySave()
	require.NoError(t, err)
	require.False(t, saved, "step delta reset after save")

	// time trigger
	now = now.Add(2 * time.Hour)
	saved, err = s.TrySave()
	require.NoError(t, err)
	require.True(t, saved)
}

func TestLatestPicksHighestStep(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestState(t, fs, Options{})
	for i := 0; i < 7; i++ {
		s.Progress.IncreaseStep()
		require.NoError(t, s.Save())
	}
	snap, _, err := Latest(fs, "run")
	require.NoError(t, err)
	require.Equal(t, int64(7), snap.Step)
}

func TestBestReport(t *testing.T) {
	var p Progress
	_, ok := p.Best()
	require.False(t, ok)

	p.Step = 10
	p.AddValidScore(20)
	p.Step = 20
	p.AddValidScore(15)
	p.Step = 30
	p.AddValidScore(25)

	best, ok := p.Best()
	require.True(t, ok)
	require.Equal(t, 25.0, best.Score)
	require.Equal(t, int64(30), best.Step)
	require.Len(t, p.EvalScores, 3)
}
