package trainer

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/hushukai/abdnmt/checkpoint"
	"github.com/hushukai/abdnmt/config"
	"github.com/hushukai/abdnmt/data"
	"github.com/hushukai/abdnmt/score"
)

func parseIDs(lines []string) (data.Record, error) {
	r := data.Record{Fields: make([][]int32, len(lines))}
	for i, l := range lines {
		for _, tok := range strings.Fields(l) {
			n, err := strconv.Atoi(tok)
			if err != nil {
				return data.Record{}, err
			}
			r.Fields[i] = append(r.Fields[i], int32(n))
		}
	}
	return r, nil
}

func corpus(n int) ([]string, []string) {
	var src, trg []string
	for i := 1; i <= n; i++ {
		src = append(src, fmt.Sprintf("%d %d", i, i))
		trg = append(trg, fmt.Sprintf("%d", i))
	}
	return src, trg
}

func trainIter(n, batch int) *data.Iterator {
	src, trg := corpus(n)
	return data.NewIterator(data.SliceStreams(src, trg), parseIDs, data.Options{
		BatchSize:       batch,
		BatchBySentence: true,
		PadIDs:          []int32{0, 0},
	})
}

func devSet(t *testing.T) *data.EvalSet {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "dev.src", []byte("1 2\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "dev.ref", []byte("a b c d\n"), 0644))
	set, err := data.NewEvalSet(fs, "dev.src", []string{"dev.ref"},
		func(line string) []int32 { return []int32{1, 2} }, 8, 0)
	require.NoError(t, err)
	return set
}

type loopRig struct {
	*rig
	fs    afero.Fs
	state *checkpoint.State
	loop  *Loop
}

func newLoopRig(t *testing.T, fs afero.Fs, cfg config.Config, withDev bool) *loopRig {
	t.Helper()
	r := newRig([]scripted{{loss: 2, size: 4}}, 0)
	if withDev {
		r.model.hyps = [][]string{{"a", "b", "c", "d"}}
	}
	raw, err := cfg.ToJSON()
	require.NoError(t, err)
	st := checkpoint.New(fs, checkpoint.Options{
		Dir:          cfg.Model,
		SaveSteps:    cfg.SaveCheckpointSteps,
		SaveInterval: time.Duration(cfg.SaveCheckpointSecs) * time.Second,
		KeepMax:      cfg.KeepCheckpointMax,
		KeepBestMax:  cfg.KeepBestCheckpointMax,
	}, raw, map[string]checkpoint.Stateful{
		"model":     r.model,
		"optimizer": r.opt,
	}, nil)
	st.Progress.SeedBase = cfg.Seed

	l := &Loop{
		Cfg:     cfg,
		Trainer: r.tr,
		Iter:    trainIter(6, cfg.PrimaryBatchSize()),
		State:   st,
		Scorer:  score.NewBLEU(),
	}
	if withDev {
		l.Dev = devSet(t)
	}
	return &loopRig{rig: r, fs: fs, state: st, loop: l}
}

func baseCfg() config.Config {
	return config.Resolve(config.Config{
		Model:                 "run",
		Seed:                  11,
		BatchSize:             []int{1},
		BatchBySentence:       true,
		Accumulate:            1,
		MaxEpoch:              100,
		SaveCheckpointSteps:   1,
		KeepCheckpointMax:     50,
		KeepBestCheckpointMax: 1,
		EvalSteps:             2,
		Shuffle:               -1,
	})
}

func TestLoopRunsEpochs(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxEpoch = 2
	cfg.EvalSteps = 3
	lr := newLoopRig(t, afero.NewMemMapFs(), cfg, true)

	require.NoError(t, lr.loop.Run())

	p := lr.state.Progress
	require.Equal(t, 2, p.Epoch)
	require.Equal(t, int64(12), p.Step) // 6 sentences, batch of 1, 2 epochs
	// eval at steps 3, 6, 9, 12 plus the final pass
	require.Len(t, p.EvalScores, 5)
	require.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, lr.sched.updateSteps)
	// epoch-end scheduler step gets the negated latest score
	require.NotEmpty(t, lr.sched.epochSteps)
	require.InDelta(t, -100.0, lr.sched.epochSteps[0], 1e-6)
}

func TestLoopStopsAtMaxStepMidEpoch(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxStep = 4
	cfg.EvalSteps = 0
	lr := newLoopRig(t, afero.NewMemMapFs(), cfg, false)

	require.NoError(t, lr.loop.Run())

	p := lr.state.Progress
	require.Equal(t, int64(4), p.Step)
	// the interrupted epoch's counter must not advance
	require.Equal(t, 0, p.Epoch)
	require.Equal(t, int64(4), p.StepInEpoch)
}

func TestLoopAccumulationGating(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxEpoch = 1
	cfg.Accumulate = 3
	cfg.EvalSteps = 0
	lr := newLoopRig(t, afero.NewMemMapFs(), cfg, false)

	require.NoError(t, lr.loop.Run())

	// 6 batches with accumulate=3 make exactly 2 updates
	require.Equal(t, int64(2), lr.state.Progress.Step)
	require.Equal(t, 2, lr.opt.steps)
}

func TestLoopReseedsPerStep(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxStep = 3
	cfg.EvalSteps = 0
	lr := newLoopRig(t, afero.NewMemMapFs(), cfg, false)

	require.NoError(t, lr.loop.Run())

	// seed base 11 plus the global step at the time of each micro-batch
	require.Equal(t, []int64{11, 11, 12, 13}, lr.model.seeds)
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	fs := afero.NewMemMapFs()

	// interrupted segment: stops at step 3, checkpoint saved every step
	cfg := baseCfg()
	cfg.MaxStep = 3
	cfg.EvalSteps = 0
	first := newLoopRig(t, fs, cfg, false)
	require.NoError(t, first.loop.Run())

	// resumed segment on a fresh rig over the same directory
	cfg.MaxStep = 6
	resumed := newLoopRig(t, fs, cfg, false)
	snap, _, err := checkpoint.Latest(fs, "run")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.NoError(t, resumed.state.Restore(snap))
	require.NoError(t, resumed.loop.Run())

	// uninterrupted reference run
	ref := newLoopRig(t, afero.NewMemMapFs(), cfg, false)
	require.NoError(t, ref.loop.Run())

	require.Equal(t, ref.state.Progress.Step, resumed.state.Progress.Step)
	require.Equal(t, ref.state.Progress.Epoch, resumed.state.Progress.Epoch)
	require.Equal(t, ref.state.Progress.StepInEpoch, resumed.state.Progress.StepInEpoch)
	require.Equal(t, len(ref.state.Progress.EvalScores), len(resumed.state.Progress.EvalScores))
	// optimizer updates are deterministic, so parameters agree too
	require.InDelta(t, ref.model.params[0].Value[0], resumed.model.params[0].Value[0], 1e-12)
	// run identity survives the resume
	require.Equal(t, first.state.RunID(), resumed.state.RunID())
}

func TestEvaluateScoresPerfectHypotheses(t *testing.T) {
	lr := newLoopRig(t, afero.NewMemMapFs(), baseCfg(), true)
	val, err := lr.tr.Evaluate(lr.loop.Dev, 4, score.NewBLEU(), false, false)
	require.NoError(t, err)
	require.InDelta(t, 100.0, val, 1e-6)
}

func TestEvaluateR2L(t *testing.T) {
	lr := newLoopRig(t, afero.NewMemMapFs(), baseCfg(), true)
	// right-to-left decoding emits the hypothesis reversed
	lr.model.hyps = [][]string{{"d", "c", "b", "a"}}
	val, err := lr.tr.Evaluate(lr.loop.Dev, 4, score.NewBLEU(), true, false)
	require.NoError(t, err)
	require.InDelta(t, 100.0, val, 1e-6)
}
