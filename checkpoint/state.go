package checkpoint

import (
	"encoding/json"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Stateful is a collaborator whose opaque sub-state travels inside every
// snapshot: the model, optimizer, scheduler and vocabularies.
type Stateful interface {
	StateDict() ([]byte, error)
	LoadStateDict([]byte) error
}

// Options configure the save triggers and the retention policy.
type Options struct {
	Dir string
	// SaveInterval triggers a save once this much wall time passed since
	// the last one. Zero disables the time trigger.
	SaveInterval time.Duration
	// SaveSteps triggers a save once this many global steps passed since
	// the last one. Zero disables the step trigger.
	SaveSteps int64
	// KeepMax bounds the most-recent snapshots kept; zero or negative
	// keeps all.
	KeepMax int
	// KeepBestMax bounds the best-scoring snapshots kept, independently of
	// recency. A snapshot in both sets is stored once.
	KeepBestMax int
}

// State is the checkpoint state machine. It owns Progress and is the only
// component allowed to mutate it.
type State struct {
	Progress *Progress

	fs   afero.Fs
	opts Options
	log  *zap.SugaredLogger

	runID  string
	config json.RawMessage
	subs   map[string]Stateful

	// mu quiesces collaborator updates while a snapshot is serialized.
	mu           sync.Mutex
	lastSaveTime time.Time
	lastSaveStep int64
	started      time.Time
	baseElapsed  float64
	clock        func() time.Time
}

// New builds a fresh state machine. config is the resolved training
// configuration to embed in every snapshot; subs maps sub-state names to
// their owners.
func New(fs afero.Fs, opts Options, config json.RawMessage, subs map[string]Stateful, log *zap.SugaredLogger) *State {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &State{
		Progress: &Progress{},
		fs:       fs,
		opts:     opts,
		log:      log,
		runID:    uuid.New().String(),
		config:   config,
		subs:     subs,
		clock:    time.Now,
	}
	s.started = s.clock()
	s.lastSaveTime = s.started
	return s
}

func (s *State) RunID() string { return s.runID }

// Elapsed is the cumulative run time including previous resumed segments.
func (s *State) Elapsed() time.Duration {
	return time.Duration((s.baseElapsed + s.clock().Sub(s.started).Seconds()) * float64(time.Second))
}

// Restore applies a previously loaded snapshot: progress counters, run
// identity and every registered sub-state. Missing checkpoints never reach
// here; the caller falls back to fresh-start initialization instead.
func (s *State) Restore(snap *Snapshot) error {
	prog := snap.Progress
	s.Progress = &prog
	s.runID = snap.RunID
	s.baseElapsed = snap.Progress.ElapsedSeconds
	s.started = s.clock()
	s.lastSaveTime = s.started
	s.lastSaveStep = snap.Step
	for name, raw := range snap.States {
		sub, ok := s.subs[name]
		if !ok {
			s.log.Warnf("snapshot carries unknown sub-state %q, ignoring", name)
			continue
		}
		if err := sub.LoadStateDict(raw); err != nil {
			return errors.Wrapf(err, "restore sub-state %q", name)
		}
	}
	for name := range s.subs {
		if _, ok := snap.States[name]; !ok {
			s.log.Warnf("snapshot misses sub-state %q, keeping fresh initialization", name)
		}
	}
	return nil
}

// TrySave saves when either trigger fires: enough wall time or enough
// steps since the last save.
func (s *State) TrySave() (bool, error) {
	due := false
	if s.opts.SaveSteps > 0 && s.Progress.Step-s.lastSaveStep >= s.opts.SaveSteps {
		due = true
	}
	if s.opts.SaveInterval > 0 && s.clock().Sub(s.lastSaveTime) >= s.opts.SaveInterval {
		due = true
	}
	if !due {
		return false, nil
	}
	return true, s.Save()
}

// Save captures and publishes one snapshot, then prunes per retention.
// The write goes to a temporary name first so a crash mid-save never
// corrupts the previously published checkpoint.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(s.opts.Dir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", s.opts.Dir)
	}

	now := s.clock()
	s.Progress.ElapsedSeconds = s.baseElapsed + now.Sub(s.started).Seconds()

	snap := Snapshot{
		Version:  Version,
		RunID:    s.runID,
		SavedAt:  now,
		Step:     s.Progress.Step,
		Config:   s.config,
		Progress: *s.Progress,
		States:   make(map[string][]byte, len(s.subs)),
	}
	if score, ok := s.Progress.LatestScore(); ok {
		snap.Score = &score
	}
	for name, sub := range s.subs {
		raw, err := sub.StateDict()
		if err != nil {
			return errors.Wrapf(err, "serialize sub-state %q", name)
		}
		snap.States[name] = raw
	}

	raw, err := json.Marshal(&snap)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	final := path.Join(s.opts.Dir, fileName(snap.Step))
	tmp := final + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, raw, 0644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		return errors.Wrapf(err, "publish %s", final)
	}

	s.lastSaveTime = now
	s.lastSaveStep = snap.Step
	s.log.Infof("saved checkpoint %s (%s)", final, humanize.Bytes(uint64(len(raw))))

	return s.prune()
}

// prune deletes snapshots belonging to neither the most-recent set nor the
// best-scoring set.
func (s *State) prune() error {
	entries, err := scan(s.fs, s.opts.Dir)
	if err != nil {
		return err
	}
	keep := make(map[string]bool)

	if s.opts.KeepMax > 0 {
		byStep := append([]entry(nil), entries...)
		sort.Slice(byStep, func(i, j int) bool { return byStep[i].step > byStep[j].step })
		for i := 0; i < len(byStep) && i < s.opts.KeepMax; i++ {
			keep[byStep[i].name] = true
		}
	} else {
		for _, e := range entries {
			keep[e.name] = true
		}
	}

	if s.opts.KeepBestMax > 0 {
		byScore := append([]entry(nil), entries...)
		sort.Slice(byScore, func(i, j int) bool {
			a, b := byScore[i], byScore[j]
			if a.scored != b.scored {
				return a.scored
			}
			if a.score != b.score {
				return a.score > b.score
			}
			return a.step > b.step
		})
		for i := 0; i < len(byScore) && i < s.opts.KeepBestMax; i++ {
			keep[byScore[i].name] = true
		}
	}

	for _, e := range entries {
		if keep[e.name] {
			continue
		}
		if err := s.fs.Remove(path.Join(s.opts.Dir, e.name)); err != nil {
			return errors.Wrapf(err, "prune %s", e.name)
		}
		s.log.Debugf("pruned checkpoint %s", e.name)
	}
	return nil
}
