package checkpoint

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Version identifies the snapshot layout.
const Version = 1

// Snapshot is one immutable persisted checkpoint record.
type Snapshot struct {
	Version int       `json:"version"`
	RunID   string    `json:"runId"`
	SavedAt time.Time `json:"savedAt"`
	// Step duplicates Progress.Step so retention scans stay cheap to reason
	// about; the filename carries it too.
	Step  int64    `json:"step"`
	Score *float64 `json:"score,omitempty"`
	// Config is the resolved training configuration the snapshot was
	// produced under.
	Config   json.RawMessage `json:"config,omitempty"`
	Progress Progress        `json:"progress"`
	// States holds the opaque serialized sub-states of the model,
	// optimizer, scheduler and vocabularies.
	States map[string][]byte `json:"states"`
}

var snapshotName = regexp.MustCompile(`^checkpoint-(\d+)\.json$`)

func fileName(step int64) string {
	return fmt.Sprintf("checkpoint-%012d.json", step)
}

type entry struct {
	name    string
	step    int64
	score   float64
	scored  bool
	savedAt time.Time
}

// scan reads the metadata of every snapshot under dir.
func scan(fs afero.Fs, dir string) ([]entry, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", dir)
	}
	var out []entry
	for _, info := range infos {
		if info.IsDir() || !snapshotName.MatchString(info.Name()) {
			continue
		}
		snap, err := read(fs, path.Join(dir, info.Name()))
		if err != nil {
			return nil, err
		}
		e := entry{name: info.Name(), step: snap.Step, savedAt: snap.SavedAt}
		if snap.Score != nil {
			e.score = *snap.Score
			e.scored = true
		}
		out = append(out, e)
	}
	return out, nil
}

func read(fs afero.Fs, p string) (*Snapshot, error) {
	raw, err := afero.ReadFile(fs, p)
	if err != nil {
		return nil, errors.Wrapf(err, "read snapshot %s", p)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, errors.Wrapf(err, "decode snapshot %s", p)
	}
	if snap.Version != Version {
		return nil, errors.Errorf("snapshot %s has version %d, want %d", p, snap.Version, Version)
	}
	return &snap, nil
}

// Latest locates the most recent snapshot under dir by step and save time,
// not by filesystem order. It returns (nil, "", nil) when dir holds no
// snapshot, which callers treat as a fresh start.
func Latest(fs afero.Fs, dir string) (*Snapshot, string, error) {
	ok, err := afero.DirExists(fs, dir)
	if err != nil {
		return nil, "", errors.Wrapf(err, "stat %s", dir)
	}
	if !ok {
		return nil, "", nil
	}
	entries, err := scan(fs, dir)
	if err != nil {
		return nil, "", err
	}
	if len(entries) == 0 {
		return nil, "", nil
	}
	latest := entries[0]
	for _, e := range entries[1:] {
		if e.step > latest.step || (e.step == latest.step && e.savedAt.After(latest.savedAt)) {
			latest = e
		}
	}
	p := path.Join(dir, latest.name)
	snap, err := read(fs, p)
	if err != nil {
		return nil, "", err
	}
	return snap, p, nil
}
