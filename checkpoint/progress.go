package checkpoint

// ScorePoint is one validation event: the score and the global step at
// which it was measured.
type ScorePoint struct {
	Step  int64   `json:"step"`
	Score float64 `json:"score"`
}

// Progress holds the run's counters. It is owned by the checkpoint state
// machine; the executor and pipeline never mutate it directly.
type Progress struct {
	// Epoch is 0-based.
	Epoch          int          `json:"epoch"`
	Step           int64        `json:"step"`
	StepInEpoch    int64        `json:"stepInEpoch"`
	EvalScores     []ScorePoint `json:"evalScores"`
	ElapsedSeconds float64      `json:"elapsedSeconds"`
	SeedBase       int64        `json:"seedBase"`
}

// IncreaseStep advances the global and per-epoch step counters after one
// successful parameter update.
func (p *Progress) IncreaseStep() {
	p.Step++
	p.StepInEpoch++
}

// IncreaseEpoch advances the epoch counter and resets the per-epoch step.
func (p *Progress) IncreaseEpoch() {
	p.Epoch++
	p.StepInEpoch = 0
}

// AddValidScore appends one validation event at the current global step.
func (p *Progress) AddValidScore(score float64) {
	p.EvalScores = append(p.EvalScores, ScorePoint{Step: p.Step, Score: score})
}

// LatestScore returns the most recent validation score.
func (p *Progress) LatestScore() (float64, bool) {
	if len(p.EvalScores) == 0 {
		return 0, false
	}
	return p.EvalScores[len(p.EvalScores)-1].Score, true
}

// Best returns the maximum validation score and the step it occurred at.
func (p *Progress) Best() (ScorePoint, bool) {
	if len(p.EvalScores) == 0 {
		return ScorePoint{}, false
	}
	best := p.EvalScores[0]
	for _, sp := range p.EvalScores[1:] {
		if sp.Score > best.Score {
			best = sp
		}
	}
	return best, true
}
