package meters

import "math"
import "time"

// Average accumulates a running average and tracks the most recent,
// smallest and largest observed values.
type Average struct {
	Val   float64
	Sum   float64
	Count int
	Min   float64
	Max   float64
}

func (m *Average) Update(v float64) {
	if m.Count == 0 {
		m.Min, m.Max = v, v
	}
	if v < m.Min {
		m.Min = v
	}
	if v > m.Max {
		m.Max = v
	}
	m.Val = v
	m.Sum += v
	m.Count++
}

func (m *Average) Avg() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / float64(m.Count)
}

func (m *Average) Reset() {
	*m = Average{}
}

// Speed measures throughput in units per second across Start/Stop pairs.
// Start is idempotent while a measurement is running, so callers may
// start it on every micro-batch and stop it once per update.
type Speed struct {
	n       int64
	elapsed time.Duration
	start   time.Time
	running bool
}

func (m *Speed) Start() {
	if m.running {
		return
	}
	m.start = time.Now()
	m.running = true
}

// Stop ends the running measurement and credits n units to it.
func (m *Speed) Stop(n int64) {
	if !m.running {
		return
	}
	m.n += n
	m.elapsed += time.Since(m.start)
	m.running = false
}

// Avg returns units per second over all completed measurements.
func (m *Speed) Avg() float64 {
	secs := m.elapsed.Seconds()
	if secs == 0 {
		return 0
	}
	return float64(m.n) / secs
}

func (m *Speed) Reset() {
	*m = Speed{}
}

// Stopwatch accumulates wall time across start/stop pairs.
type Stopwatch struct {
	sum     time.Duration
	start   time.Time
	running bool
}

func (m *Stopwatch) Start() {
	m.start = time.Now()
	m.running = true
}

func (m *Stopwatch) Stop() time.Duration {
	if !m.running {
		return 0
	}
	d := time.Since(m.start)
	m.sum += d
	m.running = false
	return d
}

func (m *Stopwatch) Sum() time.Duration {
	return m.sum
}

func (m *Stopwatch) Reset() {
	*m = Stopwatch{}
}

// Round truncates sub-second noise for log lines.
func Round(d time.Duration) time.Duration {
	return time.Duration(math.Floor(d.Seconds())) * time.Second
}
