package meters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAverage(t *testing.T) {
	var m Average
	require.Equal(t, 0.0, m.Avg())

	m.Update(2)
	m.Update(4)
	m.Update(6)

	require.Equal(t, 6.0, m.Val)
	require.Equal(t, 4.0, m.Avg())
	require.Equal(t, 2.0, m.Min)
	require.Equal(t, 6.0, m.Max)
	require.Equal(t, 3, m.Count)

	m.Reset()
	require.Equal(t, 0, m.Count)
	require.Equal(t, 0.0, m.Avg())
}

func TestAverageMinMaxFirstValue(t *testing.T) {
	var m Average
	m.Update(-3)
	require.Equal(t, -3.0, m.Min)
	require.Equal(t, -3.0, m.Max)
}

func TestSpeed(t *testing.T) {
	var m Speed
	m.Start()
	time.Sleep(10 * time.Millisecond)
	// second Start while running must not restart the clock
	m.Start()
	m.Stop(100)

	require.Greater(t, m.Avg(), 0.0)
	// 100 units over at least 10ms: at most 10k units/sec
	require.LessOrEqual(t, m.Avg(), 10000.0)

	// Stop without Start is a no-op
	m.Stop(1000000)
	avg := m.Avg()
	m.Stop(1000000)
	require.Equal(t, avg, m.Avg())

	m.Reset()
	require.Equal(t, 0.0, m.Avg())
}

func TestStopwatch(t *testing.T) {
	var m Stopwatch
	require.Equal(t, time.Duration(0), m.Stop())

	m.Start()
	time.Sleep(5 * time.Millisecond)
	d := m.Stop()
	require.Greater(t, d, time.Duration(0))
	require.Equal(t, d, m.Sum())

	m.Start()
	time.Sleep(5 * time.Millisecond)
	m.Stop()
	require.Greater(t, m.Sum(), d)
}
