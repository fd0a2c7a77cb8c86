package vad

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// constMetric reports a fixed activity value regardless of the frame.
type constMetric struct{ v float32 }

func (m *constMetric) Compute([]float32) float32 { return m.v }

func TestGateHysteresis(t *testing.T) {
	m := &constMetric{}
	g := NewGate(m, 0.3, 0.5, 3)
	frame := make([]float32, 480)

	m.v = 0.4 // between min and max: still idle
	require.False(t, g.ShouldSend(frame))

	m.v = 0.6 // above max: opens
	require.True(t, g.ShouldSend(frame))

	m.v = 0.4 // between thresholds: stays open
	require.True(t, g.ShouldSend(frame))

	m.v = 0.1 // below min: needs 3 consecutive frames to release
	require.True(t, g.ShouldSend(frame))
	require.True(t, g.ShouldSend(frame))
	require.False(t, g.ShouldSend(frame))
	require.False(t, g.Speaking())
}

func TestGateReleaseCounterResetsOnActivity(t *testing.T) {
	m := &constMetric{}
	g := NewGate(m, 0.3, 0.5, 3)
	frame := make([]float32, 480)

	m.v = 0.6
	require.True(t, g.ShouldSend(frame))

	m.v = 0.1
	require.True(t, g.ShouldSend(frame))
	require.True(t, g.ShouldSend(frame))

	m.v = 0.6 // activity resets the release countdown
	require.True(t, g.ShouldSend(frame))

	m.v = 0.1
	require.True(t, g.ShouldSend(frame))
	require.True(t, g.ShouldSend(frame))
	require.False(t, g.ShouldSend(frame))
}

func TestSNRMetricIgnoresSteadyNoiseFloor(t *testing.T) {
	m := NewSNRMetric()

	noise := constantFrame(0.01)
	m.Compute(noise) // primes the floor
	for i := 0; i < 50; i++ {
		require.Less(t, m.Compute(noise), float32(0.2), "steady noise must not read as speech")
	}

	speech := constantFrame(0.3)
	require.Greater(t, m.Compute(speech), float32(0.5), "a jump well above the floor must read as speech")
}

func TestAmplitudeMetricClamps(t *testing.T) {
	m := NewAmplitudeMetric()
	require.Equal(t, float32(1), m.Compute(constantFrame(0.9)))
	require.Zero(t, m.Compute(make([]float32, 480)))
}

func constantFrame(v float32) []float32 {
	frame := make([]float32, 480)
	for i := range frame {
		frame[i] = v
	}
	return frame
}
