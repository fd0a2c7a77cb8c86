// Package noisegate implements a hard noise gate for mono float32 PCM
// audio: frames whose RMS sits below a configured threshold are zeroed
// outright. It runs upstream of VAD, which only decides whether to
// transmit; the gate cleans the signal itself. A short hold keeps the
// gate open across brief dips so it doesn't chop mid-word pauses.
package noisegate

import "github.com/rustyguts/mumble/audio/internal/vad"

const (
	// DefaultThreshold is the RMS level below which a frame is gated
	// (~-40 dBFS).
	DefaultThreshold = float32(0.01)

	// DefaultHold is how many 10ms frames the gate stays open after the
	// signal drops below threshold (200ms).
	DefaultHold = 20
)

// Gate zeroes frames below a threshold, with hold to avoid chatter.
type Gate struct {
	threshold float32
	hold      int
	remaining int
	enabled   bool
	open      bool
}

// New returns a Gate with DefaultThreshold and DefaultHold, enabled.
func New() *Gate {
	return &Gate{threshold: DefaultThreshold, hold: DefaultHold, enabled: true}
}

// SetEnabled enables or disables the gate; Process is a no-op while disabled.
func (g *Gate) SetEnabled(enabled bool) {
	g.enabled = enabled
	if !enabled {
		g.remaining = 0
		g.open = false
	}
}

// Enabled reports whether the gate is active.
func (g *Gate) Enabled() bool { return g.enabled }

// SetThreshold maps level in [0,100] to an RMS threshold in [0.001, 0.10].
func (g *Gate) SetThreshold(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	g.threshold = 0.001 + float32(level)/100.0*0.099
}

// Threshold returns the current RMS threshold.
func (g *Gate) Threshold() float32 { return g.threshold }

// IsOpen reports whether the gate is currently passing audio.
func (g *Gate) IsOpen() bool { return g.open }

// Process gates frame in place and returns its pre-gate RMS, useful for a
// level meter.
func (g *Gate) Process(frame []float32) float32 {
	rms := vad.RMS(frame)

	if !g.enabled {
		g.open = true
		return rms
	}

	if rms >= g.threshold {
		g.remaining = g.hold
		g.open = true
		return rms
	}

	if g.remaining > 0 {
		g.remaining--
		g.open = true
		return rms
	}

	for i := range frame {
		frame[i] = 0
	}
	g.open = false
	return rms
}

// Reset clears the hold counter without changing settings.
func (g *Gate) Reset() {
	g.remaining = 0
	g.open = false
}
