// Package agc implements a simple automatic gain controller for mono
// float32 PCM frames: asymmetric attack/release smoothing toward a
// target RMS level.
package agc

import "math"

const (
	DefaultTarget = float32(0.20)
	MinGain       = float32(0.1)
	MaxGain       = float32(10.0)
	AttackCoeff   = float32(0.80)
	ReleaseCoeff  = float32(0.02)
	minRMS        = float32(0.001)
)

// AGC tracks and applies a single smoothed gain factor.
type AGC struct {
	target float32
	gain   float32
}

// New returns an AGC at unity gain targeting DefaultTarget RMS.
func New() *AGC {
	return &AGC{target: DefaultTarget, gain: 1.0}
}

// SetTarget sets the target RMS. level is in [0,100] mapping to
// [0.01, 0.50].
func (a *AGC) SetTarget(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	a.target = 0.01 + float32(level)/100.0*0.49
}

// Process applies the current gain to frame in place and updates the
// smoothed gain from the resulting level, returning frame for chaining.
func (a *AGC) Process(frame []float32) []float32 {
	var sumSq float32
	for i, s := range frame {
		v := s * a.gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		frame[i] = v
		sumSq += v * v
	}

	if len(frame) == 0 {
		return frame
	}
	rms := float32(math.Sqrt(float64(sumSq / float32(len(frame)))))
	if rms < minRMS {
		return frame
	}

	desired := a.target / rms * a.gain
	if desired > MaxGain {
		desired = MaxGain
	} else if desired < MinGain {
		desired = MinGain
	}

	if desired > a.gain {
		a.gain += (desired - a.gain) * AttackCoeff
	} else {
		a.gain += (desired - a.gain) * ReleaseCoeff
	}
	return frame
}

// Gain returns the current smoothed gain factor.
func (a *AGC) Gain() float32 { return a.gain }

// Reset returns gain to unity.
func (a *AGC) Reset() { a.gain = 1.0 }
