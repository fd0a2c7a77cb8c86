package vad

// Metric computes a per-frame activity measure in [0,1] from a 10ms PCM
// frame. Two concrete metrics back the two configurable VAD kinds.
type Metric interface {
	Compute(frame []float32) float32
}

// AmplitudeMetric maps RMS directly into [0,1] against a fixed reference
// level, for the "amplitude" VAD kind.
type AmplitudeMetric struct {
	// Reference is the RMS level that maps to a metric of 1.0.
	Reference float32
}

// NewAmplitudeMetric returns an AmplitudeMetric with a reference level
// suited to typical speech headroom.
func NewAmplitudeMetric() *AmplitudeMetric {
	return &AmplitudeMetric{Reference: 0.3}
}

func (m *AmplitudeMetric) Compute(frame []float32) float32 {
	ref := m.Reference
	if ref <= 0 {
		ref = 0.3
	}
	v := RMS(frame) / ref
	if v > 1 {
		v = 1
	}
	return v
}

// SNRMetric tracks a slowly-adapting noise floor and reports how far a
// frame's RMS sits above it, for the "signal-to-noise" VAD kind. This is
// the Go-native replacement for an external ML noise estimator: no
// classifier, just an asymmetric envelope follower that falls quickly
// during silence and rises slowly so speech never raises its own floor.
type SNRMetric struct {
	noiseFloor float32
	primed     bool
}

// NewSNRMetric returns an unprimed SNRMetric.
func NewSNRMetric() *SNRMetric {
	return &SNRMetric{}
}

func (m *SNRMetric) Compute(frame []float32) float32 {
	rms := RMS(frame)
	if !m.primed {
		m.noiseFloor = rms
		m.primed = true
		return 0
	}
	if rms < m.noiseFloor {
		m.noiseFloor += (rms - m.noiseFloor) * 0.2
	} else {
		m.noiseFloor += (rms - m.noiseFloor) * 0.01
	}
	if m.noiseFloor < 1e-6 {
		m.noiseFloor = 1e-6
	}
	snr := rms / m.noiseFloor
	v := (snr - 1) / 5
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v
}

// Reset re-primes the noise floor on the next Compute call.
func (m *SNRMetric) Reset() { m.primed = false }

// Gate is the vadMin/vadMax hysteresis state machine: transitions
// idle->speaking when the metric exceeds vadMax, and speaking->idle only
// after the metric stays below vadMin for gateFrames consecutive frames.
type Gate struct {
	metric     Metric
	vadMin     float32
	vadMax     float32
	gateFrames int
	belowCount int
	speaking   bool
}

// NewGate builds a Gate over metric with the given hysteresis thresholds.
// gateFrames is the number of consecutive below-vadMin frames required
// before the gate releases (derived from vadGateTimeSeconds by the caller,
// since that conversion depends on the frame duration in use).
func NewGate(metric Metric, vadMin, vadMax float32, gateFrames int) *Gate {
	if gateFrames < 1 {
		gateFrames = 1
	}
	return &Gate{metric: metric, vadMin: vadMin, vadMax: vadMax, gateFrames: gateFrames}
}

// ShouldSend reports whether frame should be transmitted, updating the
// hysteresis state.
func (g *Gate) ShouldSend(frame []float32) bool {
	m := g.metric.Compute(frame)
	switch {
	case m > g.vadMax:
		g.speaking = true
		g.belowCount = 0
	case m < g.vadMin:
		g.belowCount++
		if g.belowCount >= g.gateFrames {
			g.speaking = false
		}
	default:
		g.belowCount = 0
	}
	return g.speaking
}

// Speaking reports the gate's current state without evaluating a frame.
func (g *Gate) Speaking() bool { return g.speaking }

// Reset clears the gate to idle.
func (g *Gate) Reset() {
	g.speaking = false
	g.belowCount = 0
}
