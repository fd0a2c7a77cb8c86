// Package aec implements a normalized-LMS acoustic echo canceller for
// mono float32 PCM: the far-end (playback) signal is fed in continuously,
// and Process subtracts the adaptive filter's echo estimate from the
// near-end (microphone) signal.
package aec

import "sync"

const (
	// DefaultDelaySamples is the assumed bulk delay between playback and
	// its acoustic return at the mic, at 48kHz (40ms).
	DefaultDelaySamples = 1920
	// DefaultTaps is the adaptive filter length, at 48kHz (10ms).
	DefaultTaps = 480
	// DefaultStep is the NLMS step size (mu).
	DefaultStep = 0.1

	epsilon = 1e-6
)

// AEC cancels linear echo via NLMS.
type AEC struct {
	mu      sync.Mutex
	enabled bool

	weights []float64
	tapLen  int
	step    float64

	farBuf    []float32
	farHead   int
	bufLen    int
	delayLen  int
	frameSize int
}

// New returns an AEC sized for frameSize-sample frames, disabled.
func New(frameSize int) *AEC {
	bufLen := DefaultDelaySamples + DefaultTaps + frameSize
	return &AEC{
		weights:   make([]float64, DefaultTaps),
		tapLen:    DefaultTaps,
		step:      DefaultStep,
		farBuf:    make([]float32, bufLen),
		bufLen:    bufLen,
		delayLen:  DefaultDelaySamples,
		frameSize: frameSize,
	}
}

// SetEnabled enables or disables cancellation, resetting the adaptive
// filter on enable so stale coefficients from before a gap don't cause
// artifacts.
func (a *AEC) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
	if enabled {
		for i := range a.weights {
			a.weights[i] = 0
		}
	}
}

// Enabled reports whether cancellation is active.
func (a *AEC) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// FeedFarEnd records a frame about to be played out, to later serve as
// the echo reference. Called from the playback path.
func (a *AEC) FeedFarEnd(frame []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range frame {
		a.farBuf[a.farHead] = s
		a.farHead = (a.farHead + 1) % a.bufLen
	}
}

// Process cancels echo from frame in place. Called from the capture path.
func (a *AEC) Process(frame []float32) {
	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return
	}
	ref := make([]float32, len(frame)+a.tapLen)
	// window ending delayLen samples behind the current far-end write head
	start := (a.farHead - a.delayLen - len(ref) + 2*a.bufLen) % a.bufLen
	for i := range ref {
		ref[i] = a.farBuf[(start+i)%a.bufLen]
	}
	weights := a.weights
	step := a.step
	a.mu.Unlock()

	for n := range frame {
		var y float64
		var power float64
		for k := 0; k < a.tapLen; k++ {
			x := float64(ref[n+a.tapLen-1-k])
			y += weights[k] * x
			power += x * x
		}
		e := float64(frame[n]) - y
		norm := step * e / (power + epsilon)
		for k := 0; k < a.tapLen; k++ {
			x := float64(ref[n+a.tapLen-1-k])
			weights[k] += norm * x
		}
		frame[n] = float32(e)
	}
}
