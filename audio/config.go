// Package audio implements the capture-side input pipeline (preprocess,
// VAD-gate, encode, packetize) and the playback-side mixer (per-speaker
// jitter-buffered decode, additive mix, resample to device rate), built
// around the protocol's 10ms/480-sample frame at 48kHz. The input
// pipeline takes capture frames already at 48kHz; it has no resampling
// step of its own.
package audio

import "github.com/rustyguts/mumble/jitter"

// SampleRate is the protocol's fixed internal processing rate.
const SampleRate = 48000

// FrameSize is one 10ms frame of mono PCM at SampleRate: 480 samples.
const FrameSize = 480

// Codec selects which voice codec the pipeline encodes with; the decode
// side always follows whatever codec tagged an inbound packet.
type Codec int

const (
	CodecCELT Codec = iota
	CodecSpeex
	CodecOpus
)

func (c Codec) String() string {
	switch c {
	case CodecSpeex:
		return "speex"
	case CodecOpus:
		return "opus"
	default:
		return "celt"
	}
}

func (c Codec) jitterCodec() jitter.Codec {
	switch c {
	case CodecSpeex:
		return jitter.CodecSpeex
	case CodecOpus:
		return jitter.CodecOpus
	default:
		return jitter.CodecCeltAlpha
	}
}

// TransmitType controls when the input pipeline transmits captured audio.
type TransmitType int

const (
	// TransmitVAD transmits only while the VAD gate (or a push-to-talk
	// override) is open.
	TransmitVAD TransmitType = iota
	// TransmitToggle transmits only while forceTransmit is set (a
	// press-to-toggle mic switch), ignoring the VAD gate.
	TransmitToggle
	// TransmitContinuous always transmits.
	TransmitContinuous
)

// VADKind selects the metric the VAD gate evaluates against vadMin/vadMax.
type VADKind int

const (
	VADAmplitude VADKind = iota
	VADSignalToNoise
)

// Config holds every tunable the input pipeline and mixer consume,
// collected into one JSON-serializable struct so client.Options can
// embed it.
type Config struct {
	Codec        Codec        `json:"codec"`
	TransmitType TransmitType `json:"transmit_type"`

	VADKind            VADKind `json:"vad_kind"`
	VADMin             float64 `json:"vad_min"`
	VADMax             float64 `json:"vad_max"`
	VADGateTimeSeconds float64 `json:"vad_gate_time_seconds"`

	Quality        int `json:"quality"`          // target bitrate hint, bps
	AudioPerPacket int `json:"audio_per_packet"` // 10ms frames per packet, 1..6

	NoiseSuppression int `json:"noise_suppression"` // preprocessor strength, 0..100
	Amplification    int `json:"amplification"`     // AGC target level, 0..100
	MicBoost         int `json:"mic_boost"`         // 0..100

	JitterBufferSize int `json:"jitter_buffer_size"` // max ms queued per speaker

	Volume         float64 `json:"volume"`
	SidetoneVolume float64 `json:"sidetone_volume"`
	OutputDelay    int     `json:"output_delay"` // extra latency, in 10ms frames

	EnablePreprocessor     bool `json:"enable_preprocessor"`
	EnableEchoCancellation bool `json:"enable_echo_cancellation"`
	EnableComfortNoise     bool `json:"enable_comfort_noise"`
	ComfortNoiseLevel      int  `json:"comfort_noise_level"` // 0..100

	OpusForceCELTMode bool `json:"opus_force_celt_mode"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Codec:                  CodecOpus,
		TransmitType:           TransmitVAD,
		VADKind:                VADAmplitude,
		VADMin:                 0.3,
		VADMax:                 0.5,
		VADGateTimeSeconds:     0.4,
		Quality:                32000,
		AudioPerPacket:         2,
		NoiseSuppression:       40,
		Amplification:          50,
		MicBoost:               0,
		JitterBufferSize:       100,
		Volume:                 1.0,
		SidetoneVolume:         0,
		OutputDelay:            0,
		EnablePreprocessor:     true,
		EnableEchoCancellation: false,
		EnableComfortNoise:     false,
		ComfortNoiseLevel:      20,
		OpusForceCELTMode:      false,
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat64(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SetQuality clamps bps to Opus's valid range [6000, 510000].
func (c *Config) SetQuality(bps int) { c.Quality = clampInt(bps, 6000, 510000) }

// SetAmplification clamps level to [0,100], the range agc.AGC.SetTarget
// accepts.
func (c *Config) SetAmplification(level int) { c.Amplification = clampInt(level, 0, 100) }

// SetVADThresholds clamps vadMin <= vadMax to [0,1].
func (c *Config) SetVADThresholds(min, max float64) {
	min = clampFloat64(min, 0, 1)
	max = clampFloat64(max, 0, 1)
	if min > max {
		min, max = max, min
	}
	c.VADMin, c.VADMax = min, max
}

// SetAudioPerPacket clamps frames per packet to [1,6].
func (c *Config) SetAudioPerPacket(frames int) { c.AudioPerPacket = clampInt(frames, 1, 6) }

// SetVolume clamps the playback mix gain to [0,1].
func (c *Config) SetVolume(v float64) { c.Volume = clampFloat64(v, 0, 1) }

// SetSidetoneVolume clamps the sidetone mix gain to [0,1].
func (c *Config) SetSidetoneVolume(v float64) { c.SidetoneVolume = clampFloat64(v, 0, 1) }

// SetJitterBufferSize clamps the per-speaker jitter depth, in ms, to
// [10,1000].
func (c *Config) SetJitterBufferSize(ms int) { c.JitterBufferSize = clampInt(ms, 10, 1000) }

// jitterDepthFrames converts JitterBufferSize (ms) into the 10ms-frame
// depth package jitter expects.
func (c *Config) jitterDepthFrames() int {
	d := c.JitterBufferSize / 10
	if d < 1 {
		d = 1
	}
	return d
}

// gateFrames converts VADGateTimeSeconds into a count of 10ms frames.
func (c *Config) gateFrames() int {
	n := int(c.VADGateTimeSeconds * 100)
	if n < 1 {
		n = 1
	}
	return n
}
