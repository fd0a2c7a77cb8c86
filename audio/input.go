package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rustyguts/mumble/audio/internal/aec"
	"github.com/rustyguts/mumble/audio/internal/agc"
	"github.com/rustyguts/mumble/audio/internal/noisegate"
	"github.com/rustyguts/mumble/audio/internal/vad"
	"github.com/rustyguts/mumble/jitter"
)

// captureChannelBuf is the outbound packet queue depth: low-latency,
// drops rather than backing up when the network task falls behind.
const captureChannelBuf = 30

// opusMaxPacketBytes is RFC 6716's maximum Opus packet size.
const opusMaxPacketBytes = 1275

// ErrNoEncodingSupport is returned by a CodecFactory that cannot encode
// the requested Codec. Only Opus encoding is wired to a real library
// (gopkg.in/hraban/opus.v2); CELT/Speex remain decode-path wire
// constants for interoperating with legacy senders.
var ErrNoEncodingSupport = errors.New("audio: encoding codec not supported")

// Pipeline is the capture-side input pipeline: preprocess, VAD-gate,
// encode, packetize. It owns no device or network connection directly;
// the caller's capture loop feeds it frames via ProcessFrame and drains
// finished packets from CaptureOut.
type Pipeline struct {
	mu     sync.Mutex
	cfg    Config
	codecs CodecFactory
	logger *slog.Logger
	rec    Recorder

	encoder Encoder

	aecProc  *aec.AEC
	agcProc  *agc.AGC
	gateProc *noisegate.Gate
	vadGate  *vad.Gate

	muted     atomic.Bool
	pttMode   atomic.Bool
	pttActive atomic.Bool

	sequence atomic.Uint64

	inputLevel atomic.Uint32 // float32 bits

	// CaptureOut carries packetized frames ready for transport.
	CaptureOut chan *jitter.Packet
	// SidetoneOut carries raw post-pipeline PCM for local monitoring,
	// drained by a Mixer wired to it with Mixer.SetSidetoneSource while
	// that mixer's sidetone volume is above zero.
	SidetoneOut chan []float32

	captureDropped atomic.Uint64

	pending    []int16 // accumulated PCM awaiting a full audioPerPacket batch
	pendingSeq uint64  // sequence stamped on the packet pending will become
	speaking   bool    // true once a packet has been sent for the current utterance
}

// NewPipeline builds a Pipeline against cfg. codecs constructs the
// concrete encoder on Start; rec may be nil (NoopRecorder is used).
func NewPipeline(cfg Config, codecs CodecFactory, logger *slog.Logger, rec Recorder) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = NoopRecorder{}
	}
	return &Pipeline{
		cfg:         cfg,
		codecs:      codecs,
		logger:      logger,
		rec:         rec,
		aecProc:     aec.New(FrameSize),
		agcProc:     agc.New(),
		gateProc:    noisegate.New(),
		CaptureOut:  make(chan *jitter.Packet, captureChannelBuf),
		SidetoneOut: make(chan []float32, captureChannelBuf),
	}
}

// Start allocates the encoder and primes the VAD gate from cfg. It does
// not start any goroutine itself; ProcessFrame is called once per
// device-rate frame by the caller's capture loop (client.Client owns
// that goroutine).
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	enc, err := p.codecs.NewEncoder(p.cfg.Codec, SampleRate, 1)
	if err != nil {
		return fmt.Errorf("audio: start encoder: %w", err)
	}
	if err := enc.SetBitrate(p.cfg.Quality); err != nil {
		return fmt.Errorf("audio: set bitrate: %w", err)
	}
	enc.SetDTX(true)
	enc.SetInBandFEC(true)
	enc.SetPacketLossPerc(5)
	p.encoder = enc

	var metric vad.Metric
	if p.cfg.VADKind == VADSignalToNoise {
		metric = vad.NewSNRMetric()
	} else {
		metric = vad.NewAmplitudeMetric()
	}
	p.vadGate = vad.NewGate(metric, float32(p.cfg.VADMin), float32(p.cfg.VADMax), p.cfg.gateFrames())
	p.agcProc.SetTarget(p.cfg.Amplification)
	p.aecProc.SetEnabled(p.cfg.EnableEchoCancellation)
	p.gateProc.SetEnabled(p.cfg.EnablePreprocessor)
	return nil
}

// SetMuted mutes/unmutes the outbound path; the pipeline still runs its
// VAD/AGC/AEC chain while muted so those subsystems stay primed.
func (p *Pipeline) SetMuted(muted bool) { p.muted.Store(muted) }

// SetPTTMode switches between VAD/toggle gating and push-to-talk gating.
func (p *Pipeline) SetPTTMode(enabled bool) { p.pttMode.Store(enabled) }

// SetPTTActive reports whether the push-to-talk key is currently held.
func (p *Pipeline) SetPTTActive(active bool) { p.pttActive.Store(active) }

// InputLevel returns the most recent pre-gate RMS mic level, for a level
// meter.
func (p *Pipeline) InputLevel() float32 {
	return float32FromBits(p.inputLevel.Load())
}

// FeedFarEnd records audio about to be played out, serving as the AEC
// reference signal; called from the mixer's playback path.
func (p *Pipeline) FeedFarEnd(frame []float32) {
	p.aecProc.FeedFarEnd(frame)
}

// ProcessFrame runs one 10ms frame, already at SampleRate, through the
// full input pipeline: AEC, noise gate, AGC, VAD gating by transmitType,
// encode, and packetization. It does not resample. It is the per-tick entry point the capture loop calls.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame []float32) {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	if cfg.EnableEchoCancellation {
		p.aecProc.Process(frame)
	}

	preGateRMS := p.gateProc.Process(frame)
	p.inputLevel.Store(float32Bits(preGateRMS))
	p.rec.ObserveInputLevel(preGateRMS)

	if cfg.Amplification > 0 {
		p.agcProc.Process(frame)
	}

	select {
	case p.SidetoneOut <- append([]float32(nil), frame...):
	default:
	}

	transmit := p.shouldTransmit(cfg, frame)
	if !transmit {
		p.flushUtterance(ctx)
		return
	}

	pcm := make([]int16, len(frame))
	for i, s := range frame {
		pcm[i] = int16(clampFloat32(s) * 32767)
	}
	if len(p.pending) == 0 {
		p.pendingSeq = p.sequence.Load()
	}
	p.pending = append(p.pending, pcm...)
	// The sequence counts 10ms frames, not packets, so the receiver can
	// reason about wall-clock position across variable audioPerPacket.
	p.sequence.Add(1)

	framesPerPacket := cfg.framesAccumulatedFor(len(p.pending))
	if framesPerPacket < cfg.AudioPerPacket {
		return
	}
	p.emitPacket(ctx, false)
}

// framesAccumulatedFor reports how many FrameSize-sized frames worth of
// PCM samples are currently pending.
func (c Config) framesAccumulatedFor(pendingSamples int) int {
	return pendingSamples / FrameSize
}

func (p *Pipeline) shouldTransmit(cfg Config, frame []float32) bool {
	switch cfg.TransmitType {
	case TransmitContinuous:
		return true
	case TransmitToggle:
		return p.pttActive.Load()
	default: // TransmitVAD
		if p.pttMode.Load() {
			return p.pttActive.Load()
		}
		return p.vadGate.ShouldSend(frame)
	}
}

// flushUtterance emits any partially-filled packet, or a zero-length
// terminator when an utterance ends with nothing pending.
func (p *Pipeline) flushUtterance(ctx context.Context) {
	if len(p.pending) == 0 {
		if p.speaking {
			p.emitTerminator(ctx)
			p.speaking = false
		}
		return
	}
	p.emitPacket(ctx, true)
	p.speaking = false
}

func (p *Pipeline) emitTerminator(ctx context.Context) {
	pkt := &jitter.Packet{
		Codec:      p.cfg.Codec.jitterCodec(),
		Target:     jitter.TargetNormal,
		Sequence:   p.sequence.Load(),
		Frames:     [][]byte{{}},
		Terminator: true,
	}
	p.send(ctx, pkt)
}

// emitPacket encodes whatever PCM has accumulated into p.pending and
// sends it; terminal marks this as the last packet of an utterance.
func (p *Pipeline) emitPacket(ctx context.Context, terminal bool) {
	if len(p.pending) == 0 {
		return
	}
	pcm := p.pending
	p.pending = nil
	p.speaking = !terminal

	p.mu.Lock()
	enc := p.encoder
	codec := p.cfg.Codec
	p.mu.Unlock()
	if enc == nil {
		return
	}

	var frames [][]byte
	if codec == CodecOpus {
		out := make([]byte, opusMaxPacketBytes)
		n, err := enc.Encode(pcm, out)
		if err != nil {
			p.logger.Warn("audio: encode failed", "err", err)
			return
		}
		frames = [][]byte{append([]byte(nil), out[:n]...)}
	} else {
		for off := 0; off+FrameSize <= len(pcm); off += FrameSize {
			out := make([]byte, opusMaxPacketBytes)
			n, err := enc.Encode(pcm[off:off+FrameSize], out)
			if err != nil {
				p.logger.Warn("audio: encode failed", "err", err)
				return
			}
			frames = append(frames, append([]byte(nil), out[:n]...))
		}
	}

	pkt := &jitter.Packet{
		Codec:      codec.jitterCodec(),
		Target:     jitter.TargetNormal,
		Sequence:   p.pendingSeq,
		Frames:     frames,
		Terminator: terminal,
	}
	p.send(ctx, pkt)
}

func (p *Pipeline) send(ctx context.Context, pkt *jitter.Packet) {
	if p.muted.Load() {
		return
	}
	select {
	case p.CaptureOut <- pkt:
	case <-ctx.Done():
	default:
		p.captureDropped.Add(1)
		p.rec.IncCaptureDropped()
	}
}

// DroppedFrames returns and resets the capture-drop counter.
func (p *Pipeline) DroppedFrames() uint64 { return p.captureDropped.Swap(0) }

func clampFloat32(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

func float32Bits(f float32) uint32     { return math.Float32bits(f) }
func float32FromBits(b uint32) float32 { return math.Float32frombits(b) }
