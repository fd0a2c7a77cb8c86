package audio

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rustyguts/mumble/jitter"
)

// ErrCodecUnsupported is returned by decoderFor when a speaker's packets
// arrive tagged with a codec this build has no decoder for.
var ErrCodecUnsupported = errors.New("audio: codec unsupported")

// TalkState mirrors model.TalkState's four values without audio importing
// package model; client.Client translates between the two when wiring
// Mixer.SetTalkStateFunc to model.Model.SetTalkState, the same seam-by-
// callback style input.go uses for CaptureOut rather than a direct
// cross-package type dependency.
type TalkState int

const (
	Passive TalkState = iota
	Talking
	Whispering
	Shouting
)

// maxConcealedFrames bounds how many consecutive PLC frames a speaker
// tolerates before going silent until a new arrival resynchronizes the
// sequence. 10 frames is 100ms at the 10ms tick, long enough to absorb
// a short burst of loss without leaving a speaker marked Talking
// indefinitely.
const maxConcealedFrames = 10

// Speaker is a read-only snapshot of one active sender, returned by
// ActiveSpeakers without locking the mixer's hot path.
type Speaker struct {
	Session uint64
	Talk    TalkState
}

// speaker is Mixer's live per-sender decode state. It is touched only
// from MixInto, which always runs on the single audio-device callback,
// so no lock is needed around it.
type speaker struct {
	decoder   Decoder
	codec     jitter.Codec
	talk      TalkState
	plcRun    int
	pcmQueue  []int16 // decoded samples not yet drained into an output tick
	terminal  bool    // utterance has ended; go Passive once pcmQueue drains
	noDecoder bool    // NewDecoder failed for this codec; stop retrying every tick
}

// Mixer is the playback side: it pulls one frame per active speaker from
// a shared jitter.Buffer, decodes with the codec each packet declares,
// additively mixes at per-speaker and master volume, clamps to [-1,1],
// resamples to the device's output rate, and mixes in sidetone.
type Mixer struct {
	jbMu sync.Mutex
	jb   *jitter.Buffer

	cfgMu      sync.Mutex
	cfg        Config
	codecs     CodecFactory
	userVolume func(session uint64) float64
	onTalk     func(session uint64, state TalkState)

	logger *slog.Logger
	rec    Recorder

	speakers map[uint64]*speaker

	resamp *resampler

	deafened atomic.Bool
	volume   atomic.Uint64 // float64 bits

	sidetoneIn  <-chan []float32
	sidetoneVol atomic.Uint64 // float64 bits

	playbackDropped atomic.Uint64

	snapshot atomic.Pointer[[]Speaker]
}

// NewMixer builds a Mixer that decodes at the protocol's fixed 48kHz rate
// and resamples its output to outputSampleRate (pass audio.SampleRate for
// no-op resampling).
func NewMixer(cfg Config, codecs CodecFactory, outputSampleRate float64, logger *slog.Logger, rec Recorder) *Mixer {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = NoopRecorder{}
	}
	m := &Mixer{
		jb:       jitter.New(cfg.jitterDepthFrames()),
		cfg:      cfg,
		codecs:   codecs,
		logger:   logger,
		rec:      rec,
		speakers: make(map[uint64]*speaker),
		resamp:   newResampler(SampleRate, outputSampleRate),
	}
	m.volume.Store(math.Float64bits(cfg.Volume))
	m.sidetoneVol.Store(math.Float64bits(cfg.SidetoneVolume))
	empty := make([]Speaker, 0)
	m.snapshot.Store(&empty)
	return m
}

// Push admits one decrypted, depacketized voice frame from the network
// task into the jitter buffer, keyed by the speaker's session id.
func (m *Mixer) Push(session uint64, pkt *jitter.Packet) {
	m.jbMu.Lock()
	m.jb.Push(session, pkt)
	m.jbMu.Unlock()
}

// SetUserVolumeFunc installs a per-speaker volume multiplier, applied on
// top of the master Volume. A nil fn (the default) mixes every speaker at
// unity relative volume.
func (m *Mixer) SetUserVolumeFunc(fn func(session uint64) float64) {
	m.cfgMu.Lock()
	m.userVolume = fn
	m.cfgMu.Unlock()
}

// SetTalkStateFunc installs the callback Mixer invokes, from MixInto,
// whenever a speaker's derived talk state changes.
func (m *Mixer) SetTalkStateFunc(fn func(session uint64, state TalkState)) {
	m.cfgMu.Lock()
	m.onTalk = fn
	m.cfgMu.Unlock()
}

// SetDeafened mutes all incoming voice; sidetone is unaffected.
func (m *Mixer) SetDeafened(deafened bool) { m.deafened.Store(deafened) }

// SetVolume sets the master playback mix gain, clamped to [0,1].
func (m *Mixer) SetVolume(v float64) {
	m.volume.Store(math.Float64bits(clampFloat64(v, 0, 1)))
}

// SetSidetoneVolume sets the local-monitoring mix gain, clamped to [0,1].
func (m *Mixer) SetSidetoneVolume(v float64) {
	m.sidetoneVol.Store(math.Float64bits(clampFloat64(v, 0, 1)))
}

// SetSidetoneSource wires the channel MixInto drains one frame from per
// tick for local mic monitoring (see audio.Pipeline.SidetoneOut).
func (m *Mixer) SetSidetoneSource(ch <-chan []float32) { m.sidetoneIn = ch }

// SetJitterDepth re-primes the shared jitter buffer's target depth (10ms
// frames), applied to subsequently (re)primed speaker streams.
func (m *Mixer) SetJitterDepth(frames int) {
	m.jbMu.Lock()
	m.jb.SetDepth(frames)
	m.jbMu.Unlock()
}

// ActiveSpeakers returns the most recent atomically-swapped snapshot of
// who is active and their talk state, for cross-task readers (the model
// task, a UI) that must never block the real-time audio callback.
func (m *Mixer) ActiveSpeakers() []Speaker {
	return *m.snapshot.Load()
}

// DroppedFrames returns and resets the playback-drop counter (decode
// failures with no available concealment path).
func (m *Mixer) DroppedFrames() uint64 { return m.playbackDropped.Swap(0) }

// MixInto fills buf (sized to one 10ms tick at the device's output rate)
// with the mixed, clamped, resampled output of every active speaker plus
// sidetone. It is the per-tick entry point the output device callback
// calls; the locks it takes are held briefly: jbMu only across the jitter
// buffer's Pop and a bounded map scan, and cfgMu only while copying the
// installed callbacks, the same brief-critical-section style input.go's
// ProcessFrame uses around its own mutex.
func (m *Mixer) MixInto(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}

	m.jbMu.Lock()
	frames := m.jb.Pop()
	liveSessions := m.jb.Sessions()
	m.jbMu.Unlock()

	if !m.deafened.Load() {
		m.mixVoice(buf, frames, liveSessions)
	} else {
		m.pruneLocked(liveSessions)
	}

	m.mixSidetone(buf)
}

func (m *Mixer) mixVoice(buf []float32, frames []jitter.Frame, liveSessions []uint64) {
	mix := make([]float32, FrameSize)

	m.cfgMu.Lock()
	userVolume := m.userVolume
	onTalk := m.onTalk
	m.cfgMu.Unlock()

	vol := float32(math.Float64frombits(m.volume.Load()))

	var talkChanges []Speaker

	for _, f := range frames {
		sp, ok := m.speakers[f.Session]
		if !ok {
			sp = &speaker{}
			m.speakers[f.Session] = sp
		}

		pcm, newTalk := m.decodeFrame(sp, f.Packet)
		if newTalk != sp.talk {
			sp.talk = newTalk
			talkChanges = append(talkChanges, Speaker{Session: f.Session, Talk: newTalk})
		}
		if pcm == nil {
			continue
		}

		scale := vol
		if userVolume != nil {
			scale *= float32(userVolume(f.Session))
		}
		n := len(pcm)
		if n > FrameSize {
			n = FrameSize
		}
		for i := 0; i < n; i++ {
			mix[i] += float32(pcm[i]) * scale / 32768.0
		}
	}

	pruned := m.pruneLocked(liveSessions)
	talkChanges = append(talkChanges, pruned...)

	for i := range mix {
		mix[i] = clampFloat32(mix[i])
	}

	out := m.resamp.resample(mix, len(buf))
	copy(buf, out)

	snap := make([]Speaker, 0, len(m.speakers))
	for session, sp := range m.speakers {
		snap = append(snap, Speaker{Session: session, Talk: sp.talk})
	}
	m.snapshot.Store(&snap)

	if onTalk != nil {
		for _, c := range talkChanges {
			onTalk(c.Session, c.Talk)
		}
	}
}

// pruneLocked removes decode state for speakers the jitter buffer no
// longer tracks at all (stale-pruned or session-restarted). It does not
// touch speakers merely still priming this tick; those remain live,
// just silent until primed.
func (m *Mixer) pruneLocked(liveSessions []uint64) []Speaker {
	live := make(map[uint64]struct{}, len(liveSessions))
	for _, s := range liveSessions {
		live[s] = struct{}{}
	}
	var removed []Speaker
	for session, sp := range m.speakers {
		if _, ok := live[session]; ok {
			continue
		}
		if sp.talk != Passive {
			removed = append(removed, Speaker{Session: session, Talk: Passive})
		}
		delete(m.speakers, session)
	}
	return removed
}

// decodeFrame decodes one jitter.Frame for sp (nil Packet means this
// tick's slot is a PLC placeholder) and returns the resulting PCM (nil if
// nothing should be mixed this tick) plus the speaker's newly derived
// talk state.
func (m *Mixer) decodeFrame(sp *speaker, pkt *jitter.Packet) ([]int16, TalkState) {
	if pkt == nil {
		return m.conceal(sp)
	}
	sp.plcRun = 0

	if pkt.Codec == jitter.CodecPing {
		return nil, sp.talk
	}
	sp.terminal = pkt.Terminator
	if isBareTerminator(pkt) {
		sp.pcmQueue = nil
		sp.terminal = false
		return nil, Passive
	}

	dec, err := m.decoderFor(sp, pkt.Codec)
	if err != nil {
		m.rec.IncPLC()
		return m.conceal(sp)
	}

	for _, frame := range pkt.Frames {
		if len(frame) == 0 {
			continue // a zero-length chain entry only signals termination
		}
		out := make([]int16, FrameSize*6) // widest supported packet: 6 frames/packet
		n, err := dec.Decode(frame, out)
		if err != nil {
			m.logger.Warn("audio: decode voice frame failed", "session", pkt.Session, "err", err)
			m.rec.IncPLC()
			m.playbackDropped.Add(1)
			m.rec.IncPlaybackDropped()
			continue
		}
		sp.pcmQueue = append(sp.pcmQueue, out[:n]...)
	}

	return m.drainQueue(sp), classifyTarget(pkt.Target)
}

// isBareTerminator reports whether pkt marks the end of an utterance
// while carrying no audio of its own: a terminator-flagged packet with no
// payload, or the historical bare zero-length frame. A terminator packet
// that does carry audio is decoded normally; its speaker turns Passive
// once the decoded samples drain (see conceal).
func isBareTerminator(pkt *jitter.Packet) bool {
	for _, f := range pkt.Frames {
		if len(f) != 0 {
			return false
		}
	}
	return pkt.Terminator || len(pkt.Frames) > 0
}

// drainQueue removes and returns up to FrameSize samples from the front
// of sp's decode queue, so a multi-frame packet (audioPerPacket > 1)
// feeds exactly one 10ms tick's worth of audio per MixInto call instead
// of bursting several ticks' worth into one.
func (m *Mixer) drainQueue(sp *speaker) []int16 {
	if len(sp.pcmQueue) == 0 {
		return nil
	}
	n := FrameSize
	if n > len(sp.pcmQueue) {
		n = len(sp.pcmQueue)
	}
	out := append([]int16(nil), sp.pcmQueue[:n]...)
	sp.pcmQueue = sp.pcmQueue[n:]
	return out
}

// conceal synthesizes a packet-loss-concealment frame via the speaker's
// existing decoder (Opus synthesizes from internal state when fed a nil
// payload) and reports Passive once maxConcealedFrames have elapsed with
// no real arrival. After a terminator packet's audio has drained there is
// nothing to conceal: the speaker simply goes Passive.
func (m *Mixer) conceal(sp *speaker) ([]int16, TalkState) {
	if len(sp.pcmQueue) > 0 {
		return m.drainQueue(sp), sp.talk
	}
	if sp.terminal {
		sp.terminal = false
		return nil, Passive
	}

	sp.plcRun++
	if sp.plcRun > maxConcealedFrames {
		return nil, Passive
	}
	if sp.decoder == nil {
		return nil, sp.talk
	}

	out := make([]int16, FrameSize)
	n, err := sp.decoder.Decode(nil, out)
	if err != nil {
		return nil, sp.talk
	}
	m.rec.IncPLC()
	return out[:n], sp.talk
}

// decoderFor returns sp's decoder for codec, constructing (or replacing,
// if the sender switched codecs mid-stream) one via the CodecFactory.
func (m *Mixer) decoderFor(sp *speaker, codec jitter.Codec) (Decoder, error) {
	if sp.decoder != nil && sp.codec == codec {
		return sp.decoder, nil
	}
	if sp.noDecoder && sp.codec == codec {
		return nil, ErrCodecUnsupported
	}

	audioCodec, ok := jitterToAudioCodec(codec)
	if !ok {
		sp.noDecoder = true
		sp.codec = codec
		return nil, ErrCodecUnsupported
	}
	dec, err := m.codecs.NewDecoder(audioCodec, SampleRate, 1)
	if err != nil {
		sp.noDecoder = true
		sp.codec = codec
		return nil, err
	}
	sp.decoder = dec
	sp.codec = codec
	sp.noDecoder = false
	return dec, nil
}

// classifyTarget derives a speaker's talk state from a voice packet's
// target byte. The jitter buffer only carries the target id a sender
// stamped on the packet, not the wire.VoiceTarget definition that id
// refers to, so a normal (0) target surfaces as Talking and every
// whisper/shout target id surfaces as Whispering; telling a channel
// shout apart from a to-user whisper would need the sender's own
// VoiceTarget registration, which the server does not forward.
func classifyTarget(t jitter.Target) TalkState {
	if t == jitter.TargetNormal {
		return Talking
	}
	return Whispering
}

// jitterToAudioCodec maps the wire-level codec id carried on a voice
// packet to the audio package's codec enum, the same mapping Config's
// jitterCodec performs in reverse for encoding.
func jitterToAudioCodec(c jitter.Codec) (Codec, bool) {
	switch c {
	case jitter.CodecOpus:
		return CodecOpus, true
	case jitter.CodecCeltAlpha, jitter.CodecCeltBeta:
		return CodecCELT, true
	case jitter.CodecSpeex:
		return CodecSpeex, true
	default:
		return 0, false
	}
}

// mixSidetone adds one frame from the sidetone source, scaled by
// sidetoneVol, into buf. Sidetone bypasses the deafen gate: hearing your
// own mic is local monitoring, not incoming voice.
func (m *Mixer) mixSidetone(buf []float32) {
	if m.sidetoneIn == nil {
		return
	}
	gain := float32(math.Float64frombits(m.sidetoneVol.Load()))
	if gain <= 0 {
		return
	}
	select {
	case frame := <-m.sidetoneIn:
		resampled := frame
		if len(frame) != len(buf) {
			resampled = m.resamp.resample(frame, len(buf))
		}
		for i := range buf {
			if i < len(resampled) {
				buf[i] = clampFloat32(buf[i] + resampled[i]*gain)
			}
		}
	default:
	}
}
