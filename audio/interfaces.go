package audio

// Encoder abstracts a voice encoder so the pipeline can be tested
// without a codec library present.
type Encoder interface {
	Encode(pcm []int16, out []byte) (int, error)
	SetBitrate(bps int) error
	SetDTX(dtx bool) error
	SetInBandFEC(fec bool) error
	SetPacketLossPerc(lossPercent int) error
}

// Decoder abstracts a voice decoder, the playback-side counterpart to
// Encoder.
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
	DecodeFEC(data []byte, pcm []int16) error
}

// CodecFactory constructs encoders/decoders for the negotiated codec, so
// the input pipeline and mixer never import a concrete codec package
// directly.
type CodecFactory interface {
	NewEncoder(codec Codec, sampleRate, channels int) (Encoder, error)
	NewDecoder(codec Codec, sampleRate, channels int) (Decoder, error)
}

// InputStream abstracts a running capture stream.
type InputStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
}

// OutputStream abstracts a running playback stream for testing.
type OutputStream interface {
	Start() error
	Stop() error
	Close() error
	Write() error
}

// Device opens capture/playback streams against a concrete audio backend
// (portaudio in production). buf is the caller-owned frame buffer the
// stream reads into / writes from on each Read/Write call.
type Device interface {
	OpenInput(sampleRate float64, frameSize int, buf []float32) (InputStream, error)
	OpenOutput(sampleRate float64, frameSize int, buf []float32) (OutputStream, error)
}

// Recorder observes pipeline/mixer health, the audio-side counterpart to
// transport.Recorder: an optional OpenTelemetry seam with a no-op default
// so the library has no hard metrics dependency.
type Recorder interface {
	IncCaptureDropped()
	IncPlaybackDropped()
	IncPLC()
	ObserveInputLevel(rms float32)
}

// NoopRecorder discards every observation.
type NoopRecorder struct{}

func (NoopRecorder) IncCaptureDropped()        {}
func (NoopRecorder) IncPlaybackDropped()       {}
func (NoopRecorder) IncPLC()                   {}
func (NoopRecorder) ObserveInputLevel(float32) {}
