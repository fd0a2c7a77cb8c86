package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// OpusCodecFactory constructs real Opus encoders/decoders via
// gopkg.in/hraban/opus.v2, wrapped behind the CodecFactory seam so
// Pipeline and Mixer never import the opus package directly.
type OpusCodecFactory struct{}

func (OpusCodecFactory) NewEncoder(codec Codec, sampleRate, channels int) (Encoder, error) {
	if codec != CodecOpus {
		return nil, ErrNoEncodingSupport
	}
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: new opus encoder: %w", err)
	}
	return opusEncoderAdapter{enc}, nil
}

func (OpusCodecFactory) NewDecoder(codec Codec, sampleRate, channels int) (Decoder, error) {
	if codec != CodecOpus {
		return nil, ErrCodecUnsupported
	}
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: new opus decoder: %w", err)
	}
	return opusDecoderAdapter{dec}, nil
}

// opusEncoderAdapter narrows *opus.Encoder's broader method set down to
// the Encoder interface.
type opusEncoderAdapter struct {
	enc *opus.Encoder
}

func (a opusEncoderAdapter) Encode(pcm []int16, out []byte) (int, error) {
	return a.enc.Encode(pcm, out)
}
func (a opusEncoderAdapter) SetBitrate(bps int) error        { return a.enc.SetBitrate(bps) }
func (a opusEncoderAdapter) SetDTX(dtx bool) error            { return a.enc.SetDTX(dtx) }
func (a opusEncoderAdapter) SetInBandFEC(fec bool) error      { return a.enc.SetInBandFEC(fec) }
func (a opusEncoderAdapter) SetPacketLossPerc(p int) error    { return a.enc.SetPacketLossPerc(p) }

type opusDecoderAdapter struct {
	dec *opus.Decoder
}

func (a opusDecoderAdapter) Decode(data []byte, pcm []int16) (int, error) {
	return a.dec.Decode(data, pcm)
}
func (a opusDecoderAdapter) DecodeFEC(data []byte, pcm []int16) error {
	return a.dec.DecodeFEC(data, pcm)
}
