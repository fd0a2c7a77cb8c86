package audio

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// OTelRecorder reports pipeline/mixer health to an OpenTelemetry meter,
// the audio-side twin of transport.OTelRecorder.
type OTelRecorder struct {
	ctx              context.Context
	captureDropped   metric.Int64Counter
	playbackDropped  metric.Int64Counter
	plc              metric.Int64Counter
	inputLevel       metric.Float64Histogram
}

// NewOTelRecorder builds the instruments this package reports through.
func NewOTelRecorder(meter metric.Meter) (*OTelRecorder, error) {
	captureDropped, err := meter.Int64Counter("mumble.audio.capture.dropped")
	if err != nil {
		return nil, err
	}
	playbackDropped, err := meter.Int64Counter("mumble.audio.playback.dropped")
	if err != nil {
		return nil, err
	}
	plc, err := meter.Int64Counter("mumble.audio.plc")
	if err != nil {
		return nil, err
	}
	inputLevel, err := meter.Float64Histogram("mumble.audio.input.level")
	if err != nil {
		return nil, err
	}
	return &OTelRecorder{
		ctx:             context.Background(),
		captureDropped:  captureDropped,
		playbackDropped: playbackDropped,
		plc:             plc,
		inputLevel:      inputLevel,
	}, nil
}

func (r *OTelRecorder) IncCaptureDropped()  { r.captureDropped.Add(r.ctx, 1) }
func (r *OTelRecorder) IncPlaybackDropped() { r.playbackDropped.Add(r.ctx, 1) }
func (r *OTelRecorder) IncPLC()             { r.plc.Add(r.ctx, 1) }
func (r *OTelRecorder) ObserveInputLevel(rms float32) {
	r.inputLevel.Record(r.ctx, float64(rms))
}
