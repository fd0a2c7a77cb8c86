package transport

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Recorder observes connection-quality samples as they happen. The
// zero-cost default is NoopRecorder; NewOTelRecorder builds an
// OpenTelemetry-backed implementation when a caller wants real metrics
// export.
type Recorder interface {
	ObserveRTT(d time.Duration)
	ObserveJitter(d time.Duration)
	IncGood()
	IncLate()
	IncLost()
	IncResync()
}

type noopRecorder struct{}

func (noopRecorder) ObserveRTT(time.Duration)    {}
func (noopRecorder) ObserveJitter(time.Duration) {}
func (noopRecorder) IncGood()                    {}
func (noopRecorder) IncLate()                    {}
func (noopRecorder) IncLost()                    {}
func (noopRecorder) IncResync()                  {}

// NoopRecorder is the default Recorder; it does no work.
var NoopRecorder Recorder = noopRecorder{}

// OTelRecorder reports connection quality to an OpenTelemetry meter.
type OTelRecorder struct {
	ctx    context.Context
	rtt    metric.Float64Histogram
	jitter metric.Float64Histogram
	good   metric.Int64Counter
	late   metric.Int64Counter
	lost   metric.Int64Counter
	resync metric.Int64Counter
}

// NewOTelRecorder builds the instruments this package reports through.
func NewOTelRecorder(meter metric.Meter) (*OTelRecorder, error) {
	rtt, err := meter.Float64Histogram("mumble.connection.rtt",
		metric.WithDescription("control-channel round trip time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	jitter, err := meter.Float64Histogram("mumble.connection.jitter",
		metric.WithDescription("voice datagram inter-arrival jitter"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	good, err := meter.Int64Counter("mumble.connection.packets.good")
	if err != nil {
		return nil, err
	}
	late, err := meter.Int64Counter("mumble.connection.packets.late")
	if err != nil {
		return nil, err
	}
	lost, err := meter.Int64Counter("mumble.connection.packets.lost")
	if err != nil {
		return nil, err
	}
	resync, err := meter.Int64Counter("mumble.connection.packets.resync")
	if err != nil {
		return nil, err
	}
	return &OTelRecorder{
		ctx:    context.Background(),
		rtt:    rtt,
		jitter: jitter,
		good:   good,
		late:   late,
		lost:   lost,
		resync: resync,
	}, nil
}

func (r *OTelRecorder) ObserveRTT(d time.Duration)    { r.rtt.Record(r.ctx, d.Seconds()) }
func (r *OTelRecorder) ObserveJitter(d time.Duration) { r.jitter.Record(r.ctx, d.Seconds()) }
func (r *OTelRecorder) IncGood()                      { r.good.Add(r.ctx, 1) }
func (r *OTelRecorder) IncLate()                      { r.late.Add(r.ctx, 1) }
func (r *OTelRecorder) IncLost()                      { r.lost.Add(r.ctx, 1) }
func (r *OTelRecorder) IncResync()                    { r.resync.Add(r.ctx, 1) }

// QualityLevel buckets the link quality a user would see in a status
// indicator.
type QualityLevel int

const (
	QualityGood QualityLevel = iota
	QualityModerate
	QualityPoor
)

func (q QualityLevel) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityModerate:
		return "moderate"
	default:
		return "poor"
	}
}

// classifyQuality buckets loss/RTT/jitter; any one bad dimension is
// enough to drag the whole link down.
func classifyQuality(lossRatio float64, rtt, jitter time.Duration) QualityLevel {
	switch {
	case lossRatio > 0.1 || rtt > 300*time.Millisecond || jitter > 100*time.Millisecond:
		return QualityPoor
	case lossRatio > 0.02 || rtt > 150*time.Millisecond || jitter > 40*time.Millisecond:
		return QualityModerate
	default:
		return QualityGood
	}
}
