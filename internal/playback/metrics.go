package playback

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-relay/internal/playback"

type instruments struct {
	spoken   metric.Int64Counter
	failed   metric.Int64Counter
	duration metric.Float64Histogram
}

var (
	instrumentsOnce sync.Once
	shared          *instruments
)

func loadInstruments() *instruments {
	instrumentsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		ins := &instruments{}
		ins.spoken, _ = meter.Int64Counter("relay.playback.spoken",
			metric.WithDescription("Messages spoken into a voice session"))
		ins.failed, _ = meter.Int64Counter("relay.playback.failed",
			metric.WithDescription("Messages dropped by the playback queue"))
		ins.duration, _ = meter.Float64Histogram("relay.playback.duration",
			metric.WithDescription("Time from dequeue to end of emission"),
			metric.WithUnit("s"))
		shared = ins
	})
	return shared
}

func (i *instruments) record(ctx context.Context, room, reason string, elapsed time.Duration) {
	roomAttr := attribute.String("room", room)
	if reason == "" {
		if i.spoken != nil {
			i.spoken.Add(ctx, 1, metric.WithAttributes(roomAttr))
		}
	} else if i.failed != nil {
		i.failed.Add(ctx, 1, metric.WithAttributes(roomAttr, attribute.String("reason", reason)))
	}
	if i.duration != nil {
		i.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(roomAttr))
	}
}
