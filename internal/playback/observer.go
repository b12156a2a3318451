package playback

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// Observer is told the outcome of every dequeued message.
type Observer interface {
	Observe(ctx context.Context, event protocol.PlaybackEvent)
}

type ObserverFunc func(ctx context.Context, event protocol.PlaybackEvent)

func (f ObserverFunc) Observe(ctx context.Context, event protocol.PlaybackEvent) { f(ctx, event) }

// Observers fans an event out to each member in order.
type Observers []Observer

func (o Observers) Observe(ctx context.Context, event protocol.PlaybackEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(ctx, event)
		}
	}
}

type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(log *slog.Logger) *LogObserver {
	return &LogObserver{logger: log.With(slog.String("component", "playback"))}
}

func (l *LogObserver) Observe(ctx context.Context, event protocol.PlaybackEvent) {
	attrs := []any{
		slog.String("room", event.Room),
		slog.String("message_id", event.MessageID),
		slog.Int("bytes", event.Bytes),
		slog.Duration("duration", event.Duration),
	}
	if event.Status == protocol.PlaybackFailed {
		attrs = append(attrs, slog.String("reason", event.Reason), slog.String("detail", event.Detail))
		l.logger.WarnContext(ctx, "message playback failed", attrs...)
		return
	}
	l.logger.DebugContext(ctx, "message spoken", attrs...)
}

// BusObserver publishes events on relay.playback.<room>.
type BusObserver struct {
	bus    *bus.Client
	logger *slog.Logger
}

func NewBusObserver(client *bus.Client, log *slog.Logger) *BusObserver {
	return &BusObserver{bus: client, logger: log.With(slog.String("component", "playback-bus"))}
}

func (b *BusObserver) Observe(_ context.Context, event protocol.PlaybackEvent) {
	subject := protocol.SubjectPlaybackPrefix + "." + event.Room
	if err := b.bus.PublishJSON(subject, event); err != nil {
		b.logger.Warn("failed to publish playback event", slog.String("error", err.Error()))
	}
}
