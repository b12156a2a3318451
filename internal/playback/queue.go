// Package playback serializes synthesis and emission of one voice session's
// messages.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/tts"
	"github.com/loqalabs/loqa-relay/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrQueueClosed = errors.New("playback queue closed")

// Failure reasons beyond the synthesizer's own.
const (
	ReasonCompose = "compose"
	ReasonSink    = "sink"
)

// Composer builds the synthesis request for a message.
type Composer interface {
	Compose(ctx context.Context, msg protocol.ChatMessage) (tts.SynthRequest, error)
}

type Config struct {
	Room        string
	Composer    Composer
	Synth       tts.Synthesizer
	Sink        voice.Sink
	Observer    Observer
	ItemTimeout time.Duration
	Logger      *slog.Logger
}

// Queue is a FIFO of messages drained by a single worker goroutine. At most
// one message is being synthesized or emitted at any time.
type Queue struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	tracer trace.Tracer
	ins    *instruments

	mu     sync.Mutex
	items  []protocol.ChatMessage
	closed bool
	notify chan struct{}
	done   chan struct{}
}

// New starts the worker. It stops when parent is cancelled or Shutdown is
// called.
func New(parent context.Context, cfg Config) *Queue {
	ctx, cancel := context.WithCancel(parent)
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "playback-queue"), slog.String("room", cfg.Room)),
		tracer: otel.Tracer(instrumentationName),
		ins:    loadInstruments(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends msg without waiting for it to be processed.
func (q *Queue) Enqueue(msg protocol.ChatMessage) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Len reports the number of messages waiting behind the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Done is closed once the worker has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Shutdown cancels in-flight work, drops pending messages and waits for the
// worker to exit. Repeated calls are no-ops.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	dropped := len(q.items)
	q.items = nil
	q.mu.Unlock()

	q.cancel()
	<-q.done
	if dropped > 0 {
		q.logger.Info("discarded pending messages", slog.Int("count", dropped))
	}
}

func (q *Queue) run() {
	defer func() {
		q.mu.Lock()
		q.closed = true
		q.items = nil
		q.mu.Unlock()
		close(q.done)
	}()
	for {
		msg, ok := q.next()
		if !ok {
			return
		}
		q.process(msg)
	}
}

func (q *Queue) next() (protocol.ChatMessage, bool) {
	for {
		q.mu.Lock()
		if q.ctx.Err() == nil && len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = protocol.ChatMessage{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()

		select {
		case <-q.ctx.Done():
			return protocol.ChatMessage{}, false
		case <-q.notify:
		}
	}
}

func (q *Queue) process(msg protocol.ChatMessage) {
	ctx := q.ctx
	if q.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.ItemTimeout)
		defer cancel()
	}
	ctx, span := q.tracer.Start(ctx, "playback.item", trace.WithAttributes(
		attribute.String("room", q.cfg.Room),
		attribute.String("message_id", msg.ID),
	))
	defer span.End()

	start := time.Now()
	bytes, reason, err := q.speak(ctx, msg)
	elapsed := time.Since(start)

	event := protocol.PlaybackEvent{
		Room:      q.cfg.Room,
		MessageID: msg.ID,
		AuthorID:  msg.AuthorID,
		Status:    protocol.PlaybackSpoken,
		Bytes:     bytes,
		Duration:  elapsed,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		event.Status = protocol.PlaybackFailed
		event.Reason = reason
		event.Detail = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
	}
	span.SetAttributes(attribute.Int("bytes", bytes))

	q.ins.record(context.WithoutCancel(ctx), q.cfg.Room, event.Reason, elapsed)
	if q.cfg.Observer != nil {
		q.cfg.Observer.Observe(context.WithoutCancel(ctx), event)
	}
}

// speak runs one message through composition, synthesis and emission.
func (q *Queue) speak(ctx context.Context, msg protocol.ChatMessage) (int, string, error) {
	req, err := q.cfg.Composer.Compose(ctx, msg)
	if err != nil {
		return 0, ReasonCompose, err
	}

	synthCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	chunks, errs := q.cfg.Synth.Synthesize(synthCtx, req)

	written := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			audio := voice.Audio{PCM: chunk.PCM, SampleRate: chunk.SampleRate, Channels: chunk.Channels}
			if err := q.cfg.Sink.Write(ctx, audio); err != nil {
				if ctx.Err() != nil {
					return written, string(tts.ReasonCanceled), err
				}
				return written, ReasonSink, err
			}
			written += len(chunk.PCM)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				se := tts.Classify(err, tts.ReasonTransport)
				return written, string(se.Reason), se
			}
		case <-ctx.Done():
			return written, string(tts.ReasonCanceled), ctx.Err()
		}
	}
	return written, "", nil
}
