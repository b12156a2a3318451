package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// BusGateway asks the chat gateway for voice sessions over NATS and streams
// audio frames back to it.
type BusGateway struct {
	bus           *bus.Client
	joinTimeout   time.Duration
	frameDuration time.Duration
	logger        *slog.Logger
}

func NewBusGateway(client *bus.Client, cfg config.VoiceConfig, log *slog.Logger) *BusGateway {
	return &BusGateway{
		bus:           client,
		joinTimeout:   time.Duration(cfg.JoinTimeoutMS) * time.Millisecond,
		frameDuration: time.Duration(cfg.FrameDurationMS) * time.Millisecond,
		logger:        log.With(slog.String("component", "voice-bus")),
	}
}

func (g *BusGateway) Join(ctx context.Context, room, target string) (Connection, error) {
	if g.joinTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.joinTimeout)
		defer cancel()
	}

	var reply protocol.VoiceJoinReply
	req := protocol.VoiceJoinRequest{Room: room, Target: target}
	if err := g.bus.RequestJSON(ctx, protocol.SubjectVoiceJoin, req, &reply); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJoinFailed, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrJoinFailed, reply.Error)
	}
	if reply.SessionID == "" {
		return nil, fmt.Errorf("%w: gateway returned no session id", ErrJoinFailed)
	}

	g.logger.Info("joined voice session",
		slog.String("room", room),
		slog.String("target", target),
		slog.String("session_id", reply.SessionID))

	return &busConnection{
		gateway: g,
		room:    room,
		session: reply.SessionID,
		subject: protocol.SubjectVoiceAudio + "." + reply.SessionID,
	}, nil
}

type busConnection struct {
	gateway *BusGateway
	room    string
	session string
	subject string

	mu       sync.Mutex
	sequence int
	closed   bool
}

func (c *busConnection) Sink() Sink { return c }

// Write publishes audio as real-time paced frames.
func (c *busConnection) Write(ctx context.Context, audio Audio) error {
	return pace(ctx, audio, c.gateway.frameDuration, func(frame []byte) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return ErrClosed
		}
		packet := protocol.AudioFrame{
			SessionID:  c.session,
			Sequence:   c.sequence,
			SampleRate: audio.SampleRate,
			Channels:   audio.Channels,
			PCM:        frame,
		}
		c.sequence++
		return c.gateway.bus.PublishJSON(c.subject, packet)
	})
}

func (c *busConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.gateway.bus.PublishJSON(protocol.SubjectVoiceLeave, protocol.VoiceLeave{SessionID: c.session, Room: c.room})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.gateway.logger.Warn("failed to publish voice leave",
			slog.String("session_id", c.session),
			slog.String("error", err.Error()))
		return err
	}
	c.gateway.logger.Info("left voice session", slog.String("room", c.room), slog.String("session_id", c.session))
	return nil
}
