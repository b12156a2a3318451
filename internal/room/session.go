// Package room binds chat rooms to voice sessions and routes their messages
// into per-room playback queues.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-relay/internal/playback"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/voice"
)

var (
	ErrNotConnected    = errors.New("room not connected to voice")
	ErrChannelMismatch = errors.New("message not from the bound text channel")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Deps are the collaborators every session in a registry shares. Playback
// is a template; Room and Sink are filled in per connection.
type Deps struct {
	Gateway  voice.Gateway
	Playback playback.Config
}

// Session is one room's binding of a text channel to a voice connection.
type Session struct {
	room    string
	channel string
	deps    Deps
	parent  context.Context
	logger  *slog.Logger

	// opMu serializes Connect and Disconnect. mu guards the fields below and
	// is never held across a join or a queue shutdown.
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	target      string
	conn        voice.Connection
	queue       *playback.Queue
	connectedAt time.Time
}

func NewSession(parent context.Context, room, channel string, deps Deps, log *slog.Logger) *Session {
	return &Session{
		room:    room,
		channel: channel,
		deps:    deps,
		parent:  parent,
		logger:  log.With(slog.String("component", "room-session"), slog.String("room", room)),
	}
}

func (s *Session) Room() string    { return s.room }
func (s *Session) Channel() string { return s.channel }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect joins target, replacing any active connection first.
func (s *Session) Connect(ctx context.Context, target string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() == StateActive {
		s.teardown()
	}

	s.mu.Lock()
	s.state = StateConnecting
	s.target = target
	s.mu.Unlock()

	conn, err := s.deps.Gateway.Join(ctx, s.room, target)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.target = ""
		s.mu.Unlock()
		s.logger.Warn("voice join failed", slog.String("target", target), slog.String("error", err.Error()))
		return err
	}

	cfg := s.deps.Playback
	cfg.Room = s.room
	cfg.Sink = conn.Sink()
	queue := playback.New(s.parent, cfg)

	s.mu.Lock()
	s.conn = conn
	s.queue = queue
	s.state = StateActive
	s.connectedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Info("room connected", slog.String("channel", s.channel), slog.String("target", target))
	return nil
}

// EnqueueMessage hands msg to the playback queue.
func (s *Session) EnqueueMessage(msg protocol.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrNotConnected
	}
	if msg.Channel != s.channel {
		return ErrChannelMismatch
	}
	if err := s.queue.Enqueue(msg); err != nil {
		if errors.Is(err, playback.ErrQueueClosed) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}

// Disconnect reports whether there was an active connection to release.
func (s *Session) Disconnect() bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.State() != StateActive {
		return false
	}
	s.teardown()
	s.logger.Info("room disconnected")
	return true
}

func (s *Session) teardown() {
	s.mu.Lock()
	queue, conn := s.queue, s.conn
	s.queue = nil
	s.conn = nil
	s.state = StateIdle
	s.target = ""
	s.connectedAt = time.Time{}
	s.mu.Unlock()

	if queue != nil {
		queue.Shutdown()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warn("voice close failed", slog.String("error", err.Error()))
		}
	}
}

// Status is a point-in-time view of a session.
type Status struct {
	Room        string    `json:"room"`
	Channel     string    `json:"channel"`
	Target      string    `json:"target,omitempty"`
	State       string    `json:"state"`
	Pending     int       `json:"pending"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Room:        s.room,
		Channel:     s.channel,
		Target:      s.target,
		State:       s.state.String(),
		ConnectedAt: s.connectedAt,
	}
	if s.queue != nil {
		st.Pending = s.queue.Len()
	}
	return st
}
