package room

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-relay/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Registry owns at most one Session per room.
type Registry struct {
	parent context.Context
	deps   Deps
	base   *slog.Logger
	log    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*roomLock

	meter        metric.Meter
	registration metric.Registration
}

func NewRegistry(parent context.Context, deps Deps, log *slog.Logger) *Registry {
	r := &Registry{
		parent:   parent,
		deps:     deps,
		base:     log,
		log:      log.With(slog.String("component", "session-registry")),
		sessions: make(map[string]*Session),
		locks:    make(map[string]*roomLock),
		meter:    otel.Meter("github.com/loqalabs/loqa-relay/internal/room"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

func (r *Registry) Get(room string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[room]
	return s, ok
}

// Bind replaces whatever session room had with a new one bound to channel
// and connected to target. On failure the room is left without a session.
func (r *Registry) Bind(ctx context.Context, room, channel, target string) error {
	unlock := r.lockRoom(room)
	defer unlock()

	if existing := r.remove(room); existing != nil {
		existing.Disconnect()
	}

	session := NewSession(r.parent, room, channel, r.deps, r.base)
	if err := session.Connect(ctx, target); err != nil {
		return err
	}

	r.mu.Lock()
	r.sessions[room] = session
	r.mu.Unlock()
	return nil
}

// Unbind disconnects and forgets room. It reports whether a connected
// session was released.
func (r *Registry) Unbind(room string) bool {
	unlock := r.lockRoom(room)
	defer unlock()

	session := r.remove(room)
	if session == nil {
		return false
	}
	return session.Disconnect()
}

// Deliver routes msg to its room's queue. Messages for unknown, idle or
// mismatched rooms are dropped.
func (r *Registry) Deliver(msg protocol.ChatMessage) bool {
	session, ok := r.Get(msg.Room)
	if !ok {
		r.log.Debug("no session for room", slog.String("room", msg.Room))
		return false
	}
	if err := session.EnqueueMessage(msg); err != nil {
		if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrChannelMismatch) {
			r.log.Debug("message not delivered",
				slog.String("room", msg.Room),
				slog.String("channel", msg.Channel),
				slog.String("reason", err.Error()))
		} else {
			r.log.Warn("enqueue failed", slog.String("room", msg.Room), slog.String("error", err.Error()))
		}
		return false
	}
	return true
}

// Rooms returns the status of every registered session ordered by room.
func (r *Registry) Rooms() []Status {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Close disconnects every room.
func (r *Registry) Close() {
	r.mu.Lock()
	rooms := make([]string, 0, len(r.sessions))
	for room := range r.sessions {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	for _, room := range rooms {
		r.Unbind(room)
	}
	if r.registration != nil {
		_ = r.registration.Unregister()
	}
}

// roomLock serializes lifecycle operations for one room. refs counts holders
// and waiters so the entry can be dropped once nobody needs it.
type roomLock struct {
	mu   sync.Mutex
	refs int
}

// lockRoom acquires room's lifecycle lock and returns its release func.
func (r *Registry) lockRoom(room string) func() {
	r.mu.Lock()
	lock, ok := r.locks[room]
	if !ok {
		lock = &roomLock{}
		r.locks[room] = lock
	}
	lock.refs++
	r.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.locks, room)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) remove(room string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[room]
	if !ok {
		return nil
	}
	delete(r.sessions, room)
	return s
}

func (r *Registry) activeCount() int64 {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var active int64
	for _, s := range sessions {
		if s.State() == StateActive {
			active++
		}
	}
	return active
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("relay.sessions.active", metric.WithDescription("Rooms with a connected voice session"))
	if err != nil {
		return err
	}
	r.registration, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, r.activeCount())
		return nil
	}, gauge)
	return err
}
