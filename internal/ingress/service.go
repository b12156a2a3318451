// Package ingress subscribes to chat gateway traffic on the bus and drives
// the session registry and settings store.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Rooms is the session registry as seen from the bus.
type Rooms interface {
	Bind(ctx context.Context, room, channel, target string) error
	Unbind(room string) bool
	Deliver(msg protocol.ChatMessage) bool
}

// Settings is the settings store as seen from the bus.
type Settings interface {
	Prefix(ctx context.Context, room string) (string, error)
	SetPrefix(ctx context.Context, room, prefix string) error
	VoicePreference(ctx context.Context, userID string) (string, error)
	SetVoicePreference(ctx context.Context, userID, voice string) error
}

const settingsTimeout = 5 * time.Second

type Service struct {
	cfg         config.RelayConfig
	joinTimeout time.Duration
	bus         *bus.Client
	rooms       Rooms
	settings    Settings
	subs        []*nats.Subscription
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.Mutex
	logger      *slog.Logger
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, rooms Rooms, settings Settings, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:         cfg.Relay,
		joinTimeout: time.Duration(cfg.Voice.JoinTimeoutMS) * time.Millisecond,
		bus:         busClient,
		rooms:       rooms,
		settings:    settings,
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.With(slog.String("component", "ingress")),
	}
}

func (s *Service) Start() error {
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectChatMessage, s.handleChatMessage},
		{protocol.SubjectRelayConnect, s.handleConnect},
		{protocol.SubjectRelayDisconnect, s.handleDisconnect},
		{protocol.SubjectVoiceSet, s.handleVoiceSet},
		{protocol.SubjectPrefixSet, s.handlePrefixSet},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked()
}

func (s *Service) unsubscribeLocked() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0
}

func (s *Service) handleChatMessage(msg *nats.Msg) {
	var chat protocol.ChatMessage
	if err := json.Unmarshal(msg.Data, &chat); err != nil {
		s.logger.Warn("failed to decode chat message", slogError(err))
		return
	}
	s.HandleChat(s.ctx, chat)
}

// HandleChat applies the speaking filters to chat and delivers it. It
// reports whether the message reached a playback queue.
func (s *Service) HandleChat(ctx context.Context, chat protocol.ChatMessage) bool {
	if chat.AuthorIsBot || chat.Room == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, settingsTimeout)
	defer cancel()

	if s.settings != nil {
		prefix, err := s.settings.Prefix(ctx, chat.Room)
		if err != nil {
			s.logger.Warn("prefix lookup failed", slog.String("room", chat.Room), slogError(err))
		}
		if prefix != "" && strings.HasPrefix(chat.Text, prefix) {
			return false
		}
		if s.cfg.RequireVoicePreference {
			voice, err := s.settings.VoicePreference(ctx, chat.AuthorID)
			if err != nil || voice == "" {
				return false
			}
		}
	}

	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	if chat.Timestamp.IsZero() {
		chat.Timestamp = time.Now().UTC()
	}
	return s.rooms.Deliver(chat)
}

func (s *Service) handleConnect(msg *nats.Msg) {
	var req protocol.ConnectRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, err)
		return
	}
	if req.Room == "" || req.Channel == "" || req.Target == "" {
		s.reply(msg, errors.New("room, channel and target are required"))
		return
	}
	ctx := s.ctx
	if s.joinTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*s.joinTimeout)
		defer cancel()
	}
	err := s.rooms.Bind(ctx, req.Room, req.Channel, req.Target)
	if err != nil {
		s.logger.Warn("connect failed", slog.String("room", req.Room), slogError(err))
	}
	s.reply(msg, err)
}

func (s *Service) handleDisconnect(msg *nats.Msg) {
	var req protocol.DisconnectRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, err)
		return
	}
	if !s.rooms.Unbind(req.Room) {
		s.reply(msg, errors.New("room not connected"))
		return
	}
	s.reply(msg, nil)
}

func (s *Service) handleVoiceSet(msg *nats.Msg) {
	var req protocol.VoicePreferenceUpdate
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, err)
		return
	}
	if req.UserID == "" {
		s.reply(msg, errors.New("user_id is required"))
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, settingsTimeout)
	defer cancel()
	s.reply(msg, s.settings.SetVoicePreference(ctx, req.UserID, req.Voice))
}

func (s *Service) handlePrefixSet(msg *nats.Msg) {
	var req protocol.PrefixUpdate
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, err)
		return
	}
	if req.Room == "" {
		s.reply(msg, errors.New("room is required"))
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, settingsTimeout)
	defer cancel()
	s.reply(msg, s.settings.SetPrefix(ctx, req.Room, req.Prefix))
}

// reply answers request/reply traffic; plain publishes are left unanswered.
func (s *Service) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		if err != nil {
			s.logger.Warn("request failed", slog.String("subject", msg.Subject), slogError(err))
		}
		return
	}
	resp := protocol.Reply{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	data, merr := json.Marshal(resp)
	if merr != nil {
		s.logger.Warn("failed to marshal reply", slogError(merr))
		return
	}
	if rerr := msg.Respond(data); rerr != nil {
		s.logger.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(rerr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
