// Package compose turns chat messages into synthesis requests.
package compose

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/tts"
)

const DefaultVoice = "en-AU-NatashaNeural"

const (
	speakOpen  = `<speak version="1.0" xmlns="https://www.w3.org/2001/10/synthesis" xml:lang="en-US">`
	speakClose = `</speak>`
)

var ErrEmptyMessage = errors.New("message has no speakable text")

// VoiceSource reads per-user voice preferences. An empty result means the
// user has none.
type VoiceSource interface {
	VoicePreference(ctx context.Context, userID string) (string, error)
}

// Expander rewrites inline shorthand into markup.
type Expander interface {
	Expand(text string) string
}

type Composer struct {
	expander     Expander
	voices       VoiceSource
	defaultVoice string
	announcer    string
	logger       *slog.Logger
}

func New(expander Expander, voices VoiceSource, cfg config.RelayConfig, log *slog.Logger) *Composer {
	def := strings.TrimSpace(cfg.DefaultVoice)
	if def == "" {
		def = DefaultVoice
	}
	return &Composer{
		expander:     expander,
		voices:       voices,
		defaultVoice: def,
		announcer:    strings.TrimSpace(cfg.AnnouncerVoice),
		logger:       log.With(slog.String("component", "composer")),
	}
}

// Compose builds a single markup document for msg.
func (c *Composer) Compose(ctx context.Context, msg protocol.ChatMessage) (tts.SynthRequest, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return tts.SynthRequest{}, ErrEmptyMessage
	}

	voice := c.voiceFor(ctx, msg.AuthorID)
	body := xmlEscape(msg.Text)
	if c.expander != nil {
		body = c.expander.Expand(body)
	}

	var b strings.Builder
	b.WriteString(speakOpen)
	if c.announcer != "" {
		name := msg.AuthorDisplayName
		if name == "" {
			name = msg.AuthorUsername
		}
		writeVoice(&b, c.announcer, xmlEscape(name)+" says")
	}
	writeVoice(&b, voice, body)
	b.WriteString(speakClose)

	return tts.SynthRequest{
		Markup:    b.String(),
		MessageID: msg.ID,
		Room:      msg.Room,
	}, nil
}

func (c *Composer) voiceFor(ctx context.Context, userID string) string {
	if c.voices == nil || userID == "" {
		return c.defaultVoice
	}
	voice, err := c.voices.VoicePreference(ctx, userID)
	if err != nil {
		c.logger.Warn("voice preference lookup failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return c.defaultVoice
	}
	if voice = strings.TrimSpace(voice); voice == "" {
		return c.defaultVoice
	}
	return voice
}

func writeVoice(b *strings.Builder, voice, content string) {
	b.WriteString(`<voice name="`)
	b.WriteString(xmlEscape(voice))
	b.WriteString(`">`)
	b.WriteString(content)
	b.WriteString(`</voice>`)
}

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func xmlEscape(s string) string { return escaper.Replace(s) }
