package tts

import (
	"context"
	"regexp"
	"strings"
	"time"
)

var markupTag = regexp.MustCompile(`<[^>]*>`)

type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
}

// NewMockSynth returns a synthesizer that produces silence roughly as long as
// the text would take to speak.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: 50 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if strings.TrimSpace(req.Markup) == "" {
			errs <- errEmptyMarkup
			return
		}
		select {
		case <-ctx.Done():
			errs <- Classify(ctx.Err(), ReasonCanceled)
			return
		case <-time.After(m.delay):
		}
		chunk := SynthChunk{
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        make([]byte, m.pcmLength(req.Markup)),
			Final:      true,
		}
		select {
		case chunks <- chunk:
		case <-ctx.Done():
			errs <- Classify(ctx.Err(), ReasonCanceled)
		}
	}()
	return chunks, errs
}

// pcmLength sizes the silence from the text left once markup is removed.
func (m *mockSynth) pcmLength(markup string) int {
	text := strings.TrimSpace(markupTag.ReplaceAllString(markup, ""))
	spoken := time.Duration(len([]rune(text))) * 60 * time.Millisecond
	if spoken > 5*time.Second {
		spoken = 5 * time.Second
	}
	bytesPerSecond := m.sampleRate * m.channels * 2
	n := int(spoken.Seconds() * float64(bytesPerSecond))
	return n - n%(m.channels*2)
}
