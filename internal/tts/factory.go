package tts

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-relay/internal/config"
)

// New builds the synthesizer selected by cfg.Mode, fronted by a Cache when
// cfg.CacheEntries is positive.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	var synth Synthesizer
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		synth = NewMockSynth(cfg.SampleRate, cfg.Channels)
	case "exec":
		s, err := NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		synth = s
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
	if cfg.CacheEntries <= 0 {
		return synth, nil
	}
	return NewCache(synth, cfg.CacheEntries)
}
