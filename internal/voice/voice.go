// Package voice abstracts the voice session a room's audio is streamed into.
package voice

import (
	"context"
	"errors"
	"time"
)

var (
	ErrJoinFailed = errors.New("voice join failed")
	ErrClosed     = errors.New("voice connection closed")
)

// Audio is a block of signed 16-bit little-endian PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration is the playback length of a.
func (a Audio) Duration() time.Duration {
	bps := a.SampleRate * a.Channels * 2
	if bps <= 0 {
		return 0
	}
	return time.Duration(len(a.PCM)) * time.Second / time.Duration(bps)
}

// Sink accepts audio for a voice session. Write blocks until the audio has
// been emitted or ctx is done.
type Sink interface {
	Write(ctx context.Context, audio Audio) error
}

// Connection is an open voice session.
type Connection interface {
	Sink() Sink
	Close() error
}

// Gateway opens voice sessions.
type Gateway interface {
	Join(ctx context.Context, room, target string) (Connection, error)
}

// pace splits audio into frames of frameDuration and hands them to emit one
// tick apart. A non-positive frameDuration emits everything at once.
func pace(ctx context.Context, audio Audio, frameDuration time.Duration, emit func(frame []byte) error) error {
	if len(audio.PCM) == 0 {
		return nil
	}
	if frameDuration <= 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return emit(audio.PCM)
	}

	frameBytes := int(int64(audio.SampleRate*audio.Channels*2) * int64(frameDuration) / int64(time.Second))
	if align := audio.Channels * 2; align > 0 {
		frameBytes -= frameBytes % align
	}
	if frameBytes <= 0 {
		frameBytes = len(audio.PCM)
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for offset := 0; offset < len(audio.PCM); offset += frameBytes {
		end := offset + frameBytes
		if end > len(audio.PCM) {
			end = len(audio.PCM)
		}
		if err := emit(audio.PCM[offset:end]); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
