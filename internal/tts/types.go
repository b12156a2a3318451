package tts

import (
	"context"
	"errors"
	"fmt"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	// Markup is either a full <speak> document or plain text.
	Markup string
	// Voice is optional; composed documents embed voices per fragment.
	Voice     string
	MessageID string
	Room      string
}

// IsSSML reports whether the request carries a markup document.
func (r SynthRequest) IsSSML() bool {
	return len(r.Markup) >= 6 && r.Markup[:6] == "<speak"
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. Implementations close both
// channels when done and stop sending once ctx is cancelled.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Reason classifies a synthesis failure.
type Reason string

const (
	ReasonCanceled     Reason = "canceled"
	ReasonTransport    Reason = "transport"
	ReasonInvalidInput Reason = "invalid_input"
)

// SynthesisError is the structured failure returned by providers.
type SynthesisError struct {
	Reason Reason
	Detail string
	Err    error
}

func (e *SynthesisError) Error() string {
	msg := fmt.Sprintf("synthesis %s", e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Classify converts any error into a SynthesisError, mapping context
// cancellation to ReasonCanceled and everything else to fallback.
func Classify(err error, fallback Reason) *SynthesisError {
	if err == nil {
		return nil
	}
	var se *SynthesisError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &SynthesisError{Reason: ReasonCanceled, Err: err}
	}
	return &SynthesisError{Reason: fallback, Err: err}
}

var errEmptyMarkup = &SynthesisError{Reason: ReasonInvalidInput, Detail: "empty markup"}
