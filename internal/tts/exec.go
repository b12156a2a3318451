package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Markup     string `json:"markup"`
	Voice      string `json:"voice,omitempty"`
	SSML       bool   `json:"ssml"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// NewExecSynth runs command once per request, writing a JSON request to its
// stdin and reading JSON lines of base64 PCM from its stdout.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(schunks)
		defer close(errs)
		if strings.TrimSpace(req.Markup) == "" {
			errs <- errEmptyMarkup
			return
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.run(ctx, req, schunks); err != nil {
			errs <- err
		}
	}()
	return schunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	data, err := json.Marshal(execRequest{
		Markup:     req.Markup,
		Voice:      req.Voice,
		SSML:       req.IsSSML(),
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return &SynthesisError{Reason: ReasonInvalidInput, Err: err}
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &SynthesisError{Reason: ReasonTransport, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SynthesisError{Reason: ReasonTransport, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &SynthesisError{Reason: ReasonTransport, Detail: "start", Err: err}
	}

	if _, err := stdin.Write(data); err != nil {
		return abort(cmd, Classify(err, ReasonTransport))
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	sequence := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return abort(cmd, &SynthesisError{Reason: ReasonTransport, Detail: "decode response", Err: err})
		}
		if resp.Error != "" {
			reason := Reason(resp.Reason)
			if reason == "" {
				reason = ReasonInvalidInput
			}
			return abort(cmd, &SynthesisError{Reason: reason, Detail: resp.Error})
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return abort(cmd, &SynthesisError{Reason: ReasonTransport, Detail: "decode pcm", Err: err})
		}
		chunk := SynthChunk{
			Sequence:   sequence,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
			PCM:        pcm,
			Final:      resp.Final,
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return abort(cmd, Classify(ctx.Err(), ReasonCanceled))
		}
		sequence++
	}
	if err := scanner.Err(); err != nil {
		return abort(cmd, Classify(err, ReasonTransport))
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return Classify(ctx.Err(), ReasonCanceled)
		}
		return &SynthesisError{Reason: ReasonTransport, Detail: "tts command failed", Err: err}
	}
	return nil
}

// abort kills the provider so an unread stdout cannot block the reap. A
// wait failure is attached to cause when it carries no error of its own.
func abort(cmd *exec.Cmd, cause *SynthesisError) error {
	_ = cmd.Process.Kill()
	if err := cmd.Wait(); err != nil && cause.Err == nil {
		cause.Err = err
	}
	return cause
}
