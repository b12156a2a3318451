package room

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/playback"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/tts"
	"github.com/loqalabs/loqa-relay/internal/voice"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type textComposer struct{}

func (textComposer) Compose(_ context.Context, msg protocol.ChatMessage) (tts.SynthRequest, error) {
	return tts.SynthRequest{Markup: msg.Text, MessageID: msg.ID, Room: msg.Room}, nil
}

// gatedSynth blocks every synthesis until release is closed or ctx ends.
type gatedSynth struct {
	release chan struct{}

	mu    sync.Mutex
	calls []string
}

func newGatedSynth(open bool) *gatedSynth {
	g := &gatedSynth{release: make(chan struct{})}
	if open {
		close(g.release)
	}
	return g
}

func (g *gatedSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	g.mu.Lock()
	g.calls = append(g.calls, req.Room+":"+req.Markup)
	g.mu.Unlock()

	chunks := make(chan tts.SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-g.release:
			chunks <- tts.SynthChunk{PCM: []byte(req.Markup), SampleRate: 8000, Channels: 1, Final: true}
		case <-ctx.Done():
			errs <- tts.Classify(ctx.Err(), tts.ReasonCanceled)
		}
	}()
	return chunks, errs
}

func (g *gatedSynth) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type events struct{ ch chan protocol.PlaybackEvent }

func (e events) Observe(_ context.Context, ev protocol.PlaybackEvent) { e.ch <- ev }

func (e events) next(t *testing.T) protocol.PlaybackEvent {
	t.Helper()
	select {
	case ev := <-e.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for playback event")
		return protocol.PlaybackEvent{}
	}
}

func newDeps(gw voice.Gateway, synth tts.Synthesizer, ev events) Deps {
	return Deps{
		Gateway: gw,
		Playback: playback.Config{
			Composer: textComposer{},
			Synth:    synth,
			Observer: ev,
			Logger:   testLogger(),
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionLifecycle(t *testing.T) {
	gw := voice.NewLoopbackGateway(0)
	ev := events{ch: make(chan protocol.PlaybackEvent, 16)}
	s := NewSession(context.Background(), "r1", "text-1", newDeps(gw, newGatedSynth(true), ev), testLogger())

	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %s", s.State())
	}
	if err := s.EnqueueMessage(protocol.ChatMessage{Channel: "text-1", Text: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if s.Disconnect() {
		t.Fatal("expected disconnect of idle session to report false")
	}

	if err := s.Connect(context.Background(), "voice-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("expected active, got %s", s.State())
	}
	if err := s.EnqueueMessage(protocol.ChatMessage{Channel: "other", Text: "x"}); !errors.Is(err, ErrChannelMismatch) {
		t.Fatalf("expected ErrChannelMismatch, got %v", err)
	}
	if err := s.EnqueueMessage(protocol.ChatMessage{ID: "m1", Room: "r1", Channel: "text-1", Text: "hello"}); err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}
	if got := ev.next(t); got.MessageID != "m1" || got.Status != protocol.PlaybackSpoken {
		t.Fatalf("unexpected event %+v", got)
	}
	conn := gw.Connections()[0]
	if conn.Bytes() != len("hello") {
		t.Fatalf("expected audio written to sink, got %d bytes", conn.Bytes())
	}

	st := s.Status()
	if st.State != "active" || st.Target != "voice-1" || st.Channel != "text-1" || st.ConnectedAt.IsZero() {
		t.Fatalf("unexpected status %+v", st)
	}

	if !s.Disconnect() {
		t.Fatal("expected disconnect to report true")
	}
	if s.Disconnect() {
		t.Fatal("expected second disconnect to report false")
	}
	if !conn.Closed() {
		t.Fatal("expected voice connection closed")
	}
	if err := s.EnqueueMessage(protocol.ChatMessage{Channel: "text-1", Text: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestSessionJoinFailureStaysIdle(t *testing.T) {
	gw := voice.NewLoopbackGateway(0)
	gw.FailJoins(voice.ErrJoinFailed)
	s := NewSession(context.Background(), "r1", "text-1", newDeps(gw, newGatedSynth(true), events{ch: make(chan protocol.PlaybackEvent, 1)}), testLogger())
	if err := s.Connect(context.Background(), "voice-1"); !errors.Is(err, voice.ErrJoinFailed) {
		t.Fatalf("expected join failure, got %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after failed join, got %s", s.State())
	}
}

func TestReconnectDiscardsPending(t *testing.T) {
	gw := voice.NewLoopbackGateway(0)
	synth := newGatedSynth(false)
	ev := events{ch: make(chan protocol.PlaybackEvent, 16)}
	s := NewSession(context.Background(), "r1", "text-1", newDeps(gw, synth, ev), testLogger())

	if err := s.Connect(context.Background(), "voice-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for _, text := range []string{"a", "b", "c"} {
		if err := s.EnqueueMessage(protocol.ChatMessage{ID: text, Room: "r1", Channel: "text-1", Text: text}); err != nil {
			t.Fatalf("EnqueueMessage: %v", err)
		}
	}
	waitFor(t, func() bool { return len(synth.Calls()) == 1 })

	if err := s.Connect(context.Background(), "voice-2"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := ev.next(t); got.MessageID != "a" || got.Reason != string(tts.ReasonCanceled) {
		t.Fatalf("expected in-flight message canceled, got %+v", got)
	}
	if calls := synth.Calls(); len(calls) != 1 {
		t.Fatalf("expected pending messages discarded, got %v", calls)
	}
	conns := gw.Connections()
	if len(conns) != 2 || !conns[0].Closed() || conns[1].Closed() {
		t.Fatal("expected old connection closed and new one open")
	}

	close(synth.release)
	if err := s.EnqueueMessage(protocol.ChatMessage{ID: "d", Room: "r1", Channel: "text-1", Text: "d"}); err != nil {
		t.Fatalf("EnqueueMessage after reconnect: %v", err)
	}
	if got := ev.next(t); got.MessageID != "d" || got.Status != protocol.PlaybackSpoken {
		t.Fatalf("unexpected event %+v", got)
	}
	if conns[1].Bytes() != 1 {
		t.Fatalf("expected audio on the new connection, got %d bytes", conns[1].Bytes())
	}
	s.Disconnect()
}

func TestRegistryBindDeliverUnbind(t *testing.T) {
	gw := voice.NewLoopbackGateway(0)
	ev := events{ch: make(chan protocol.PlaybackEvent, 16)}
	r := NewRegistry(context.Background(), newDeps(gw, newGatedSynth(true), ev), testLogger())
	defer r.Close()

	if r.Deliver(protocol.ChatMessage{Room: "r1", Channel: "t1", Text: "x"}) {
		t.Fatal("expected delivery to unknown room to fail")
	}
	if r.Unbind("r1") {
		t.Fatal("expected unbind of unknown room to report false")
	}

	if err := r.Bind(context.Background(), "r1", "t1", "v1"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, ok := r.Get("r1"); !ok {
		t.Fatal("expected session registered")
	}
	if r.Deliver(protocol.ChatMessage{Room: "r1", Channel: "t2", Text: "x"}) {
		t.Fatal("expected channel mismatch to be dropped")
	}
	if !r.Deliver(protocol.ChatMessage{ID: "m", Room: "r1", Channel: "t1", Text: "x"}) {
		t.Fatal("expected delivery")
	}
	if got := ev.next(t); got.MessageID != "m" {
		t.Fatalf("unexpected event %+v", got)
	}

	rooms := r.Rooms()
	if len(rooms) != 1 || rooms[0].Room != "r1" || rooms[0].State != "active" {
		t.Fatalf("unexpected rooms %+v", rooms)
	}
	if r.activeCount() != 1 {
		t.Fatalf("expected one active session, got %d", r.activeCount())
	}

	if !r.Unbind("r1") {
		t.Fatal("expected unbind to report true")
	}
	if _, ok := r.Get("r1"); ok {
		t.Fatal("expected session removed")
	}
	if r.Deliver(protocol.ChatMessage{Room: "r1", Channel: "t1", Text: "x"}) {
		t.Fatal("expected delivery after unbind to fail")
	}
}

func TestRegistryBindFailureRegistersNothing(t *testing.T) {
	gw := voice.NewLoopbackGateway(0)
	r := NewRegistry(context.Background(), newDeps(gw, newGatedSynth(true), events{ch: make(chan protocol.PlaybackEvent, 4)}), testLogger())
	defer r.Close()

	if err := r.Bind(context.Background(), "r1", "t1", "v1"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	gw.FailJoins(voice.ErrJoinFailed)
	if err := r.Bind(context.Background(), "r1", "t1", "v2"); !errors.Is(err, voice.ErrJoinFailed) {
		t.Fatalf("expected join failure, got %v", err)
	}
	if _, ok := r.Get("r1"); ok {
		t.Fatal("expected no session after failed rebind")
	}
	if !gw.Connections()[0].Closed() {
		t.Fatal("expected previous connection torn down")
	}
}

func TestRegistryDropsIdleRoomLocks(t *testing.T) {
	gw := voice.NewLoopbackGateway(0)
	r := NewRegistry(context.Background(), newDeps(gw, newGatedSynth(true), events{ch: make(chan protocol.PlaybackEvent, 4)}), testLogger())
	defer r.Close()

	rooms := []string{"r1", "r2", "r3"}
	var wg sync.WaitGroup
	for _, room := range rooms {
		wg.Add(1)
		go func(room string) {
			defer wg.Done()
			_ = r.Bind(context.Background(), room, "t1", "v1")
			r.Unbind(room)
			r.Unbind(room)
		}(room)
	}
	wg.Wait()

	gw.FailJoins(voice.ErrJoinFailed)
	_ = r.Bind(context.Background(), "r4", "t1", "v1")

	r.mu.Lock()
	remaining := len(r.locks)
	r.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected no lifecycle locks left, got %d", remaining)
	}
	if got := len(r.Rooms()); got != 0 {
		t.Fatalf("expected no sessions, got %d", got)
	}
}

func TestRegistryRebindReplacesSession(t *testing.T) {
	gw := voice.NewLoopbackGateway(0)
	r := NewRegistry(context.Background(), newDeps(gw, newGatedSynth(true), events{ch: make(chan protocol.PlaybackEvent, 4)}), testLogger())
	defer r.Close()

	_ = r.Bind(context.Background(), "r1", "t1", "v1")
	first, _ := r.Get("r1")
	_ = r.Bind(context.Background(), "r1", "t2", "v2")
	second, _ := r.Get("r1")
	if first == second {
		t.Fatal("expected a new session")
	}
	if first.State() != StateIdle || second.Channel() != "t2" {
		t.Fatalf("unexpected states old=%s new channel=%s", first.State(), second.Channel())
	}
}

func TestRegistryRoomsIndependent(t *testing.T) {
	gw := voice.NewLoopbackGateway(0)
	ev := events{ch: make(chan protocol.PlaybackEvent, 16)}
	synth := newGatedSynth(true)
	r := NewRegistry(context.Background(), newDeps(gw, synth, ev), testLogger())
	defer r.Close()

	_ = r.Bind(context.Background(), "r1", "t1", "v1")
	_ = r.Bind(context.Background(), "r2", "t2", "v2")
	r.Deliver(protocol.ChatMessage{ID: "1", Room: "r1", Channel: "t1", Text: "x"})
	r.Deliver(protocol.ChatMessage{ID: "2", Room: "r2", Channel: "t2", Text: "y"})

	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		got := ev.next(t)
		seen[got.Room] = got.MessageID
	}
	if seen["r1"] != "1" || seen["r2"] != "2" {
		t.Fatalf("unexpected routing %v", seen)
	}

	r.Unbind("r1")
	if !r.Deliver(protocol.ChatMessage{ID: "3", Room: "r2", Channel: "t2", Text: "z"}) {
		t.Fatal("expected r2 unaffected by r1 disconnect")
	}
	if got := ev.next(t); got.Room != "r2" || got.MessageID != "3" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestRegistryClose(t *testing.T) {
	gw := voice.NewLoopbackGateway(0)
	r := NewRegistry(context.Background(), newDeps(gw, newGatedSynth(true), events{ch: make(chan protocol.PlaybackEvent, 4)}), testLogger())
	_ = r.Bind(context.Background(), "r1", "t1", "v1")
	_ = r.Bind(context.Background(), "r2", "t2", "v2")
	r.Close()
	if len(r.Rooms()) != 0 {
		t.Fatal("expected no rooms after Close")
	}
	for _, c := range gw.Connections() {
		if !c.Closed() {
			t.Fatal("expected all connections closed")
		}
	}
}
