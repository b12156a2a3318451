package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/compose"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/ingress"
	"github.com/loqalabs/loqa-relay/internal/journal"
	"github.com/loqalabs/loqa-relay/internal/natsserver"
	"github.com/loqalabs/loqa-relay/internal/playback"
	"github.com/loqalabs/loqa-relay/internal/room"
	"github.com/loqalabs/loqa-relay/internal/settings"
	"github.com/loqalabs/loqa-relay/internal/tagger"
	"github.com/loqalabs/loqa-relay/internal/tts"
	"github.com/loqalabs/loqa-relay/internal/voice"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error
	telemetry     func(config.Config, *slog.Logger) (func(context.Context) error, http.Handler, error)
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	settings *settings.Store
	journal  *journal.Store
	registry *room.Registry
	ingress  *ingress.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		telemetry: setupTelemetry,
	}
}

// Start runs the relay until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := r.telemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricHandler

	if err := r.build(ctx); err != nil {
		cancel()
		r.wg.Wait()
		r.close()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if cerr := r.tracerClose(shutdownCtx); cerr != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", cerr.Error()))
		}
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer)

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.close()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}()
}

// build wires the relay's components. Anything it opened is released by close.
func (r *Runtime) build(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.settings, err = settings.Open(ctx, r.cfg.Settings, r.logger)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	r.journal, err = journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if interval := time.Duration(r.cfg.Journal.PruneIntervalMinutes) * time.Minute; interval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.journal.RunPruner(ctx, interval)
		}()
	}

	synth, err := tts.New(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("create synthesizer: %w", err)
	}

	var gateway voice.Gateway
	frame := time.Duration(r.cfg.Voice.FrameDurationMS) * time.Millisecond
	switch r.cfg.Voice.Mode {
	case "loopback":
		gateway = voice.NewLoopbackGateway(frame)
	default:
		gateway = voice.NewBusGateway(r.bus, r.cfg.Voice, r.logger)
	}

	expander := tagger.New(tagger.WithMaxAliasDepth(r.cfg.Relay.MaxAliasDepth))
	composer := compose.New(expander, r.settings, r.cfg.Relay, r.logger)

	r.registry = room.NewRegistry(ctx, room.Deps{
		Gateway: gateway,
		Playback: playback.Config{
			Composer: composer,
			Synth:    synth,
			Observer: playback.Observers{
				r.journal,
				playback.NewLogObserver(r.logger),
				playback.NewBusObserver(r.bus, r.logger),
			},
			ItemTimeout: time.Duration(r.cfg.TTS.TimeoutMS) * time.Millisecond,
			Logger:      r.logger,
		},
	}, r.logger)

	r.ingress = ingress.NewService(ctx, r.cfg, r.bus, r.registry, r.settings, r.logger)
	if err := r.ingress.Start(); err != nil {
		return fmt.Errorf("start ingress: %w", err)
	}
	return nil
}

func (r *Runtime) close() {
	if r.ingress != nil {
		r.ingress.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("journal close failed", slog.String("error", err.Error()))
		}
	}
	if r.settings != nil {
		if err := r.settings.Close(); err != nil {
			r.logger.Warn("settings close failed", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/rooms", r.handleRooms)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.ingress != nil && r.ingress.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleRooms(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.registry.Rooms()); err != nil {
		r.logger.Warn("failed to encode rooms", slog.String("error", err.Error()))
	}
}
