package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/curriculum"
	"github.com/loqalabs/loqa-tutor/internal/eventstore"
	"github.com/loqalabs/loqa-tutor/internal/narration"
	"github.com/loqalabs/loqa-tutor/internal/natsserver"
	"github.com/loqalabs/loqa-tutor/internal/session"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	embedded  *natsserver.EmbeddedServer
	bus       *bus.Client
	events    *eventstore.Store
	narration *narration.Service
	session   *session.Service
	ready     atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up the bus, the stores and the tutor services, then serves
// health and metrics until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		return err
	}
	defer r.stopServices()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slogError(err))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	return g.Wait()
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "natsserver")))
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	library, err := curriculum.Load(r.cfg.Curriculum.Path)
	if err != nil {
		return fmt.Errorf("load curriculum: %w", err)
	}
	for _, p := range library.Personas() {
		store, _ := library.Curriculum(p)
		r.logger.Info("curriculum loaded", slog.String("persona", p.String()), slog.Int("steps", store.Count()))
	}

	resolver, err := audio.NewResolver(r.cfg.Audio.BaseDir, r.logger)
	if err != nil {
		return fmt.Errorf("audio resolver: %w", err)
	}

	if r.cfg.Narration.Enabled {
		synth, err := narration.NewSynthesizer(r.cfg.Narration)
		if err != nil {
			return fmt.Errorf("narration: %w", err)
		}
		r.narration = narration.NewService(ctx, r.cfg.Narration, r.bus, synth, r.logger)
		if err := r.narration.Start(); err != nil {
			return fmt.Errorf("start narration service: %w", err)
		}
	}

	r.session, err = session.NewService(ctx, session.Config{
		Teaching:         r.cfg.Teaching,
		Sequencer:        r.cfg.Sequencer,
		DefaultPersona:   r.cfg.Curriculum.DefaultPersona,
		Voice:            r.cfg.Narration.Voice,
		Narrate:          r.cfg.Narration.Enabled,
		NarrationTimeout: time.Duration(r.cfg.Narration.TimeoutMS) * time.Millisecond,
	}, session.Deps{
		Bus:      r.bus,
		Library:  library,
		Resolver: resolver,
		Events:   r.events,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("session service: %w", err)
	}
	if err := r.session.Start(); err != nil {
		return fmt.Errorf("start session service: %w", err)
	}
	return nil
}

// stopServices tears down in reverse start order. Safe after a partial start.
func (r *Runtime) stopServices() {
	if r.session != nil {
		r.session.Close()
	}
	if r.narration != nil {
		r.narration.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

// Healthy reports whether every started service is serving.
func (r *Runtime) Healthy() bool {
	if !r.ready.Load() || !r.bus.Healthy() {
		return false
	}
	if r.narration != nil && !r.narration.Healthy() {
		return false
	}
	return r.session != nil && r.session.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
