// Package runtime assembles the bridge daemon: telemetry, the capture bus,
// the recorder, agent resolution, the upstream dialer, and the WebSocket
// front end, started in dependency order and stopped in reverse.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/agents"
	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/natsserver"
	"github.com/loqalabs/loqa-bridge/internal/recorder"
	"github.com/loqalabs/loqa-bridge/internal/server"
	"github.com/loqalabs/loqa-bridge/internal/session"
	"github.com/loqalabs/loqa-bridge/internal/upstream"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the daemon up and blocks until ctx is cancelled, then tears
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	defer embedded.Shutdown()

	var (
		busClient *bus.Client
		capture   session.CapturePublisher
		rec       *recorder.Service
	)
	if r.cfg.Recorder.Enabled {
		busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		defer busClient.Close()

		rec, err = recorder.Open(ctx, r.cfg.Recorder, busClient, r.logger)
		if err != nil {
			return fmt.Errorf("failed to open recorder: %w", err)
		}
		defer rec.Close()
		if err := rec.Start(); err != nil {
			return fmt.Errorf("failed to start recorder: %w", err)
		}
		capture = recorder.NewPublisher(busClient)
	}

	resolver, err := agents.NewResolver(r.cfg.Agents)
	if err != nil {
		return fmt.Errorf("failed to build agent resolver: %w", err)
	}

	dialer, err := r.buildDialer(ctx)
	if err != nil {
		return err
	}

	metrics, err := session.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to register session metrics: %w", err)
	}

	ws := server.New(server.Options{
		Logger:   r.logger,
		Resolver: resolver,
		Dialer:   dialer,
		Capture:  capture,
		Metrics:  metrics,
		Audio:    r.cfg.Audio,
		VAD:      r.cfg.VAD,
	})
	defer func() { _ = ws.Close() }()

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("bridge started",
		slog.String("addr", addr),
		slog.String("upstream_mode", r.cfg.Upstream.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("bridge stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	_ = ws.Close()
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) buildDialer(ctx context.Context) (upstream.Dialer, error) {
	switch r.cfg.Upstream.Mode {
	case "mock":
		r.logger.Warn("upstream mock mode active, no external AI calls will be made")
		return upstream.NewMockDialer(r.cfg.Upstream), nil
	default:
		dialer, err := upstream.NewGeminiDialer(ctx, r.cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini dialer: %w", err)
		}
		return dialer, nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
