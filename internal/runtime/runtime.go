// Package runtime assembles the bridge: bus, transcript history,
// capability registry, STT service and the operational HTTP surface.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parakeetlabs/parakeet-bridge/internal/bus"
	"github.com/parakeetlabs/parakeet-bridge/internal/capability"
	"github.com/parakeetlabs/parakeet-bridge/internal/config"
	"github.com/parakeetlabs/parakeet-bridge/internal/history"
	"github.com/parakeetlabs/parakeet-bridge/internal/natsserver"
	"github.com/parakeetlabs/parakeet-bridge/internal/nemo"
	"github.com/parakeetlabs/parakeet-bridge/internal/stt"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded   *natsserver.EmbeddedServer
	busClient  *bus.Client
	store      *history.Store
	registry   *capability.Registry
	sttService *stt.Service
	prober     *nemo.Client
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

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
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		r.embedded.Shutdown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient

	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		r.teardown()
		return fmt.Errorf("failed to open transcript history: %w", err)
	}
	r.store = store

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, busClient, r.logger)
	if err != nil {
		r.teardown()
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	r.registry = registry

	sttService, prober, err := buildSTT(ctx, r.cfg, busClient, store)
	if err != nil {
		r.teardown()
		return err
	}
	r.sttService = sttService
	r.prober = prober

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/transcripts", r.handleTranscripts)
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
		}
	}()

	r.ready.Store(true)
	r.logger.Info("bridge started",
		slog.String("addr", addr),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.String("server_url", r.cfg.Nemo.ServerURL))

	<-ctx.Done()
	r.logger.Info("bridge stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.teardown()
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildSTT constructs the recognizer and service only when STT is
// enabled: a disabled config may legitimately carry an empty or
// placeholder server URL and must not abort startup.
func buildSTT(ctx context.Context, cfg config.Config, busClient *bus.Client, store *history.Store) (*stt.Service, *nemo.Client, error) {
	if !cfg.STT.Enabled {
		return nil, nil, nil
	}
	recognizer, err := stt.NewRecognizer(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build recognizer: %w", err)
	}
	var prober *nemo.Client
	if c, ok := recognizer.(interface{ Client() *nemo.Client }); ok {
		prober = c.Client()
	}
	service := stt.NewService(ctx, cfg.STT, busClient, recognizer, store)
	if err := service.Start(); err != nil {
		service.Close()
		return nil, nil, fmt.Errorf("failed to start stt service: %w", err)
	}
	return service, prober, nil
}

func (r *Runtime) teardown() {
	if r.sttService != nil {
		r.sttService.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.embedded.Shutdown()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if !r.ready.Load() || !r.busClient.Healthy() || (r.sttService != nil && !r.sttService.Healthy()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if r.prober != nil {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := r.prober.Healthz(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "inference server not ready: %v", err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) handleTranscripts(w http.ResponseWriter, req *http.Request) {
	sessionID := req.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	transcripts, err := r.store.ListSessionTranscripts(req.Context(), sessionID, 200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(transcripts); err != nil {
		r.logger.Warn("failed to encode transcripts", slog.String("error", err.Error()))
	}
}
