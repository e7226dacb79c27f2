package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/pkg/checkpoint"
	"github.com/harun/keel/pkg/recovery"
)

// statusPayload is the read-only monitoring view: per-dependency health
// the way external alerting wants it, never a control surface.
type statusPayload struct {
	UptimeSec       float64                 `json:"uptime_sec"`
	ActiveThreads   int                     `json:"active_threads"`
	Breakers        map[string]string       `json:"breakers"`
	LimiterLevels   map[string]float64      `json:"limiter_levels"`
	PendingKeys     int                     `json:"pending_idempotency_keys"`
	CachedKeys      int                     `json:"cached_idempotency_keys"`
	Threads         []checkpoint.ThreadInfo `json:"threads,omitempty"`
	Store           *checkpoint.WALInfo     `json:"store,omitempty"`
	Recovery        recovery.Report         `json:"recovery"`
	Provider        string                  `json:"provider"`
	RegisteredTools []string                `json:"registered_tools"`
}

// statusServer exposes /healthz, /status, /metrics and a read-only
// websocket stream of the status payload.
type statusServer struct {
	engine   *Engine
	server   *http.Server
	upgrader websocket.Upgrader
}

func newStatusServer(e *Engine) *statusServer {
	return &statusServer{
		engine: e,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (s *statusServer) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/ws", s.handleWebsocket)

	statusCfg := s.engine.currentConfig().Status
	addr := fmt.Sprintf("%s:%d", statusCfg.Host, statusCfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.engine.logger.Error().Err(err).Msg("Status server failed")
		}
	}()

	s.engine.logger.Info().Str("addr", addr).Msg("Status server listening")
	return nil
}

func (s *statusServer) stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *statusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload, err := s.snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// handleWebsocket streams the status payload every two seconds. Client
// frames are read and discarded; the stream is observation only.
func (s *statusServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.engine.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.engine.ctx.Done():
			return
		case <-ticker.C:
			payload, err := s.snapshot(s.engine.ctx)
			if err != nil {
				s.engine.logger.Warn().Err(err).Msg("Status snapshot failed")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
	}
}

func (s *statusServer) snapshot(ctx context.Context) (*statusPayload, error) {
	e := s.engine

	breakers := make(map[string]string)
	for tool, state := range e.breaker.Snapshot() {
		breakers[tool] = string(state)
	}

	threads, err := e.store.ListThreads(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	if len(threads) > 20 {
		threads = threads[:20]
	}

	// Store diagnostics are best effort; the payload stays useful without them.
	walInfo, _ := e.store.Stats(ctx)

	return &statusPayload{
		UptimeSec:       e.Uptime().Seconds(),
		ActiveThreads:   e.ActiveThreads(),
		Breakers:        breakers,
		LimiterLevels:   e.limiter.Snapshot(),
		PendingKeys:     e.cache.PendingCount(),
		CachedKeys:      e.cache.Size(),
		Threads:         threads,
		Store:           walInfo,
		Recovery:        e.LastRecovery(),
		Provider:        e.provider.Name(),
		RegisteredTools: e.registry.List(),
	}, nil
}
