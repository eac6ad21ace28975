// Package gateway serves the local HTTP surface: a health probe, a JSON
// status endpoint, and a websocket stream of orchestration events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskweave/internal/bus"
	"github.com/basket/taskweave/internal/persistence"
)

// Config holds the gateway's dependencies.
type Config struct {
	BindAddr string
	Store    *persistence.Store
	Bus      *bus.Bus
	Logger   *slog.Logger
}

// Server is the local HTTP/websocket gateway.
type Server struct {
	cfg  Config
	http *http.Server
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/plans", s.handlePlans)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWS)

	s.http = &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info("gateway listening", "addr", s.cfg.BindAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handlePlans implements GET /api/v1/plans: all plans with their tasks.
func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	plans, err := s.cfg.Store.ListPlans(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type planView struct {
		persistence.Plan
		Tasks []persistence.Task `json:"tasks"`
	}
	out := make([]planView, 0, len(plans))
	for _, p := range plans {
		tasks, err := s.cfg.Store.ListTasks(ctx, p.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, planView{Plan: p, Tasks: tasks})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleEvents implements GET /api/v1/events?plan_id=X&after=N: the
// persisted event log, for catching up before attaching to the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	planID := r.URL.Query().Get("plan_id")
	if planID == "" {
		http.Error(w, "plan_id query parameter is required", http.StatusBadRequest)
		return
	}
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "after must be an integer", http.StatusBadRequest)
			return
		}
		after = parsed
	}

	events, err := s.cfg.Store.ListRunEvents(r.Context(), planID, after, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}

// wsEvent is one event frame on the websocket stream.
type wsEvent struct {
	Ts      time.Time   `json:"ts"`
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// handleWS implements GET /ws: a live stream of all run and queue events.
// An optional topic query parameter narrows the subscription by prefix.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Local-only gateway; the bind address is the access control.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.cfg.Logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	prefix := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := wsEvent{Ts: time.Now().UTC(), Topic: ev.Topic, Payload: ev.Payload}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				s.cfg.Logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}
