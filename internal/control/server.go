// Package control serves the local-only operations surface: status, config,
// log history, live mode switching, worker restarts, and a WebSocket push
// channel feeding the dashboard. It reads pipeline state but never touches
// envelopes.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/relaymesh/webhook-relay/internal/config"
	"github.com/relaymesh/webhook-relay/internal/consumer"
	"github.com/relaymesh/webhook-relay/internal/dlq"
	"github.com/relaymesh/webhook-relay/internal/httputil"
	"github.com/relaymesh/webhook-relay/internal/logbuf"
	"github.com/relaymesh/webhook-relay/internal/logging"
	"github.com/relaymesh/webhook-relay/internal/middleware"
	"github.com/relaymesh/webhook-relay/internal/queue"
)

// maxLogLimit caps how many ring-buffer records one request may fetch.
const maxLogLimit = 1000

// DeadLetterStats supplies dead letter depth for the status payload.
type DeadLetterStats interface {
	Stats(ctx context.Context) map[string]any
}

// Server is the control-plane HTTP surface.
type Server struct {
	cfg       *config.Config
	runner    *consumer.Runner
	queue     queue.Queue
	ring      *logbuf.Ring
	deadStats DeadLetterStats
	logger    *logging.Logger
	startedAt time.Time
	hub       *Hub
}

// NewServer wires the control plane.
func NewServer(cfg *config.Config, runner *consumer.Runner, q queue.Queue, ring *logbuf.Ring, deadStats DeadLetterStats, logger *logging.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		runner:    runner,
		queue:     q,
		ring:      ring,
		deadStats: deadStats,
		logger:    logger.With(logging.Service("control")),
		startedAt: time.Now(),
	}
	s.hub = NewHub(ring, s.statusPayload)
	return s
}

// Router builds the control-plane handler. Read endpoints are CORS-open;
// mutating endpoints are not.
func (s *Server) Router() http.Handler {
	readCORS := middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"x-api-key"},
	})

	mux := http.NewServeMux()
	mux.Handle("GET /api/status", readCORS(http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /api/config", readCORS(http.HandlerFunc(s.handleConfig)))
	mux.Handle("GET /api/logs", readCORS(http.HandlerFunc(s.handleLogs)))
	mux.Handle("GET /api/deadletters", readCORS(http.HandlerFunc(s.handleDeadLetters)))
	mux.HandleFunc("POST /api/mode", s.handleMode)
	mux.HandleFunc("POST /api/restart", s.handleRestart)
	mux.Handle("GET /api/stream", s.hub)

	return middleware.RequestID(middleware.Recover(s.requireAPIKey(mux)))
}

// requireAPIKey gates every control endpoint behind the x-api-key header,
// compared in constant time. An empty configured key disables auth; config
// validation only permits that on a loopback bind.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.cfg.Control.APIKey
		if key != "" {
			supplied := r.Header.Get("x-api-key")
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(key)) != 1 {
				httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) statusPayload() map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload := map[string]any{
		"running": s.runner.Running(),
		"mode":    string(s.runner.Mode()),
		"workers": s.runner.Workers(),
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	}
	if lastErr := s.runner.LastError(); lastErr != "" {
		payload["lastError"] = lastErr
	}
	if attrs, err := s.queue.Attributes(ctx); err == nil {
		payload["queueAttrs"] = attrs
	} else {
		payload["queueAttrs"] = map[string]string{"error": "queue unreachable"}
	}
	if s.deadStats != nil {
		payload["deadLetters"] = s.deadStats.Stats(ctx)
	}
	return payload
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.statusPayload())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.cfg.Redacted())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := httputil.ParseIntParam(r.URL.Query().Get("limit"), 100)
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	records := s.ring.Last(limit)
	if records == nil {
		records = []logbuf.Record{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"logs": records})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.deadStats.(interface {
		List(ctx context.Context, limit int) ([]dlq.FailedMessage, error)
	})
	if !ok {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"messages": []dlq.FailedMessage{}})
		return
	}

	limit := httputil.ParseIntParam(r.URL.Query().Get("limit"), 100)
	messages, err := lister.List(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "dead letter stream unreachable")
		return
	}
	if messages == nil {
		messages = []dlq.FailedMessage{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.runner.SetMode(config.Mode(req.Mode)); err != nil {
		httputil.WriteErrorDetails(w, http.StatusBadRequest, "invalid mode", req.Mode)
		return
	}
	s.logger.InfoContext(r.Context(), "mode switched via control plane", logging.Source(req.Mode))
	s.hub.NotifyStatus()
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"mode": req.Mode})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.logger.InfoContext(r.Context(), "worker restart requested")
	s.runner.Restart()
	s.hub.NotifyStatus()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"restarted": true})
}
