package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/webhook-relay/internal/handlers"
	"github.com/relaymesh/webhook-relay/internal/middleware"
)

// NewRouter constructs a ServeMux with the ingress routes registered.
func NewRouter(h *handlers.WebhookHandler) http.Handler {
	mux := http.NewServeMux()

	// Webhook ingestion endpoints
	mux.HandleFunc("POST /webhook/calendly", h.HandleCalendly)
	mux.HandleFunc("POST /webhook/slack", h.HandleSlack)
	mux.HandleFunc("POST /webhook/slack/{workflowId}", h.HandleSlack)
	mux.HandleFunc("POST /sns", h.HandleNotification)
	mux.HandleFunc("POST /debug/webhook", h.HandleDebug)

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(middleware.Recover(mux))
}
