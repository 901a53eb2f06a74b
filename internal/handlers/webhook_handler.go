package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/relaymesh/webhook-relay/internal/envelope"
	"github.com/relaymesh/webhook-relay/internal/httputil"
	"github.com/relaymesh/webhook-relay/internal/logging"
	"github.com/relaymesh/webhook-relay/internal/metrics"
	"github.com/relaymesh/webhook-relay/internal/normalizer"
	"github.com/relaymesh/webhook-relay/internal/queue"
	"github.com/relaymesh/webhook-relay/internal/ratelimit"
	"github.com/relaymesh/webhook-relay/internal/signature"
)

// handlerDeadline bounds one ingress request end-to-end.
const handlerDeadline = 2 * time.Second

// throttleRetryDelay is the base pause before the single local retry after
// a throttled enqueue.
const throttleRetryDelay = 50 * time.Millisecond

// WebhookHandler is the ingress: it authenticates, normalizes, and enqueues
// incoming webhooks. It is the only component that creates envelopes.
type WebhookHandler struct {
	verifier *signature.Verifier
	registry *normalizer.Registry
	queue    queue.Queue
	limiter  ratelimit.RateLimiter
	logger   *logging.Logger
	maxBody  int64
}

// NewWebhookHandler wires the ingress dependencies. maxBody caps request
// bodies in bytes; zero means the 1 MiB default.
func NewWebhookHandler(verifier *signature.Verifier, registry *normalizer.Registry, q queue.Queue, limiter ratelimit.RateLimiter, logger *logging.Logger, maxBody int64) *WebhookHandler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	return &WebhookHandler{
		verifier: verifier,
		registry: registry,
		queue:    q,
		limiter:  limiter,
		logger:   logger,
		maxBody:  maxBody,
	}
}

// HandleCalendly ingests calendar-scheduling webhooks.
func (h *WebhookHandler) HandleCalendly(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, envelope.SourceCalendly, "", true)
}

// HandleSlack ingests team-chat webhooks. A {workflowId} path segment, when
// present, rides the envelope as the downstream target hint.
func (h *WebhookHandler) HandleSlack(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, envelope.SourceSlack, r.PathValue("workflowId"), true)
}

// HandleDebug ingests hand-crafted payloads with no signature check. Debug
// envelopes are never forwarded to the production downstream.
func (h *WebhookHandler) HandleDebug(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, envelope.SourceDebug, "", false)
}

// HandleNotification ingests broker-wrapped deliveries on /sns and routes
// by the inner source. The outer transport already authenticated the
// delivery; the signature headers of the inner event are preserved for the
// downstream engine instead of being re-verified here.
func (h *WebhookHandler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerDeadline)
	defer cancel()
	r = r.WithContext(ctx)

	body, ok := h.readBody(w, r, envelope.SourceSlack)
	if !ok {
		return
	}

	env, err := normalizer.UnwrapNotification(&normalizer.Request{
		Source:     envelope.SourceSlack,
		Body:       body,
		Header:     r.Header,
		ReceivedAt: envelope.Now(),
	})
	if err != nil {
		h.reject(w, r, envelope.SourceSlack, http.StatusBadRequest, "malformed notification", err)
		return
	}

	h.enqueue(w, r, env)
}

// Health responds to liveness probes.
func (h *WebhookHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready reports queue reachability for readiness probes.
func (h *WebhookHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	attrs, err := h.queue.Attributes(ctx)
	if err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"error":  "queue unreachable",
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"queue":  attrs,
	})
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request, source envelope.Source, targetHint string, verify bool) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerDeadline)
	defer cancel()
	r = r.WithContext(ctx)

	body, ok := h.readBody(w, r, source)
	if !ok {
		return
	}

	if verify {
		res := h.verifier.Verify(source, r.Header, body)
		switch res.Kind {
		case signature.Challenge:
			h.logger.InfoContext(r.Context(), "url verification challenge", logging.Source(string(source)))
			httputil.WriteJSON(w, http.StatusOK, map[string]string{"challenge": res.ChallengeValue})
			return
		case signature.Ok:
		case signature.MissingHeaders:
			if h.verifier.Required(source) {
				metrics.SignatureFailures.WithLabelValues(string(source), res.Kind.String()).Inc()
				h.reject(w, r, source, http.StatusBadRequest, "missing signature headers", nil)
				return
			}
			// Signature not required and not supplied; accept unverified.
		case signature.UnconfiguredSecret:
			if h.verifier.Required(source) {
				metrics.SignatureFailures.WithLabelValues(string(source), res.Kind.String()).Inc()
				h.reject(w, r, source, http.StatusUnauthorized, "signature verification failed", nil)
				return
			}
		default:
			// Headers were present but wrong: reject even when signatures
			// are optional. Skew is enforced independently of the flag.
			metrics.SignatureFailures.WithLabelValues(string(source), res.Kind.String()).Inc()
			h.reject(w, r, source, http.StatusUnauthorized, "signature verification failed", nil)
			return
		}
	}

	env, err := h.registry.Normalize(&normalizer.Request{
		Source:     source,
		Body:       body,
		Header:     r.Header,
		TargetHint: targetHint,
		ReceivedAt: envelope.Now(),
	})
	if err != nil {
		h.reject(w, r, source, http.StatusBadRequest, "malformed payload", err)
		return
	}

	h.enqueue(w, r, env)
}

// readBody drains the capped request body, handling rate limiting and the
// size limit. Returns ok=false if a response was already written.
func (h *WebhookHandler) readBody(w http.ResponseWriter, r *http.Request, source envelope.Source) ([]byte, bool) {
	allowed, err := h.limiter.Allow(r.Context(), string(source))
	if err != nil {
		h.logger.WarnContext(r.Context(), "rate limiter unavailable", logging.Error(err))
		allowed = true // fail open: dedup downstream absorbs extra load
	}
	if !allowed {
		h.logger.WarnContext(r.Context(), "rate limited",
			logging.Source(string(source)),
			slog.String("client_ip", httputil.GetClientIP(r)),
		)
		h.reject(w, r, source, http.StatusTooManyRequests, "rate limited", nil)
		return nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, r, source, http.StatusRequestEntityTooLarge, "body too large", nil)
		} else {
			h.reject(w, r, source, http.StatusBadRequest, "unreadable body", err)
		}
		return nil, false
	}
	defer r.Body.Close()

	metrics.WebhookBytesTotal.Add(float64(len(body)))
	return body, true
}

// enqueue commits the envelope to the queue, retrying once on throttle.
func (h *WebhookHandler) enqueue(w http.ResponseWriter, r *http.Request, env *envelope.Envelope) {
	start := time.Now()
	messageID, err := h.queue.Enqueue(r.Context(), env)
	if errors.Is(err, queue.ErrThrottled) {
		time.Sleep(throttleRetryDelay + time.Duration(rand.Int63n(int64(throttleRetryDelay))))
		messageID, err = h.queue.Enqueue(r.Context(), env)
	}
	metrics.EnqueueDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.EnqueueErrors.Inc()
		if errors.Is(err, queue.ErrTooLarge) {
			h.reject(w, r, env.Source, http.StatusRequestEntityTooLarge, "body too large", err)
			return
		}
		h.reject(w, r, env.Source, http.StatusServiceUnavailable, "queue unavailable", err)
		return
	}

	metrics.WebhooksTotal.WithLabelValues(string(env.Source), "accepted").Inc()
	h.logger.InfoContext(r.Context(), "webhook accepted",
		logging.Source(string(env.Source)),
		logging.EventID(env.ID),
		logging.MessageID(messageID),
		slog.String("group_key", env.GroupingKey),
	)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"id":        env.ID,
		"messageId": messageID,
	})
}

func (h *WebhookHandler) reject(w http.ResponseWriter, r *http.Request, source envelope.Source, status int, message string, err error) {
	metrics.WebhooksTotal.WithLabelValues(string(source), http.StatusText(status)).Inc()

	args := []any{logging.Source(string(source)), logging.Status(status)}
	if err != nil {
		args = append(args, logging.Error(err))
	}
	if status >= 500 {
		h.logger.ErrorContext(r.Context(), "webhook rejected", args...)
	} else {
		h.logger.WarnContext(r.Context(), "webhook rejected", args...)
	}
	httputil.WriteError(w, status, message)
}
