package consumer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaymesh/webhook-relay/internal/config"
	"github.com/relaymesh/webhook-relay/internal/envelope"
)

// forwardTimeout bounds one downstream POST.
const forwardTimeout = 10 * time.Second

// Classification names the forwarder's failure taxonomy.
type Classification string

const (
	Delivered           Classification = "delivered"
	DownstreamDown      Classification = "downstream_down"      // connection refused / DNS failure
	DownstreamTimeout   Classification = "downstream_timeout"   // request deadline exceeded
	DownstreamError     Classification = "downstream_error"     // 5xx
	DownstreamReject    Classification = "downstream_reject"    // 4xx other than 408/429: permanent
	DownstreamThrottled Classification = "downstream_throttled" // 429
)

// Permanent reports whether the message must not be retried.
func (c Classification) Permanent() bool { return c == DownstreamReject }

// Result is the outcome of one forward attempt.
type Result struct {
	Class      Classification
	Status     int           // HTTP status, 0 when no response was received
	RetryAfter time.Duration // set for throttled responses carrying Retry-After
	Err        error
}

// ModeSource yields the currently selected operating mode.
type ModeSource func() config.Mode

// Forwarder delivers envelope payloads to the downstream automation engine.
// The HTTP client is shared and pooled; every call carries a deadline.
type Forwarder struct {
	client  *http.Client
	devURL  string
	prodURL string
	mode    ModeSource
}

// NewForwarder builds the forwarder with a keep-alive pooled client.
func NewForwarder(devURL, prodURL string, mode ModeSource) *Forwarder {
	return &Forwarder{
		client: &http.Client{
			Timeout: forwardTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		devURL:  strings.TrimRight(devURL, "/"),
		prodURL: strings.TrimRight(prodURL, "/"),
		mode:    mode,
	}
}

// Forward POSTs the original payload (the envelope is unwrapped here) to the
// resolved downstream URL, carrying the preserved source headers.
func (f *Forwarder) Forward(ctx context.Context, e *envelope.Envelope) Result {
	url, err := f.resolveURL(e)
	if err != nil {
		return Result{Class: DownstreamReject, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(e.Payload))
	if err != nil {
		return Result{Class: DownstreamReject, Err: fmt.Errorf("build request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	for name, value := range e.Headers {
		req.Header.Set(name, value)
	}
	req.Header.Set("X-Forwarded-By", "webhook-relay")

	resp, err := f.client.Do(req)
	if err != nil {
		return classifyTransportErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Class: Delivered, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{
			Class:      DownstreamThrottled,
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusRequestTimeout:
		return Result{Class: DownstreamTimeout, Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return Result{Class: DownstreamError, Status: resp.StatusCode}
	default:
		return Result{Class: DownstreamReject, Status: resp.StatusCode}
	}
}

// resolveURL picks the base by mode and appends exactly one path: either
// /webhook/<source> or /webhook/<source>/<targetHint>.
func (f *Forwarder) resolveURL(e *envelope.Envelope) (string, error) {
	base := f.devURL
	if f.mode() == config.ModeProduction {
		base = f.prodURL
	}
	// Debug envelopes never reach the production downstream.
	if e.Source == envelope.SourceDebug {
		base = f.devURL
	}
	if base == "" {
		return "", fmt.Errorf("no downstream URL configured for mode %q", f.mode())
	}

	url := base + "/webhook/" + string(e.Source)
	if e.TargetHint != "" {
		url += "/" + e.TargetHint
	}
	return url, nil
}

func classifyTransportErr(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{Class: DownstreamTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Result{Class: DownstreamTimeout, Err: err}
	}
	return Result{Class: DownstreamDown, Err: err}
}

// parseRetryAfter reads a Retry-After header in delta-seconds form.
// HTTP-date form is ignored; the caller falls back to its own backoff.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
