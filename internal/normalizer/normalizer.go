// Package normalizer converts raw webhook requests into canonical envelopes.
//
// Each source has a dedicated normalizer responsible for extracting the
// event type, deriving the deduplication and grouping keys, and preserving
// the header subset the downstream engine needs. Payload bytes are carried
// through unmodified.
package normalizer

import (
	"errors"
	"net/http"
	"time"

	"github.com/relaymesh/webhook-relay/internal/envelope"
)

var (
	// ErrUnsupportedSource is returned for sources with no registered normalizer.
	ErrUnsupportedSource = errors.New("unsupported source")
	// ErrMalformedPayload is returned when the body is not valid JSON.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Request is the raw material a normalizer works from.
type Request struct {
	Source     envelope.Source
	Body       []byte
	Header     http.Header
	TargetHint string
	ReceivedAt time.Time
}

// Normalizer transforms a raw request into a canonical envelope.
type Normalizer interface {
	Source() envelope.Source
	Normalize(req *Request) (*envelope.Envelope, error)
}

// Registry dispatches requests to per-source normalizers.
type Registry struct {
	items map[envelope.Source]Normalizer
}

// NewRegistry constructs a registry from the given normalizers.
func NewRegistry(items ...Normalizer) *Registry {
	m := make(map[envelope.Source]Normalizer, len(items))
	for _, n := range items {
		m[n.Source()] = n
	}
	return &Registry{items: m}
}

// Normalize routes the request to the normalizer for its source.
func (r *Registry) Normalize(req *Request) (*envelope.Envelope, error) {
	n, ok := r.items[req.Source]
	if !ok {
		return nil, ErrUnsupportedSource
	}
	return n.Normalize(req)
}

// Default returns a registry covering every supported source.
func Default() *Registry {
	return NewRegistry(
		&Calendly{},
		&Slack{},
		&Debug{},
	)
}

// newEnvelope fills the fields every normalizer sets the same way.
func newEnvelope(req *Request) *envelope.Envelope {
	e := &envelope.Envelope{
		ID:         envelope.NewID(req.Source),
		Source:     req.Source,
		ReceivedAt: req.ReceivedAt,
		TargetHint: req.TargetHint,
		Payload:    append([]byte(nil), req.Body...),
	}
	if req.Header != nil {
		e.SetHeader("Content-Type", req.Header.Get("Content-Type"))
	}
	return e
}
