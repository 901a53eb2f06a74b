// Package envelope defines the canonical unit that flows through the relay
// queue, along with deterministic identifiers for deduplication and FIFO
// grouping.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Source identifies the upstream system that produced a webhook.
type Source string

const (
	SourceCalendly Source = "calendly"
	SourceSlack    Source = "slack"
	SourceDebug    Source = "debug"
)

// Grouping key constants. Envelopes sharing a grouping key are delivered to
// consumers strictly in enqueue order.
const (
	GroupCalendly = "calendly-events"
	GroupSlack    = "slack-events"
	GroupDebug    = "debug-events"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceCalendly, SourceSlack, SourceDebug:
		return true
	}
	return false
}

// Envelope is the canonical wrapper moved end-to-end through the queue.
// Payload carries the original sender body unmodified.
type Envelope struct {
	ID          string            `json:"id"`
	Source      Source            `json:"source"`
	ReceivedAt  time.Time         `json:"receivedAt"`
	EventType   string            `json:"eventType"`
	SubType     string            `json:"subType,omitempty"`
	GroupingKey string            `json:"groupingKey"`
	DedupKey    string            `json:"dedupKey"`
	TargetHint  string            `json:"targetHint,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	DedupWeak   bool              `json:"dedupWeak,omitempty"`
	Payload     json.RawMessage   `json:"payload"`
}

// NewID produces a globally unique envelope ID of the form <source>_<uuid>.
func NewID(source Source) string {
	return fmt.Sprintf("%s_%s", source, uuid.New().String())
}

// SetHeader records a preserved header on the envelope using the canonical
// MIME header form, so lookups are case-insensitive on both ends.
func (e *Envelope) SetHeader(name, value string) {
	if value == "" {
		return
	}
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[http.CanonicalHeaderKey(name)] = value
}

// Header returns a preserved header value, or "" if absent.
func (e *Envelope) Header(name string) string {
	return e.Headers[http.CanonicalHeaderKey(name)]
}

// Marshal serializes the envelope as compact UTF-8 JSON suitable for a
// broker message body.
func Marshal(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a broker message body back into an envelope. The payload
// is kept as raw bytes so it round-trips byte-for-byte.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &e, nil
}

// DedupKey hashes canonical per-source content into a deterministic
// deduplication key. The content map is serialized with sorted keys, so
// identical business events yield identical keys regardless of field order
// at the sender.
func DedupKey(content map[string]string) string {
	canonical, _ := json.Marshal(content) // map keys are sorted by encoding/json
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// WeakDedupKey is the fallback for payloads whose canonical content cannot
// be extracted. It is collision-safe but forfeits dedup semantics; envelopes
// carrying one must be tagged DedupWeak.
func WeakDedupKey(receivedAt time.Time) string {
	var nonce [16]byte
	_, _ = rand.Read(nonce[:])
	h := sha256.New()
	fmt.Fprintf(h, "%d", receivedAt.UnixMilli())
	h.Write(nonce[:])
	return hex.EncodeToString(h.Sum(nil))
}

var (
	clockMu  sync.Mutex
	lastTick time.Time
)

// Now returns the ingress receive timestamp, guaranteed monotonic within
// this process even if the wall clock steps backwards.
func Now() time.Time {
	clockMu.Lock()
	defer clockMu.Unlock()
	now := time.Now().UTC()
	if !now.After(lastTick) {
		now = lastTick.Add(time.Microsecond)
	}
	lastTick = now
	return now
}
