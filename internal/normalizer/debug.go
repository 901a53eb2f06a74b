package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/relaymesh/webhook-relay/internal/envelope"
)

// Debug normalizes hand-crafted test payloads. Signature checks are skipped
// upstream and the consumer never forwards debug envelopes to the production
// downstream.
type Debug struct{}

type debugBody struct {
	Event string `json:"event"`
}

func (n *Debug) Source() envelope.Source { return envelope.SourceDebug }

func (n *Debug) Normalize(req *Request) (*envelope.Envelope, error) {
	if !json.Valid(req.Body) {
		return nil, ErrMalformedPayload
	}

	var body debugBody
	_ = json.Unmarshal(req.Body, &body)

	e := newEnvelope(req)
	e.EventType = body.Event
	if e.EventType == "" {
		e.EventType = "debug"
	}
	e.GroupingKey = envelope.GroupDebug

	// Whole-body hash: identical debug payloads dedup, distinct ones don't.
	sum := sha256.Sum256(req.Body)
	e.DedupKey = hex.EncodeToString(sum[:])
	return e, nil
}
