package normalizer

import (
	"encoding/json"

	"github.com/relaymesh/webhook-relay/internal/envelope"
)

// Calendly normalizes calendar-scheduling webhooks. All calendly events
// share one grouping key so they form a single ordered stream.
type Calendly struct{}

type calendlyBody struct {
	Event   string `json:"event"`
	Time    string `json:"time"`
	Payload struct {
		Event struct {
			URI string `json:"uri"`
		} `json:"event"`
		Invitee struct {
			URI string `json:"uri"`
		} `json:"invitee"`
	} `json:"payload"`
}

func (n *Calendly) Source() envelope.Source { return envelope.SourceCalendly }

func (n *Calendly) Normalize(req *Request) (*envelope.Envelope, error) {
	if !json.Valid(req.Body) {
		return nil, ErrMalformedPayload
	}

	var body calendlyBody
	_ = json.Unmarshal(req.Body, &body)

	e := newEnvelope(req)
	e.EventType = body.Event
	e.GroupingKey = envelope.GroupCalendly
	if req.Header != nil {
		e.SetHeader("X-Calendly-Signature", req.Header.Get("X-Calendly-Signature"))
		e.SetHeader("X-Calendly-Timestamp", req.Header.Get("X-Calendly-Timestamp"))
	}

	if body.Event == "" {
		e.DedupKey = envelope.WeakDedupKey(req.ReceivedAt)
		e.DedupWeak = true
	} else {
		e.DedupKey = envelope.DedupKey(map[string]string{
			"event":       body.Event,
			"event_uri":   body.Payload.Event.URI,
			"invitee_uri": body.Payload.Invitee.URI,
			"time":        body.Time,
		})
	}
	return e, nil
}
