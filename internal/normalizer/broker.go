package normalizer

import (
	"encoding/json"
	"fmt"

	"github.com/relaymesh/webhook-relay/internal/envelope"
)

// Broker-wrapped delivery: some senders relay chat events through a pub/sub
// notification whose Message field is a JSON string carrying the original
// payload. UnwrapNotification peels the wrapper and hands the inner payload
// to the direct normalizer, folding the outer message ID into the dedup key.

type brokerNotification struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	Message   string `json:"Message"`
}

type brokerInner struct {
	Data struct {
		Payload struct {
			Original json.RawMessage `json:"original"`
		} `json:"payload"`
	} `json:"data"`
}

// UnwrapNotification parses a broker-wrapped request and normalizes the
// inner payload. The inner source is currently always the chat service;
// wrappers without a recognizable inner payload are rejected.
func UnwrapNotification(req *Request) (*envelope.Envelope, error) {
	var outer brokerNotification
	if err := json.Unmarshal(req.Body, &outer); err != nil {
		return nil, fmt.Errorf("%w: not a notification", ErrMalformedPayload)
	}
	if outer.Type != "Notification" || outer.Message == "" {
		return nil, fmt.Errorf("%w: unexpected notification type %q", ErrMalformedPayload, outer.Type)
	}

	var inner brokerInner
	if err := json.Unmarshal([]byte(outer.Message), &inner); err != nil {
		return nil, fmt.Errorf("%w: notification message is not JSON", ErrMalformedPayload)
	}
	original := inner.Data.Payload.Original
	if len(original) == 0 {
		return nil, fmt.Errorf("%w: notification carries no original payload", ErrMalformedPayload)
	}

	innerReq := &Request{
		Source:     envelope.SourceSlack,
		Body:       original,
		Header:     req.Header,
		TargetHint: req.TargetHint,
		ReceivedAt: req.ReceivedAt,
	}
	return (&Slack{}).normalize(innerReq, outer.MessageID)
}
