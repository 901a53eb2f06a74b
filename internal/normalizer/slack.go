package normalizer

import (
	"encoding/json"

	"github.com/relaymesh/webhook-relay/internal/envelope"
)

// Slack normalizes team-chat webhooks. Messages are grouped per
// team+channel so each conversation keeps its own FIFO sub-stream.
type Slack struct{}

type slackBody struct {
	TeamID string `json:"team_id"`
	Event  struct {
		Type        string `json:"type"`
		Subtype     string `json:"subtype"`
		Channel     string `json:"channel"`
		TS          string `json:"ts"`
		ClientMsgID string `json:"client_msg_id"`
	} `json:"event"`
}

func (n *Slack) Source() envelope.Source { return envelope.SourceSlack }

func (n *Slack) Normalize(req *Request) (*envelope.Envelope, error) {
	return n.normalize(req, "")
}

// normalize carries an optional outer broker message ID appended to the
// dedup content; the broker-wrapped path uses it to keep uniqueness across
// double-delivery of the same inner event.
func (n *Slack) normalize(req *Request, outerMessageID string) (*envelope.Envelope, error) {
	if !json.Valid(req.Body) {
		return nil, ErrMalformedPayload
	}

	var body slackBody
	_ = json.Unmarshal(req.Body, &body)

	e := newEnvelope(req)
	e.EventType = body.Event.Type
	e.SubType = body.Event.Subtype
	if req.Header != nil {
		e.SetHeader("X-Slack-Signature", req.Header.Get("X-Slack-Signature"))
		e.SetHeader("X-Slack-Request-Timestamp", req.Header.Get("X-Slack-Request-Timestamp"))
	}

	if body.TeamID != "" && body.Event.Channel != "" {
		e.GroupingKey = body.TeamID + ":" + body.Event.Channel
	} else {
		e.GroupingKey = envelope.GroupSlack
	}

	if body.Event.Type == "" || body.Event.TS == "" {
		e.DedupKey = envelope.WeakDedupKey(req.ReceivedAt)
		e.DedupWeak = true
		return e, nil
	}

	content := map[string]string{
		"team_id":       body.TeamID,
		"channel":       body.Event.Channel,
		"ts":            body.Event.TS,
		"client_msg_id": body.Event.ClientMsgID,
		"subtype":       body.Event.Subtype,
	}
	if outerMessageID != "" {
		content["message_id"] = outerMessageID
	}
	e.DedupKey = envelope.DedupKey(content)
	return e, nil
}
