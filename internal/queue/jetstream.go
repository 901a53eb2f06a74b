package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/relaymesh/webhook-relay/internal/envelope"
	"github.com/relaymesh/webhook-relay/internal/metrics"
)

// JetStreamConfig holds broker connection and stream settings.
type JetStreamConfig struct {
	// URL is the NATS server URL (e.g. "nats://localhost:4222").
	URL string

	// Name identifies this client on the broker.
	Name string

	// Stream is the work-queue stream name.
	Stream string

	// SubjectPrefix is prepended to sanitized grouping keys to form the
	// per-group subject.
	SubjectPrefix string

	// Durable is the pull consumer name shared by all workers.
	Durable string

	// Retention bounds message age; it doubles as the deduplication window.
	Retention time.Duration

	// MaxReconnects and ReconnectWait control connection recovery.
	// Use -1 reconnects for infinite.
	MaxReconnects int
	ReconnectWait time.Duration

	// Timeout is the initial connection timeout.
	Timeout time.Duration
}

// DefaultJetStreamConfig returns sensible defaults for the relay stream.
func DefaultJetStreamConfig(url string) JetStreamConfig {
	return JetStreamConfig{
		URL:           url,
		Name:          "webhook-relay",
		Stream:        "RELAY_EVENTS",
		SubjectPrefix: "relay.events",
		Durable:       "relay-forwarder",
		Retention:     24 * time.Hour,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// JetStream implements Queue on a NATS JetStream work-queue stream.
//
// Grouping keys map to subjects under the configured prefix, so ordering
// within a group follows stream order. Dedup keys ride the Nats-Msg-Id
// header, letting the broker drop duplicates inside the retention window.
// Visibility is realized through the consumer AckWait plus NakWithDelay for
// explicit releases.
type JetStream struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg JetStreamConfig

	mu       sync.Mutex
	stream   jetstream.Stream
	consumer jetstream.Consumer
}

// NewJetStream connects to the broker and ensures the relay stream exists.
func NewJetStream(ctx context.Context, cfg JetStreamConfig) (*JetStream, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     cfg.Retention,
		Duplicates: cfg.Retention,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	return &JetStream{nc: nc, js: js, cfg: cfg, stream: stream}, nil
}

// Enqueue publishes the envelope to its group subject with the dedup key as
// the broker message ID. Re-publishing a duplicate returns the original
// sequence without creating a second message.
func (q *JetStream) Enqueue(ctx context.Context, e *envelope.Envelope) (string, error) {
	body, err := envelope.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("serialize envelope: %w", err)
	}
	if max := q.nc.MaxPayload(); max > 0 && int64(len(body)) > max {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(body))
	}

	msg := &nats.Msg{
		Subject: q.subjectFor(e.GroupingKey),
		Data:    body,
		Header:  nats.Header{},
	}
	msg.Header.Set("Nats-Msg-Id", e.DedupKey)

	ack, err := q.js.PublishMsg(ctx, msg)
	if err != nil {
		return "", mapBrokerErr(err)
	}
	return fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence), nil
}

// Receive claims up to max messages, long-polling up to wait. The first call
// pins the durable consumer's ack wait to the requested visibility.
func (q *JetStream) Receive(ctx context.Context, max int, visibility, wait time.Duration) ([]Message, error) {
	max, visibility, wait = clampReceive(max, visibility, wait)

	cons, err := q.ensureConsumer(ctx, visibility)
	if err != nil {
		return nil, err
	}

	fetchOpts := []jetstream.FetchOpt{}
	if wait > 0 {
		fetchOpts = append(fetchOpts, jetstream.FetchMaxWait(wait))
	}

	batch, err := cons.Fetch(max, fetchOpts...)
	if err != nil {
		return nil, mapBrokerErr(err)
	}

	var out []Message
	for msg := range batch.Messages() {
		m := Message{
			Body:         msg.Data(),
			GroupKey:     strings.TrimPrefix(msg.Subject(), q.cfg.SubjectPrefix+"."),
			ReceiveCount: 1,
			Handle:       &jsReceipt{msg: msg},
		}
		if meta, err := msg.Metadata(); err == nil {
			m.ID = fmt.Sprintf("%s:%d", q.cfg.Stream, meta.Sequence.Stream)
			m.ReceiveCount = int(meta.NumDelivered)
		}
		out = append(out, m)
	}
	if err := batch.Error(); err != nil && len(out) == 0 {
		return nil, mapBrokerErr(err)
	}
	return out, nil
}

// Delete acks the delivery. Acking twice is treated as success.
func (q *JetStream) Delete(ctx context.Context, h ReceiptHandle) error {
	r, ok := h.(*jsReceipt)
	if !ok {
		return fmt.Errorf("foreign receipt handle %T", h)
	}
	if err := r.msg.Ack(); err != nil && !errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
		return mapBrokerErr(err)
	}
	return nil
}

// Release returns the message for redelivery after delay, emulating a
// per-message visibility timeout.
func (q *JetStream) Release(ctx context.Context, h ReceiptHandle, delay time.Duration) error {
	r, ok := h.(*jsReceipt)
	if !ok {
		return fmt.Errorf("foreign receipt handle %T", h)
	}
	if err := r.msg.NakWithDelay(delay); err != nil && !errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
		return mapBrokerErr(err)
	}
	return nil
}

// Extend restarts the ack-wait clock on the delivery, keeping the message
// invisible while the consumer is still working on it.
func (q *JetStream) Extend(ctx context.Context, h ReceiptHandle) error {
	r, ok := h.(*jsReceipt)
	if !ok {
		return fmt.Errorf("foreign receipt handle %T", h)
	}
	if err := r.msg.InProgress(); err != nil && !errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
		return mapBrokerErr(err)
	}
	return nil
}

// Attributes reports approximate depths from stream and consumer info.
func (q *JetStream) Attributes(ctx context.Context) (Attributes, error) {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return Attributes{}, mapBrokerErr(err)
	}
	attrs := Attributes{TotalMessages: info.State.Msgs}

	q.mu.Lock()
	cons := q.consumer
	q.mu.Unlock()
	if cons != nil {
		ci, err := cons.Info(ctx)
		if err == nil {
			attrs.ApproxVisible = ci.NumPending
			attrs.ApproxInFlight = uint64(ci.NumAckPending)
			attrs.ApproxDelayed = uint64(ci.NumRedelivered)
		}
	} else {
		attrs.ApproxVisible = info.State.Msgs
	}
	metrics.QueueVisible.Set(float64(attrs.ApproxVisible))
	metrics.QueueInFlight.Set(float64(attrs.ApproxInFlight))
	return attrs, nil
}

// Close drains the connection, letting in-flight operations settle.
func (q *JetStream) Close() error {
	return q.nc.Drain()
}

// Context exposes the underlying JetStream context so sibling streams (the
// dead letter queue) can share one broker connection.
func (q *JetStream) Context() jetstream.JetStream {
	return q.js
}

func (q *JetStream) ensureConsumer(ctx context.Context, visibility time.Duration) (jetstream.Consumer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumer != nil {
		return q.consumer, nil
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}

	cons, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          q.cfg.Durable,
		Durable:       q.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       visibility,
		MaxDeliver:    -1, // retry budget enforced by the consumer loop
		MaxAckPending: 10 * MaxReceiveBatch,
	})
	if err != nil {
		return nil, mapBrokerErr(err)
	}
	q.consumer = cons
	return cons, nil
}

func (q *JetStream) subjectFor(groupKey string) string {
	return q.cfg.SubjectPrefix + "." + sanitizeToken(groupKey)
}

// sanitizeToken rewrites a grouping key into a single valid subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '\t', '*', '>':
			return '-'
		}
		return r
	}, s)
}

// jsReceipt wraps a JetStream delivery as an opaque receipt handle.
type jsReceipt struct {
	msg jetstream.Msg
}

func (r *jsReceipt) Token() string {
	if meta, err := r.msg.Metadata(); err == nil {
		return fmt.Sprintf("%d/%d", meta.Sequence.Stream, meta.NumDelivered)
	}
	return "unknown"
}

// mapBrokerErr folds broker errors into the port's taxonomy.
func mapBrokerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrMaxPayload):
		return fmt.Errorf("%w: %v", ErrTooLarge, err)
	case errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 503 {
			return fmt.Errorf("%w: %v", ErrThrottled, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
