// Package queue defines the durable FIFO queue port the relay pipeline is
// built on, plus a NATS JetStream adapter. The port models broker semantics
// the pipeline depends on: content-based deduplication, ordered message
// groups, visibility timeouts, and long polling.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/relaymesh/webhook-relay/internal/envelope"
)

var (
	// ErrUnavailable means the broker could not be reached.
	ErrUnavailable = errors.New("queue unavailable")
	// ErrThrottled means the broker rejected the call due to load; the
	// caller may retry locally.
	ErrThrottled = errors.New("queue throttled")
	// ErrTooLarge means the serialized envelope exceeds the broker maximum.
	ErrTooLarge = errors.New("payload too large")
)

// Broker-imposed limits on Receive parameters.
const (
	MaxReceiveBatch = 10
	MaxVisibility   = 43200 * time.Second
	MaxWait         = 20 * time.Second
)

// ReceiptHandle is the opaque per-delivery token used to ack or release a
// claimed message.
type ReceiptHandle interface {
	// Token returns a short opaque identifier suitable for logs.
	Token() string
}

// Message is a broker-level delivery of one envelope.
type Message struct {
	ID           string
	Body         []byte
	GroupKey     string
	ReceiveCount int
	Handle       ReceiptHandle
}

// Attributes reports approximate queue depths for the control plane.
type Attributes struct {
	ApproxVisible  uint64 `json:"approxVisible"`
	ApproxInFlight uint64 `json:"approxInFlight"`
	ApproxDelayed  uint64 `json:"approxDelayed"`
	TotalMessages  uint64 `json:"totalMessages"`
}

// Queue is the durable FIFO port.
//
// Enqueue writes serialize(E) with the envelope's grouping key as the
// message group and its dedup key as the deduplication ID; a duplicate
// within the retention window is absorbed by the broker. Receive long-polls
// up to wait and returns 0..max claimed messages, each invisible to other
// consumers for the visibility interval. Delete is an idempotent ack.
// Release returns a claimed message for redelivery after delay. Extend
// resets the visibility clock on a claimed message so a slow consumer can
// keep it from turning visible mid-work.
type Queue interface {
	Enqueue(ctx context.Context, e *envelope.Envelope) (messageID string, err error)
	Receive(ctx context.Context, max int, visibility, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, h ReceiptHandle) error
	Release(ctx context.Context, h ReceiptHandle, delay time.Duration) error
	Extend(ctx context.Context, h ReceiptHandle) error
	Attributes(ctx context.Context) (Attributes, error)
}

// clampReceive normalizes Receive parameters to broker limits.
func clampReceive(max int, visibility, wait time.Duration) (int, time.Duration, time.Duration) {
	if max < 1 {
		max = 1
	}
	if max > MaxReceiveBatch {
		max = MaxReceiveBatch
	}
	if visibility < 0 {
		visibility = 0
	}
	if visibility > MaxVisibility {
		visibility = MaxVisibility
	}
	if wait < 0 {
		wait = 0
	}
	if wait > MaxWait {
		wait = MaxWait
	}
	return max, visibility, wait
}
