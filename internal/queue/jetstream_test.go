package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relaymesh/webhook-relay/internal/envelope"
)

// setupBroker starts a NATS container with JetStream enabled and connects
// the queue adapter to it.
func setupBroker(t *testing.T) (*JetStream, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping broker integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start NATS container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	cfg := DefaultJetStreamConfig(fmt.Sprintf("nats://%s:%s", host, port.Port()))
	cfg.Stream = "RELAY_TEST"
	cfg.SubjectPrefix = "relay.test"
	cfg.Retention = time.Hour

	q, err := NewJetStream(ctx, cfg)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to connect queue: %v", err)
	}

	cleanup := func() {
		q.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}
	return q, cleanup
}

func testEnvelope(event, dedupSalt string) *envelope.Envelope {
	return &envelope.Envelope{
		ID:          envelope.NewID(envelope.SourceCalendly),
		Source:      envelope.SourceCalendly,
		ReceivedAt:  envelope.Now(),
		EventType:   event,
		GroupingKey: envelope.GroupCalendly,
		DedupKey:    envelope.DedupKey(map[string]string{"event": event, "salt": dedupSalt}),
		Payload:     []byte(fmt.Sprintf(`{"event":%q}`, event)),
	}
}

func TestJetStreamEnqueueReceiveDelete(t *testing.T) {
	q, cleanup := setupBroker(t)
	defer cleanup()
	ctx := context.Background()

	e := testEnvelope("invitee.created", "a")
	msgID, err := q.Enqueue(ctx, e)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if msgID == "" {
		t.Fatal("empty message ID")
	}

	msgs, err := q.Receive(ctx, 10, 30*time.Second, 5*time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ReceiveCount != 1 {
		t.Errorf("ReceiveCount = %d on first delivery", msgs[0].ReceiveCount)
	}

	got, err := envelope.Unmarshal(msgs[0].Body)
	if err != nil {
		t.Fatalf("Unmarshal delivered body: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("delivered envelope ID %s, want %s", got.ID, e.ID)
	}

	if err := q.Delete(ctx, msgs[0].Handle); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Double ack must be a no-op.
	if err := q.Delete(ctx, msgs[0].Handle); err != nil {
		t.Errorf("second Delete: %v", err)
	}

	more, err := q.Receive(ctx, 10, 30*time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("Receive after ack: %v", err)
	}
	if len(more) != 0 {
		t.Errorf("acked message redelivered: %d messages", len(more))
	}
}

func TestJetStreamDeduplication(t *testing.T) {
	q, cleanup := setupBroker(t)
	defer cleanup()
	ctx := context.Background()

	first := testEnvelope("invitee.created", "dup")
	if _, err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Same dedup key, fresh envelope identity: the broker must absorb it.
	dup := testEnvelope("invitee.created", "dup")
	dup.DedupKey = first.DedupKey
	if _, err := q.Enqueue(ctx, dup); err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}

	msgs, err := q.Receive(ctx, 10, 30*time.Second, 5*time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("duplicate not absorbed: got %d messages", len(msgs))
	}
	q.Delete(ctx, msgs[0].Handle)
}

func TestJetStreamGroupOrdering(t *testing.T) {
	q, cleanup := setupBroker(t)
	defer cleanup()
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		e := testEnvelope("invitee.created", fmt.Sprintf("order-%d", i))
		want = append(want, e.ID)
		if _, err := q.Enqueue(ctx, e); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	var got []string
	deadline := time.Now().Add(15 * time.Second)
	for len(got) < len(want) && time.Now().Before(deadline) {
		msgs, err := q.Receive(ctx, 10, 30*time.Second, 3*time.Second)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		for _, m := range msgs {
			e, err := envelope.Unmarshal(m.Body)
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			got = append(got, e.ID)
			q.Delete(ctx, m.Handle)
		}
	}

	if len(got) != len(want) {
		t.Fatalf("received %d of %d messages", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order broken at %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestJetStreamReleaseRedelivers(t *testing.T) {
	q, cleanup := setupBroker(t)
	defer cleanup()
	ctx := context.Background()

	e := testEnvelope("invitee.created", "release")
	if _, err := q.Enqueue(ctx, e); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msgs, err := q.Receive(ctx, 1, 30*time.Second, 5*time.Second)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Receive: %v (%d msgs)", err, len(msgs))
	}
	if err := q.Release(ctx, msgs[0].Handle, 500*time.Millisecond); err != nil {
		t.Fatalf("Release: %v", err)
	}

	var redelivered []Message
	deadline := time.Now().Add(10 * time.Second)
	for len(redelivered) == 0 && time.Now().Before(deadline) {
		redelivered, err = q.Receive(ctx, 1, 30*time.Second, 2*time.Second)
		if err != nil {
			t.Fatalf("Receive redelivery: %v", err)
		}
	}
	if len(redelivered) != 1 {
		t.Fatal("released message never redelivered")
	}
	if redelivered[0].ReceiveCount != 2 {
		t.Errorf("ReceiveCount = %d after one release, want 2", redelivered[0].ReceiveCount)
	}
	q.Delete(ctx, redelivered[0].Handle)
}
