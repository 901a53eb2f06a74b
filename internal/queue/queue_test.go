package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func TestClampReceive(t *testing.T) {
	cases := []struct {
		name           string
		max            int
		visibility     time.Duration
		wait           time.Duration
		wantMax        int
		wantVisibility time.Duration
		wantWait       time.Duration
	}{
		{"in range", 5, 30 * time.Second, 10 * time.Second, 5, 30 * time.Second, 10 * time.Second},
		{"max too low", 0, time.Second, time.Second, 1, time.Second, time.Second},
		{"max too high", 100, time.Second, time.Second, MaxReceiveBatch, time.Second, time.Second},
		{"negative durations", 1, -time.Second, -time.Second, 1, 0, 0},
		{"over broker caps", 1, MaxVisibility + time.Hour, MaxWait + time.Minute, 1, MaxVisibility, MaxWait},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			max, vis, wait := clampReceive(tc.max, tc.visibility, tc.wait)
			if max != tc.wantMax || vis != tc.wantVisibility || wait != tc.wantWait {
				t.Errorf("clampReceive(%d, %v, %v) = (%d, %v, %v)", tc.max, tc.visibility, tc.wait, max, vis, wait)
			}
		})
	}
}

func TestSanitizeToken(t *testing.T) {
	cases := map[string]string{
		"calendly-events": "calendly-events",
		"T0123:C0456":     "T0123:C0456",
		"a.b c":           "a-b-c",
		"wild*card>":      "wild-card-",
		"":                "default",
	}
	for in, want := range cases {
		if got := sanitizeToken(in); got != want {
			t.Errorf("sanitizeToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapBrokerErr(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"oversized", nats.ErrMaxPayload, ErrTooLarge},
		{"no responders", nats.ErrNoResponders, ErrUnavailable},
		{"closed", nats.ErrConnectionClosed, ErrUnavailable},
		{"timeout", nats.ErrTimeout, ErrUnavailable},
		{"deadline", context.DeadlineExceeded, ErrUnavailable},
		{"api 503", &jetstream.APIError{Code: 503}, ErrThrottled},
		{"api other", &jetstream.APIError{Code: 500}, ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapBrokerErr(tc.in)
			if tc.want == nil {
				if got != nil {
					t.Fatalf("got %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Errorf("mapBrokerErr(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}

	// Unmapped errors pass through untranslated.
	plain := errors.New("boom")
	if got := mapBrokerErr(plain); !errors.Is(got, plain) {
		t.Errorf("unexpected translation of plain error: %v", got)
	}
}

func TestSubjectFor(t *testing.T) {
	q := &JetStream{cfg: DefaultJetStreamConfig("nats://localhost:4222")}
	if got := q.subjectFor("T1:C2"); got != "relay.events.T1:C2" {
		t.Errorf("subjectFor = %q", got)
	}
	if got := q.subjectFor("has.dots"); got != "relay.events.has-dots" {
		t.Errorf("subjectFor = %q", got)
	}
}
