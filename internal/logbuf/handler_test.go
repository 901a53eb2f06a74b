package logbuf

import (
	"io"
	"log/slog"
	"testing"
)

func newRingLogger(ring *Ring) *slog.Logger {
	base := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewHandler(base, ring))
}

func TestHandlerTeesIntoRing(t *testing.T) {
	ring := NewRing(10)
	logger := newRingLogger(ring)

	logger.Info("webhook accepted", slog.String("source", "calendly"))

	recs := ring.Last(1)
	if len(recs) != 1 {
		t.Fatalf("ring holds %d records", len(recs))
	}
	rec := recs[0]
	if rec.Message != "webhook accepted" || rec.Level != "info" {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Fields["source"] != "calendly" {
		t.Errorf("field not captured: %+v", rec.Fields)
	}
}

func TestHandlerHoistsServiceAndRequestID(t *testing.T) {
	ring := NewRing(10)
	logger := newRingLogger(ring).With(
		slog.String("service", "ingress"),
		slog.String("request_id", "abc123"),
	)

	logger.Warn("webhook rejected")

	rec := ring.Last(1)[0]
	if rec.Component != "ingress" {
		t.Errorf("Component = %q", rec.Component)
	}
	if rec.RequestID != "abc123" {
		t.Errorf("RequestID = %q", rec.RequestID)
	}
	if _, ok := rec.Fields["service"]; ok {
		t.Error("hoisted attribute duplicated in Fields")
	}
}

func TestHandlerWithGroup(t *testing.T) {
	ring := NewRing(10)
	logger := newRingLogger(ring).WithGroup("queue")

	logger.Info("enqueued", slog.Int("depth", 3))

	rec := ring.Last(1)[0]
	if rec.Fields["queue.depth"] == nil {
		t.Errorf("grouped field missing: %+v", rec.Fields)
	}
}
