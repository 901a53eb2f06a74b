package logbuf

import (
	"fmt"
	"testing"
	"time"
)

func record(msg string) Record {
	return Record{TS: time.Now(), Level: "info", Message: msg}
}

func TestLastReturnsNewestOldestFirst(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 5; i++ {
		r.Append(record(fmt.Sprintf("m%d", i)))
	}

	got := r.Last(3)
	if len(got) != 3 {
		t.Fatalf("Last(3) returned %d records", len(got))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if got[i].Message != want {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Message, want)
		}
	}
}

func TestRingWrapAround(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 10; i++ {
		r.Append(record(fmt.Sprintf("m%d", i)))
	}

	got := r.Last(0) // 0 means everything retained
	if len(got) != 4 {
		t.Fatalf("retained %d records, want 4", len(got))
	}
	for i, want := range []string{"m6", "m7", "m8", "m9"} {
		if got[i].Message != want {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Message, want)
		}
	}
}

func TestLastOversizedRequest(t *testing.T) {
	r := NewRing(10)
	r.Append(record("only"))
	if got := r.Last(100); len(got) != 1 {
		t.Errorf("Last(100) with one record returned %d", len(got))
	}
	if got := NewRing(10).Last(5); len(got) != 0 {
		t.Errorf("empty ring returned %d records", len(got))
	}
}

func TestSubscribeReceivesAppends(t *testing.T) {
	r := NewRing(10)
	ch, cancel := r.Subscribe()
	defer cancel()

	r.Append(record("hello"))

	select {
	case rec := <-ch:
		if rec.Message != "hello" {
			t.Errorf("subscriber got %q", rec.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the record")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	r := NewRing(10)
	_, cancel := r.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ { // more than channel capacity
			r.Append(record("burst"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Append blocked on a slow subscriber")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	r := NewRing(10)
	ch, cancel := r.Subscribe()
	cancel()

	r.Append(record("late"))
	select {
	case rec := <-ch:
		t.Errorf("cancelled subscriber received %q", rec.Message)
	default:
	}
}
