package signature

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/relaymesh/webhook-relay/internal/envelope"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestVerifier(t *testing.T, descriptors ...Descriptor) *Verifier {
	t.Helper()
	v := New(descriptors...)
	v.now = func() time.Time { return testNow }
	return v
}

func calendlyHeaders(t *testing.T, secret []byte, ts string, body []byte) http.Header {
	t.Helper()
	sig, err := Sign(envelope.SourceCalendly, secret, ts, body)
	if err != nil {
		t.Fatal(err)
	}
	h := http.Header{}
	h.Set(CalendlySignatureHeader, sig)
	h.Set(CalendlyTimestampHeader, ts)
	return h
}

func slackHeaders(t *testing.T, secret []byte, ts string, body []byte) http.Header {
	t.Helper()
	sig, err := Sign(envelope.SourceSlack, secret, ts, body)
	if err != nil {
		t.Fatal(err)
	}
	h := http.Header{}
	h.Set(SlackSignatureHeader, sig)
	h.Set(SlackTimestampHeader, ts)
	return h
}

func TestVerifyCalendly(t *testing.T) {
	secret := []byte("calendly-secret")
	v := newTestVerifier(t, Descriptor{Source: envelope.SourceCalendly, Secret: secret, Required: true})
	body := []byte(`{"event":"invitee.created"}`)
	ts := strconv.FormatInt(testNow.Unix(), 10)

	res := v.Verify(envelope.SourceCalendly, calendlyHeaders(t, secret, ts, body), body)
	if res.Kind != Ok {
		t.Fatalf("valid signature rejected: %s", res.Kind)
	}

	// Tampered body must fail even with a valid header set.
	res = v.Verify(envelope.SourceCalendly, calendlyHeaders(t, secret, ts, body), []byte(`{"event":"invitee.canceled"}`))
	if res.Kind != BadSignature {
		t.Errorf("tampered body = %s, want bad_signature", res.Kind)
	}

	// Wrong secret.
	res = v.Verify(envelope.SourceCalendly, calendlyHeaders(t, []byte("other"), ts, body), body)
	if res.Kind != BadSignature {
		t.Errorf("wrong secret = %s, want bad_signature", res.Kind)
	}
}

func TestVerifySlack(t *testing.T) {
	secret := []byte("slack-signing-secret")
	v := newTestVerifier(t, Descriptor{Source: envelope.SourceSlack, Secret: secret, Required: true})
	body := []byte(`{"team_id":"T123","event":{"type":"message","channel":"C1","ts":"1.2"}}`)
	ts := strconv.FormatInt(testNow.Unix(), 10)

	res := v.Verify(envelope.SourceSlack, slackHeaders(t, secret, ts, body), body)
	if res.Kind != Ok {
		t.Fatalf("valid v0 signature rejected: %s", res.Kind)
	}

	h := slackHeaders(t, secret, ts, body)
	h.Set(SlackSignatureHeader, "v0=deadbeef")
	if res := v.Verify(envelope.SourceSlack, h, body); res.Kind != BadSignature {
		t.Errorf("forged signature = %s, want bad_signature", res.Kind)
	}
}

func TestVerifySkew(t *testing.T) {
	secret := []byte("s")
	v := newTestVerifier(t, Descriptor{Source: envelope.SourceSlack, Secret: secret, Required: true, MaxSkew: 5 * time.Minute})
	body := []byte(`{}`)

	cases := []struct {
		name   string
		signed time.Time
		want   Kind
	}{
		{"just inside", testNow.Add(-4 * time.Minute), Ok},
		{"too old", testNow.Add(-6 * time.Minute), SkewTooLarge},
		{"future beyond skew", testNow.Add(6 * time.Minute), SkewTooLarge},
		{"future within skew", testNow.Add(2 * time.Minute), Ok},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := strconv.FormatInt(tc.signed.Unix(), 10)
			res := v.Verify(envelope.SourceSlack, slackHeaders(t, secret, ts, body), body)
			if res.Kind != tc.want {
				t.Errorf("got %s, want %s", res.Kind, tc.want)
			}
		})
	}
}

func TestVerifyMissingHeaders(t *testing.T) {
	v := newTestVerifier(t, Descriptor{Source: envelope.SourceCalendly, Secret: []byte("s"), Required: true})

	res := v.Verify(envelope.SourceCalendly, http.Header{}, []byte(`{}`))
	if res.Kind != MissingHeaders {
		t.Errorf("no headers = %s, want missing_headers", res.Kind)
	}

	// Timestamp without signature is still a missing header set.
	h := http.Header{}
	h.Set(CalendlyTimestampHeader, strconv.FormatInt(testNow.Unix(), 10))
	if res := v.Verify(envelope.SourceCalendly, h, []byte(`{}`)); res.Kind != MissingHeaders {
		t.Errorf("partial headers = %s, want missing_headers", res.Kind)
	}
}

func TestVerifyUnconfiguredSecret(t *testing.T) {
	v := newTestVerifier(t, Descriptor{Source: envelope.SourceCalendly, Required: true})
	body := []byte(`{}`)
	ts := strconv.FormatInt(testNow.Unix(), 10)
	h := http.Header{}
	h.Set(CalendlySignatureHeader, "aaaa")
	h.Set(CalendlyTimestampHeader, ts)

	if res := v.Verify(envelope.SourceCalendly, h, body); res.Kind != UnconfiguredSecret {
		t.Errorf("got %s, want unconfigured_secret", res.Kind)
	}
}

func TestVerifyChallenge(t *testing.T) {
	v := newTestVerifier(t, Descriptor{Source: envelope.SourceSlack, Secret: []byte("s"), Required: true})
	body := []byte(`{"type":"url_verification","challenge":"3eZbrw1aB"}`)

	// No signature headers at all: the handshake still wins.
	res := v.Verify(envelope.SourceSlack, http.Header{}, body)
	if res.Kind != Challenge {
		t.Fatalf("got %s, want challenge", res.Kind)
	}
	if res.ChallengeValue != "3eZbrw1aB" {
		t.Errorf("challenge value = %q", res.ChallengeValue)
	}

	// A regular event body with a challenge-shaped field must not trigger it.
	res = v.Verify(envelope.SourceSlack, http.Header{}, []byte(`{"type":"event_callback","challenge":""}`))
	if res.Kind == Challenge {
		t.Error("non-handshake body treated as challenge")
	}
}

func TestVerifyDebugBypass(t *testing.T) {
	v := newTestVerifier(t)
	if res := v.Verify(envelope.SourceDebug, http.Header{}, []byte(`{}`)); res.Kind != Ok {
		t.Errorf("debug source should bypass verification, got %s", res.Kind)
	}
}

func TestVerifyNonNumericTimestamp(t *testing.T) {
	v := newTestVerifier(t, Descriptor{Source: envelope.SourceCalendly, Secret: []byte("s"), Required: true})
	h := http.Header{}
	h.Set(CalendlySignatureHeader, "aaaa")
	h.Set(CalendlyTimestampHeader, "yesterday")

	if res := v.Verify(envelope.SourceCalendly, h, []byte(`{}`)); res.Kind != BadSignature {
		t.Errorf("got %s, want bad_signature", res.Kind)
	}
}

func TestKindString(t *testing.T) {
	kinds := map[Kind]string{
		Ok:                 "ok",
		Challenge:          "challenge",
		MissingHeaders:     "missing_headers",
		BadSignature:       "bad_signature",
		SkewTooLarge:       "skew_too_large",
		UnconfiguredSecret: "unconfigured_secret",
	}
	for k, want := range kinds {
		if k.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, k.String(), want)
		}
	}
}
