// Package signature verifies webhook authenticity for each configured
// source. Each source carries its own HMAC scheme and header set; comparison
// is constant-time and timestamps are checked against a maximum clock skew.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/relaymesh/webhook-relay/internal/envelope"
)

// Kind discriminates verification outcomes.
type Kind int

const (
	// Ok means the signature matched and the timestamp was within skew.
	Ok Kind = iota
	// Challenge means the body is a URL-verification handshake; the ingress
	// must echo the challenge value and skip enqueueing.
	Challenge
	// MissingHeaders means the source's signature header set was absent.
	// Whether that is fatal depends on the descriptor's Required flag.
	MissingHeaders
	// BadSignature means the provided signature did not match.
	BadSignature
	// SkewTooLarge means the signed timestamp was outside the allowed skew.
	SkewTooLarge
	// UnconfiguredSecret means no signing secret is configured for the source.
	UnconfiguredSecret
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Challenge:
		return "challenge"
	case MissingHeaders:
		return "missing_headers"
	case BadSignature:
		return "bad_signature"
	case SkewTooLarge:
		return "skew_too_large"
	case UnconfiguredSecret:
		return "unconfigured_secret"
	}
	return "unknown"
}

// Result is the discriminated outcome of a verification attempt.
// ChallengeValue is set only when Kind == Challenge.
type Result struct {
	Kind           Kind
	ChallengeValue string
}

// DefaultMaxSkew bounds the age of a signed timestamp.
const DefaultMaxSkew = 5 * time.Minute

// Header names per source.
const (
	CalendlySignatureHeader = "X-Calendly-Signature"
	CalendlyTimestampHeader = "X-Calendly-Timestamp"
	SlackSignatureHeader    = "X-Slack-Signature"
	SlackTimestampHeader    = "X-Slack-Request-Timestamp"
)

// Descriptor holds per-source verification configuration.
type Descriptor struct {
	Source   envelope.Source
	Secret   []byte
	Required bool
	MaxSkew  time.Duration
}

// Verifier checks webhook signatures against configured source descriptors.
type Verifier struct {
	descriptors map[envelope.Source]Descriptor
	now         func() time.Time
}

// New builds a verifier from source descriptors. Descriptors with a zero
// MaxSkew get DefaultMaxSkew.
func New(descriptors ...Descriptor) *Verifier {
	m := make(map[envelope.Source]Descriptor, len(descriptors))
	for _, d := range descriptors {
		if d.MaxSkew <= 0 {
			d.MaxSkew = DefaultMaxSkew
		}
		m[d.Source] = d
	}
	return &Verifier{descriptors: m, now: time.Now}
}

// Descriptor returns the descriptor for a source, if configured.
func (v *Verifier) Descriptor(source envelope.Source) (Descriptor, bool) {
	d, ok := v.descriptors[source]
	return d, ok
}

// Required reports whether the source demands a valid signature.
func (v *Verifier) Required(source envelope.Source) bool {
	return v.descriptors[source].Required
}

type challengeBody struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// Verify checks the request headers and raw body for the given source.
//
// The URL-verification escape hatch runs first: a JSON body with
// type="url_verification" and a challenge field yields Challenge without any
// signature work. When the signature header set is present, skew and
// signature are enforced regardless of the Required flag; absence is
// reported as MissingHeaders and left to the caller's policy.
func (v *Verifier) Verify(source envelope.Source, header http.Header, body []byte) Result {
	var cb challengeBody
	if err := json.Unmarshal(body, &cb); err == nil && cb.Type == "url_verification" && cb.Challenge != "" {
		return Result{Kind: Challenge, ChallengeValue: cb.Challenge}
	}

	switch source {
	case envelope.SourceCalendly:
		return v.verifyHMAC(source, header, body,
			CalendlySignatureHeader, CalendlyTimestampHeader,
			func(ts string) string { return ts + "." + string(body) },
			"")
	case envelope.SourceSlack:
		return v.verifyHMAC(source, header, body,
			SlackSignatureHeader, SlackTimestampHeader,
			func(ts string) string { return "v0:" + ts + ":" + string(body) },
			"v0=")
	case envelope.SourceDebug:
		// Debug ingestion bypasses signatures entirely.
		return Result{Kind: Ok}
	}
	return Result{Kind: MissingHeaders}
}

func (v *Verifier) verifyHMAC(source envelope.Source, header http.Header, body []byte, sigHeader, tsHeader string, basestring func(ts string) string, sigPrefix string) Result {
	provided := header.Get(sigHeader)
	ts := header.Get(tsHeader)
	if provided == "" || ts == "" {
		return Result{Kind: MissingHeaders}
	}

	d, ok := v.descriptors[source]
	if !ok || len(d.Secret) == 0 {
		return Result{Kind: UnconfiguredSecret}
	}

	if res, ok := v.checkSkew(ts, d.MaxSkew); !ok {
		return res
	}

	mac := hmac.New(sha256.New, d.Secret)
	mac.Write([]byte(basestring(ts)))
	expected := sigPrefix + hex.EncodeToString(mac.Sum(nil))

	// hmac.Equal is constant-time over equal-length inputs and rejects
	// length mismatches before touching content.
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return Result{Kind: BadSignature}
	}
	return Result{Kind: Ok}
}

func (v *Verifier) checkSkew(ts string, maxSkew time.Duration) (Result, bool) {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Result{Kind: BadSignature}, false
	}
	signed := time.Unix(sec, 0)
	skew := v.now().Sub(signed)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return Result{Kind: SkewTooLarge}, false
	}
	return Result{}, true
}

// Sign computes the signature a sender would attach for the given source.
// Used by tests and the debug tooling; never called on the ingest path.
func Sign(source envelope.Source, secret []byte, ts string, body []byte) (string, error) {
	mac := hmac.New(sha256.New, secret)
	switch source {
	case envelope.SourceCalendly:
		mac.Write([]byte(ts + "." + string(body)))
		return hex.EncodeToString(mac.Sum(nil)), nil
	case envelope.SourceSlack:
		mac.Write([]byte("v0:" + ts + ":" + string(body)))
		return "v0=" + hex.EncodeToString(mac.Sum(nil)), nil
	}
	return "", fmt.Errorf("no signing scheme for source %q", source)
}
