// Command seeder generates synthetic webhook traffic against a running
// relay. It fabricates realistic calendly and slack payloads, signs them
// with the configured secrets, and reports acceptance counts. Useful for
// smoke-testing a deployment or filling the queue for consumer testing.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/relaymesh/webhook-relay/internal/envelope"
	"github.com/relaymesh/webhook-relay/internal/signature"
)

var (
	relayURL       = flag.String("relay-url", "http://localhost:8080", "relay ingress URL")
	calendlySecret = flag.String("calendly-secret", "", "calendly signing secret (empty sends unsigned)")
	slackSecret    = flag.String("slack-secret", "", "slack signing secret (empty sends unsigned)")
	count          = flag.Int("count", 100, "number of webhooks to send")
	interval       = flag.Duration("interval", 100*time.Millisecond, "pause between webhooks")
	sources        = flag.String("sources", "calendly,slack,debug", "comma-separated source mix")
	duplicateRate  = flag.Float64("duplicate-rate", 0.1, "fraction of webhooks re-sent to exercise dedup")
)

func main() {
	flag.Parse()
	gofakeit.Seed(time.Now().UnixNano())

	mix := parseSources(*sources)
	if len(mix) == 0 {
		log.Fatal("no valid sources in -sources")
	}

	log.Printf("Seeding webhooks:")
	log.Printf("  Relay URL: %s", *relayURL)
	log.Printf("  Count: %d", *count)
	log.Printf("  Sources: %v", mix)
	log.Printf("  Duplicate rate: %.0f%%", *duplicateRate*100)

	client := &http.Client{Timeout: 10 * time.Second}

	accepted := 0
	failed := 0
	var lastBody []byte
	var lastSource envelope.Source

	for i := 0; i < *count; i++ {
		source := mix[rand.Intn(len(mix))]
		body := generatePayload(source)

		// Occasionally replay the previous webhook byte-for-byte so the
		// broker's dedup window gets exercised.
		if lastBody != nil && rand.Float64() < *duplicateRate {
			source, body = lastSource, lastBody
		}

		if err := send(client, source, body); err != nil {
			log.Printf("send failed: %v", err)
			failed++
		} else {
			accepted++
			if accepted%50 == 0 {
				log.Printf("Progress: %d/%d accepted", accepted, *count)
			}
		}
		lastBody, lastSource = body, source

		if *interval > 0 && i < *count-1 {
			time.Sleep(*interval)
		}
	}

	log.Printf("Seeding complete: %d accepted, %d failed", accepted, failed)
}

func parseSources(s string) []envelope.Source {
	var out []envelope.Source
	for _, part := range bytes.Split([]byte(s), []byte(",")) {
		src := envelope.Source(bytes.TrimSpace(part))
		if src.Valid() {
			out = append(out, src)
		}
	}
	return out
}

func generatePayload(source envelope.Source) []byte {
	switch source {
	case envelope.SourceCalendly:
		return mustJSON(map[string]any{
			"event": pick("invitee.created", "invitee.canceled"),
			"time":  time.Now().UTC().Format(time.RFC3339),
			"payload": map[string]any{
				"event": map[string]any{
					"uri": "https://api.calendly.com/scheduled_events/" + gofakeit.UUID(),
				},
				"invitee": map[string]any{
					"uri":   "https://api.calendly.com/invitees/" + gofakeit.UUID(),
					"name":  gofakeit.Name(),
					"email": gofakeit.Email(),
				},
			},
		})
	case envelope.SourceSlack:
		return mustJSON(map[string]any{
			"team_id": fmt.Sprintf("T%08d", rand.Intn(100000000)),
			"event": map[string]any{
				"type":          "message",
				"channel":       fmt.Sprintf("C%08d", rand.Intn(100000000)),
				"ts":            fmt.Sprintf("%d.%06d", time.Now().Unix(), rand.Intn(1000000)),
				"client_msg_id": gofakeit.UUID(),
				"text":          gofakeit.Sentence(8),
			},
		})
	default:
		return mustJSON(map[string]any{
			"event": "seeder.ping",
			"n":     rand.Intn(1000000),
			"note":  gofakeit.HackerPhrase(),
		})
	}
}

func send(client *http.Client, source envelope.Source, body []byte) error {
	var path string
	switch source {
	case envelope.SourceCalendly:
		path = "/webhook/calendly"
	case envelope.SourceSlack:
		path = "/webhook/slack"
	default:
		path = "/debug/webhook"
	}

	req, err := http.NewRequest(http.MethodPost, *relayURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := sign(req, source, body); err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

func sign(req *http.Request, source envelope.Source, body []byte) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	switch source {
	case envelope.SourceCalendly:
		if *calendlySecret == "" {
			return nil
		}
		sig, err := signature.Sign(source, []byte(*calendlySecret), ts, body)
		if err != nil {
			return err
		}
		req.Header.Set(signature.CalendlySignatureHeader, sig)
		req.Header.Set(signature.CalendlyTimestampHeader, ts)
	case envelope.SourceSlack:
		if *slackSecret == "" {
			return nil
		}
		sig, err := signature.Sign(source, []byte(*slackSecret), ts, body)
		if err != nil {
			return err
		}
		req.Header.Set(signature.SlackSignatureHeader, sig)
		req.Header.Set(signature.SlackTimestampHeader, ts)
	}
	return nil
}

func pick(options ...string) string {
	return options[rand.Intn(len(options))]
}

func mustJSON(v map[string]any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.Fatalf("marshal payload: %v", err)
	}
	return b
}
