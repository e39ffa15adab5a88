// fake-receiver is a webhook endpoint for local testing: it verifies the
// Mailhook signature contract and can simulate a flaky receiver by failing
// the first N requests.
package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mailhook/mailhook/internal/config"
	"github.com/mailhook/mailhook/internal/signature"
)

func main() {
	cfg := config.FromEnv()

	h := &hook{
		failFirstN: cfg.FakeReceiver.FailFirstN,
		secret:     []byte(cfg.FakeReceiver.EndpointSecret),
		leeway:     time.Duration(cfg.FakeReceiver.SigningLeewaySeconds) * time.Second,
		sigHeader:  cfg.Delivery.SignatureHeader,
		tsHeader:   cfg.Delivery.TimestampHeader,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", h.handle)

	log.Printf("fake-receiver listening on %s", cfg.FakeReceiver.Port)
	log.Fatal(http.ListenAndServe(cfg.FakeReceiver.Port, mux))
}

type hook struct {
	failFirstN int
	reqCount   int
	secret     []byte
	leeway     time.Duration
	sigHeader  string
	tsHeader   string
}

func (h *hook) handle(w http.ResponseWriter, r *http.Request) {
	h.reqCount++
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if len(h.secret) > 0 {
		err := signature.VerifyRequest(h.secret, r.Header.Get(h.tsHeader), r.Header.Get(h.sigHeader), b, h.leeway, time.Now())
		if err != nil {
			log.Printf("fake-receiver failed to verify signature: %v", err)
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if h.reqCount <= h.failFirstN {
		log.Printf("FAILING (%d/%d) %s body=%s", h.reqCount, h.failFirstN, r.URL.Path, truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK %s body=%q", r.URL.Path, truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
