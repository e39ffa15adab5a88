package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mailhook/mailhook/internal/config"
	"github.com/mailhook/mailhook/internal/logging"
	"github.com/mailhook/mailhook/internal/model"
	"github.com/mailhook/mailhook/internal/signature"
	"github.com/mailhook/mailhook/internal/store"
)

func testCfg() config.Delivery {
	return config.Delivery{
		MaxAttempts:     5,
		BackoffBase:     time.Minute,
		BackoffCap:      time.Hour,
		JitterPercent:   0, // deterministic backoff in tests
		AttemptTimeout:  2 * time.Second,
		ClaimLease:      2 * time.Minute,
		ResponseBodyCap: 2048,
		Workers:         1,
		SignatureHeader: "X-Mailhook-Signature",
		TimestampHeader: "X-Mailhook-Timestamp",
	}
}

func testDispatcher(t *testing.T, s store.Store, cfg config.Delivery) *Dispatcher {
	t.Helper()
	return New(s, cfg, logging.NewWithWriter("test", io.Discard))
}

func addEndpoint(t *testing.T, s store.Store, tenantID, url string, eventTypes []string, enabled bool) *model.Endpoint {
	t.Helper()
	ep := &model.Endpoint{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		URL:        url,
		EventTypes: eventTypes,
		Secret:     []byte("test-secret"),
		Enabled:    enabled,
	}
	if err := s.CreateEndpoint(context.Background(), ep); err != nil {
		t.Fatalf("CreateEndpoint() error: %v", err)
	}
	return ep
}

func TestFanOutMatching(t *testing.T) {
	s := store.NewMemory()
	d := testDispatcher(t, s, testCfg())
	ctx := context.Background()

	all := addEndpoint(t, s, "tn_1", "https://a.example/hook", nil, true)
	bounces := addEndpoint(t, s, "tn_1", "https://b.example/hook", []string{"email.bounced"}, true)
	addEndpoint(t, s, "tn_1", "https://c.example/hook", []string{"email.delivered"}, true)
	addEndpoint(t, s, "tn_1", "https://d.example/hook", nil, false)   // disabled
	addEndpoint(t, s, "tn_other", "https://e.example/hook", nil, true) // other tenant

	ds, err := d.FanOut(ctx, model.Event{
		ID:       42,
		TenantID: "tn_1",
		Type:     "email.bounced",
		Data:     json.RawMessage(`{"message_id":"m1"}`),
	})
	if err != nil {
		t.Fatalf("FanOut() error: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("FanOut() created %d deliveries, want 2", len(ds))
	}

	gotEndpoints := map[string]bool{}
	for _, dl := range ds {
		gotEndpoints[dl.EndpointID] = true
		if dl.Status != model.StatusPending {
			t.Errorf("delivery %d status = %q, want pending", dl.ID, dl.Status)
		}
		if dl.NextAttemptAt == nil {
			t.Errorf("delivery %d has no due marker", dl.ID)
		}
		if dl.EventID != 42 || dl.EventType != "email.bounced" {
			t.Errorf("delivery %d event = (%d, %q), want (42, email.bounced)", dl.ID, dl.EventID, dl.EventType)
		}
		if string(dl.Payload) != `{"message_id":"m1"}` {
			t.Errorf("delivery %d payload = %s", dl.ID, dl.Payload)
		}
	}
	if !gotEndpoints[all.ID] || !gotEndpoints[bounces.ID] {
		t.Errorf("fan-out hit endpoints %v, want the subscribe-all and the bounce subscriber", gotEndpoints)
	}
}

func TestFanOutNoSubscribers(t *testing.T) {
	s := store.NewMemory()
	d := testDispatcher(t, s, testCfg())

	ds, err := d.FanOut(context.Background(), model.Event{ID: 1, TenantID: "tn_1", Type: "email.sent"})
	if err != nil {
		t.Fatalf("FanOut() error: %v", err)
	}
	if len(ds) != 0 {
		t.Errorf("FanOut() with no endpoints created %d deliveries", len(ds))
	}
}

func TestAttemptSuccess(t *testing.T) {
	s := store.NewMemory()
	d := testDispatcher(t, s, testCfg())
	ctx := context.Background()

	var gotBody []byte
	var gotTS, gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotTS = r.Header.Get("X-Mailhook-Timestamp")
		gotSig = r.Header.Get("X-Mailhook-Signature")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "accepted")
	}))
	defer srv.Close()

	ep := addEndpoint(t, s, "tn_1", srv.URL, nil, true)
	ds, err := d.FanOut(ctx, model.Event{ID: 7, TenantID: "tn_1", Type: "email.delivered", Data: json.RawMessage(`{"k":1}`)})
	if err != nil || len(ds) != 1 {
		t.Fatalf("FanOut() = %d deliveries, err %v", len(ds), err)
	}

	d.Attempt(ctx, ds[0].ID)

	got, err := s.GetDelivery(ctx, ds[0].ID)
	if err != nil {
		t.Fatalf("GetDelivery() error: %v", err)
	}
	if got.Status != model.StatusSent {
		t.Fatalf("status = %q, want sent", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", got.AttemptCount)
	}
	if got.ResponseStatus == nil || *got.ResponseStatus != http.StatusOK {
		t.Errorf("response status = %v, want 200", got.ResponseStatus)
	}
	if got.ResponseBody != "accepted" {
		t.Errorf("response body = %q", got.ResponseBody)
	}
	if got.NextAttemptAt != nil {
		t.Error("sent delivery still has a due marker")
	}

	if err := signature.VerifyRequest(ep.Secret, gotTS, gotSig, gotBody, 5*time.Minute, time.Now()); err != nil {
		t.Errorf("signature did not verify: %v", err)
	}
	var body webhookBody
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("unmarshal posted body: %v", err)
	}
	if body.EventID != 7 || body.EventType != "email.delivered" {
		t.Errorf("posted body = %+v", body)
	}

	// Sent is terminal; a second attempt must not fire another POST.
	d.Attempt(ctx, ds[0].ID)
	after, _ := s.GetDelivery(ctx, ds[0].ID)
	if after.AttemptCount != 1 {
		t.Errorf("attempt count after terminal re-attempt = %d, want 1", after.AttemptCount)
	}
}

func TestAttemptRetriesUntilFailed(t *testing.T) {
	s := store.NewMemory()
	cfg := testCfg()
	cfg.MaxAttempts = 3
	d := testDispatcher(t, s, cfg)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	addEndpoint(t, s, "tn_1", srv.URL, nil, true)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }

	ds, err := d.FanOut(ctx, model.Event{ID: 1, TenantID: "tn_1", Type: "email.sent"})
	if err != nil || len(ds) != 1 {
		t.Fatalf("FanOut() = %d deliveries, err %v", len(ds), err)
	}
	id := ds[0].ID

	wantDelays := []time.Duration{time.Minute, 2 * time.Minute}
	for i, want := range wantDelays {
		d.Attempt(ctx, id)
		got, _ := s.GetDelivery(ctx, id)
		if got.Status != model.StatusRetry {
			t.Fatalf("after attempt %d status = %q, want retry", i+1, got.Status)
		}
		if got.AttemptCount != i+1 {
			t.Errorf("after attempt %d count = %d", i+1, got.AttemptCount)
		}
		if got.NextAttemptAt == nil {
			t.Fatalf("after attempt %d no next attempt scheduled", i+1)
		}
		if delay := got.NextAttemptAt.Sub(clock); delay != want {
			t.Errorf("attempt %d backoff = %v, want %v", i+1, delay, want)
		}
		clock = *got.NextAttemptAt
	}

	// Third attempt exhausts the budget.
	d.Attempt(ctx, id)
	got, _ := s.GetDelivery(ctx, id)
	if got.Status != model.StatusFailed {
		t.Fatalf("final status = %q, want failed", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("final attempt count = %d, want 3", got.AttemptCount)
	}
	if got.NextAttemptAt != nil {
		t.Error("failed delivery still has a due marker")
	}

	// Terminal; further attempts must not reach the endpoint.
	before := hits.Load()
	clock = clock.Add(time.Hour)
	d.Attempt(ctx, id)
	if hits.Load() != before {
		t.Error("attempt on failed delivery hit the endpoint")
	}
}

func TestAttemptNotDue(t *testing.T) {
	s := store.NewMemory()
	d := testDispatcher(t, s, testCfg())
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	addEndpoint(t, s, "tn_1", srv.URL, nil, true)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }
	ds, _ := d.FanOut(ctx, model.Event{ID: 1, TenantID: "tn_1", Type: "email.sent"})

	// Move the clock backwards so the due marker sits in the future.
	clock = clock.Add(-time.Minute)
	d.Attempt(ctx, ds[0].ID)

	got, _ := s.GetDelivery(ctx, ds[0].ID)
	if got.Status != model.StatusPending || got.AttemptCount != 0 {
		t.Errorf("not-due attempt mutated the delivery: status %q, count %d", got.Status, got.AttemptCount)
	}
	if hits.Load() != 0 {
		t.Error("not-due attempt hit the endpoint")
	}
}

// flakyStore injects transient store failures around an in-memory store.
type flakyStore struct {
	store.Store
	endpointErrs int
	finalizeErrs int
}

func (f *flakyStore) GetEndpoint(ctx context.Context, tenantID, id string) (*model.Endpoint, error) {
	if f.endpointErrs > 0 {
		f.endpointErrs--
		return nil, errors.New("read tcp 10.0.0.2:5432: connection reset by peer")
	}
	return f.Store.GetEndpoint(ctx, tenantID, id)
}

func (f *flakyStore) FinalizeDelivery(ctx context.Context, id int64, status model.DeliveryStatus, respStatus *int, respBody string, next *time.Time) error {
	if f.finalizeErrs > 0 {
		f.finalizeErrs--
		return errors.New("write tcp 10.0.0.2:5432: broken pipe")
	}
	return f.Store.FinalizeDelivery(ctx, id, status, respStatus, respBody, next)
}

func TestAttemptStoreErrorSchedulesRetry(t *testing.T) {
	mem := store.NewMemory()
	fs := &flakyStore{Store: mem, endpointErrs: 1}
	d := testDispatcher(t, fs, testCfg())
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addEndpoint(t, mem, "tn_1", srv.URL, nil, true)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }
	ds, err := d.FanOut(ctx, model.Event{ID: 1, TenantID: "tn_1", Type: "email.sent"})
	if err != nil || len(ds) != 1 {
		t.Fatalf("FanOut() = %d deliveries, err %v", len(ds), err)
	}
	id := ds[0].ID

	// Endpoint lookup fails transiently; the endpoint itself is fine.
	d.Attempt(ctx, id)
	got, _ := mem.GetDelivery(ctx, id)
	if got.Status != model.StatusRetry {
		t.Fatalf("status after transient lookup failure = %q, want retry", got.Status)
	}
	if got.Status.Terminal() {
		t.Fatal("transient store error finalized the delivery")
	}
	if got.NextAttemptAt == nil {
		t.Fatal("no retry scheduled after transient lookup failure")
	}
	if got.ResponseBody != "" {
		t.Errorf("transient failure recorded a response body: %q", got.ResponseBody)
	}

	// Once the store recovers, the delivery goes through.
	clock = *got.NextAttemptAt
	d.Attempt(ctx, id)
	got, _ = mem.GetDelivery(ctx, id)
	if got.Status != model.StatusSent {
		t.Fatalf("status after recovery = %q, want sent", got.Status)
	}
}

func TestAttemptFinalizeFailureRecoversViaLease(t *testing.T) {
	mem := store.NewMemory()
	fs := &flakyStore{Store: mem, finalizeErrs: 1}
	cfg := testCfg()
	d := testDispatcher(t, fs, cfg)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addEndpoint(t, mem, "tn_1", srv.URL, nil, true)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }
	ds, err := d.FanOut(ctx, model.Event{ID: 1, TenantID: "tn_1", Type: "email.sent"})
	if err != nil || len(ds) != 1 {
		t.Fatalf("FanOut() = %d deliveries, err %v", len(ds), err)
	}
	id := ds[0].ID

	// The attempt succeeds over HTTP but the finalize write is lost.
	d.Attempt(ctx, id)
	got, _ := mem.GetDelivery(ctx, id)
	if got.Status.Terminal() {
		t.Fatalf("lost finalize left status %q", got.Status)
	}
	leaseExpiry := clock.Add(cfg.ClaimLease)
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(leaseExpiry) {
		t.Fatalf("next attempt at = %v, want lease expiry %v", got.NextAttemptAt, leaseExpiry)
	}

	// Before the lease expires the row is invisible to the sweep.
	ids, _ := mem.DueDeliveries(ctx, clock, 10)
	if len(ids) != 0 {
		t.Errorf("leased delivery is already due: %v", ids)
	}
	// At lease expiry the sweep finds it and the re-attempt lands.
	ids, _ = mem.DueDeliveries(ctx, leaseExpiry, 10)
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("DueDeliveries at lease expiry = %v, want [%d]", ids, id)
	}
	clock = leaseExpiry
	d.Attempt(ctx, id)
	got, _ = mem.GetDelivery(ctx, id)
	if got.Status != model.StatusSent {
		t.Fatalf("status after lease recovery = %q, want sent", got.Status)
	}
}

func TestAttemptEndpointDisabledAfterFanOut(t *testing.T) {
	s := store.NewMemory()
	d := testDispatcher(t, s, testCfg())
	ctx := context.Background()

	ep := addEndpoint(t, s, "tn_1", "https://unreachable.example/hook", nil, true)
	ds, err := d.FanOut(ctx, model.Event{ID: 1, TenantID: "tn_1", Type: "email.sent"})
	if err != nil || len(ds) != 1 {
		t.Fatalf("FanOut() = %d deliveries, err %v", len(ds), err)
	}

	ep.Enabled = false
	if err := s.UpdateEndpoint(ctx, ep); err != nil {
		t.Fatalf("UpdateEndpoint() error: %v", err)
	}

	d.Attempt(ctx, ds[0].ID)
	got, _ := s.GetDelivery(ctx, ds[0].ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.ResponseBody != "endpoint disabled or deleted" {
		t.Errorf("response body = %q", got.ResponseBody)
	}
}

func TestQueueCustomDelivery(t *testing.T) {
	s := store.NewMemory()
	d := testDispatcher(t, s, testCfg())
	ctx := context.Background()

	addEndpoint(t, s, "tn_1", "https://a.example/hook", nil, true)
	ds, err := d.QueueCustomDelivery(ctx, "tn_1", "inbound.received", json.RawMessage(`{"from":"x@y.z"}`))
	if err != nil {
		t.Fatalf("QueueCustomDelivery() error: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("created %d deliveries, want 1", len(ds))
	}
	if ds[0].EventID != 0 {
		t.Errorf("custom delivery event_id = %d, want 0", ds[0].EventID)
	}
	if ds[0].EventType != "inbound.received" {
		t.Errorf("event type = %q", ds[0].EventType)
	}
}

func TestTestEndpoint(t *testing.T) {
	s := store.NewMemory()
	d := testDispatcher(t, s, testCfg())
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	okEP := addEndpoint(t, s, "tn_1", srv.URL, nil, true)
	badEP := addEndpoint(t, s, "tn_1", failing.URL, nil, true)

	res, err := d.TestEndpoint(ctx, "tn_1", okEP.ID)
	if err != nil {
		t.Fatalf("TestEndpoint() error: %v", err)
	}
	if !res.Success || res.StatusCode != http.StatusNoContent {
		t.Errorf("result = %+v, want success 204", res)
	}

	res, err = d.TestEndpoint(ctx, "tn_1", badEP.ID)
	if err != nil {
		t.Fatalf("TestEndpoint() error: %v", err)
	}
	if res.Success || res.StatusCode != http.StatusBadGateway {
		t.Errorf("result = %+v, want failure 502", res)
	}

	if _, err := d.TestEndpoint(ctx, "tn_1", "ep_missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing endpoint error = %v, want ErrNotFound", err)
	}

	// Interactive sends leave no delivery rows behind.
	rows, _ := s.ListDeliveries(ctx, "tn_1", okEP.ID, 0)
	if len(rows) != 0 {
		t.Errorf("test send recorded %d deliveries", len(rows))
	}
}

func TestWorkerPoolDeliversEnqueued(t *testing.T) {
	s := store.NewMemory()
	cfg := testCfg()
	cfg.Workers = 4
	d := testDispatcher(t, s, cfg)

	done := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}))
	defer srv.Close()

	addEndpoint(t, s, "tn_1", srv.URL, nil, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	ds, err := d.FanOut(ctx, model.Event{ID: 1, TenantID: "tn_1", Type: "email.sent"})
	if err != nil || len(ds) != 1 {
		t.Fatalf("FanOut() = %d deliveries, err %v", len(ds), err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker pool never delivered the enqueued delivery")
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{"timeout", errors.New("context deadline exceeded"), 0, "timeout"},
		{"refused", errors.New("dial tcp: connection refused"), 0, "connection_refused"},
		{"dns", errors.New("lookup nope.example: no such host"), 0, "dns_error"},
		{"other network", errors.New("EOF"), 0, "network"},
		{"server error", nil, 503, "http_5xx"},
		{"rate limited", nil, 429, "http_429"},
		{"client error", nil, 404, "http_4xx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReason(tt.err, tt.status); got != tt.want {
				t.Errorf("classifyReason() = %q, want %q", got, tt.want)
			}
		})
	}
}
