// Package dispatch implements webhook delivery: fan-out of domain events to
// subscribed endpoints, the per-delivery attempt state machine, and the
// bounded worker pool that performs outbound HTTP POSTs off the request path.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mailhook/mailhook/internal/config"
	"github.com/mailhook/mailhook/internal/logging"
	"github.com/mailhook/mailhook/internal/metrics"
	"github.com/mailhook/mailhook/internal/model"
	"github.com/mailhook/mailhook/internal/signature"
	"github.com/mailhook/mailhook/internal/store"
	"github.com/mailhook/mailhook/internal/tracing"
)

// Dispatcher owns delivery creation and delivery attempts. Producers only
// ever pay for row insertion plus a channel send; the HTTP work happens on
// the worker pool.
type Dispatcher struct {
	store  store.Store
	cfg    config.Delivery
	client *http.Client
	logger *logging.Logger

	tasks chan int64 // delivery ids awaiting an immediate attempt
	wg    sync.WaitGroup
	once  sync.Once
	done  chan struct{}

	now func() time.Time // test seam
}

func New(s store.Store, cfg config.Delivery, logger *logging.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 2 * time.Minute
	}
	return &Dispatcher{
		store:  s,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.AttemptTimeout},
		logger: logger,
		tasks:  make(chan int64, cfg.Workers*16),
		done:   make(chan struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the delivery workers. Safe to call once.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-d.done:
					return
				case id := <-d.tasks:
					d.Attempt(ctx, id)
				}
			}
		}()
	}
}

// Stop drains the workers.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}

// Enqueue hands a delivery id to the worker pool without blocking. When the
// pool is saturated the delivery stays due in the store and the retry sweep
// picks it up, so dropping here loses nothing.
func (d *Dispatcher) Enqueue(id int64) bool {
	select {
	case d.tasks <- id:
		return true
	default:
		return false
	}
}

// FanOut creates one pending delivery per enabled, subscribed endpoint of
// the event's tenant, then queues immediate attempts. Delivery failures are
// never surfaced to the event producer.
func (d *Dispatcher) FanOut(ctx context.Context, ev model.Event) ([]*model.Delivery, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.fanout",
		attribute.String("tenant_id", ev.TenantID),
		attribute.String("event_type", ev.Type),
		attribute.Int64("event_id", ev.ID),
	)
	defer span.End()

	eps, err := d.store.ListMatchingEndpoints(ctx, ev.TenantID, ev.Type)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("list matching endpoints: %w", err)
	}
	if len(eps) == 0 {
		return nil, nil
	}

	now := d.now()
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	ds := make([]*model.Delivery, 0, len(eps))
	for _, ep := range eps {
		ds = append(ds, &model.Delivery{
			EndpointID:    ep.ID,
			EventID:       ev.ID,
			TenantID:      ev.TenantID,
			EventType:     ev.Type,
			Payload:       data,
			OccurredAt:    occurred,
			Status:        model.StatusPending,
			NextAttemptAt: &now, // due immediately; the sweep is the safety net
		})
	}
	if err := d.store.CreateDeliveries(ctx, ds); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("create deliveries: %w", err)
	}

	metrics.RecordFanout(ev.Type)
	span.SetAttributes(attribute.Int("fanout_count", len(ds)))
	for _, dl := range ds {
		d.Enqueue(dl.ID)
	}
	return ds, nil
}

// QueueCustomDelivery fans out an event that has no row in the domain event
// table, e.g. an inbound-message notification. The wire body carries
// event_id 0.
func (d *Dispatcher) QueueCustomDelivery(ctx context.Context, tenantID, eventType string, payload json.RawMessage) ([]*model.Delivery, error) {
	return d.FanOut(ctx, model.Event{
		TenantID:   tenantID,
		Type:       eventType,
		OccurredAt: d.now(),
		Data:       payload,
	})
}

// webhookBody is the wire contract POSTed to tenant endpoints.
type webhookBody struct {
	EventID    int64           `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Attempt claims the delivery and performs one HTTP attempt, applying the
// state machine. Errors are recorded as delivery state, never returned; the
// caller (worker pool or sweep) has nobody to report them to.
func (d *Dispatcher) Attempt(ctx context.Context, id int64) {
	now := d.now()
	claimed, ok, err := d.store.ClaimDelivery(ctx, id, now, d.cfg.ClaimLease)
	if err != nil {
		d.logger.WithContext(ctx).WithDelivery(id).WithError(err).Error("claim delivery failed")
		return
	}
	if !ok {
		// Terminal, not due, or raced with a concurrent attempt.
		return
	}

	ctx, span := tracing.StartSpan(ctx, "dispatch.attempt",
		attribute.Int64("delivery_id", claimed.ID),
		attribute.String("tenant_id", claimed.TenantID),
		attribute.String("endpoint_id", claimed.EndpointID),
		attribute.String("event_type", claimed.EventType),
		attribute.Int("attempt", claimed.AttemptCount),
	)
	defer span.End()

	// The endpoint may have been disabled or deleted since fan-out; don't
	// keep retrying into the void. Only a definitive answer is terminal: a
	// transient store error reschedules the delivery instead.
	ep, err := d.store.GetEndpoint(ctx, claimed.TenantID, claimed.EndpointID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		tracing.SetSpanError(ctx, err)
		d.logger.WithContext(ctx).WithDelivery(claimed.ID).WithEndpoint(claimed.EndpointID).WithError(err).Error("endpoint lookup failed")
		if claimed.AttemptCount >= d.cfg.MaxAttempts {
			d.finalize(ctx, claimed, model.StatusFailed, nil, truncate(err.Error(), d.bodyCap()), nil, 0)
			return
		}
		metrics.RecordRetry("store_error")
		next := now.Add(NextDelay(claimed.AttemptCount, d.cfg.BackoffBase, d.cfg.BackoffCap, d.cfg.JitterPercent))
		d.finalize(ctx, claimed, model.StatusRetry, nil, "", &next, 0)
		return
	}
	if err != nil || !ep.Enabled {
		d.finalize(ctx, claimed, model.StatusFailed, nil, "endpoint disabled or deleted", nil, 0)
		return
	}

	status, respBody, latency, doErr := d.post(ctx, ep, claimed)
	if doErr == nil && status >= 200 && status < 300 {
		d.finalize(ctx, claimed, model.StatusSent, &status, respBody, nil, latency)
		return
	}

	reason := classifyReason(doErr, status)
	span.SetAttributes(attribute.String("failure_reason", reason))
	var respStatus *int
	if status > 0 {
		respStatus = &status
	}
	if doErr != nil && respBody == "" {
		respBody = truncate(doErr.Error(), d.bodyCap())
	}

	if claimed.AttemptCount >= d.cfg.MaxAttempts {
		d.finalize(ctx, claimed, model.StatusFailed, respStatus, respBody, nil, latency)
		return
	}
	metrics.RecordRetry(reason)
	next := now.Add(NextDelay(claimed.AttemptCount, d.cfg.BackoffBase, d.cfg.BackoffCap, d.cfg.JitterPercent))
	d.logger.WithContext(ctx).WithDelivery(claimed.ID).WithEndpoint(claimed.EndpointID).WithFields(map[string]any{
		"attempt": claimed.AttemptCount,
		"reason":  reason,
		"next":    next.Format(time.RFC3339),
	}).Info("delivery retry scheduled")
	d.finalize(ctx, claimed, model.StatusRetry, respStatus, respBody, &next, latency)
}

// post signs and sends one webhook POST, returning the HTTP status (0 on
// transport error), the response body truncated to the configured cap, and
// the attempt latency.
func (d *Dispatcher) post(ctx context.Context, ep *model.Endpoint, dl *model.Delivery) (int, string, time.Duration, error) {
	body, err := json.Marshal(webhookBody{
		EventID:    dl.EventID,
		EventType:  dl.EventType,
		OccurredAt: dl.OccurredAt.UTC().Format(time.RFC3339),
		Data:       dl.Payload,
	})
	if err != nil {
		return 0, "", 0, err
	}

	// Fresh timestamp per attempt; the body is unchanged but the signature
	// is not.
	ts := d.now().Unix()
	sig := signature.Sign(ep.Secret, ts, body)

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(d.cfg.TimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(d.cfg.SignatureHeader, signature.HeaderPrefix+sig)
	tracing.InjectHTTPHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := d.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, "", latency, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.bodyCap())))
	return resp.StatusCode, string(b), latency, nil
}

// finalize records the attempt outcome. A failed write is only logged: the
// claim lease keeps the row recoverable, so it comes due again and the sweep
// re-attempts it.
func (d *Dispatcher) finalize(ctx context.Context, dl *model.Delivery, status model.DeliveryStatus, respStatus *int, respBody string, next *time.Time, latency time.Duration) {
	if err := d.store.FinalizeDelivery(ctx, dl.ID, status, respStatus, truncate(respBody, d.bodyCap()), next); err != nil {
		tracing.SetSpanError(ctx, err)
		d.logger.WithContext(ctx).WithDelivery(dl.ID).WithError(err).Error("finalize delivery failed")
		return
	}
	metrics.RecordDelivery(string(status), latency)
}

// TestResult is the synchronous outcome of an interactive test send.
type TestResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
}

// TestEndpoint synchronously sends a synthetic payload to the endpoint,
// bypassing delivery persistence and the retry path. Interactive feedback
// only; nothing is recorded.
func (d *Dispatcher) TestEndpoint(ctx context.Context, tenantID, endpointID string) (TestResult, error) {
	ep, err := d.store.GetEndpoint(ctx, tenantID, endpointID)
	if err != nil {
		return TestResult{}, err
	}
	now := d.now()
	status, _, _, doErr := d.post(ctx, ep, &model.Delivery{
		EventType:  model.TestEventType,
		OccurredAt: now,
		Payload:    json.RawMessage(fmt.Sprintf(`{"endpoint_id":%q,"sent_at":%q}`, ep.ID, now.Format(time.RFC3339))),
	})
	switch {
	case doErr != nil:
		return TestResult{Success: false, Message: doErr.Error()}, nil
	case status >= 200 && status < 300:
		return TestResult{Success: true, StatusCode: status, Message: "ok"}, nil
	default:
		return TestResult{Success: false, StatusCode: status, Message: fmt.Sprintf("endpoint responded %d", status)}, nil
	}
}

func (d *Dispatcher) bodyCap() int {
	if d.cfg.ResponseBodyCap <= 0 {
		return 2048
	}
	return d.cfg.ResponseBodyCap
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
