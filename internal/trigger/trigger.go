// Package trigger is the single coupling point between the messaging
// pipeline and webhook delivery. The sending subsystem calls OnMessageEvent
// with an event value; how the event was produced is none of this package's
// business.
package trigger

import (
	"context"

	"github.com/mailhook/mailhook/internal/logging"
	"github.com/mailhook/mailhook/internal/model"
)

// FanOuter is the dispatcher surface the adapter needs.
type FanOuter interface {
	FanOut(ctx context.Context, ev model.Event) ([]*model.Delivery, error)
}

type Adapter struct {
	dispatcher FanOuter
	logger     *logging.Logger
}

func New(d FanOuter, logger *logging.Logger) *Adapter {
	return &Adapter{dispatcher: d, logger: logger}
}

// OnMessageEvent fans the event out to every matching endpoint. The number
// of deliveries created is returned for logging; errors are reported so the
// caller can log them, but producers are expected not to fail on them.
func (a *Adapter) OnMessageEvent(ctx context.Context, ev model.Event) (int, error) {
	ds, err := a.dispatcher.FanOut(ctx, ev)
	if err != nil {
		a.logger.WithContext(ctx).WithTenant(ev.TenantID).WithEvent(ev.ID).WithError(err).Error("webhook fan-out failed")
		return 0, err
	}
	if len(ds) > 0 {
		a.logger.WithContext(ctx).WithTenant(ev.TenantID).WithEvent(ev.ID).WithFields(map[string]any{
			"event_type": ev.Type,
			"fanout":     len(ds),
		}).Info("webhook fan-out")
	}
	return len(ds), nil
}
