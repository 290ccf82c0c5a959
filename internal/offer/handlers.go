package offer

import (
	"context"
	"encoding/json"

	"offerflow/internal/domain"
	"offerflow/internal/worker"
)

// NotifyHandler adapts notify jobs from the worker pool. Payloads are
// validated here, at the scheduler boundary; a malformed payload is a
// permanent error the queue will exhaust quickly.
type NotifyHandler struct{ Coordinator *Coordinator }

func (h NotifyHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	j, err := domain.DecodeNotifyJob(payload)
	if err != nil {
		return err
	}
	return h.Coordinator.HandleNotify(ctx, j)
}

// ExpireHandler adapts expire jobs from the worker pool.
type ExpireHandler struct{ Coordinator *Coordinator }

func (h ExpireHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	j, err := domain.DecodeExpireJob(payload)
	if err != nil {
		return err
	}
	return h.Coordinator.HandleExpire(ctx, j)
}

// Handlers returns the worker registry for the offer job kinds.
func Handlers(c *Coordinator) map[string]worker.Handler {
	return map[string]worker.Handler{
		domain.KindNotify: NotifyHandler{Coordinator: c},
		domain.KindExpire: ExpireHandler{Coordinator: c},
	}
}
