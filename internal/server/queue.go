package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"leadez/internal/delivery"
	"leadez/internal/domain"
	"leadez/internal/events"
)

func (h *handlers) registerQueue(api huma.API) {
	huma.Register(api, secured(huma.Operation{
		OperationID: "queue-fetch",
		Method:      http.MethodPost,
		Path:        "/queue/fetch",
		Summary:     "Stage stored messages on the delivery queue",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, PermSend), func(ctx context.Context, input *struct {
		Body FetchRequest `json:"body" required:"false"`
	}) (*struct {
		Body FetchResponse `json:"body"`
	}, error) {
		in := input.Body
		n, status, err := h.host.Fetch(ctx, delivery.Filter{
			Status:  domain.MessageStatus(in.Status),
			Channel: domain.Channel(in.Channel),
			Limit:   in.Limit,
		}, in.QueueOverrides)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FetchResponse `json:"body"`
		}{Body: FetchResponse{Fetched: n, Queue: status}}, nil
	})

	huma.Register(api, secured(huma.Operation{
		OperationID: "queue-process",
		Method:      http.MethodPost,
		Path:        "/queue/process",
		Summary:     "Drain the delivery queue under the rate limit",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, PermSend), func(ctx context.Context, input *struct {
		Body ProcessRequest `json:"body" required:"false"`
	}) (*struct {
		Body delivery.Summary `json:"body"`
	}, error) {
		principal := callerOf(ctx)
		summary, err := h.host.Process(ctx, h.dryRun(input.Body.DryRun), input.Body.MaxDispatch)
		h.auditQueueRun(ctx, principal, summary, err)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body delivery.Summary `json:"body"`
		}{Body: summary}, nil
	})

	huma.Register(api, secured(huma.Operation{
		OperationID: "queue-clear",
		Method:      http.MethodDelete,
		Path:        "/queue",
		Summary:     "Drop staged messages without touching the store",
	}, PermSend), func(ctx context.Context, _ *struct{}) (*struct {
		Body ClearResponse `json:"body"`
	}, error) {
		return &struct {
			Body ClearResponse `json:"body"`
		}{Body: ClearResponse{Cleared: h.host.Clear()}}, nil
	})
}

func (h *handlers) registerTools(api huma.API) {
	huma.Register(api, secured(huma.Operation{
		OperationID: "tool-send-messages",
		Method:      http.MethodPost,
		Path:        "/tools/send_messages",
		Summary:     "Fetch and send approved messages in one call",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, PermSend), func(ctx context.Context, input *struct {
		Body SendMessagesRequest `json:"body" required:"false"`
	}) (*struct {
		Body SendMessagesResponse `json:"body"`
	}, error) {
		principal := callerOf(ctx)
		in := input.Body
		summary, err := h.host.SendMessages(ctx, delivery.Filter{
			Status:  domain.MessageStatus(in.Status),
			Channel: domain.Channel(in.Channel),
			Limit:   in.Limit,
		}, in.QueueOverrides, h.dryRun(in.DryRun))
		h.auditQueueRun(ctx, principal, summary, err)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SendMessagesResponse `json:"body"`
		}{Body: SendMessagesResponse{
			Success: true,
			Sent:    summary.Sent,
			Failed:  summary.Failed,
			Skipped: summary.Skipped,
			Summary: summary,
		}}, nil
	})
}

// auditQueueRun records a queue run; dry runs and runs that dispatched nothing are skipped.
func (h *handlers) auditQueueRun(ctx context.Context, p Principal, s delivery.Summary, runErr error) {
	if s.DryRun || s.Dequeued == 0 {
		return
	}
	payload := events.Payload{"summary": s}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	if err := h.svc.Events.Append(context.WithoutCancel(ctx), nil, events.TypeQueueRun, "queue", "", p.ActorID, payload); err != nil {
		h.svc.Logger.Warn("append queue event", "error", err)
	}
}
