package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"leadez/internal/domain"
	"leadez/internal/events"
	"leadez/internal/repo"
)

func (h *handlers) registerStats(api huma.API) {
	huma.Register(api, secured(huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Store counts and delivery queue state",
		Errors:      []int{http.StatusServiceUnavailable},
	}, PermRead), func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		snap, err := h.svc.Snapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{
			Snapshot:  snap,
			Inventory: snap.Inventory(),
			Queue:     h.host.Status(),
		}}, nil
	})
}

func (h *handlers) registerLeads(api huma.API) {
	huma.Register(api, secured(huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/leads",
		Summary:     "List leads",
		Errors:      []int{http.StatusBadRequest},
	}, PermRead), func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"NEW,GENERATED,ENRICHED,MESSAGED"`
		SortBy    string `query:"sort_by" enum:"created_at,updated_at,confidence_score,full_name"`
		SortOrder string `query:"sort_order" enum:"asc,desc"`
		Limit     int    `query:"limit" default:"50"`
		Offset    int    `query:"offset" minimum:"0"`
	}) (*struct {
		Body LeadListResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, total, err := h.svc.Repo.ListLeads(ctx, repo.LeadFilter{
			Status:    domain.LeadStatus(input.Status),
			SortBy:    input.SortBy,
			SortOrder: input.SortOrder,
			Limit:     limit,
			Offset:    input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeadListResponse `json:"body"`
		}{Body: LeadListResponse{Items: mapLeads(items), Total: total, Limit: limit, Offset: input.Offset}}, nil
	})
}

func (h *handlers) registerMessages(api huma.API) {
	huma.Register(api, secured(huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/messages",
		Summary:     "List messages",
		Errors:      []int{http.StatusBadRequest},
	}, PermRead), func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:"PENDING,APPROVED,REJECTED,SENT,FAILED"`
		Channel string `query:"channel" enum:"email,linkedin"`
		LeadID  string `query:"lead_id"`
		Limit   int    `query:"limit" default:"50"`
		Offset  int    `query:"offset" minimum:"0"`
	}) (*struct {
		Body MessageListResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := h.svc.Repo.ListMessages(ctx, repo.MessageFilter{
			Status:  domain.MessageStatus(input.Status),
			Channel: domain.Channel(input.Channel),
			LeadID:  input.LeadID,
			Limit:   limit,
			Offset:  input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageListResponse `json:"body"`
		}{Body: MessageListResponse{Items: nonNilSlice(items), Limit: limit, Offset: input.Offset}}, nil
	})

	huma.Register(api, secured(huma.Operation{
		OperationID: "review-message",
		Method:      http.MethodPatch,
		Path:        "/messages/{message_id}",
		Summary:     "Approve or reject a pending message",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, PermReview), func(ctx context.Context, input *struct {
		MessageID string `path:"message_id"`
		Body      ReviewMessageRequest
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		principal := callerOf(ctx)
		to, err := domain.ParseMessageStatus(input.Body.Status)
		if err != nil || (to != domain.MessageApproved && to != domain.MessageRejected) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status must be APPROVED or REJECTED", map[string]any{"status": input.Body.Status})
		}
		if err := h.svc.Repo.SetMessageStatus(ctx, input.MessageID, domain.MessagePending, to); err != nil {
			return nil, handleError(err)
		}
		if err := h.svc.Events.Append(ctx, nil, events.TypeReview, "message", input.MessageID, principal.ActorID, events.Payload{"status": string(to)}); err != nil {
			h.svc.Logger.Warn("append review event", "message_id", input.MessageID, "error", err)
		}
		msg, err := h.svc.Repo.GetMessage(ctx, input.MessageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: msg}, nil
	})
}

func (h *handlers) registerRuns(api huma.API) {
	huma.Register(api, secured(huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List recorded pipeline cycles",
	}, PermRead), func(ctx context.Context, input *struct {
		Action string `query:"action" enum:"send_messages,review_messages,generate_messages,enrich_leads,generate_leads,wait"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedRuns `json:"body"`
	}, error) {
		items, err := h.svc.Repo.ListRuns(ctx, domain.Action(input.Action), normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedRuns `json:"body"`
		}{Body: paginatedRuns{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, secured(huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a pipeline cycle",
		Errors:      []int{http.StatusNotFound},
	}, PermRead), func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.PipelineRun `json:"body"`
	}, error) {
		run, err := h.svc.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PipelineRun `json:"body"`
		}{Body: run}, nil
	})
}

func (h *handlers) registerEvents(api huma.API) {
	huma.Register(api, secured(huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, PermRead), func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"pipeline_run,queue,message,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.svc.Repo.LatestEvents(ctx, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
