package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"leadez/internal/domain"
	"leadez/internal/pipeline"
)

func (h *handlers) registerAgent(api huma.API) {
	huma.Register(api, secured(huma.Operation{
		OperationID: "agent-decide",
		Method:      http.MethodPost,
		Path:        "/agent/decide",
		Summary:     "Decide the next pipeline action",
		Errors:      []int{http.StatusServiceUnavailable},
	}, PermDecide), func(ctx context.Context, input *struct {
		Body DecideRequest `json:"body" required:"false"`
	}) (*struct {
		Body DecideResponse `json:"body"`
	}, error) {
		snap := input.Body.Snapshot
		if snap == nil {
			s, err := h.svc.Snapshot(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			snap = &s
		}
		return &struct {
			Body DecideResponse `json:"body"`
		}{Body: DecideResponse{Decision: h.svc.Engine.Decide(*snap), Snapshot: snap}}, nil
	})

	huma.Register(api, secured(huma.Operation{
		OperationID: "agent-decide-batch",
		Method:      http.MethodPost,
		Path:        "/agent/decide/batch",
		Summary:     "Decide for several snapshots, or per lead ordered by priority",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, PermDecide), func(ctx context.Context, input *struct {
		Body BatchDecideRequest `json:"body" required:"false"`
	}) (*struct {
		Body BatchDecideResponse `json:"body"`
	}, error) {
		in := input.Body
		if len(in.Snapshots) > 0 {
			return &struct {
				Body BatchDecideResponse `json:"body"`
			}{Body: BatchDecideResponse{Decisions: h.svc.Engine.BatchDecide(in.Snapshots)}}, nil
		}
		leads, err := h.svc.DecideLeads(ctx, domain.LeadStatus(in.LeadStatus), normalizeLimit(in.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchDecideResponse `json:"body"`
		}{Body: BatchDecideResponse{Leads: leads}}, nil
	})

	huma.Register(api, secured(huma.Operation{
		OperationID: "agent-cycle",
		Method:      http.MethodPost,
		Path:        "/agent/cycle",
		Summary:     "Run one orchestration cycle",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, PermRun), func(ctx context.Context, input *struct {
		Body CycleRequest `json:"body" required:"false"`
	}) (*struct {
		Body pipeline.Outcome `json:"body"`
	}, error) {
		out, err := h.host.Cycle(ctx, h.dryRun(input.Body.DryRun))
		if err != nil && (out.RunID == "" || errors.Is(err, domain.ErrStoreUnavailable)) {
			return nil, handleError(err)
		}
		// Action failures are reported in the outcome itself.
		return &struct {
			Body pipeline.Outcome `json:"body"`
		}{Body: out}, nil
	})
}
