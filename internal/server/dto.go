package server

import (
	"leadez/internal/app"
	"leadez/internal/delivery"
	"leadez/internal/domain"
)

// Request payloads

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type FetchRequest struct {
	Status  string `json:"status,omitempty" enum:"PENDING,APPROVED,REJECTED,SENT,FAILED" doc:"Defaults to APPROVED"`
	Channel string `json:"channel,omitempty" enum:"email,linkedin"`
	Limit   int    `json:"limit,omitempty" minimum:"0"`
	app.QueueOverrides
}

type ProcessRequest struct {
	DryRun      *bool `json:"dry_run,omitempty" doc:"Defaults to pipeline.dry_run"`
	MaxDispatch int   `json:"max_dispatch,omitempty" minimum:"0" doc:"Stop after this many sends; 0 is unbounded"`
}

type SendMessagesRequest struct {
	Status  string `json:"status,omitempty" enum:"PENDING,APPROVED,REJECTED,SENT,FAILED"`
	Channel string `json:"channel,omitempty" enum:"email,linkedin"`
	Limit   int    `json:"limit,omitempty" minimum:"0"`
	DryRun  *bool  `json:"dry_run,omitempty"`
	app.QueueOverrides
}

type ReviewMessageRequest struct {
	Status string `json:"status" enum:"APPROVED,REJECTED"`
}

type DecideRequest struct {
	Snapshot *domain.Snapshot `json:"snapshot,omitempty" doc:"Decide on this snapshot instead of the store"`
}

type BatchDecideRequest struct {
	Snapshots  []domain.Snapshot `json:"snapshots,omitempty"`
	LeadStatus string            `json:"lead_status,omitempty" enum:"NEW,GENERATED,ENRICHED,MESSAGED" doc:"Per-lead mode filter"`
	Limit      int               `json:"limit,omitempty" minimum:"0" maximum:"200"`
}

type CycleRequest struct {
	DryRun *bool `json:"dry_run,omitempty"`
}

// Response payloads

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type StatsResponse struct {
	Snapshot  domain.Snapshot `json:"snapshot"`
	Inventory int             `json:"inventory"`
	Queue     app.QueueStatus `json:"queue"`
}

type LeadResponse struct {
	domain.Lead
	Priority int `json:"priority"`
}

type LeadListResponse struct {
	Items  []LeadResponse `json:"items"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type MessageListResponse struct {
	Items  []domain.Message `json:"items"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type FetchResponse struct {
	Fetched int             `json:"fetched"`
	Queue   app.QueueStatus `json:"queue"`
}

type ClearResponse struct {
	Cleared int `json:"cleared"`
}

// SendMessagesResponse follows the collaborator tool contract: success plus counts.
type SendMessagesResponse struct {
	Success bool             `json:"success"`
	Sent    int              `json:"sent"`
	Failed  int              `json:"failed"`
	Skipped int              `json:"skipped"`
	Summary delivery.Summary `json:"summary"`
}

type DecideResponse struct {
	Decision domain.Decision  `json:"decision"`
	Snapshot *domain.Snapshot `json:"snapshot,omitempty"`
}

type BatchDecideResponse struct {
	Decisions []domain.Decision  `json:"decisions,omitempty"`
	Leads     []app.LeadDecision `json:"leads,omitempty"`
}

type paginatedRuns struct {
	Items []domain.PipelineRun `json:"items"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func mapLeads(items []domain.Lead) []LeadResponse {
	out := make([]LeadResponse, 0, len(items))
	for _, l := range items {
		out = append(out, LeadResponse{Lead: l, Priority: app.LeadPriority(l)})
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
