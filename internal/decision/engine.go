// Package decision maps aggregate pipeline counts to the single next action.
//
// Rules are evaluated in a fixed order and the first match wins:
//
//	approved messages      -> send_messages
//	pending messages       -> review_messages
//	qualified enriched     -> generate_messages
//	generated leads        -> enrich_leads
//	inventory below mark   -> generate_leads
//	otherwise              -> wait
//
// The order drains the delivery and review backlog before producing new work.
// An empty store yields wait unless GenerateWhenEmpty is set, so a store that
// reports nothing never triggers lead generation by accident.
package decision

import (
	"fmt"

	"leadez/internal/domain"
)

const (
	DefaultMinConfidenceScore = 55
	DefaultLowWaterMark       = 10
	DefaultBatchSize          = 50
	DefaultLeadCount          = 50
	DefaultEnrichLimit        = 50
)

// Thresholds parameterize the rules.
type Thresholds struct {
	MinConfidenceScore int `json:"min_confidence_score" yaml:"min_confidence_score"`
	LowWaterMark       int `json:"low_water_mark" yaml:"low_water_mark"`
	BatchSize          int `json:"batch_size" yaml:"batch_size"`
	LeadCount          int `json:"lead_count" yaml:"lead_count"`
	EnrichLimit        int `json:"enrich_limit" yaml:"enrich_limit"`
	// GenerateWhenEmpty lets generate_leads fire when the store holds no leads at all.
	GenerateWhenEmpty bool `json:"generate_when_empty" yaml:"generate_when_empty"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinConfidenceScore: DefaultMinConfidenceScore,
		LowWaterMark:       DefaultLowWaterMark,
		BatchSize:          DefaultBatchSize,
		LeadCount:          DefaultLeadCount,
		EnrichLimit:        DefaultEnrichLimit,
	}
}

func (t Thresholds) Validate() error {
	if t.MinConfidenceScore < 0 || t.MinConfidenceScore > 100 {
		return &domain.ConfigurationError{Field: "min_confidence_score", Reason: fmt.Sprintf("must be within 0..100, got %d", t.MinConfidenceScore)}
	}
	if t.LowWaterMark < 0 {
		return &domain.ConfigurationError{Field: "low_water_mark", Reason: "must not be negative"}
	}
	for _, check := range []struct {
		field string
		value int
	}{
		{"batch_size", t.BatchSize},
		{"lead_count", t.LeadCount},
		{"enrich_limit", t.EnrichLimit},
	} {
		if err := domain.RequirePositive(check.field, check.value); err != nil {
			return err
		}
	}
	return nil
}

// Engine is stateless and safe for concurrent use.
type Engine struct {
	th Thresholds
}

func New(th Thresholds) (Engine, error) {
	if err := th.Validate(); err != nil {
		return Engine{}, err
	}
	return Engine{th: th}, nil
}

func (e Engine) Thresholds() Thresholds { return e.th }

// Decide returns exactly one decision for s.
func (e Engine) Decide(s domain.Snapshot) domain.Decision {
	switch {
	case s.Messages[domain.MessageApproved] > 0:
		return decision(domain.ActionSendMessages,
			fmt.Sprintf("%d approved messages awaiting delivery", s.Messages[domain.MessageApproved]),
			map[string]any{"batch_size": e.th.BatchSize, "use_queue": true})
	case s.Messages[domain.MessagePending] > 0:
		return decision(domain.ActionReviewMessages,
			fmt.Sprintf("%d messages pending review", s.Messages[domain.MessagePending]),
			map[string]any{"auto_approve": false})
	case s.EnrichedQualified > 0:
		return decision(domain.ActionGenerateMessages,
			fmt.Sprintf("%d enriched leads with confidence >= %d", s.EnrichedQualified, e.th.MinConfidenceScore),
			map[string]any{"min_confidence_score": e.th.MinConfidenceScore})
	case s.Leads[domain.LeadGenerated] > 0:
		return decision(domain.ActionEnrichLeads,
			fmt.Sprintf("%d generated leads need enrichment", s.Leads[domain.LeadGenerated]),
			map[string]any{"limit": e.th.EnrichLimit})
	case s.Inventory() < e.th.LowWaterMark && (s.TotalLeads() > 0 || e.th.GenerateWhenEmpty):
		return decision(domain.ActionGenerateLeads,
			fmt.Sprintf("lead inventory %d below %d", s.Inventory(), e.th.LowWaterMark),
			map[string]any{"count": e.th.LeadCount})
	default:
		return decision(domain.ActionWait, "no pending work", nil)
	}
}

// BatchDecide evaluates every snapshot independently, preserving order.
func (e Engine) BatchDecide(snaps []domain.Snapshot) []domain.Decision {
	out := make([]domain.Decision, len(snaps))
	for i, s := range snaps {
		out[i] = e.Decide(s)
	}
	return out
}

func decision(a domain.Action, reason string, params map[string]any) domain.Decision {
	return domain.Decision{
		Action:     a,
		Target:     target(a),
		Endpoint:   a.Endpoint(),
		Reason:     reason,
		Parameters: params,
	}
}

func target(a domain.Action) string {
	switch a {
	case domain.ActionSendMessages, domain.ActionReviewMessages:
		return "messages"
	case domain.ActionGenerateMessages, domain.ActionEnrichLeads, domain.ActionGenerateLeads:
		return "leads"
	default:
		return ""
	}
}
