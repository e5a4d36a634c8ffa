package domain

import "fmt"

// Action names the next unit of pipeline work.
type Action string

const (
	ActionSendMessages     Action = "send_messages"
	ActionReviewMessages   Action = "review_messages"
	ActionGenerateMessages Action = "generate_messages"
	ActionEnrichLeads      Action = "enrich_leads"
	ActionGenerateLeads    Action = "generate_leads"
	ActionWait             Action = "wait"
)

// Actions lists every action in decision priority order.
var Actions = []Action{
	ActionSendMessages,
	ActionReviewMessages,
	ActionGenerateMessages,
	ActionEnrichLeads,
	ActionGenerateLeads,
	ActionWait,
}

func (a Action) Valid() bool {
	for _, v := range Actions {
		if v == a {
			return true
		}
	}
	return false
}

func ParseAction(v string) (Action, error) {
	a := Action(v)
	if !a.Valid() {
		return "", fmt.Errorf("invalid action %q", v)
	}
	return a, nil
}

// Endpoint is the collaborator tool path serving a.
func (a Action) Endpoint() string {
	if a == ActionWait {
		return ""
	}
	return "/tools/" + string(a)
}

// Decision is computed fresh on every cycle and never persisted.
type Decision struct {
	Action     Action         `json:"action" enum:"send_messages,review_messages,generate_messages,enrich_leads,generate_leads,wait"`
	Target     string         `json:"target,omitempty"`
	Endpoint   string         `json:"endpoint,omitempty"`
	Reason     string         `json:"reason"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Snapshot is the aggregate view of lead and message counts a decision is made from.
type Snapshot struct {
	Leads              map[LeadStatus]int    `json:"leads" required:"false"`
	Messages           map[MessageStatus]int `json:"messages" required:"false"`
	EnrichedQualified  int                   `json:"enriched_qualified" required:"false"`
	EnrichedBelow      int                   `json:"enriched_below_threshold" required:"false"`
	MinConfidenceScore int                   `json:"min_confidence_score" required:"false"`
}

func NewSnapshot() Snapshot {
	return Snapshot{
		Leads:    map[LeadStatus]int{},
		Messages: map[MessageStatus]int{},
	}
}

// Inventory counts leads that are not yet messaged and can still yield outreach.
func (s Snapshot) Inventory() int {
	return s.Leads[LeadNew] + s.Leads[LeadGenerated] + s.EnrichedQualified
}

func (s Snapshot) TotalLeads() int {
	n := 0
	for _, c := range s.Leads {
		n += c
	}
	return n
}

func (s Snapshot) TotalMessages() int {
	n := 0
	for _, c := range s.Messages {
		n += c
	}
	return n
}
