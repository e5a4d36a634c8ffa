package domain

import "fmt"

type LeadStatus string

const (
	LeadNew       LeadStatus = "NEW"
	LeadGenerated LeadStatus = "GENERATED"
	LeadEnriched  LeadStatus = "ENRICHED"
	LeadMessaged  LeadStatus = "MESSAGED"
)

// LeadStatuses lists every lead status in pipeline order.
var LeadStatuses = []LeadStatus{LeadNew, LeadGenerated, LeadEnriched, LeadMessaged}

func (s LeadStatus) Valid() bool {
	switch s {
	case LeadNew, LeadGenerated, LeadEnriched, LeadMessaged:
		return true
	}
	return false
}

func ParseLeadStatus(v string) (LeadStatus, error) {
	s := LeadStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid lead status %q", v)
	}
	return s, nil
}

type MessageStatus string

const (
	MessagePending  MessageStatus = "PENDING"
	MessageApproved MessageStatus = "APPROVED"
	MessageRejected MessageStatus = "REJECTED"
	MessageSent     MessageStatus = "SENT"
	MessageFailed   MessageStatus = "FAILED"
)

var MessageStatuses = []MessageStatus{MessagePending, MessageApproved, MessageRejected, MessageSent, MessageFailed}

func (s MessageStatus) Valid() bool {
	switch s {
	case MessagePending, MessageApproved, MessageRejected, MessageSent, MessageFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected from s.
func (s MessageStatus) Terminal() bool {
	return s == MessageSent || s == MessageFailed || s == MessageRejected
}

func ParseMessageStatus(v string) (MessageStatus, error) {
	s := MessageStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid message status %q", v)
	}
	return s, nil
}

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelLinkedIn Channel = "linkedin"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelLinkedIn
}

func ParseChannel(v string) (Channel, error) {
	c := Channel(v)
	if !c.Valid() {
		return "", fmt.Errorf("invalid channel %q", v)
	}
	return c, nil
}

type Variant string

const (
	VariantA Variant = "A"
	VariantB Variant = "B"
)

type Lead struct {
	ID              string     `json:"id"`
	FullName        string     `json:"full_name"`
	CompanyName     string     `json:"company_name"`
	Role            string     `json:"role"`
	Industry        string     `json:"industry,omitempty"`
	Website         string     `json:"website,omitempty"`
	Email           string     `json:"email,omitempty"`
	LinkedInURL     string     `json:"linkedin_url,omitempty"`
	Country         string     `json:"country,omitempty"`
	Status          LeadStatus `json:"status" enum:"NEW,GENERATED,ENRICHED,MESSAGED"`
	CompanySize     string     `json:"company_size,omitempty"`
	PersonaTag      string     `json:"persona_tag,omitempty"`
	PainPoints      []string   `json:"pain_points,omitempty"`
	BuyingTriggers  []string   `json:"buying_triggers,omitempty"`
	ConfidenceScore *int       `json:"confidence_score,omitempty" minimum:"0" maximum:"100"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
	UpdatedAt       string     `json:"updated_at" format:"date-time"`
}

// Recipient is the contact data a message is delivered to, joined from its lead.
type Recipient struct {
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	LinkedInURL string `json:"linkedin_url,omitempty"`
	Company     string `json:"company,omitempty"`
	Role        string `json:"role,omitempty"`
}

type Message struct {
	ID           string        `json:"id"`
	LeadID       string        `json:"lead_id"`
	Channel      Channel       `json:"channel" enum:"email,linkedin"`
	Variant      Variant       `json:"variant" enum:"A,B"`
	Content      string        `json:"content"`
	Status       MessageStatus `json:"status" enum:"PENDING,APPROVED,REJECTED,SENT,FAILED"`
	RetryCount   int           `json:"retry_count"`
	ErrorMessage string        `json:"error_message,omitempty"`
	SentAt       *string       `json:"sent_at,omitempty" format:"date-time"`
	CreatedAt    string        `json:"created_at" format:"date-time"`
	Recipient    Recipient     `json:"recipient"`
	// Seq is the store's insertion sequence, the tie-breaker for creation order.
	Seq int64 `json:"-"`
}

// Address returns the channel-specific destination for m, or "" when none is known.
func (m Message) Address() string {
	switch m.Channel {
	case ChannelEmail:
		return m.Recipient.Email
	case ChannelLinkedIn:
		return m.Recipient.LinkedInURL
	}
	return ""
}

// MessageQuery selects messages from the record store.
type MessageQuery struct {
	// Status may be empty when IDs is set.
	Status     MessageStatus
	Channel    Channel
	IDs        []string
	ExcludeIDs []string
	// After restricts results to messages created after the cursor.
	After *MessageCursor
	Limit int
}

// MessageCursor is a position in creation order.
type MessageCursor struct {
	CreatedAt string
	Seq       int64
}

// CursorOf returns the creation-order position of m.
func CursorOf(m Message) *MessageCursor {
	return &MessageCursor{CreatedAt: m.CreatedAt, Seq: m.Seq}
}

// MessageUpdate is one buffered status mutation.
type MessageUpdate struct {
	ID           string        `json:"id"`
	Status       MessageStatus `json:"status"`
	RetryCount   int           `json:"retry_count"`
	ErrorMessage string        `json:"error_message,omitempty"`
	SentAt       *string       `json:"sent_at,omitempty"`
	// From, when set, is the status the row must still hold for the update to apply.
	From MessageStatus `json:"from,omitempty"`
}

// UpdateResult reports the per-id outcome of a batched update.
type UpdateResult struct {
	Updated []string `json:"updated"`
	Missing []string `json:"missing,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	KeyHash   string   `json:"key_hash"`
	Scopes    []string `json:"scopes,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// PipelineRun records one orchestration cycle.
type PipelineRun struct {
	ID           string  `json:"id"`
	Action       Action  `json:"action"`
	Status       string  `json:"status" enum:"completed,idle,skipped,failed,cancelled,store_unavailable"`
	Sent         int     `json:"messages_sent"`
	Failed       int     `json:"messages_failed"`
	ErrorMessage string  `json:"error_message,omitempty"`
	StartedAt    string  `json:"started_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}
