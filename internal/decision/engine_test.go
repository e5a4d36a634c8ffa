package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadez/internal/domain"
)

func snapshot(leads map[domain.LeadStatus]int, msgs map[domain.MessageStatus]int, qualified int) domain.Snapshot {
	s := domain.NewSnapshot()
	for k, v := range leads {
		s.Leads[k] = v
	}
	for k, v := range msgs {
		s.Messages[k] = v
	}
	s.EnrichedQualified = qualified
	s.EnrichedBelow = s.Leads[domain.LeadEnriched] - qualified
	s.MinConfidenceScore = DefaultMinConfidenceScore
	return s
}

func mustEngine(t *testing.T, th Thresholds) Engine {
	t.Helper()
	e, err := New(th)
	require.NoError(t, err)
	return e
}

func TestDecideDeterminism(t *testing.T) {
	e := mustEngine(t, DefaultThresholds())

	d := e.Decide(snapshot(nil, map[domain.MessageStatus]int{domain.MessageApproved: 5, domain.MessagePending: 3}, 0))
	assert.Equal(t, domain.ActionSendMessages, d.Action)
	assert.Equal(t, "/tools/send_messages", d.Endpoint)
	assert.Equal(t, 50, d.Parameters["batch_size"])

	d = e.Decide(snapshot(map[domain.LeadStatus]int{domain.LeadEnriched: 10}, map[domain.MessageStatus]int{domain.MessagePending: 3}, 10))
	assert.Equal(t, domain.ActionReviewMessages, d.Action)
	assert.Equal(t, false, d.Parameters["auto_approve"])

	d = e.Decide(snapshot(map[domain.LeadStatus]int{domain.LeadEnriched: 10}, nil, 10))
	assert.Equal(t, domain.ActionGenerateMessages, d.Action)
	assert.Equal(t, 55, d.Parameters["min_confidence_score"])

	d = e.Decide(domain.NewSnapshot())
	assert.Equal(t, domain.ActionWait, d.Action)
	assert.Empty(t, d.Endpoint)
}

func TestDecidePriorityOrder(t *testing.T) {
	e := mustEngine(t, DefaultThresholds())
	for _, tc := range []struct {
		name  string
		snap  domain.Snapshot
		want  domain.Action
		param string
	}{
		{
			name: "generated leads are enriched before inventory is topped up",
			snap: snapshot(map[domain.LeadStatus]int{domain.LeadGenerated: 2}, nil, 0),
			want: domain.ActionEnrichLeads, param: "limit",
		},
		{
			name: "below-threshold enriched leads do not generate messages",
			snap: snapshot(map[domain.LeadStatus]int{domain.LeadEnriched: 4, domain.LeadMessaged: 30}, nil, 0),
			want: domain.ActionGenerateLeads, param: "count",
		},
		{
			name: "healthy inventory waits",
			snap: snapshot(map[domain.LeadStatus]int{domain.LeadNew: 12}, map[domain.MessageStatus]int{domain.MessageSent: 40}, 0),
			want: domain.ActionWait,
		},
		{
			name: "terminal messages are ignored",
			snap: snapshot(map[domain.LeadStatus]int{domain.LeadMessaged: 3}, map[domain.MessageStatus]int{domain.MessageFailed: 2, domain.MessageRejected: 1}, 0),
			want: domain.ActionGenerateLeads, param: "count",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := e.Decide(tc.snap)
			assert.Equal(t, tc.want, d.Action)
			assert.NotEmpty(t, d.Reason)
			if tc.param != "" {
				assert.Contains(t, d.Parameters, tc.param)
			}
		})
	}
}

func TestEmptyStoreBootstrap(t *testing.T) {
	th := DefaultThresholds()
	th.GenerateWhenEmpty = true
	e := mustEngine(t, th)
	d := e.Decide(domain.NewSnapshot())
	assert.Equal(t, domain.ActionGenerateLeads, d.Action)
	assert.Equal(t, 50, d.Parameters["count"])
}

func TestDecideIsPure(t *testing.T) {
	e := mustEngine(t, DefaultThresholds())
	s := snapshot(map[domain.LeadStatus]int{domain.LeadGenerated: 1}, map[domain.MessageStatus]int{domain.MessagePending: 1}, 0)
	first := e.Decide(s)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, e.Decide(s))
	}
	assert.Equal(t, 1, s.Messages[domain.MessagePending])
}

func TestBatchDecideIsIndependent(t *testing.T) {
	e := mustEngine(t, DefaultThresholds())
	snaps := []domain.Snapshot{
		snapshot(nil, map[domain.MessageStatus]int{domain.MessageApproved: 1}, 0),
		domain.NewSnapshot(),
		snapshot(map[domain.LeadStatus]int{domain.LeadGenerated: 1}, nil, 0),
	}
	got := e.BatchDecide(snaps)
	require.Len(t, got, 3)
	assert.Equal(t, domain.ActionSendMessages, got[0].Action)
	assert.Equal(t, domain.ActionWait, got[1].Action)
	assert.Equal(t, domain.ActionEnrichLeads, got[2].Action)
	assert.Empty(t, e.BatchDecide(nil))
}

func TestNewRejectsInvalidThresholds(t *testing.T) {
	th := DefaultThresholds()
	th.MinConfidenceScore = 101
	_, err := New(th)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	th = DefaultThresholds()
	th.BatchSize = 0
	_, err = New(th)
	var ce *domain.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "batch_size", ce.Field)
}

func TestLeadSnapshot(t *testing.T) {
	score := 70
	lead := domain.Lead{ID: "l1", Status: domain.LeadEnriched, ConfidenceScore: &score}
	s := LeadSnapshot(lead, nil, 55)
	assert.Equal(t, 1, s.EnrichedQualified)

	e := mustEngine(t, DefaultThresholds())
	assert.Equal(t, domain.ActionGenerateMessages, e.Decide(s).Action)

	low := 40
	lead.ConfidenceScore = &low
	s = LeadSnapshot(lead, []domain.Message{{Status: domain.MessagePending}}, 55)
	assert.Equal(t, 0, s.EnrichedQualified)
	assert.Equal(t, 1, s.EnrichedBelow)
	assert.Equal(t, domain.ActionReviewMessages, e.Decide(s).Action)
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 105, Priority("NEW", 50))
	assert.Equal(t, 89, Priority("ENRICHED", 99))
	assert.Equal(t, 16, Priority("SENT", 60))
	assert.Equal(t, 5, Priority("UNKNOWN", 50))
	assert.Greater(t, Priority("GENERATED", 80), Priority("ENRICHED", 80))
}

func TestShouldProceed(t *testing.T) {
	assert.True(t, ShouldProceed(domain.LeadEnriched, "", 0, 3))
	assert.False(t, ShouldProceed(domain.LeadMessaged, domain.MessageSent, 0, 3))
	assert.True(t, ShouldProceed(domain.LeadMessaged, domain.MessageFailed, 2, 3))
	assert.False(t, ShouldProceed(domain.LeadMessaged, domain.MessageFailed, 3, 3))
	assert.False(t, ShouldProceed("UNSUBSCRIBED", "", 0, 3))
	assert.False(t, ShouldProceed("", domain.MessageApproved, 3, 3), "exhausted approved message")
	assert.False(t, ShouldProceed("", domain.MessageApproved, 5, 2), "limit lowered below prior attempts")
	assert.True(t, ShouldProceed("", domain.MessageApproved, 1, 3))
}
