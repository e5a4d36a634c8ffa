package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadez/internal/config"
	"leadez/internal/db"
	"leadez/internal/delivery"
	"leadez/internal/domain"
	"leadez/internal/migrate"
	"leadez/internal/pipeline"
	"leadez/internal/ratelimit"
)

var epoch = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

func newServices(t *testing.T) *Services {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	svc, err := Build(conn, config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return svc
}

func seedApproved(t *testing.T, svc *Services, n int) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.Repo.InsertLeads(ctx, []domain.Lead{{
		ID: "lead-1", FullName: "Ada Lovelace", CompanyName: "Engines", Role: "CTO",
		Email: "ada@example.com", Status: domain.LeadMessaged,
	}})
	require.NoError(t, err)
	var msgs []domain.Message
	for i := 0; i < n; i++ {
		msgs = append(msgs, domain.Message{
			ID: fmt.Sprintf("m%03d", i), LeadID: "lead-1", Channel: domain.ChannelEmail, Variant: domain.VariantA,
			Content: "Subject: Hello\n\nBody", Status: domain.MessageApproved,
			CreatedAt: epoch.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		})
	}
	_, err = svc.Repo.InsertMessages(ctx, msgs)
	require.NoError(t, err)
}

func newHost(svc *Services) *Host {
	return NewHost(svc, delivery.WithClock(ratelimit.NewFakeClock(epoch)))
}

func TestThresholdsAndQueueConfigFollowPipeline(t *testing.T) {
	p := config.Default().Pipeline
	p.BatchSize = 20
	p.GenerateWhenEmpty = true
	th := Thresholds(p)
	assert.Equal(t, 20, th.BatchSize)
	assert.True(t, th.GenerateWhenEmpty)
	qc := QueueConfig(p)
	assert.Equal(t, 20, qc.BatchSize)
	assert.Equal(t, p.MaxPerMinute, qc.MaxPerMinute)
}

func TestQueueOverridesApply(t *testing.T) {
	p := config.Default().Pipeline
	got := QueueOverrides{BatchSize: 5, MaxRetries: 1}.Apply(p)
	assert.Equal(t, 5, got.BatchSize)
	assert.Equal(t, 1, got.MaxRetries)
	assert.Equal(t, p.MaxPerMinute, got.MaxPerMinute)
	assert.True(t, QueueOverrides{}.empty())
}

func TestHostFetchAndProcess(t *testing.T) {
	svc := newServices(t)
	seedApproved(t, svc, 4)
	h := newHost(svc)
	ctx := context.Background()

	n, st, err := h.Fetch(ctx, delivery.Filter{}, QueueOverrides{})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"m000", "m001", "m002", "m003"}, st.Snapshot.IDs)
	assert.Equal(t, (time.Minute / time.Duration(svc.Config.Pipeline.MaxPerMinute)).Milliseconds(), st.SpacingMS)

	summary, err := h.Process(ctx, false, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Sent)

	counts, err := svc.Repo.CountMessagesByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.MessageSent])
	assert.Equal(t, 2, h.Status().Stats.QueueSize)

	assert.Equal(t, 2, h.Clear())
	assert.Equal(t, 0, h.Status().Stats.QueueSize)
}

func TestHostRejectsInvalidOverrides(t *testing.T) {
	svc := newServices(t)
	h := newHost(svc)
	_, _, err := h.Fetch(context.Background(), delivery.Filter{}, QueueOverrides{BatchSize: -1})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	_, err = h.Process(context.Background(), true, -1)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestHostSendMessagesDryRun(t *testing.T) {
	svc := newServices(t)
	seedApproved(t, svc, 3)
	h := newHost(svc)
	ctx := context.Background()

	summary, err := h.SendMessages(ctx, delivery.Filter{}, QueueOverrides{BatchSize: 2}, true)
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, 3, summary.Sent)
	counts, err := svc.Repo.CountMessagesByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[domain.MessageApproved])
}

func TestHostCycleRecordsRun(t *testing.T) {
	svc := newServices(t)
	seedApproved(t, svc, 1)
	h := newHost(svc)

	out, err := h.Cycle(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionSendMessages, out.Action)
	assert.Equal(t, pipeline.StatusCompleted, out.Status)
	runs, err := svc.Repo.ListRuns(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

type countingSender struct {
	mu    sync.Mutex
	calls map[string]int
}

func (s *countingSender) Deliver(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[msg.ID]++
	return nil
}

func TestHostCycleDrainsStagedQueueOnce(t *testing.T) {
	svc := newServices(t)
	seedApproved(t, svc, 3)
	snd := &countingSender{}
	svc.Sender = snd
	h := newHost(svc)
	ctx := context.Background()

	n, _, err := h.Fetch(ctx, delivery.Filter{}, QueueOverrides{})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	out, err := h.Cycle(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionSendMessages, out.Action)
	require.NotNil(t, out.Summary)
	assert.Equal(t, 3, out.Summary.Sent)
	assert.Equal(t, 0, h.Status().Stats.QueueSize)

	summary, err := h.Process(ctx, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Sent)
	assert.Equal(t, map[string]int{"m000": 1, "m001": 1, "m002": 1}, snd.calls)
}

func TestHostRunStopsOnCancel(t *testing.T) {
	svc := newServices(t)
	seedApproved(t, svc, 1)
	h := newHost(svc)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.Run(ctx, true, time.Minute), context.Canceled)
	assert.ErrorIs(t, h.Run(context.Background(), true, 0), domain.ErrConfiguration)
}

func TestCollaboratorsRequireTools(t *testing.T) {
	svc := newServices(t)
	assert.Empty(t, svc.Collaborators())
	cfg := config.Default()
	cfg.Tools.BaseURL = "http://tools.local"
	withTools, err := Build(svc.DB, cfg, svc.Logger)
	require.NoError(t, err)
	assert.Len(t, withTools.Collaborators(), 4)
}
