package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadez/internal/app"
	"leadez/internal/config"
	"leadez/internal/db"
	"leadez/internal/delivery"
	"leadez/internal/domain"
	"leadez/internal/migrate"
	"leadez/internal/ratelimit"
)

var epoch = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

// --- helpers ---

func newTestHost(t *testing.T) *app.Host {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	svc, err := app.Build(conn, config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return app.NewHost(svc, delivery.WithClock(ratelimit.NewFakeClock(epoch)))
}

func seedApproved(t *testing.T, host *app.Host, n int) {
	t.Helper()
	ctx := context.Background()
	r := host.Services().Repo
	_, err := r.InsertLeads(ctx, []domain.Lead{{
		ID: "lead-1", FullName: "Grace Hopper", CompanyName: "Navy", Role: "Rear Admiral",
		Email: "grace@example.com", Status: domain.LeadMessaged,
	}})
	require.NoError(t, err)
	var msgs []domain.Message
	for i := 0; i < n; i++ {
		msgs = append(msgs, domain.Message{
			ID: fmt.Sprintf("m%02d", i), LeadID: "lead-1", Channel: domain.ChannelEmail, Variant: domain.VariantA,
			Content: "Subject: Hi\n\nBody", Status: domain.MessageApproved,
			CreatedAt: epoch.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		})
	}
	_, err = r.InsertMessages(ctx, msgs)
	require.NoError(t, err)
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func decode[T any](t *testing.T, result *mcp.CallToolResult) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &out))
	return out
}

// --- tests ---

func TestNewRegistersTools(t *testing.T) {
	s := New(newTestHost(t), "test")
	msg := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	for _, name := range []string{"fetch_batch", "process_queue", "send_messages", "agent_decide", "batch_decide", "get_stats", "run_cycle"} {
		assert.Contains(t, string(b), `"`+name+`"`)
	}
}

func TestFetchThenProcess(t *testing.T) {
	host := newTestHost(t)
	seedApproved(t, host, 4)
	ctx := context.Background()

	res, err := fetchBatch(host)(ctx, makeCallToolRequest("fetch_batch", map[string]interface{}{"batch_size": float64(3)}))
	require.NoError(t, err)
	require.False(t, res.IsError, toolText(t, res))
	fetched := decode[struct {
		Fetched int             `json:"fetched"`
		Queue   app.QueueStatus `json:"queue"`
	}](t, res)
	assert.Equal(t, 3, fetched.Fetched)
	assert.Equal(t, 3, fetched.Queue.Snapshot.BatchSize)

	res, err = processQueue(host)(ctx, makeCallToolRequest("process_queue", map[string]interface{}{"dry_run": false, "max_dispatch": float64(2)}))
	require.NoError(t, err)
	require.False(t, res.IsError, toolText(t, res))
	summary := decode[delivery.Summary](t, res)
	assert.Equal(t, 2, summary.Sent)

	sent, err := host.Services().Repo.GetMessage(ctx, "m00")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageSent, sent.Status)
}

func TestFetchRejectsInvalidOverride(t *testing.T) {
	host := newTestHost(t)
	res, err := fetchBatch(host)(context.Background(), makeCallToolRequest("fetch_batch", map[string]interface{}{"max_per_minute": float64(-1)}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, toolText(t, res), "max_per_minute")
}

func TestSendMessagesDryRunWritesNothing(t *testing.T) {
	host := newTestHost(t)
	seedApproved(t, host, 2)
	ctx := context.Background()

	res, err := sendMessages(host)(ctx, makeCallToolRequest("send_messages", map[string]interface{}{"dry_run": true}))
	require.NoError(t, err)
	require.False(t, res.IsError, toolText(t, res))
	out := decode[struct {
		Success bool `json:"success"`
		Sent    int  `json:"sent"`
	}](t, res)
	assert.True(t, out.Success)
	assert.Equal(t, 2, out.Sent)

	msg, err := host.Services().Repo.GetMessage(ctx, "m01")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageApproved, msg.Status)
}

func TestAgentDecide(t *testing.T) {
	host := newTestHost(t)
	ctx := context.Background()

	t.Run("store snapshot", func(t *testing.T) {
		seedApproved(t, host, 1)
		res, err := agentDecide(host)(ctx, makeCallToolRequest("agent_decide", nil))
		require.NoError(t, err)
		out := decode[struct {
			Decision domain.Decision `json:"decision"`
		}](t, res)
		assert.Equal(t, domain.ActionSendMessages, out.Decision.Action)
	})

	t.Run("supplied snapshot", func(t *testing.T) {
		res, err := agentDecide(host)(ctx, makeCallToolRequest("agent_decide", map[string]interface{}{
			"snapshot": `{"messages":{"PENDING":3}}`,
		}))
		require.NoError(t, err)
		out := decode[struct {
			Decision domain.Decision `json:"decision"`
		}](t, res)
		assert.Equal(t, domain.ActionReviewMessages, out.Decision.Action)
	})

	t.Run("malformed snapshot", func(t *testing.T) {
		res, err := agentDecide(host)(ctx, makeCallToolRequest("agent_decide", map[string]interface{}{"snapshot": "{"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, toolText(t, res), "invalid snapshot")
	})
}

func TestBatchDecide(t *testing.T) {
	host := newTestHost(t)
	ctx := context.Background()

	res, err := batchDecide(host)(ctx, makeCallToolRequest("batch_decide", map[string]interface{}{
		"snapshots": `[{"messages":{"APPROVED":1}},{}]`,
	}))
	require.NoError(t, err)
	out := decode[struct {
		Decisions []domain.Decision `json:"decisions"`
	}](t, res)
	require.Len(t, out.Decisions, 2)
	assert.Equal(t, domain.ActionSendMessages, out.Decisions[0].Action)
	assert.Equal(t, domain.ActionWait, out.Decisions[1].Action)

	res, err = batchDecide(host)(ctx, makeCallToolRequest("batch_decide", map[string]interface{}{"lead_status": "LOST"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestGetStatsAndRunCycle(t *testing.T) {
	host := newTestHost(t)
	seedApproved(t, host, 2)
	ctx := context.Background()

	res, err := getStats(host)(ctx, makeCallToolRequest("get_stats", nil))
	require.NoError(t, err)
	stats := decode[struct {
		Inventory     int `json:"inventory"`
		TotalLeads    int `json:"total_leads"`
		TotalMessages int `json:"total_messages"`
	}](t, res)
	assert.Equal(t, 0, stats.Inventory, "messaged leads are not inventory")
	assert.Equal(t, 1, stats.TotalLeads)
	assert.Equal(t, 2, stats.TotalMessages)

	res, err = runCycle(host)(ctx, makeCallToolRequest("run_cycle", map[string]interface{}{"dry_run": false}))
	require.NoError(t, err)
	require.False(t, res.IsError, toolText(t, res))
	var out struct {
		RunID   string            `json:"run_id"`
		Action  domain.Action     `json:"action"`
		Summary *delivery.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(t, res)), &out))
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, domain.ActionSendMessages, out.Action)
	require.NotNil(t, out.Summary)
	assert.Equal(t, 2, out.Summary.Sent)

	contents, err := recentRunsResource(host)(ctx, mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "leadez://runs/recent"}})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, out.RunID)
}
