// Package mcpserver exposes the delivery queue and decision engine as MCP tools,
// so an agent host can drive the pipeline over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"leadez/internal/app"
	"leadez/internal/delivery"
	"leadez/internal/domain"
)

const recentRuns = 10

// New creates an MCP server with every leadez tool registered on host.
func New(host *app.Host, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"leadez",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("leadez: outreach delivery queue and next-action decisions."),
		server.WithRecovery(),
	)

	overrides := []mcp.ToolOption{
		mcp.WithNumber("batch_size", mcp.Description("Messages fetched per batch")),
		mcp.WithNumber("max_per_minute", mcp.Description("Send rate limit")),
		mcp.WithNumber("min_threshold", mcp.Description("Refill when the queue drops below this")),
		mcp.WithNumber("max_retries", mcp.Description("Attempts before a message is FAILED")),
	}
	filter := []mcp.ToolOption{
		mcp.WithString("status", mcp.Description("Message status to fetch (default APPROVED)"),
			mcp.Enum("PENDING", "APPROVED", "REJECTED", "SENT", "FAILED")),
		mcp.WithString("channel", mcp.Description("Only this channel"), mcp.Enum("email", "linkedin")),
		mcp.WithNumber("limit", mcp.Description("Cap a single fetch below the free queue capacity")),
	}

	s.AddTool(
		mcp.NewTool("fetch_batch", append(append([]mcp.ToolOption{
			mcp.WithDescription("Stage stored messages on the delivery queue, oldest first, without duplicates."),
		}, filter...), overrides...)...),
		fetchBatch(host),
	)

	s.AddTool(
		mcp.NewTool("process_queue",
			mcp.WithDescription("Send staged messages under the rate limit, retrying failures and refilling from the store."),
			mcp.WithBoolean("dry_run", mcp.Description("Count as sent without calling the sender or writing the store")),
			mcp.WithNumber("max_dispatch", mcp.Description("Stop after this many sends (0 is unbounded)")),
		),
		processQueue(host),
	)

	s.AddTool(
		mcp.NewTool("send_messages", append(append([]mcp.ToolOption{
			mcp.WithDescription("Fetch and send in one call."),
			mcp.WithBoolean("dry_run", mcp.Description("Count as sent without calling the sender or writing the store")),
		}, filter...), overrides...)...),
		sendMessages(host),
	)

	s.AddTool(
		mcp.NewTool("agent_decide",
			mcp.WithDescription("Decide the next pipeline action from the store counts, or from a supplied snapshot."),
			mcp.WithString("snapshot", mcp.Description("Optional snapshot JSON: {\"leads\":{...},\"messages\":{...},\"enriched_qualified\":n}")),
		),
		agentDecide(host),
	)

	s.AddTool(
		mcp.NewTool("batch_decide",
			mcp.WithDescription("Decide for several snapshots, or per lead ordered by priority when none are given."),
			mcp.WithString("snapshots", mcp.Description("Optional JSON array of snapshots")),
			mcp.WithString("lead_status", mcp.Description("Per-lead mode: only leads in this status"),
				mcp.Enum("NEW", "GENERATED", "ENRICHED", "MESSAGED")),
			mcp.WithNumber("limit", mcp.Description("Per-lead mode: maximum leads (default 50)")),
		),
		batchDecide(host),
	)

	s.AddTool(
		mcp.NewTool("get_stats",
			mcp.WithDescription("Store counts, inventory and delivery queue state."),
		),
		getStats(host),
	)

	s.AddTool(
		mcp.NewTool("run_cycle",
			mcp.WithDescription("Run one snapshot, decide, execute and record cycle."),
			mcp.WithBoolean("dry_run", mcp.Description("Send nothing and write no message updates")),
		),
		runCycle(host),
	)

	s.AddResource(
		mcp.NewResource(
			"leadez://runs/recent",
			"Recent pipeline runs",
			mcp.WithResourceDescription("Last 10 recorded orchestration cycles"),
			mcp.WithMIMEType("application/json"),
		),
		recentRunsResource(host),
	)

	return s
}

// Serve runs the MCP server over the given streams until ctx is done.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	err := server.NewStdioServer(s).Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func fetchBatch(host *app.Host) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n, status, err := host.Fetch(ctx, filterFrom(req), overridesFrom(req))
		if err != nil {
			return mcpError(err), nil
		}
		return mcpJSON(map[string]any{"fetched": n, "queue": status})
	}
}

func processQueue(host *app.Host) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dryRun := req.GetBool("dry_run", host.Services().Config.Pipeline.DryRun)
		summary, err := host.Process(ctx, dryRun, req.GetInt("max_dispatch", 0))
		if err != nil {
			return mcpError(err), nil
		}
		return mcpJSON(summary)
	}
}

func sendMessages(host *app.Host) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dryRun := req.GetBool("dry_run", host.Services().Config.Pipeline.DryRun)
		summary, err := host.SendMessages(ctx, filterFrom(req), overridesFrom(req), dryRun)
		if err != nil {
			return mcpError(err), nil
		}
		return mcpJSON(map[string]any{"success": true, "sent": summary.Sent, "failed": summary.Failed, "summary": summary})
	}
}

func agentDecide(host *app.Host) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		svc := host.Services()
		var snap domain.Snapshot
		if raw := req.GetString("snapshot", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &snap); err != nil {
				return mcpError(fmt.Errorf("invalid snapshot: %w", err)), nil
			}
		} else {
			s, err := svc.Snapshot(ctx)
			if err != nil {
				return mcpError(err), nil
			}
			snap = s
		}
		return mcpJSON(map[string]any{"decision": svc.Engine.Decide(snap), "snapshot": snap})
	}
}

func batchDecide(host *app.Host) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		svc := host.Services()
		if raw := req.GetString("snapshots", ""); raw != "" {
			var snaps []domain.Snapshot
			if err := json.Unmarshal([]byte(raw), &snaps); err != nil {
				return mcpError(fmt.Errorf("invalid snapshots: %w", err)), nil
			}
			return mcpJSON(map[string]any{"decisions": svc.Engine.BatchDecide(snaps)})
		}
		status := req.GetString("lead_status", "")
		if status != "" {
			if _, err := domain.ParseLeadStatus(status); err != nil {
				return mcpError(err), nil
			}
		}
		limit := req.GetInt("limit", 50)
		if limit <= 0 {
			limit = 50
		}
		leads, err := svc.DecideLeads(ctx, domain.LeadStatus(status), limit)
		if err != nil {
			return mcpError(err), nil
		}
		return mcpJSON(map[string]any{"leads": leads})
	}
}

func getStats(host *app.Host) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snap, err := host.Services().Snapshot(ctx)
		if err != nil {
			return mcpError(err), nil
		}
		return mcpJSON(map[string]any{
			"snapshot":       snap,
			"inventory":      snap.Inventory(),
			"total_leads":    snap.TotalLeads(),
			"total_messages": snap.TotalMessages(),
			"queue":          host.Status(),
		})
	}
}

func runCycle(host *app.Host) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dryRun := req.GetBool("dry_run", host.Services().Config.Pipeline.DryRun)
		out, err := host.Cycle(ctx, dryRun)
		if err != nil && out.RunID == "" {
			return mcpError(err), nil
		}
		res, jerr := mcpJSON(out)
		if jerr != nil {
			return nil, jerr
		}
		res.IsError = err != nil
		return res, nil
	}
}

func recentRunsResource(host *app.Host) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := host.Services().Repo.ListRuns(ctx, "", recentRuns)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}
		if runs == nil {
			runs = []domain.PipelineRun{}
		}
		b, err := json.Marshal(runs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func filterFrom(req mcp.CallToolRequest) delivery.Filter {
	return delivery.Filter{
		Status:  domain.MessageStatus(req.GetString("status", "")),
		Channel: domain.Channel(req.GetString("channel", "")),
		Limit:   req.GetInt("limit", 0),
	}
}

func overridesFrom(req mcp.CallToolRequest) app.QueueOverrides {
	return app.QueueOverrides{
		BatchSize:    req.GetInt("batch_size", 0),
		MaxPerMinute: req.GetInt("max_per_minute", 0),
		MinThreshold: req.GetInt("min_threshold", 0),
		MaxRetries:   req.GetInt("max_retries", 0),
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: err.Error()},
		},
		IsError: true,
	}
}
