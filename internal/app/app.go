// Package app wires configuration, storage and adapters into the services the
// CLI, HTTP server and MCP server share.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"leadez/internal/config"
	"leadez/internal/db"
	"leadez/internal/decision"
	"leadez/internal/delivery"
	"leadez/internal/domain"
	"leadez/internal/events"
	"leadez/internal/migrate"
	"leadez/internal/pipeline"
	"leadez/internal/repo"
	"leadez/internal/sender"
	"leadez/internal/tools"
)

type Services struct {
	Workspace string
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Logger    *slog.Logger
	Engine    decision.Engine
	Sender    delivery.Sender
	Tools     *tools.Client
}

// Open opens and migrates the workspace database and builds every adapter from cfg.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := migrate.Apply(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s, err := Build(conn, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.Workspace = workspace
	return s, nil
}

// Build assembles services on an already migrated connection.
func Build(conn *sql.DB, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	engine, err := decision.New(Thresholds(cfg.Pipeline))
	if err != nil {
		return nil, err
	}
	snd, err := sender.FromConfig(cfg.Sender, logger.With("component", "sender"))
	if err != nil {
		return nil, err
	}
	s := &Services{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn},
		Config: cfg,
		Logger: logger,
		Engine: engine,
		Sender: snd,
	}
	if cfg.Tools.BaseURL != "" {
		s.Tools = tools.New(cfg.Tools.BaseURL, time.Duration(cfg.Tools.TimeoutSeconds)*time.Second)
	}
	return s, nil
}

func (s *Services) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Thresholds maps pipeline options to decision thresholds.
func Thresholds(p config.Pipeline) decision.Thresholds {
	return decision.Thresholds{
		MinConfidenceScore: p.MinConfidenceScore,
		LowWaterMark:       p.LowWaterMark,
		BatchSize:          p.BatchSize,
		LeadCount:          p.LeadCount,
		EnrichLimit:        p.EnrichLimit,
		GenerateWhenEmpty:  p.GenerateWhenEmpty,
	}
}

// QueueConfig maps pipeline options to delivery queue options.
func QueueConfig(p config.Pipeline) delivery.Config {
	return delivery.Config{
		BatchSize:      p.BatchSize,
		MaxPerMinute:   p.MaxPerMinute,
		MinThreshold:   p.MinThreshold,
		MaxRetries:     p.MaxRetries,
		FlushThreshold: p.FlushThreshold,
	}
}

// NewQueue builds a delivery queue over the repo with the configured sender.
func (s *Services) NewQueue(opts ...delivery.Option) (*delivery.Queue, error) {
	base := []delivery.Option{
		delivery.WithConfig(QueueConfig(s.Config.Pipeline)),
		delivery.WithLogger(s.Logger),
	}
	return delivery.New(s.Repo, s.Sender, append(base, opts...)...)
}

// Collaborators maps non-delivery actions to the tool client, when one is configured.
func (s *Services) Collaborators() map[domain.Action]pipeline.Collaborator {
	out := map[domain.Action]pipeline.Collaborator{}
	if s.Tools == nil {
		return out
	}
	for _, a := range []domain.Action{
		domain.ActionReviewMessages,
		domain.ActionGenerateMessages,
		domain.ActionEnrichLeads,
		domain.ActionGenerateLeads,
	} {
		out[a] = s.Tools
	}
	return out
}

// Loop builds the orchestration loop. dryRun overrides the configured value and
// opts apply to every queue the loop builds.
func (s *Services) Loop(dryRun bool, opts ...delivery.Option) (*pipeline.Loop, error) {
	return s.loop(dryRun, func() (*delivery.Queue, error) { return s.NewQueue(opts...) })
}

func (s *Services) loop(dryRun bool, newQueue pipeline.QueueFactory) (*pipeline.Loop, error) {
	return pipeline.New(pipeline.Deps{
		Stats:         s.Repo,
		Engine:        s.Engine,
		NewQueue:      newQueue,
		Sender:        s.Sender,
		Collaborators: s.Collaborators(),
		Recorder:      pipeline.RepoRecorder{Repo: s.Repo, Events: s.Events},
		DryRun:        dryRun,
		Logger:        s.Logger,
	})
}

// Snapshot reads the store counts at the configured confidence threshold.
func (s *Services) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	snap, err := s.Repo.Snapshot(ctx, s.Engine.Thresholds().MinConfidenceScore)
	if err != nil {
		return snap, domain.StoreError("snapshot", err)
	}
	return snap, nil
}

// LeadDecision is the per-lead form of a decision.
type LeadDecision struct {
	LeadID   string          `json:"lead_id"`
	Status   string          `json:"status"`
	Priority int             `json:"priority"`
	Decision domain.Decision `json:"decision"`
}

// LeadPriority scores l with decision.Priority.
func LeadPriority(l domain.Lead) int {
	confidence := 0
	if l.ConfidenceScore != nil {
		confidence = *l.ConfidenceScore
	}
	return decision.Priority(string(l.Status), confidence)
}

// DecideLeads evaluates each lead on its own snapshot and orders the result by
// descending priority; ties keep the listing order.
func (s *Services) DecideLeads(ctx context.Context, status domain.LeadStatus, limit int) ([]LeadDecision, error) {
	minConf := s.Engine.Thresholds().MinConfidenceScore
	leads, byLead, err := s.Repo.LeadsWithMessages(ctx, repo.LeadFilter{Status: status, Limit: limit})
	if err != nil {
		return nil, domain.StoreError("list leads", err)
	}
	snaps := make([]domain.Snapshot, len(leads))
	for i, l := range leads {
		snaps[i] = decision.LeadSnapshot(l, byLead[l.ID], minConf)
	}
	decisions := s.Engine.BatchDecide(snaps)
	out := make([]LeadDecision, len(leads))
	for i, l := range leads {
		out[i] = LeadDecision{
			LeadID:   l.ID,
			Status:   string(l.Status),
			Priority: LeadPriority(l),
			Decision: decisions[i],
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}
