// Package pipeline runs the orchestration cycle: snapshot the store, decide the
// next action, execute it and record the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"leadez/internal/decision"
	"leadez/internal/delivery"
	"leadez/internal/domain"
)

// Outcome statuses.
const (
	StatusCompleted        = "completed"
	StatusIdle             = "idle"
	StatusSkipped          = "skipped"
	StatusFailed           = "failed"
	StatusCancelled        = "cancelled"
	StatusStoreUnavailable = "store_unavailable"
)

const recordTimeout = 5 * time.Second

// StatsSource supplies the aggregate counts a decision is made from.
type StatsSource interface {
	Snapshot(ctx context.Context, minConfidence int) (domain.Snapshot, error)
}

// Collaborator executes a non-delivery action, usually a remote tool.
type Collaborator interface {
	Execute(ctx context.Context, d domain.Decision) (map[string]any, error)
}

// CollaboratorFunc adapts a function to Collaborator.
type CollaboratorFunc func(ctx context.Context, d domain.Decision) (map[string]any, error)

func (f CollaboratorFunc) Execute(ctx context.Context, d domain.Decision) (map[string]any, error) {
	return f(ctx, d)
}

// OutcomeRecorder persists what a cycle did.
type OutcomeRecorder interface {
	Record(ctx context.Context, o Outcome) error
}

// QueueFactory returns the delivery queue a send cycle drains. It may hand back
// a long-lived queue that already holds staged messages.
type QueueFactory func() (*delivery.Queue, error)

// Outcome describes one cycle.
type Outcome struct {
	RunID       string            `json:"run_id"`
	Action      domain.Action     `json:"action"`
	Status      string            `json:"status"`
	Decision    domain.Decision   `json:"decision"`
	Snapshot    domain.Snapshot   `json:"snapshot"`
	Summary     *delivery.Summary `json:"summary,omitempty"`
	Result      map[string]any    `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Sent returns the delivered count, zero when nothing was sent.
func (o Outcome) Sent() int {
	if o.Summary == nil {
		return 0
	}
	return o.Summary.Sent
}

func (o Outcome) Failed() int {
	if o.Summary == nil {
		return 0
	}
	return o.Summary.Failed
}

// Deps wires the loop's collaborators.
type Deps struct {
	Stats         StatsSource
	Engine        decision.Engine
	NewQueue      QueueFactory
	Sender        delivery.Sender
	Collaborators map[domain.Action]Collaborator
	Recorder      OutcomeRecorder
	DryRun        bool
	Logger        *slog.Logger
	Now           func() time.Time
}

// Loop holds no state across cycles; everything is re-derived from the store.
type Loop struct {
	stats         StatsSource
	engine        decision.Engine
	newQueue      QueueFactory
	sender        delivery.Sender
	collaborators map[domain.Action]Collaborator
	recorder      OutcomeRecorder
	dryRun        bool
	log           *slog.Logger
	now           func() time.Time
}

func New(deps Deps) (*Loop, error) {
	if deps.Stats == nil {
		return nil, &domain.ConfigurationError{Field: "stats", Reason: "is required"}
	}
	if deps.NewQueue == nil {
		return nil, &domain.ConfigurationError{Field: "queue", Reason: "factory is required"}
	}
	if deps.Sender == nil && !deps.DryRun {
		return nil, &domain.ConfigurationError{Field: "sender", Reason: "is required unless dry_run"}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if deps.Engine.Thresholds() == (decision.Thresholds{}) {
		deps.Engine, _ = decision.New(decision.DefaultThresholds())
	}
	return &Loop{
		stats:         deps.Stats,
		engine:        deps.Engine,
		newQueue:      deps.NewQueue,
		sender:        deps.Sender,
		collaborators: deps.Collaborators,
		recorder:      deps.Recorder,
		dryRun:        deps.DryRun,
		log:           logger.With("component", "pipeline"),
		now:           now,
	}, nil
}

// Decide snapshots the store and returns the next decision without executing it.
func (l *Loop) Decide(ctx context.Context) (domain.Decision, domain.Snapshot, error) {
	snap, err := l.stats.Snapshot(ctx, l.engine.Thresholds().MinConfidenceScore)
	if err != nil {
		return domain.Decision{}, snap, domain.StoreError("snapshot", err)
	}
	return l.engine.Decide(snap), snap, nil
}

// Cycle runs one snapshot, decide, execute and record iteration. A snapshot failure
// yields StatusStoreUnavailable and an error matching domain.ErrStoreUnavailable;
// it is never reported as an idle cycle.
func (l *Loop) Cycle(ctx context.Context) (Outcome, error) {
	out := Outcome{RunID: uuid.NewString(), StartedAt: l.now().UTC()}

	d, snap, err := l.Decide(ctx)
	if err != nil {
		out.Status = StatusStoreUnavailable
		out.Error = err.Error()
		out.CompletedAt = l.now().UTC()
		l.log.Error("snapshot failed", "run_id", out.RunID, "error", err)
		return out, err
	}
	out.Snapshot = snap
	out.Decision = d
	out.Action = d.Action

	execErr := l.execute(ctx, d, &out)
	out.CompletedAt = l.now().UTC()
	if execErr != nil {
		out.Error = execErr.Error()
	}
	if out.Status == StatusIdle {
		l.log.Info("pipeline idle", "reason", d.Reason)
		return out, execErr
	}
	l.log.Info("cycle finished", "run_id", out.RunID, "action", out.Action, "status", out.Status,
		"sent", out.Sent(), "failed", out.Failed(), "error", execErr)
	if recErr := l.record(ctx, out); recErr != nil {
		l.log.Warn("record outcome failed", "run_id", out.RunID, "error", recErr)
		return out, errors.Join(execErr, recErr)
	}
	return out, execErr
}

func (l *Loop) execute(ctx context.Context, d domain.Decision, out *Outcome) error {
	switch d.Action {
	case domain.ActionWait:
		out.Status = StatusIdle
		return nil
	case domain.ActionSendMessages:
		return l.send(ctx, out)
	case domain.ActionReviewMessages, domain.ActionGenerateMessages, domain.ActionEnrichLeads, domain.ActionGenerateLeads:
		c, ok := l.collaborators[d.Action]
		if !ok || c == nil {
			out.Status = StatusSkipped
			l.log.Warn("no collaborator for action", "action", d.Action)
			return nil
		}
		res, err := c.Execute(ctx, d)
		out.Result = res
		if err != nil {
			out.Status = statusFor(ctx, err)
			return fmt.Errorf("%s: %w", d.Action, err)
		}
		out.Status = StatusCompleted
		return nil
	default:
		out.Status = StatusFailed
		return fmt.Errorf("unknown action %q", d.Action)
	}
}

func (l *Loop) send(ctx context.Context, out *Outcome) error {
	q, err := l.newQueue()
	if err != nil {
		out.Status = StatusFailed
		return fmt.Errorf("build queue: %w", err)
	}
	if _, err := q.FetchBatch(ctx, delivery.Filter{Status: domain.MessageApproved}); err != nil {
		out.Status = statusFor(ctx, err)
		return err
	}
	summary, err := q.ProcessWithRateLimit(ctx, l.sender, l.dryRun)
	out.Summary = &summary
	if err != nil {
		out.Status = statusFor(ctx, err)
		return err
	}
	out.Status = StatusCompleted
	return nil
}

func statusFor(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, domain.ErrStoreUnavailable):
		return StatusStoreUnavailable
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return StatusCancelled
	default:
		return StatusFailed
	}
}

func (l *Loop) record(ctx context.Context, out Outcome) error {
	if l.recorder == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	return l.recorder.Record(rctx, out)
}

// Run executes a cycle immediately and then once per interval until ctx is done.
// Cycle errors are logged; the next tick retries.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	l.log.Info("orchestration loop started", "interval", interval, "dry_run", l.dryRun)
	err := RunEvery(ctx, interval, l.log, l.Cycle)
	l.log.Info("orchestration loop stopped")
	return err
}

// RunEvery calls cycle immediately and then once per interval until ctx is done,
// returning ctx.Err(). A failed cycle is logged and retried on the next tick.
func RunEvery(ctx context.Context, interval time.Duration, log *slog.Logger, cycle func(context.Context) (Outcome, error)) error {
	if interval <= 0 {
		return &domain.ConfigurationError{Field: "cycle_interval", Reason: "must be positive"}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if out, err := cycle(ctx); err != nil && ctx.Err() == nil {
			log.Error("cycle failed", "run_id", out.RunID, "action", out.Action, "status", out.Status, "error", err)
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}
