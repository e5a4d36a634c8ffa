package pipeline

import (
	"context"
	"time"

	"leadez/internal/domain"
	"leadez/internal/events"
	"leadez/internal/repo"
)

// RepoRecorder writes a pipeline_runs row and a pipeline.cycle event in one transaction.
type RepoRecorder struct {
	Repo    repo.Repo
	Events  events.Writer
	ActorID string
}

func (r RepoRecorder) Record(ctx context.Context, o Outcome) error {
	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreError("record outcome", err)
	}
	defer tx.Rollback()

	completed := o.CompletedAt.UTC().Format(time.RFC3339)
	run := domain.PipelineRun{
		ID:           o.RunID,
		Action:       o.Action,
		Status:       o.Status,
		Sent:         o.Sent(),
		Failed:       o.Failed(),
		ErrorMessage: o.Error,
		StartedAt:    o.StartedAt.UTC().Format(time.RFC3339),
		CompletedAt:  &completed,
	}
	if err := r.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.StoreError("insert run", err)
	}
	payload := events.Payload{
		"action": string(o.Action),
		"status": o.Status,
		"reason": o.Decision.Reason,
	}
	if o.Summary != nil {
		payload["summary"] = o.Summary
	}
	if o.Result != nil {
		payload["result"] = o.Result
	}
	if err := r.Events.Append(ctx, tx, events.TypeCycle, "pipeline_run", o.RunID, r.ActorID, payload); err != nil {
		return domain.StoreError("append cycle event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.StoreError("commit outcome", err)
	}
	return nil
}
