package repo

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"leadez/internal/domain"
)

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.PipelineRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pipeline_runs(id,action,status,messages_sent,messages_failed,error_message,started_at,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		run.ID, string(run.Action), run.Status, run.Sent, run.Failed, nullable(run.ErrorMessage), run.StartedAt, run.CompletedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.PipelineRun, error) {
	runs, err := r.listRuns(ctx, builder.Select(runColumns).From("pipeline_runs").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.PipelineRun{}, err
	}
	if len(runs) == 0 {
		return domain.PipelineRun{}, ErrNotFound
	}
	return runs[0], nil
}

// ListRuns returns the most recent runs first, optionally filtered by action.
func (r Repo) ListRuns(ctx context.Context, action domain.Action, limit int) ([]domain.PipelineRun, error) {
	q := builder.Select(runColumns).From("pipeline_runs").OrderBy("started_at DESC", "rowid DESC")
	if action != "" {
		q = q.Where(sq.Eq{"action": string(action)})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return r.listRuns(ctx, q)
}

const runColumns = "id,action,status,messages_sent,messages_failed,error_message,started_at,completed_at"

func (r Repo) listRuns(ctx context.Context, q sq.Sqlizer) ([]domain.PipelineRun, error) {
	rows, err := r.queryRows(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PipelineRun
	for rows.Next() {
		var run domain.PipelineRun
		var action string
		var errMsg, completed sql.NullString
		if err := rows.Scan(&run.ID, &action, &run.Status, &run.Sent, &run.Failed, &errMsg, &run.StartedAt, &completed); err != nil {
			return nil, err
		}
		run.Action = domain.Action(action)
		run.ErrorMessage = errMsg.String
		if completed.Valid {
			run.CompletedAt = &completed.String
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
