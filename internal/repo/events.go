package repo

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"leadez/internal/domain"
)

type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	Cursor     int64
	Limit      int
}

// LatestEvents returns events newest first; Cursor restricts to ids below it.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	q := builder.Select("id,ts,type,entity_kind,entity_id,actor_id,payload_json").From("events")
	if f.Type != "" {
		q = q.Where(sq.Eq{"type": f.Type})
	}
	if f.EntityKind != "" {
		q = q.Where(sq.Eq{"entity_kind": f.EntityKind})
	}
	if f.EntityID != "" {
		q = q.Where(sq.Eq{"entity_id": f.EntityID})
	}
	if f.Cursor > 0 {
		q = q.Where(sq.Lt{"id": f.Cursor})
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q = q.OrderBy("id DESC").Limit(uint64(limit))
	rows, err := r.queryRows(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}
