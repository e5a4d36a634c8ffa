package repo

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"leadez/internal/domain"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countByStatus(ctx context.Context, db querier, table string) (map[string]int, error) {
	query, args, err := builder.Select("status", "COUNT(*)").From(table).GroupBy("status").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var c int
		if err := rows.Scan(&status, &c); err != nil {
			return nil, err
		}
		counts[status] = c
	}
	return counts, rows.Err()
}

func leadCounts(ctx context.Context, db querier) (map[domain.LeadStatus]int, error) {
	raw, err := countByStatus(ctx, db, "leads")
	if err != nil {
		return nil, err
	}
	out := make(map[domain.LeadStatus]int, len(domain.LeadStatuses))
	for _, s := range domain.LeadStatuses {
		out[s] = raw[string(s)]
	}
	return out, nil
}

func messageCounts(ctx context.Context, db querier) (map[domain.MessageStatus]int, error) {
	raw, err := countByStatus(ctx, db, "messages")
	if err != nil {
		return nil, err
	}
	out := make(map[domain.MessageStatus]int, len(domain.MessageStatuses))
	for _, s := range domain.MessageStatuses {
		out[s] = raw[string(s)]
	}
	return out, nil
}

func (r Repo) CountLeadsByStatus(ctx context.Context) (map[domain.LeadStatus]int, error) {
	return leadCounts(ctx, r.DB)
}

func (r Repo) CountMessagesByStatus(ctx context.Context) (map[domain.MessageStatus]int, error) {
	return messageCounts(ctx, r.DB)
}

// Snapshot aggregates lead and message counts, splitting ENRICHED leads at
// minConfidence. All counts come from one read transaction.
func (r Repo) Snapshot(ctx context.Context, minConfidence int) (domain.Snapshot, error) {
	snap := domain.NewSnapshot()
	snap.MinConfidenceScore = minConfidence
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return snap, err
	}
	defer tx.Rollback()
	leads, err := leadCounts(ctx, tx)
	if err != nil {
		return snap, err
	}
	msgs, err := messageCounts(ctx, tx)
	if err != nil {
		return snap, err
	}
	query, args, err := builder.Select("COUNT(*)").From("leads").Where(sq.And{
		sq.Eq{"status": string(domain.LeadEnriched)},
		sq.GtOrEq{"confidence_score": minConfidence},
	}).ToSql()
	if err != nil {
		return snap, err
	}
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&snap.EnrichedQualified); err != nil {
		return snap, err
	}
	if err := tx.Commit(); err != nil {
		return snap, err
	}
	snap.Leads = leads
	snap.Messages = msgs
	snap.EnrichedBelow = leads[domain.LeadEnriched] - snap.EnrichedQualified
	return snap, nil
}

// LeadsWithMessages returns a page of leads with their messages grouped by lead id.
func (r Repo) LeadsWithMessages(ctx context.Context, f LeadFilter) ([]domain.Lead, map[string][]domain.Message, error) {
	leads, _, err := r.ListLeads(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	if len(leads) == 0 {
		return leads, map[string][]domain.Message{}, nil
	}
	ids := make([]string, len(leads))
	for i, l := range leads {
		ids[i] = l.ID
	}
	msgs, err := r.collectMessages(ctx, selectMessages().Where(sq.Eq{"m.lead_id": ids}).OrderBy("m.created_at ASC"))
	if err != nil {
		return nil, nil, err
	}
	byLead := make(map[string][]domain.Message, len(leads))
	for _, m := range msgs {
		byLead[m.LeadID] = append(byLead[m.LeadID], m)
	}
	return leads, byLead, nil
}
