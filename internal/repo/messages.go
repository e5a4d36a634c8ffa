package repo

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"leadez/internal/domain"
)

// Messages are read joined with their lead's contact fields; the join is a LEFT JOIN
// because lead_id is a weak reference.
const messageColumns = "m.id,m.lead_id,m.channel,m.variant,m.content,m.status,m.retry_count,m.error_message,m.sent_at,m.created_at," +
	"l.full_name,l.email,l.linkedin_url,l.company_name,l.role,m.rowid"

type MessageFilter struct {
	Status  domain.MessageStatus
	Channel domain.Channel
	LeadID  string
	Limit   int
	Offset  int
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	var channel, variant, status string
	var errMsg, sentAt, name, email, linkedin, company, role sql.NullString
	err := row.Scan(&m.ID, &m.LeadID, &channel, &variant, &m.Content, &status, &m.RetryCount, &errMsg, &sentAt, &m.CreatedAt,
		&name, &email, &linkedin, &company, &role, &m.Seq)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Channel = domain.Channel(channel)
	m.Variant = domain.Variant(variant)
	m.Status = domain.MessageStatus(status)
	m.ErrorMessage = errMsg.String
	if sentAt.Valid {
		m.SentAt = &sentAt.String
	}
	m.Recipient = domain.Recipient{
		Name:        name.String,
		Email:       email.String,
		LinkedInURL: linkedin.String,
		Company:     company.String,
		Role:        role.String,
	}
	return m, nil
}

func selectMessages() sq.SelectBuilder {
	return builder.Select(messageColumns).From("messages m").LeftJoin("leads l ON l.id = m.lead_id")
}

func (r Repo) collectMessages(ctx context.Context, q sq.Sqlizer) ([]domain.Message, error) {
	rows, err := r.queryRows(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// InsertMessages stores drafted messages and returns how many were inserted.
func (r Repo) InsertMessages(ctx context.Context, msgs []domain.Message) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	now := r.now()
	for i, m := range msgs {
		if m.LeadID == "" || m.Content == "" {
			return 0, fmt.Errorf("message lead_id and content are required")
		}
		if !m.Channel.Valid() {
			return 0, fmt.Errorf("invalid channel %q", m.Channel)
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Variant == "" {
			m.Variant = domain.VariantA
		}
		if m.Status == "" {
			m.Status = domain.MessagePending
		}
		if m.CreatedAt == "" {
			m.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO messages(id,lead_id,channel,variant,content,status,retry_count,error_message,sent_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			m.ID, m.LeadID, string(m.Channel), string(m.Variant), m.Content, string(m.Status), m.RetryCount,
			nullable(m.ErrorMessage), m.SentAt, m.CreatedAt); err != nil {
			return 0, fmt.Errorf("insert message %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	row, err := r.queryRow(ctx, selectMessages().Where(sq.Eq{"m.id": id}))
	if err != nil {
		return domain.Message{}, err
	}
	return scanMessage(row)
}

func (r Repo) ListMessages(ctx context.Context, f MessageFilter) ([]domain.Message, error) {
	q := selectMessages()
	if f.Status != "" {
		q = q.Where(sq.Eq{"m.status": string(f.Status)})
	}
	if f.Channel != "" {
		q = q.Where(sq.Eq{"m.channel": string(f.Channel)})
	}
	if f.LeadID != "" {
		q = q.Where(sq.Eq{"m.lead_id": f.LeadID})
	}
	q = q.OrderBy("m.created_at DESC", "m.id DESC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	return r.collectMessages(ctx, q)
}

// QueryMessages returns messages matching q in creation order, oldest first.
func (r Repo) QueryMessages(ctx context.Context, q domain.MessageQuery) ([]domain.Message, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	b := selectMessages()
	if q.Status != "" {
		b = b.Where(sq.Eq{"m.status": string(q.Status)})
	}
	if q.Channel != "" {
		b = b.Where(sq.Eq{"m.channel": string(q.Channel)})
	}
	if len(q.IDs) > 0 {
		b = b.Where(sq.Eq{"m.id": q.IDs})
	}
	if q.After != nil {
		b = b.Where(sq.Expr("(m.created_at, m.rowid) > (?, ?)", q.After.CreatedAt, q.After.Seq))
	}
	if len(q.ExcludeIDs) > 0 {
		b = b.Where(sq.NotEq{"m.id": q.ExcludeIDs})
	}
	b = b.OrderBy("m.created_at ASC", "m.rowid ASC").Limit(uint64(q.Limit))
	return r.collectMessages(ctx, b)
}

// BatchUpdateMessages applies updates in one transaction. Ids that matched no row,
// or whose row no longer holds the update's From status, are reported as missing.
func (r Repo) BatchUpdateMessages(ctx context.Context, updates []domain.MessageUpdate) (domain.UpdateResult, error) {
	var result domain.UpdateResult
	if len(updates) == 0 {
		return result, nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE messages SET status=?, retry_count=?, error_message=?, sent_at=COALESCE(?, sent_at) WHERE id=? AND (?='' OR status=?)`)
	if err != nil {
		return result, err
	}
	defer stmt.Close()
	for _, u := range updates {
		if !u.Status.Valid() {
			return domain.UpdateResult{}, fmt.Errorf("invalid message status %q for %s", u.Status, u.ID)
		}
		res, err := stmt.ExecContext(ctx, string(u.Status), u.RetryCount, nullable(u.ErrorMessage), u.SentAt, u.ID, string(u.From), string(u.From))
		if err != nil {
			return domain.UpdateResult{}, fmt.Errorf("update message %s: %w", u.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			result.Missing = append(result.Missing, u.ID)
			continue
		}
		result.Updated = append(result.Updated, u.ID)
	}
	if err := tx.Commit(); err != nil {
		return domain.UpdateResult{}, err
	}
	return result, nil
}

// SetMessageStatus is used for manual review transitions.
func (r Repo) SetMessageStatus(ctx context.Context, id string, from, to domain.MessageStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE messages SET status=? WHERE id=? AND status=?`, string(to), id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s not in status %s: %w", id, from, ErrNotFound)
	}
	return nil
}
