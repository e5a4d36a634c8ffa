package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"leadez/internal/domain"
)

const leadColumns = "id,full_name,company_name,role,industry,website,email,linkedin_url,country,status,company_size,persona_tag,pain_points_json,buying_triggers_json,confidence_score,created_at,updated_at"

type LeadFilter struct {
	Status    domain.LeadStatus
	SortBy    string
	SortOrder string
	Limit     int
	Offset    int
}

var leadSortColumns = map[string]string{
	"created_at":       "created_at",
	"updated_at":       "updated_at",
	"confidence_score": "confidence_score",
	"full_name":        "full_name",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (domain.Lead, error) {
	var l domain.Lead
	var industry, website, email, linkedin, country, size, persona, pains, triggers sql.NullString
	var score sql.NullInt64
	var status string
	err := row.Scan(&l.ID, &l.FullName, &l.CompanyName, &l.Role, &industry, &website, &email, &linkedin, &country,
		&status, &size, &persona, &pains, &triggers, &score, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Status = domain.LeadStatus(status)
	l.Industry = industry.String
	l.Website = website.String
	l.Email = email.String
	l.LinkedInURL = linkedin.String
	l.Country = country.String
	l.CompanySize = size.String
	l.PersonaTag = persona.String
	l.PainPoints = fromJSONArray(pains)
	l.BuyingTriggers = fromJSONArray(triggers)
	if score.Valid {
		s := int(score.Int64)
		l.ConfidenceScore = &s
	}
	return l, nil
}

// InsertLeads stores new leads, skipping duplicates by email, and returns the number inserted.
func (r Repo) InsertLeads(ctx context.Context, leads []domain.Lead) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	now := r.now()
	inserted := 0
	for _, l := range leads {
		if strings.TrimSpace(l.FullName) == "" || strings.TrimSpace(l.CompanyName) == "" {
			return 0, fmt.Errorf("lead full_name and company_name are required")
		}
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		if l.Status == "" {
			l.Status = domain.LeadNew
		}
		if !l.Status.Valid() {
			return 0, fmt.Errorf("invalid lead status %q", l.Status)
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO leads(`+leadColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			l.ID, l.FullName, l.CompanyName, l.Role, nullable(l.Industry), nullable(l.Website), nullable(l.Email),
			nullable(l.LinkedInURL), nullable(l.Country), string(l.Status), nullable(l.CompanySize), nullable(l.PersonaTag),
			toJSONArray(l.PainPoints), toJSONArray(l.BuyingTriggers), nullableInt(l.ConfidenceScore), now, now)
		if err != nil {
			return 0, fmt.Errorf("insert lead %s: %w", l.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r Repo) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	row, err := r.queryRow(ctx, builder.Select(leadColumns).From("leads").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.Lead{}, err
	}
	return scanLead(row)
}

// ListLeads returns one page of leads and the total matching the filter.
func (r Repo) ListLeads(ctx context.Context, f LeadFilter) ([]domain.Lead, int, error) {
	where := sq.And{}
	if f.Status != "" {
		where = append(where, sq.Eq{"status": string(f.Status)})
	}
	var total int
	countRow, err := r.queryRow(ctx, builder.Select("COUNT(*)").From("leads").Where(where))
	if err != nil {
		return nil, 0, err
	}
	if err := countRow.Scan(&total); err != nil {
		return nil, 0, err
	}

	sortCol, ok := leadSortColumns[f.SortBy]
	if f.SortBy == "" {
		sortCol, ok = "created_at", true
	}
	if !ok {
		return nil, 0, fmt.Errorf("invalid sort_by %q", f.SortBy)
	}
	order := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		order = "ASC"
	}
	q := builder.Select(leadColumns).From("leads").Where(where).OrderBy(sortCol+" "+order, "id "+order)
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	rows, err := r.queryRows(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, l)
	}
	return res, total, rows.Err()
}

// UpdateLeadStatus moves a lead to status and optionally records its confidence score.
func (r Repo) UpdateLeadStatus(ctx context.Context, id string, status domain.LeadStatus, score *int) error {
	if !status.Valid() {
		return fmt.Errorf("invalid lead status %q", status)
	}
	q := builder.Update("leads").Set("status", string(status)).Set("updated_at", r.now()).Where(sq.Eq{"id": id})
	if score != nil {
		q = q.Set("confidence_score", *score)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}
