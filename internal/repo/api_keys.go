package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"leadez/internal/domain"
)

const apiKeyColumns = "id, actor_id, COALESCE(name,''), key_hash, scopes_json, created_at"

// HashAPIKey is the lookup form of a key; plaintext keys are never stored.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) execIn(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// InsertAPIKey stores key, whose KeyHash is already HashAPIKey of the secret.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("api key id required")
	case key.ActorID == "":
		return errors.New("api key actor_id required")
	case key.KeyHash == "":
		return errors.New("api key hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = r.now()
	}
	scopes := toJSONArray(key.Scopes)
	if scopes == nil {
		scopes = "[]"
	}
	query, args, err := builder.Insert("api_keys").
		Columns("id", "actor_id", "name", "key_hash", "scopes_json", "created_at").
		Values(key.ID, key.ActorID, nullable(key.Name), key.KeyHash, scopes, key.CreatedAt).
		ToSql()
	if err != nil {
		return err
	}
	_, err = r.execIn(tx).ExecContext(ctx, query, args...)
	return err
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row, err := r.queryRow(ctx, builder.Select(apiKeyColumns).From("api_keys").Where(sq.Eq{"key_hash": hash}).Limit(1))
	if err != nil {
		return domain.APIKey{}, err
	}
	return scanAPIKey(row)
}

// ListAPIKeys returns every key, newest first.
func (r Repo) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := r.queryRows(ctx, builder.Select(apiKeyColumns).From("api_keys").OrderBy("created_at DESC", "rowid DESC"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes a key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("api key id required")
	}
	query, args, err := builder.Delete("api_keys").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var key domain.APIKey
	var scopes sql.NullString
	err := row.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &scopes, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	key.Scopes = fromJSONArray(scopes)
	return key, nil
}
