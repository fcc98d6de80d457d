// Package links stores upload links (capability tokens) in PostgreSQL.
package links

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/dmitrijs2005/mediaingest/internal/dbx"
	"github.com/dmitrijs2005/mediaingest/internal/server/models"
)

// PostgresRepository implements link storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByToken returns the link with the given token or common.ErrNotFound.
func (r *PostgresRepository) GetByToken(ctx context.Context, token string) (*models.UploadLink, error) {
	query := `SELECT id, token, project_id, expires_at, max_uses, used_count, is_active, created_at
		FROM upload_links WHERE token=$1`

	var (
		link    models.UploadLink
		maxUses sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, query, token).Scan(
		&link.ID, &link.Token, &link.ProjectID, &link.ExpiresAt, &maxUses, &link.UsedCount, &link.IsActive, &link.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if maxUses.Valid {
		v := int(maxUses.Int64)
		link.MaxUses = &v
	}
	return &link, nil
}

// Consume is a single conditional UPDATE guarded by the same predicate as
// models.UploadLink.Usable, so concurrent completions cannot lose updates
// or push used_count past max_uses.
func (r *PostgresRepository) Consume(ctx context.Context, token string, now time.Time) (bool, error) {
	query := `UPDATE upload_links SET used_count = used_count + 1
		WHERE token=$1 AND is_active AND expires_at > $2
		AND (max_uses IS NULL OR used_count < max_uses)
		RETURNING used_count`

	var used int
	if err := r.db.QueryRowContext(ctx, query, token, now).Scan(&used); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("db error: %w", err)
	}
	return true, nil
}

// Create inserts a new link. Duplicate tokens are reported as ErrValidation.
func (r *PostgresRepository) Create(ctx context.Context, link *models.UploadLink) error {
	query := `INSERT INTO upload_links (id, token, project_id, expires_at, max_uses, used_count, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	var maxUses any
	if link.MaxUses != nil {
		maxUses = int64(*link.MaxUses)
	}

	_, err := r.db.ExecContext(ctx, query,
		link.ID, link.Token, link.ProjectID, link.ExpiresAt, maxUses, link.UsedCount, link.IsActive)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return fmt.Errorf("%w: duplicate token", common.ErrValidation)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Deactivate clears is_active. Unknown tokens yield common.ErrNotFound.
func (r *PostgresRepository) Deactivate(ctx context.Context, token string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE upload_links SET is_active=false WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}
