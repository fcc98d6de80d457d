// Package files persists uploaded file records in PostgreSQL.
package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/dmitrijs2005/mediaingest/internal/dbx"
	"github.com/dmitrijs2005/mediaingest/internal/server/models"
	"github.com/google/uuid"
)

// ContentHashIndex keeps one completed record per content hash and project.
const ContentHashIndex = "uploaded_files_completed_hash_key"

const fileColumns = `id, project_id, upload_id, name, size, mime_type, status, storage_kind,
	location, bucket, content_hash, link_token, created_at, completed_at`

// PostgresRepository implements file storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateUploading inserts an uploading record. A retried post-create for the
// same upload id hits the unique upload_id and leaves the first row intact.
func (r *PostgresRepository) CreateUploading(ctx context.Context, file *models.UploadedFile) (bool, error) {
	query := insertQuery() + ` ON CONFLICT (upload_id) DO NOTHING`

	file.Status = models.FileStatusUploading
	res, err := r.db.ExecContext(ctx, query, insertArgs(file)...)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

// Create inserts a record as is, typically already completed. A completed
// record whose content hash is already stored in the project yields
// common.ErrDuplicateContent.
func (r *PostgresRepository) Create(ctx context.Context, file *models.UploadedFile) error {
	if _, err := r.db.ExecContext(ctx, insertQuery(), insertArgs(file)...); err != nil {
		if dbx.IsUniqueViolationOf(err, ContentHashIndex) {
			return fmt.Errorf("%w: %s", common.ErrDuplicateContent, file.ContentHash)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkCompleted(ctx context.Context, uploadID, location, bucket string, at time.Time) (bool, error) {
	query := `UPDATE uploaded_files SET status='completed', location=$2, bucket=$3, completed_at=$4
		WHERE upload_id=$1 AND status='uploading'`
	return r.transition(ctx, query, uploadID, location, bucket, at)
}

func (r *PostgresRepository) MarkCancelled(ctx context.Context, uploadID string) (bool, error) {
	query := `UPDATE uploaded_files SET status='cancelled'
		WHERE upload_id=$1 AND status='uploading'`
	return r.transition(ctx, query, uploadID)
}

func (r *PostgresRepository) transition(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// FindByHash returns the oldest completed record with the given content hash
// in the project. An empty projectID matches records without a project.
func (r *PostgresRepository) FindByHash(ctx context.Context, projectID, hash string) (*models.UploadedFile, error) {
	query := `SELECT ` + fileColumns + ` FROM uploaded_files
		WHERE project_id IS NOT DISTINCT FROM $1 AND content_hash=$2 AND status='completed'
		ORDER BY created_at LIMIT 1`
	return scanFile(r.db.QueryRowContext(ctx, query, dbx.NullString(projectID), hash))
}

func (r *PostgresRepository) GetByUploadID(ctx context.Context, uploadID string) (*models.UploadedFile, error) {
	query := `SELECT ` + fileColumns + ` FROM uploaded_files WHERE upload_id=$1`
	return scanFile(r.db.QueryRowContext(ctx, query, uploadID))
}

func insertQuery() string {
	return `INSERT INTO uploaded_files (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
}

func insertArgs(f *models.UploadedFile) []any {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	var completedAt sql.NullTime
	if f.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *f.CompletedAt, Valid: true}
	}
	return []any{
		f.ID, dbx.NullString(f.ProjectID), dbx.NullString(f.UploadID), f.Name, f.Size, f.MimeType,
		string(f.Status), string(f.StorageKind), f.Location, f.Bucket,
		dbx.NullString(f.ContentHash), dbx.NullString(f.LinkToken), f.CreatedAt, completedAt,
	}
}

func scanFile(row *sql.Row) (*models.UploadedFile, error) {
	var (
		f                                models.UploadedFile
		projectID, uploadID, hash, token sql.NullString
		status, kind                     string
		completedAt                      sql.NullTime
	)
	err := row.Scan(&f.ID, &projectID, &uploadID, &f.Name, &f.Size, &f.MimeType, &status, &kind,
		&f.Location, &f.Bucket, &hash, &token, &f.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to select files: %w", err)
	}
	f.ProjectID = projectID.String
	f.UploadID = uploadID.String
	f.ContentHash = hash.String
	f.LinkToken = token.String
	f.Status = models.FileStatus(status)
	f.StorageKind = models.StorageKind(kind)
	if completedAt.Valid {
		t := completedAt.Time
		f.CompletedAt = &t
	}
	return &f, nil
}
