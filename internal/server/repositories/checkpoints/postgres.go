// Package checkpoints stores rotation high-water marks so an interrupted
// rotation resumes where it stopped.
package checkpoints

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
)

type Repository interface {
	Get(ctx context.Context, target uint32) (*models.RotationCheckpoint, error)
	Save(ctx context.Context, cp *models.RotationCheckpoint) error
}

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, target uint32) (*models.RotationCheckpoint, error) {
	query := `SELECT target_version, COALESCE(last_id::text, ''), rewritten, skipped, completed, updated_at
		FROM rotation_checkpoints WHERE target_version = $1`

	var cp models.RotationCheckpoint
	var version int64
	err := r.db.QueryRowContext(ctx, query, int64(target)).
		Scan(&version, &cp.LastID, &cp.Rewritten, &cp.Skipped, &cp.Completed, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", dbx.Classify(err))
	}
	cp.TargetVersion = uint32(version)
	return &cp, nil
}

// Save upserts cp. An empty LastID is stored as NULL.
func (r *PostgresRepository) Save(ctx context.Context, cp *models.RotationCheckpoint) error {
	query := `
		INSERT INTO rotation_checkpoints (target_version, last_id, rewritten, skipped, completed, updated_at)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, now())
		ON CONFLICT (target_version)
		DO UPDATE SET
			last_id = EXCLUDED.last_id,
			rewritten = EXCLUDED.rewritten,
			skipped = EXCLUDED.skipped,
			completed = EXCLUDED.completed,
			updated_at = EXCLUDED.updated_at
	`
	res, err := r.db.ExecContext(ctx, query, int64(cp.TargetVersion), cp.LastID, cp.Rewritten, cp.Skipped, cp.Completed)
	if err != nil {
		return fmt.Errorf("db error: %w", dbx.Classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
	return nil
}
