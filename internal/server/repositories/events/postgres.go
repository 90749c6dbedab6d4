// Package events provides the PostgreSQL repository for analytics event
// rows.
package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
	"github.com/lib/pq"
)

// FirstID sorts before every UUID and starts a keyset scan.
const FirstID = "00000000-0000-0000-0000-000000000000"

const selectColumns = `id, schema_version, event_type, subject_hash, properties, contains_pii,
		platform, occurred_at, created_at, expires_at, idempotency_token`

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, e *models.Event) (bool, error) {
	query := `
		INSERT INTO analytics_events (id, schema_version, event_type, subject_hash, properties,
			contains_pii, platform, occurred_at, created_at, expires_at, idempotency_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (idempotency_token) WHERE idempotency_token IS NOT NULL
		DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		e.ID, e.SchemaVersion, e.EventType, e.SubjectHash, []byte(e.Properties),
		e.ContainsPII, e.Platform, e.OccurredAt, e.CreatedAt, e.ExpiresAt, e.IdempotencyToken)
	if err != nil {
		return false, fmt.Errorf("db error: %w", dbx.Classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected rows affected: %d", n)
	}
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Event, error) {
	query := `SELECT ` + selectColumns + ` FROM analytics_events WHERE id = $1`
	return r.one(ctx, query, id)
}

func (r *PostgresRepository) FindByIdempotencyToken(ctx context.Context, token string) (*models.Event, error) {
	query := `SELECT ` + selectColumns + ` FROM analytics_events WHERE idempotency_token = $1`
	return r.one(ctx, query, token)
}

func (r *PostgresRepository) one(ctx context.Context, query string, args ...any) (*models.Event, error) {
	item, err := scanEvent(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", dbx.Classify(err))
	}
	return item, nil
}

func (r *PostgresRepository) ListBySubject(ctx context.Context, subjectHash string, limit int) ([]*models.Event, error) {
	query := `SELECT ` + selectColumns + ` FROM analytics_events
		WHERE subject_hash = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	return r.list(ctx, query, subjectHash, limit)
}

func (r *PostgresRepository) ListByTypeAndRange(ctx context.Context, eventType string, from, to time.Time, limit int) ([]*models.Event, error) {
	query := `SELECT ` + selectColumns + ` FROM analytics_events
		WHERE event_type = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at, id
		LIMIT $4`
	return r.list(ctx, query, eventType, from, to, limit)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select events: %w", dbx.Classify(err))
	}
	defer rows.Close()

	var result []*models.Event
	for rows.Next() {
		item, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, dbx.Classify(err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*models.Event, error) {
	var item models.Event
	var props []byte
	if err := s.Scan(
		&item.ID, &item.SchemaVersion, &item.EventType, &item.SubjectHash, &props, &item.ContainsPII,
		&item.Platform, &item.OccurredAt, &item.CreatedAt, &item.ExpiresAt, &item.IdempotencyToken,
	); err != nil {
		return nil, err
	}
	item.Properties = props
	return &item, nil
}

func (r *PostgresRepository) SelectExpired(ctx context.Context, now time.Time, afterID string, limit int) ([]string, error) {
	query := `SELECT id FROM analytics_events
		WHERE expires_at <= $1 AND id > $2
		ORDER BY id
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, now, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired events: %w", dbx.Classify(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, dbx.Classify(err)
	}
	return ids, nil
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `DELETE FROM analytics_events WHERE id = ANY($1::uuid[]) AND expires_at <= $2`
	res, err := r.db.ExecContext(ctx, query, pq.Array(ids), now)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", dbx.Classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) DeleteSubjectBatch(ctx context.Context, subjectHash string, limit int) (int64, error) {
	query := `DELETE FROM analytics_events WHERE id IN (
			SELECT id FROM analytics_events WHERE subject_hash = $1 ORDER BY id LIMIT $2
		)`
	res, err := r.db.ExecContext(ctx, query, subjectHash, limit)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", dbx.Classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
