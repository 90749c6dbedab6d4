// Package fields provides the PostgreSQL repository for protected field
// values sealed by fieldcipher.
package fields

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
)

// FirstID sorts before every UUID and starts a rotation scan.
const FirstID = "00000000-0000-0000-0000-000000000000"

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, f *models.ProtectedField) error {
	query := `
		INSERT INTO protected_fields (id, field_name, ciphertext, lookup_hash, key_version)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query, f.ID, f.FieldName, f.Ciphertext, f.LookupHash, int64(f.KeyVersion)).
		Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", dbx.Classify(err))
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.ProtectedField, error) {
	query := `SELECT id, field_name, ciphertext, lookup_hash, key_version, created_at, updated_at
		FROM protected_fields WHERE id = $1`
	return r.one(ctx, query, id)
}

func (r *PostgresRepository) FindByLookupHash(ctx context.Context, fieldName string, lookupHash []byte) (*models.ProtectedField, error) {
	query := `SELECT id, field_name, ciphertext, lookup_hash, key_version, created_at, updated_at
		FROM protected_fields WHERE field_name = $1 AND lookup_hash = $2`
	return r.one(ctx, query, fieldName, lookupHash)
}

func (r *PostgresRepository) one(ctx context.Context, query string, args ...any) (*models.ProtectedField, error) {
	item, err := scanField(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", dbx.Classify(err))
	}
	return item, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanField(s scanner) (*models.ProtectedField, error) {
	var item models.ProtectedField
	var version int64
	if err := s.Scan(&item.ID, &item.FieldName, &item.Ciphertext, &item.LookupHash, &version,
		&item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	item.KeyVersion = uint32(version)
	return &item, nil
}

func (r *PostgresRepository) SelectForRotation(ctx context.Context, target uint32, afterID string, limit int) ([]*models.ProtectedField, error) {
	query := `SELECT id, field_name, ciphertext, lookup_hash, key_version, created_at, updated_at
		FROM protected_fields
		WHERE key_version <> $1 AND id > $2
		ORDER BY id
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, int64(target), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select fields: %w", dbx.Classify(err))
	}
	defer rows.Close()

	var result []*models.ProtectedField
	for rows.Next() {
		item, err := scanField(rows)
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

func (r *PostgresRepository) CompareAndSwapCiphertext(ctx context.Context, id string, old, updated []byte, version uint32) (bool, error) {
	query := `
		UPDATE protected_fields
		SET ciphertext = $3, key_version = $4, updated_at = now()
		WHERE id = $1 AND ciphertext = $2
	`
	res, err := r.db.ExecContext(ctx, query, id, old, updated, int64(version))
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
