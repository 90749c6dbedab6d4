package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/fieldcipher"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
	"github.com/dmitrijs2005/gophvault/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

// FieldVault stores individual sensitive values sealed by the field cipher.
// Searchable fields are unique per field name: storing an equal value twice
// fails with common.ErrUniqueViolation.
type FieldVault struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	cipher      *fieldcipher.Cipher
	log         logging.Logger
}

func NewFieldVault(db *sql.DB, rm repomanager.RepositoryManager, cipher *fieldcipher.Cipher, log logging.Logger) *FieldVault {
	return &FieldVault{db: db, repomanager: rm, cipher: cipher, log: log.With("component", "fieldvault")}
}

// Put seals value and returns the new row id.
func (v *FieldVault) Put(ctx context.Context, f fieldcipher.Field, value string) (string, error) {
	sealed, err := v.cipher.SealString(ctx, f, value)
	if err != nil {
		return "", err
	}
	column, err := sealed.MarshalBinary()
	if err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate field id: %w", err)
	}

	row := &models.ProtectedField{
		ID:         id.String(),
		FieldName:  f.Name,
		Ciphertext: column,
		LookupHash: sealed.LookupHash,
		KeyVersion: sealed.KeyVersion,
	}
	if err := v.repomanager.Fields(v.db).Create(ctx, row); err != nil {
		return "", fmt.Errorf("store %s: %w", f.Name, err)
	}
	v.log.Debug(ctx, "field stored", "field", f.Name, "key_version", sealed.KeyVersion)
	return row.ID, nil
}

// Get opens the value stored under id. The row must belong to f.
func (v *FieldVault) Get(ctx context.Context, f fieldcipher.Field, id string) (string, error) {
	row, err := v.repomanager.Fields(v.db).Get(ctx, id)
	if err != nil {
		return "", err
	}
	if row.FieldName != f.Name {
		return "", common.ErrNotFound
	}
	sealed, err := fieldcipher.Decode(row.Ciphertext, row.LookupHash)
	if err != nil {
		return "", err
	}
	return v.cipher.OpenString(ctx, f, sealed)
}

// FindByValue returns the id of the row holding candidate. Only searchable
// fields can be looked up.
func (v *FieldVault) FindByValue(ctx context.Context, f fieldcipher.Field, candidate string) (string, error) {
	if !f.Searchable {
		return "", fmt.Errorf("field %s is not searchable", f.Name)
	}
	hash, err := v.cipher.HashForLookup(f, candidate)
	if err != nil {
		return "", err
	}
	row, err := v.repomanager.Fields(v.db).FindByLookupHash(ctx, f.Name, hash)
	if err != nil {
		return "", err
	}
	return row.ID, nil
}
