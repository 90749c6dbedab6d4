package fields

import (
	"context"

	"github.com/dmitrijs2005/gophvault/internal/server/models"
)

type Repository interface {
	// Create inserts f. A duplicate (field_name, lookup_hash) fails with
	// common.ErrUniqueViolation.
	Create(ctx context.Context, f *models.ProtectedField) error
	Get(ctx context.Context, id string) (*models.ProtectedField, error)
	FindByLookupHash(ctx context.Context, fieldName string, lookupHash []byte) (*models.ProtectedField, error)
	// SelectForRotation returns up to limit rows whose key_version differs
	// from target and id > afterID, ordered by id.
	SelectForRotation(ctx context.Context, target uint32, afterID string, limit int) ([]*models.ProtectedField, error)
	// CompareAndSwapCiphertext replaces the ciphertext only if it still
	// equals old. It returns false when another writer got there first.
	CompareAndSwapCiphertext(ctx context.Context, id string, old, updated []byte, version uint32) (bool, error)
}
