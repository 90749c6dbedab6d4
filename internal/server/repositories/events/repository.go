package events

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/server/models"
)

// Repository persists analytics events. Implementations never update a row.
type Repository interface {
	// Insert stores e. It returns false without error when a row with the
	// same idempotency token already exists.
	Insert(ctx context.Context, e *models.Event) (bool, error)
	Get(ctx context.Context, id string) (*models.Event, error)
	FindByIdempotencyToken(ctx context.Context, token string) (*models.Event, error)
	ListBySubject(ctx context.Context, subjectHash string, limit int) ([]*models.Event, error)
	ListByTypeAndRange(ctx context.Context, eventType string, from, to time.Time, limit int) ([]*models.Event, error)

	// SelectExpired returns up to limit ids with expires_at <= now and
	// id > afterID, ordered by id.
	SelectExpired(ctx context.Context, now time.Time, afterID string, limit int) ([]string, error)
	// DeleteExpired deletes the given ids that are still expired at now.
	// Missing ids are ignored.
	DeleteExpired(ctx context.Context, ids []string, now time.Time) (int64, error)
	// DeleteSubjectBatch deletes up to limit rows of subjectHash.
	DeleteSubjectBatch(ctx context.Context, subjectHash string, limit int) (int64, error)
}
