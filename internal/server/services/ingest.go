package services

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/events"
	"github.com/dmitrijs2005/gophvault/internal/fieldcipher"
)

// RawEvent is an event as a client submits it. SubjectID is the raw acting
// user or session id; it is hashed before anything is stored or logged.
type RawEvent struct {
	SchemaVersion    string         `json:"schema_version"`
	Event            string         `json:"event"`
	Timestamp        time.Time      `json:"timestamp"`
	SubjectID        string         `json:"subject_id"`
	Platform         string         `json:"platform"`
	Properties       map[string]any `json:"properties"`
	IdempotencyToken string         `json:"idempotency_token,omitempty"`
}

// EventAppender is the part of EventStore the ingestor needs.
type EventAppender interface {
	AppendBatch(ctx context.Context, subs []Submission) (int, []error)
}

// SubjectHasher derives the stored subject hash. fieldcipher.Cipher
// implements it.
type SubjectHasher interface {
	HashForLookup(f fieldcipher.Field, candidate string) ([]byte, error)
}

// Ingestor converts raw client events into submissions.
type Ingestor struct {
	store  EventAppender
	hasher SubjectHasher
}

func NewIngestor(store EventAppender, hasher SubjectHasher) *Ingestor {
	return &Ingestor{store: store, hasher: hasher}
}

// Ingest appends raws. The returned errors are aligned with raws.
func (i *Ingestor) Ingest(ctx context.Context, raws []RawEvent) (int, []error) {
	errs := make([]error, len(raws))
	subs := make([]Submission, 0, len(raws))
	index := make([]int, 0, len(raws))

	for n, raw := range raws {
		hash, err := i.hasher.HashForLookup(fieldcipher.SubjectField, raw.SubjectID)
		if err != nil {
			errs[n] = common.NewFieldError(common.ErrSchemaViolation, "subject_id", "required")
			continue
		}
		subs = append(subs, Submission{
			EventType:        raw.Event,
			SchemaVersion:    raw.SchemaVersion,
			SubjectHash:      hex.EncodeToString(hash),
			Properties:       raw.Properties,
			Platform:         events.Platform(raw.Platform),
			OccurredAt:       raw.Timestamp,
			IdempotencyToken: raw.IdempotencyToken,
		})
		index = append(index, n)
	}
	if len(subs) == 0 {
		return 0, errs
	}

	ok, batchErrs := i.store.AppendBatch(ctx, subs)
	for k, err := range batchErrs {
		errs[index[k]] = err
	}
	return ok, errs
}
