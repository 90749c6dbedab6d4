package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/events"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/server/idempotency"
	"github.com/dmitrijs2005/gophvault/internal/server/metrics"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
	"github.com/dmitrijs2005/gophvault/internal/server/repositories/repomanager"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultListLimit    = 100
	maxListLimit        = 1000
	maxIdempotencyToken = 128
)

// Submission is a candidate event. SubjectHash must already be hashed; raw
// subject identifiers never reach the store.
type Submission struct {
	EventType        string
	SchemaVersion    string
	SubjectHash      string
	Properties       map[string]any
	Platform         events.Platform
	OccurredAt       time.Time
	IdempotencyToken string
}

// Receipt acknowledges an Append. Duplicate is set when the idempotency
// token had already been persisted; EventID then names the original row.
type Receipt struct {
	EventID     string
	ExpiresAt   time.Time
	ContainsPII bool
	Duplicate   bool
}

// EventStoreConfig tunes validation, retention and backpressure.
type EventStoreConfig struct {
	Mode      events.Mode
	Retention events.RetentionPolicy
	// Workers bounds the goroutines a single AppendBatch call uses.
	Workers int
	// MaxInFlight bounds concurrent appends across all callers.
	MaxInFlight int64
	// RejectWhenSaturated fails fast with common.ErrStoreSaturated instead
	// of queueing for a slot.
	RejectWhenSaturated bool
	RetryAttempts       uint64
	RetryBase           time.Duration
}

func (c *EventStoreConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 64
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 50 * time.Millisecond
	}
}

// EventStore validates and durably persists analytics events exactly once
// per idempotency token.
type EventStore struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	registry    *events.Registry
	guard       idempotency.Guard
	cfg         EventStoreConfig
	slots       *semaphore.Weighted
	log         logging.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	now         func() time.Time
}

// NewEventStore builds an EventStore. guard may be nil, in which case the
// unique index alone enforces idempotency.
func NewEventStore(db *sql.DB, rm repomanager.RepositoryManager, registry *events.Registry, guard idempotency.Guard,
	cfg EventStoreConfig, log logging.Logger, m *metrics.Metrics) (*EventStore, error) {
	if err := cfg.Retention.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &EventStore{
		db:          db,
		repomanager: rm,
		registry:    registry,
		guard:       guard,
		cfg:         cfg,
		slots:       semaphore.NewWeighted(cfg.MaxInFlight),
		log:         log.With("component", "eventstore"),
		metrics:     m,
		tracer:      otel.Tracer("github.com/dmitrijs2005/gophvault/internal/server/services"),
		now:         time.Now,
	}, nil
}

func (s *EventStore) acquire(ctx context.Context) error {
	if s.cfg.RejectWhenSaturated {
		if !s.slots.TryAcquire(1) {
			return common.ErrStoreSaturated
		}
	} else if err := s.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	s.metrics.AppendInFlight.Inc()
	return nil
}

func (s *EventStore) release() {
	s.metrics.AppendInFlight.Dec()
	s.slots.Release(1)
}

func checkSubmission(sub Submission) error {
	if !events.ValidSubjectHash(sub.SubjectHash) {
		return common.NewFieldError(common.ErrSchemaViolation, "subject_hash", "must be 64 lowercase hex characters")
	}
	if sub.Platform != "" && !sub.Platform.Valid() {
		return common.NewFieldError(common.ErrSchemaViolation, "platform", "unknown platform")
	}
	if len(sub.IdempotencyToken) > maxIdempotencyToken {
		return common.NewFieldError(common.ErrSchemaViolation, "idempotency_token", "too long")
	}
	return nil
}

// Append validates sub with the store's mode and persists it. A repeated
// idempotency token yields the original receipt with Duplicate set.
func (s *EventStore) Append(ctx context.Context, sub Submission) (Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.Append", trace.WithAttributes(attribute.String("event_type", sub.EventType)))
	defer span.End()

	receipt, err := s.append(ctx, sub)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(common.CodeOf(err)))
		s.metrics.EventsRejected.WithLabelValues(string(common.CodeOf(err))).Inc()
	}
	return receipt, err
}

func (s *EventStore) append(ctx context.Context, sub Submission) (Receipt, error) {
	if err := s.acquire(ctx); err != nil {
		return Receipt{}, err
	}
	defer s.release()
	defer s.metrics.ObserveAppend(time.Now())

	if err := checkSubmission(sub); err != nil {
		return Receipt{}, err
	}
	res, err := s.registry.Validate(sub.EventType, sub.SchemaVersion, sub.Properties, s.cfg.Mode)
	if err != nil {
		return Receipt{}, err
	}
	for _, f := range res.Findings {
		s.metrics.PIIMasked.WithLabelValues(f.Detector).Inc()
	}

	repo := s.repomanager.Events(s.db)
	token := sub.IdempotencyToken

	owned := false
	if token != "" && s.guard != nil {
		claimed, err := s.guard.Claim(ctx, token)
		switch {
		case err != nil:
			s.log.Warn(ctx, "idempotency guard unavailable, relying on unique index", "error", err)
		case claimed:
			owned = true
		default:
			r, err := s.existing(ctx, token)
			switch {
			case errors.Is(err, common.ErrDuplicateIdempotencyToken):
				s.metrics.EventsDuplicate.Inc()
				return r, nil
			case err != nil && !errors.Is(err, common.ErrNotFound):
				return Receipt{}, err
			}
		}
	}

	props, err := json.Marshal(res.Properties)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode properties: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Receipt{}, fmt.Errorf("generate event id: %w", err)
	}
	created := s.now().UTC()
	row := &models.Event{
		ID:            id.String(),
		SchemaVersion: res.Version,
		EventType:     sub.EventType,
		SubjectHash:   sub.SubjectHash,
		Properties:    props,
		ContainsPII:   res.ContainsPII,
		Platform:      string(sub.Platform),
		CreatedAt:     created,
		ExpiresAt:     created.Add(s.cfg.Retention.For(sub.EventType, res.Category, res.ContainsPII)),
	}
	if !sub.OccurredAt.IsZero() {
		t := sub.OccurredAt.UTC()
		row.OccurredAt = &t
	}
	if token != "" {
		row.IdempotencyToken = &token
	}

	var inserted, ambiguous bool
	backoff := retry.WithMaxRetries(s.cfg.RetryAttempts, retry.NewExponential(s.cfg.RetryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := repo.Insert(ctx, row)
		switch {
		case err == nil:
			inserted = ok
			return nil
		case errors.Is(err, common.ErrStorageUnavailable):
			ambiguous = true
			s.log.Warn(ctx, "event insert failed, retrying", "event_type", sub.EventType, "error", err)
			return retry.RetryableError(err)
		case ambiguous && errors.Is(err, common.ErrUniqueViolation):
			// An earlier attempt may have committed before its reply was lost.
			if _, gerr := repo.Get(ctx, row.ID); gerr == nil {
				inserted = true
				return nil
			}
			return err
		default:
			return err
		}
	})
	if err != nil {
		if owned {
			if rerr := s.guard.Release(context.WithoutCancel(ctx), token); rerr != nil {
				s.log.Warn(ctx, "idempotency claim release failed", "error", rerr)
			}
		}
		s.log.Error(ctx, "event insert failed", "event_type", sub.EventType, "error", err)
		return Receipt{}, fmt.Errorf("append %s: %w", sub.EventType, err)
	}

	if !inserted {
		r, err := s.existing(ctx, token)
		switch {
		case errors.Is(err, common.ErrNotFound):
			return Receipt{}, fmt.Errorf("append %s: token conflict without a stored row", sub.EventType)
		case !errors.Is(err, common.ErrDuplicateIdempotencyToken):
			return Receipt{}, err
		case r.EventID != row.ID:
			s.metrics.EventsDuplicate.Inc()
			return r, nil
		}
		// The token matched our own row from an attempt whose reply was lost.
	}

	s.metrics.EventsAppended.WithLabelValues(sub.EventType).Inc()
	s.log.Debug(ctx, "event appended", "event_type", sub.EventType, "contains_pii", res.ContainsPII)
	return Receipt{EventID: row.ID, ExpiresAt: row.ExpiresAt, ContainsPII: row.ContainsPII}, nil
}

// existing looks up the row stored under token. A hit comes back as
// common.ErrDuplicateIdempotencyToken together with the original receipt;
// callers turn it into a successful no-op.
func (s *EventStore) existing(ctx context.Context, token string) (Receipt, error) {
	e, err := s.repomanager.Events(s.db).FindByIdempotencyToken(ctx, token)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{EventID: e.ID, ExpiresAt: e.ExpiresAt, ContainsPII: e.ContainsPII, Duplicate: true},
		common.ErrDuplicateIdempotencyToken
}

// AppendBatch appends every submission independently. errs is aligned with
// subs; a nil entry means the event was persisted or acknowledged as a
// duplicate. Submissions not started before ctx is cancelled report
// ctx.Err(); committed rows stay committed.
func (s *EventStore) AppendBatch(ctx context.Context, subs []Submission) (int, []error) {
	errs := make([]error, len(subs))
	var ok atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i := range subs {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			if _, err := s.Append(ctx, subs[i]); err != nil {
				errs[i] = err
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load()), errs
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

// ListBySubject returns the newest events of a subject.
func (s *EventStore) ListBySubject(ctx context.Context, subjectHash string, limit int) ([]events.Event, error) {
	if !events.ValidSubjectHash(subjectHash) {
		return nil, common.NewFieldError(common.ErrSchemaViolation, "subject_hash", "must be 64 lowercase hex characters")
	}
	rows, err := s.repomanager.Events(s.db).ListBySubject(ctx, subjectHash, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return toEvents(rows)
}

// ListByTypeAndRange returns events of eventType created in [from, to).
func (s *EventStore) ListByTypeAndRange(ctx context.Context, eventType string, from, to time.Time, limit int) ([]events.Event, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("invalid range: %s is not after %s", to, from)
	}
	rows, err := s.repomanager.Events(s.db).ListByTypeAndRange(ctx, eventType, from, to, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return toEvents(rows)
}

func toEvents(rows []*models.Event) ([]events.Event, error) {
	out := make([]events.Event, 0, len(rows))
	for _, r := range rows {
		e := events.Event{
			ID:            r.ID,
			SchemaVersion: r.SchemaVersion,
			EventType:     r.EventType,
			SubjectHash:   r.SubjectHash,
			ContainsPII:   r.ContainsPII,
			Platform:      events.Platform(r.Platform),
			CreatedAt:     r.CreatedAt,
			ExpiresAt:     r.ExpiresAt,
		}
		if r.OccurredAt != nil {
			e.OccurredAt = *r.OccurredAt
		}
		if r.IdempotencyToken != nil {
			e.IdempotencyToken = *r.IdempotencyToken
		}
		if len(r.Properties) > 0 {
			dec := json.NewDecoder(bytes.NewReader(r.Properties))
			dec.UseNumber()
			if err := dec.Decode(&e.Properties); err != nil {
				return nil, fmt.Errorf("decode properties of %s: %w", r.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}
