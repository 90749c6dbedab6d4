package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/fieldcipher"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/server/metrics"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
	checkpointsrepo "github.com/dmitrijs2005/gophvault/internal/server/repositories/checkpoints"
	fieldsrepo "github.com/dmitrijs2005/gophvault/internal/server/repositories/fields"
	"github.com/dmitrijs2005/gophvault/internal/server/repositories/repomanager"
	"golang.org/x/time/rate"
)

// RotateOptions drives one rotation run towards TargetVersion.
type RotateOptions struct {
	TargetVersion uint32
	// Checkpoint restarts the scan after this row id, overriding the stored
	// checkpoint.
	Checkpoint string
	BatchSize  int
	// Rate limits rows per second. Zero means unlimited.
	Rate float64
}

// RotationReport summarizes a run. Checkpoint is the last processed row id
// and can be passed back to resume.
type RotationReport struct {
	TargetVersion uint32
	Rewritten     int64
	Skipped       int64
	Checkpoint    string
	Completed     bool
	Failures      []RowFailure
}

// Rotator re-encrypts protected fields under the current key version.
type Rotator struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	cipher      *fieldcipher.Cipher
	batchSize   int
	log         logging.Logger
	metrics     *metrics.Metrics
	withTx      func(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error
}

func NewRotator(db *sql.DB, rm repomanager.RepositoryManager, cipher *fieldcipher.Cipher, batchSize int,
	log logging.Logger, m *metrics.Metrics) *Rotator {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Rotator{
		db:          db,
		repomanager: rm,
		cipher:      cipher,
		batchSize:   batchSize,
		log:         log.With("component", "rotator"),
		metrics:     m,
		withTx: func(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
			return dbx.WithTx(ctx, db, nil, fn)
		},
	}
}

// Rotate rewrites every row whose key version differs from TargetVersion.
// Each batch commits its rewrites together with its checkpoint, so an
// interrupted run resumes after the last committed batch. A row changed
// concurrently is skipped rather than overwritten. Rows that fail to
// decrypt are reported and left as they are.
func (r *Rotator) Rotate(ctx context.Context, opts RotateOptions) (RotationReport, error) {
	if opts.TargetVersion == 0 {
		return RotationReport{}, errors.New("target key version is required")
	}
	batch := r.batchSize
	if opts.BatchSize > 0 {
		batch = opts.BatchSize
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	limiter := rate.NewLimiter(limit, batch)

	checkpoints := r.repomanager.Checkpoints(r.db)
	fields := r.repomanager.Fields(r.db)

	cp, err := checkpoints.Get(ctx, opts.TargetVersion)
	switch {
	case errors.Is(err, common.ErrNotFound):
		cp = &models.RotationCheckpoint{TargetVersion: opts.TargetVersion}
	case err != nil:
		return RotationReport{}, fmt.Errorf("load rotation checkpoint: %w", err)
	}
	if opts.Checkpoint != "" {
		cp.LastID = opts.Checkpoint
		cp.Completed = false
	}

	report := RotationReport{TargetVersion: opts.TargetVersion, Rewritten: cp.Rewritten, Skipped: cp.Skipped, Checkpoint: cp.LastID}
	if cp.Completed {
		report.Completed = true
		r.log.Info(ctx, "rotation already completed", "target_version", opts.TargetVersion)
		return report, nil
	}

	r.log.Info(ctx, "rotation started", "target_version", opts.TargetVersion, "batch_size", batch)
	cursor := cp.LastID
	if cursor == "" {
		cursor = fieldsrepo.FirstID
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rows, err := fields.SelectForRotation(ctx, opts.TargetVersion, cursor, batch)
		if err != nil {
			return report, fmt.Errorf("scan protected fields: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		if err := limiter.WaitN(ctx, len(rows)); err != nil {
			return report, err
		}

		next := report
		next.Failures = append([]RowFailure(nil), report.Failures...)
		err = r.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
			fields := r.repomanager.Fields(tx)
			for _, row := range rows {
				if err := r.rotateRow(ctx, fields, row, opts.TargetVersion, &next); err != nil {
					return err
				}
				next.Checkpoint = row.ID
			}
			return r.saveCheckpoint(ctx, r.repomanager.Checkpoints(tx), &next, false)
		})
		if err != nil {
			r.log.Error(ctx, "rotation batch rolled back", "after_id", cursor, "error", err)
			return report, err
		}
		r.metrics.FieldsRotated.Add(float64(next.Rewritten - report.Rewritten))
		r.metrics.RotationSkipped.Add(float64(next.Skipped - report.Skipped))
		report = next
		cursor = report.Checkpoint
		if len(rows) < batch {
			break
		}
	}

	if err := r.saveCheckpoint(ctx, checkpoints, &report, true); err != nil {
		return report, err
	}
	report.Completed = true
	r.log.Info(ctx, "rotation finished", "target_version", opts.TargetVersion,
		"rewritten", report.Rewritten, "skipped", report.Skipped, "failures", len(report.Failures))
	return report, nil
}

// rotateRow reseals one row through repo. Counters in report are applied
// by the caller once the batch commits.
func (r *Rotator) rotateRow(ctx context.Context, repo fieldsrepo.Repository, row *models.ProtectedField,
	target uint32, report *RotationReport) error {
	f := fieldcipher.Field{Name: row.FieldName}
	out, changed, err := r.cipher.Reseal(ctx, f, row.Ciphertext, target)
	switch {
	case errors.Is(err, common.ErrDecryptionFailed):
		r.log.Error(ctx, "row cannot be decrypted, leaving it in place", "id", row.ID, "field", row.FieldName)
		report.Failures = append(report.Failures, RowFailure{ID: row.ID, Error: err.Error()})
		return nil
	case err != nil:
		return fmt.Errorf("rotate %s: %w", row.ID, err)
	case !changed:
		return nil
	}

	swapped, err := repo.CompareAndSwapCiphertext(ctx, row.ID, row.Ciphertext, out, target)
	if err != nil {
		return fmt.Errorf("rotate %s: %w", row.ID, err)
	}
	if !swapped {
		report.Skipped++
		return nil
	}
	report.Rewritten++
	return nil
}

func (r *Rotator) saveCheckpoint(ctx context.Context, repo checkpointsrepo.Repository, report *RotationReport, completed bool) error {
	cp := &models.RotationCheckpoint{
		TargetVersion: report.TargetVersion,
		LastID:        report.Checkpoint,
		Rewritten:     report.Rewritten,
		Skipped:       report.Skipped,
		Completed:     completed,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := repo.Save(context.WithoutCancel(ctx), cp); err != nil {
		return fmt.Errorf("save rotation checkpoint: %w", err)
	}
	return nil
}
