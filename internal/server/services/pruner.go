package services

import (
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
	"github.com/dmitrijs2005/gophvault/internal/server/lease"
	"github.com/dmitrijs2005/gophvault/internal/server/metrics"
	eventsrepo "github.com/dmitrijs2005/gophvault/internal/server/repositories/events"
	"github.com/dmitrijs2005/gophvault/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

// PruneState is the observable phase of the pruner.
type PruneState int32

const (
	PruneIdle PruneState = iota
	PruneScanning
	PruneDeleting
)

func (s PruneState) String() string {
	switch s {
	case PruneScanning:
		return "scanning"
	case PruneDeleting:
		return "deleting"
	default:
		return "idle"
	}
}

const pruneLeaseName = "retention-prune"

// ReportSink stores JSON job reports. reports.S3Store implements it.
type ReportSink interface {
	Put(ctx context.Context, key string, body []byte) error
}

type PruneOptions struct {
	DryRun bool
	// BatchSize overrides the configured batch size when positive.
	BatchSize int
}

// RowFailure names a row an operation could not process. It carries the
// row id and the error text only.
type RowFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// PruneReport summarizes one sweep. It never contains subject hashes or
// properties.
type PruneReport struct {
	RunID      string       `json:"run_id"`
	DryRun     bool         `json:"dry_run"`
	Cutoff     time.Time    `json:"cutoff"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Batches    int          `json:"batches"`
	Matched    int64        `json:"matched"`
	Deleted    int64        `json:"deleted"`
	SampleIDs  []string     `json:"sample_ids,omitempty"`
	Failures   []RowFailure `json:"failures,omitempty"`
}

type PrunerConfig struct {
	BatchSize      int
	MaxReportedIDs int
	LeaseTTL       time.Duration
}

func (c *PrunerConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.MaxReportedIDs < 0 {
		c.MaxReportedIDs = 0
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Minute
	}
}

// Pruner deletes expired events in bounded batches. Runs are single-flight
// within the process and, through the Locker, across instances.
type Pruner struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	locker      lease.Locker
	sink        ReportSink
	cfg         PrunerConfig
	state       atomic.Int32
	log         logging.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewPruner builds a Pruner. locker and sink may be nil.
func NewPruner(db *sql.DB, rm repomanager.RepositoryManager, locker lease.Locker, sink ReportSink,
	cfg PrunerConfig, log logging.Logger, m *metrics.Metrics) *Pruner {
	cfg.setDefaults()
	return &Pruner{
		db:          db,
		repomanager: rm,
		locker:      locker,
		sink:        sink,
		cfg:         cfg,
		log:         log.With("component", "pruner"),
		metrics:     m,
		now:         time.Now,
	}
}

func (p *Pruner) State() PruneState {
	return PruneState(p.state.Load())
}

func (p *Pruner) setState(s PruneState) {
	p.state.Store(int32(s))
}

// Run sweeps events with expires_at <= now. It is safe to re-run after an
// interruption: already deleted rows are simply not found again. Rows that
// fail to delete are listed in the report and retried on the next run.
// The lease is extended before every batch; a run that loses it stops with
// lease.ErrLost.
func (p *Pruner) Run(ctx context.Context, opts PruneOptions) (PruneReport, error) {
	if !p.state.CompareAndSwap(int32(PruneIdle), int32(PruneScanning)) {
		return PruneReport{}, common.ErrSweepInProgress
	}
	defer p.setState(PruneIdle)

	var lock *lease.Lock
	if p.locker != nil {
		var ok bool
		var err error
		lock, ok, err = p.locker.TryLock(ctx, pruneLeaseName, p.cfg.LeaseTTL)
		if err != nil {
			return PruneReport{}, fmt.Errorf("acquire prune lease: %w", err)
		}
		if !ok {
			return PruneReport{}, common.ErrSweepInProgress
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				p.log.Warn(ctx, "prune lease release failed", "error", err)
			}
		}()
	}

	batch := p.cfg.BatchSize
	if opts.BatchSize > 0 {
		batch = opts.BatchSize
	}
	start := time.Now()
	report := PruneReport{RunID: uuid.NewString(), DryRun: opts.DryRun, Cutoff: p.now().UTC(), StartedAt: start.UTC()}
	p.log.Info(ctx, "prune started", "run_id", report.RunID, "dry_run", opts.DryRun, "batch_size", batch)

	err := p.sweep(ctx, lock, &report, batch)
	report.FinishedAt = time.Now().UTC()
	p.metrics.ObservePrune(start)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		p.log.Error(ctx, "prune aborted", "run_id", report.RunID, "deleted", report.Deleted, "error", err)
	case len(report.Failures) > 0:
		outcome = "partial"
		p.log.Warn(ctx, "prune finished with row failures", "run_id", report.RunID,
			"deleted", report.Deleted, "failures", len(report.Failures))
	default:
		p.log.Info(ctx, "prune finished", "run_id", report.RunID, "matched", report.Matched, "deleted", report.Deleted)
	}
	p.metrics.PruneRuns.WithLabelValues(outcome).Inc()
	p.publish(ctx, report)
	return report, err
}

func (p *Pruner) sweep(ctx context.Context, lock *lease.Lock, report *PruneReport, batch int) error {
	repo := p.repomanager.Events(p.db)
	cursor := eventsrepo.FirstID

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lock != nil && report.Batches > 0 {
			if err := lock.Extend(ctx, p.cfg.LeaseTTL); err != nil {
				return fmt.Errorf("extend prune lease: %w", err)
			}
		}
		p.setState(PruneScanning)
		ids, err := repo.SelectExpired(ctx, report.Cutoff, cursor, batch)
		if err != nil {
			return fmt.Errorf("scan expired events: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		cursor = ids[len(ids)-1]
		report.Batches++
		report.Matched += int64(len(ids))

		if report.DryRun {
			for _, id := range ids {
				if len(report.SampleIDs) >= p.cfg.MaxReportedIDs {
					break
				}
				report.SampleIDs = append(report.SampleIDs, id)
			}
		} else {
			p.setState(PruneDeleting)
			if err := p.deleteBatch(ctx, repo, report, ids); err != nil {
				return err
			}
		}

		if len(ids) < batch {
			return nil
		}
	}
}

func (p *Pruner) deleteBatch(ctx context.Context, repo eventsrepo.Repository, report *PruneReport, ids []string) error {
	n, err := repo.DeleteExpired(ctx, ids, report.Cutoff)
	if err == nil {
		report.Deleted += n
		p.metrics.PruneDeleted.Add(float64(n))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.log.Warn(ctx, "batch delete failed, deleting rows one by one", "rows", len(ids), "error", err)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := repo.DeleteExpired(ctx, []string{id}, report.Cutoff)
		if err != nil {
			report.Failures = append(report.Failures, RowFailure{ID: id, Error: err.Error()})
			p.metrics.PruneFailures.Inc()
			continue
		}
		report.Deleted += n
		p.metrics.PruneDeleted.Add(float64(n))
	}
	return nil
}

func (p *Pruner) publish(ctx context.Context, report PruneReport) {
	if p.sink == nil {
		return
	}
	body, err := json.Marshal(report)
	if err != nil {
		p.log.Error(ctx, "encode prune report", "error", err)
		return
	}
	key := fmt.Sprintf("prune/%s/%s.json", report.StartedAt.Format("2006/01/02"), report.RunID)
	if err := p.sink.Put(context.WithoutCancel(ctx), key, body); err != nil {
		p.log.Error(ctx, "publish prune report", "run_id", report.RunID, "error", err)
	}
}

// PurgeSubject deletes every event of subjectHash regardless of expiry.
func (p *Pruner) PurgeSubject(ctx context.Context, subjectHash string) (int64, error) {
	if !events.ValidSubjectHash(subjectHash) {
		return 0, common.NewFieldError(common.ErrSchemaViolation, "subject_hash", "must be 64 lowercase hex characters")
	}
	repo := p.repomanager.Events(p.db)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := repo.DeleteSubjectBatch(ctx, subjectHash, p.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("purge subject: %w", err)
		}
		total += n
		if n < int64(p.cfg.BatchSize) {
			break
		}
	}
	p.log.Info(ctx, "subject purged", "deleted", total)
	return total, nil
}

// Schedule runs a sweep every interval until ctx is done.
func (p *Pruner) Schedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := p.Run(ctx, PruneOptions{})
			switch {
			case errors.Is(err, common.ErrSweepInProgress):
				p.log.Info(ctx, "prune skipped, another sweep holds the lease")
			case err != nil && ctx.Err() == nil:
				p.log.Error(ctx, "scheduled prune failed", "error", err)
			}
		}
	}
}
