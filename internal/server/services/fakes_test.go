package services

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
	checkpointsrepo "github.com/dmitrijs2005/gophvault/internal/server/repositories/checkpoints"
	eventsrepo "github.com/dmitrijs2005/gophvault/internal/server/repositories/events"
	fieldsrepo "github.com/dmitrijs2005/gophvault/internal/server/repositories/fields"
)

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

var errUnavailable = fmt.Errorf("db error: %w", common.ErrStorageUnavailable)

// --- events ---

type fakeEventsRepo struct {
	mu     sync.Mutex
	rows   map[string]*models.Event
	tokens map[string]string

	insertCalls int
	insertErrs  []error
	insertHook  func()
	// lostAcks commits the next inserts but reports them as unavailable.
	lostAcks int
	selectHook  func()

	failBatchDelete bool
	failIDs         map[string]bool
}

func newFakeEventsRepo() *fakeEventsRepo {
	return &fakeEventsRepo{rows: map[string]*models.Event{}, tokens: map[string]string{}, failIDs: map[string]bool{}}
}

func (f *fakeEventsRepo) seed(e *models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.rows[e.ID] = &cp
	if e.IdempotencyToken != nil {
		f.tokens[*e.IdempotencyToken] = e.ID
	}
}

func (f *fakeEventsRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeEventsRepo) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[id]
	return ok
}

func (f *fakeEventsRepo) sortedIDs() []string {
	ids := make([]string, 0, len(f.rows))
	for id := range f.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeEventsRepo) Insert(ctx context.Context, e *models.Event) (bool, error) {
	if f.insertHook != nil {
		f.insertHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if len(f.insertErrs) > 0 {
		err := f.insertErrs[0]
		f.insertErrs = f.insertErrs[1:]
		return false, err
	}
	if e.IdempotencyToken != nil {
		if _, ok := f.tokens[*e.IdempotencyToken]; ok {
			return false, nil
		}
	}
	if _, ok := f.rows[e.ID]; ok {
		return false, fmt.Errorf("db error: %w: analytics_events_pkey", common.ErrUniqueViolation)
	}
	if e.IdempotencyToken != nil {
		f.tokens[*e.IdempotencyToken] = e.ID
	}
	cp := *e
	f.rows[e.ID] = &cp
	if f.lostAcks > 0 {
		f.lostAcks--
		return false, errUnavailable
	}
	return true, nil
}

func (f *fakeEventsRepo) Get(ctx context.Context, id string) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeEventsRepo) FindByIdempotencyToken(ctx context.Context, token string) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.tokens[token]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *f.rows[id]
	return &cp, nil
}

func (f *fakeEventsRepo) ListBySubject(ctx context.Context, subjectHash string, limit int) ([]*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Event
	for _, id := range f.sortedIDs() {
		if r := f.rows[id]; r.SubjectHash == subjectHash && len(out) < limit {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeEventsRepo) ListByTypeAndRange(ctx context.Context, eventType string, from, to time.Time, limit int) ([]*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Event
	for _, id := range f.sortedIDs() {
		r := f.rows[id]
		if r.EventType == eventType && !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) && len(out) < limit {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeEventsRepo) SelectExpired(ctx context.Context, now time.Time, afterID string, limit int) ([]string, error) {
	if f.selectHook != nil {
		f.selectHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range f.sortedIDs() {
		if id > afterID && !f.rows[id].ExpiresAt.After(now) && len(out) < limit {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeEventsRepo) DeleteExpired(ctx context.Context, ids []string, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBatchDelete && len(ids) > 1 {
		return 0, errBoom{}
	}
	for _, id := range ids {
		if f.failIDs[id] {
			return 0, errBoom{}
		}
	}
	var n int64
	for _, id := range ids {
		if r, ok := f.rows[id]; ok && !r.ExpiresAt.After(now) {
			delete(f.rows, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeEventsRepo) DeleteSubjectBatch(ctx context.Context, subjectHash string, limit int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range f.sortedIDs() {
		if f.rows[id].SubjectHash == subjectHash && n < int64(limit) {
			delete(f.rows, id)
			n++
		}
	}
	return n, nil
}

// --- protected fields ---

type fakeFieldsRepo struct {
	mu      sync.Mutex
	rows    map[string]*models.ProtectedField
	casHook func(id string)
}

func newFakeFieldsRepo() *fakeFieldsRepo {
	return &fakeFieldsRepo{rows: map[string]*models.ProtectedField{}}
}

func (f *fakeFieldsRepo) row(id string) *models.ProtectedField {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.rows[id]
	return &cp
}

func (f *fakeFieldsRepo) set(id string, ciphertext []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].Ciphertext = ciphertext
}

func (f *fakeFieldsRepo) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.rows))
	for id := range f.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeFieldsRepo) Create(ctx context.Context, p *models.ProtectedField) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.LookupHash != nil {
		for _, r := range f.rows {
			if r.FieldName == p.FieldName && bytes.Equal(r.LookupHash, p.LookupHash) {
				return fmt.Errorf("db error: %w: protected_fields_lookup_key", common.ErrUniqueViolation)
			}
		}
	}
	cp := *p
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	f.rows[p.ID] = &cp
	return nil
}

func (f *fakeFieldsRepo) Get(ctx context.Context, id string) (*models.ProtectedField, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeFieldsRepo) FindByLookupHash(ctx context.Context, fieldName string, lookupHash []byte) (*models.ProtectedField, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.FieldName == fieldName && bytes.Equal(r.LookupHash, lookupHash) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, common.ErrNotFound
}

func (f *fakeFieldsRepo) SelectForRotation(ctx context.Context, target uint32, afterID string, limit int) ([]*models.ProtectedField, error) {
	var out []*models.ProtectedField
	for _, id := range f.ids() {
		r := f.row(id)
		if r.KeyVersion != target && id > afterID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeFieldsRepo) CompareAndSwapCiphertext(ctx context.Context, id string, old, updated []byte, version uint32) (bool, error) {
	if f.casHook != nil {
		f.casHook(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok || !bytes.Equal(r.Ciphertext, old) {
		return false, nil
	}
	r.Ciphertext = updated
	r.KeyVersion = version
	return true, nil
}

// --- checkpoints ---

type fakeCheckpointsRepo struct {
	mu    sync.Mutex
	rows  map[uint32]models.RotationCheckpoint
	saves int
}

func newFakeCheckpointsRepo() *fakeCheckpointsRepo {
	return &fakeCheckpointsRepo{rows: map[uint32]models.RotationCheckpoint{}}
}

func (f *fakeCheckpointsRepo) Get(ctx context.Context, target uint32) (*models.RotationCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.rows[target]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &cp, nil
}

func (f *fakeCheckpointsRepo) Save(ctx context.Context, cp *models.RotationCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.rows[cp.TargetVersion] = *cp
	return nil
}

// --- manager ---

type fakeRepoManager struct {
	e *fakeEventsRepo
	f *fakeFieldsRepo
	c *fakeCheckpointsRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{e: newFakeEventsRepo(), f: newFakeFieldsRepo(), c: newFakeCheckpointsRepo()}
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error       { return nil }
func (m *fakeRepoManager) Events(db dbx.DBTX) eventsrepo.Repository           { return m.e }
func (m *fakeRepoManager) Fields(db dbx.DBTX) fieldsrepo.Repository           { return m.f }
func (m *fakeRepoManager) Checkpoints(db dbx.DBTX) checkpointsrepo.Repository { return m.c }
