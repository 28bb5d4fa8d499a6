// Package memory provides an in-process prescription store for local
// development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// Store keeps aggregates in memory. Writers to the same prescription are
// serialized by a per-aggregate lock; readers always see a committed copy.
type Store struct {
	mu      sync.RWMutex
	records map[int64]*prescription.Prescription
	locks   map[int64]*sync.Mutex
	events  []*prescription.Event

	nextPrescriptionID int64
	nextItemID         int64
	nextSubmissionID   int64

	// BeforeCommit runs between applying an update and publishing it.
	// Tests use it to widen the race window.
	BeforeCommit func(id int64)

	logger *zap.Logger
}

// NewStore creates an empty store
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		records: make(map[int64]*prescription.Prescription),
		locks:   make(map[int64]*sync.Mutex),
		logger:  logger,
	}
}

// Insert implements prescription.Store
func (s *Store) Insert(ctx context.Context, p *prescription.Prescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPrescriptionID++
	p.ID = s.nextPrescriptionID
	p.Status = prescription.StatusCreated
	for i := range p.Items {
		s.nextItemID++
		p.Items[i].ID = s.nextItemID
		p.Items[i].IsSubmitted = false
	}

	s.records[p.ID] = p.Clone()
	s.locks[p.ID] = &sync.Mutex{}
	s.drainEvents(p)
	return nil
}

// Update implements prescription.Store
func (s *Store) Update(ctx context.Context, id int64, fn prescription.UpdateFunc) (*prescription.Prescription, error) {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, prescription.ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current := s.records[id]
	working := current.Clone()
	s.mu.RUnlock()

	flags := make(map[int64]bool, len(current.Items))
	for _, it := range current.Items {
		flags[it.ID] = it.IsSubmitted
	}

	if err := fn(working); err != nil {
		return nil, err
	}

	if s.BeforeCommit != nil {
		s.BeforeCommit(id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Flags only move forward and status is always re-derived on write.
	for i := range working.Items {
		if flags[working.Items[i].ID] {
			working.Items[i].IsSubmitted = true
		}
	}
	working.Status = prescription.DeriveStatus(working.Items)
	for i := range working.Submissions {
		if working.Submissions[i].ID == 0 {
			s.nextSubmissionID++
			working.Submissions[i].ID = s.nextSubmissionID
		}
	}

	s.records[id] = working.Clone()
	s.drainEvents(working)
	return working, nil
}

// Get implements prescription.Store
func (s *Store) Get(ctx context.Context, id int64) (*prescription.Prescription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.records[id]
	if !ok {
		return nil, prescription.ErrNotFound
	}
	return p.Clone(), nil
}

// List implements prescription.Store
func (s *Store) List(ctx context.Context, f prescription.Filter) ([]*prescription.Prescription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matched := s.match(f)
	if f.Offset >= len(matched) {
		return []*prescription.Prescription{}, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// Count implements prescription.Store
func (s *Store) Count(ctx context.Context, f prescription.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int64(len(s.match(f))), nil
}

// Events returns every event committed so far, oldest first.
func (s *Store) Events() []*prescription.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*prescription.Event(nil), s.events...)
}

func (s *Store) match(f prescription.Filter) []*prescription.Prescription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*prescription.Prescription
	for _, p := range s.records {
		if f.DoctorID != nil && p.DoctorID != *f.DoctorID {
			continue
		}
		if f.PharmacyID != nil && !p.HasSubmissionFrom(*f.PharmacyID) {
			continue
		}
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		if f.PatientIdentifier != "" && p.PatientIdentifier != f.PatientIdentifier {
			continue
		}
		if f.After != nil && !past(p, f.After, f.NewestFirst) {
			continue
		}
		out = append(out, p.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if f.NewestFirst {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// past reports whether p sorts strictly after c.
func past(p *prescription.Prescription, c *prescription.Cursor, newestFirst bool) bool {
	if !newestFirst {
		return p.ID > c.ID
	}
	if !p.CreatedAt.Equal(c.CreatedAt) {
		return p.CreatedAt.Before(c.CreatedAt)
	}
	return p.ID < c.ID
}

// drainEvents must be called with s.mu held.
func (s *Store) drainEvents(p *prescription.Prescription) {
	for _, e := range p.Changes() {
		e.PrescriptionID = p.ID
		s.events = append(s.events, e)
		s.logger.Debug("event recorded",
			zap.String("type", string(e.Type)),
			zap.Int64("prescription_id", p.ID))
	}
	p.ClearChanges()
}
