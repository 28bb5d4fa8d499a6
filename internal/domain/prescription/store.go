package prescription

import (
	"context"
	"time"
)

// Cursor marks a position in a listing's sort order.
type Cursor struct {
	ID        int64
	CreatedAt time.Time
}

// CursorOf returns the position of p.
func CursorOf(p *Prescription) *Cursor {
	return &Cursor{ID: p.ID, CreatedAt: p.CreatedAt}
}

// Filter narrows List and Count. Nil/empty fields are unconstrained and all
// set fields must match.
type Filter struct {
	DoctorID          *int64
	PharmacyID        *int64
	Status            *Status
	PatientIdentifier string
	// NewestFirst orders by creation time descending; otherwise by id.
	NewestFirst bool
	// After restricts results to rows strictly past the cursor in the
	// chosen order.
	After  *Cursor
	Limit  int
	Offset int
}

// UpdateFunc mutates a freshly loaded aggregate inside the store transaction.
type UpdateFunc func(p *Prescription) error

// Store persists prescription aggregates. Every returned aggregate is fully
// populated with items and submissions.
type Store interface {
	// Insert stores a new prescription with its items atomically and
	// assigns ids.
	Insert(ctx context.Context, p *Prescription) error
	// Update loads the aggregate under a write lock, applies fn and persists
	// new submissions, item flags and the derived status in one transaction.
	Update(ctx context.Context, id int64, fn UpdateFunc) (*Prescription, error)
	Get(ctx context.Context, id int64) (*Prescription, error)
	List(ctx context.Context, f Filter) ([]*Prescription, error)
	Count(ctx context.Context, f Filter) (int64, error)
}
