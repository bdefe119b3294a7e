package intake

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows a form listing. Search matches either patient name,
// case-insensitively.
type ListFilter struct {
	Status      Status
	Search      string
	OldestFirst bool
}

type Repository interface {
	Create(ctx context.Context, f *Form) error
	GetByID(ctx context.Context, id uuid.UUID) (*Form, error)
	Update(ctx context.Context, f *Form) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Form, int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// MostRecentPending returns the latest pending form uploaded at or
	// before asOf. A zero asOf means the database's current time.
	MostRecentPending(ctx context.Context, asOf time.Time) (*Form, error)
	// FindByPatientName returns the most recently uploaded form whose
	// declared or extracted name contains name, case-insensitively.
	FindByPatientName(ctx context.Context, name string) (*Form, error)
	// Activity reports message activity for the given forms as viewer
	// sees it. Forms without linked messages are absent from the result.
	Activity(ctx context.Context, formIDs []uuid.UUID, viewer uuid.UUID) (map[uuid.UUID]Activity, error)
}
