package account

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	ListByRole(ctx context.Context, role Role) ([]*User, error)
	// Search matches query against username or full name,
	// case-insensitively, leaving out exclude.
	Search(ctx context.Context, query string, exclude uuid.UUID, limit int) ([]*User, error)
}
