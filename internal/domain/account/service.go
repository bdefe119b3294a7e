package account

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/intakedesk/intake/internal/platform/apperr"
)

const (
	minSearchLength  = 2
	maxSearchResults = 10
)

type Service struct {
	users Repository
}

func NewService(users Repository) *Service {
	return &Service{users: users}
}

// Provision creates a user together with its role. Accounts are only ever
// created here; nothing else inserts users.
func (s *Service) Provision(ctx context.Context, username, fullName string, role Role) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, apperr.Validation("username is required")
	}
	if _, err := ParseRole(string(role)); err != nil {
		return nil, apperr.Validation("%v", err)
	}
	if existing, err := s.users.GetByUsername(ctx, username); err == nil && existing != nil {
		return nil, apperr.Validation("username %q is taken", username)
	}
	u := &User{Username: username, Role: role}
	if fn := strings.TrimSpace(fullName); fn != "" {
		u.FullName = &fn
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *Service) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.users.GetByUsername(ctx, username)
}

// ScreeningPhysicians lists every user holding the physician role.
func (s *Service) ScreeningPhysicians(ctx context.Context) ([]*User, error) {
	return s.users.ListByRole(ctx, RoleScreeningPhysician)
}

// Search finds users other than exclude whose username or full name
// contains query. Queries shorter than two characters match nobody.
func (s *Service) Search(ctx context.Context, query string, exclude uuid.UUID) ([]*User, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < minSearchLength {
		return []*User{}, nil
	}
	users, err := s.users.Search(ctx, query, exclude, maxSearchResults)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	if users == nil {
		users = []*User{}
	}
	return users, nil
}
