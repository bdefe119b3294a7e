package account

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intakedesk/intake/internal/platform/apperr"
	"github.com/intakedesk/intake/internal/platform/db"
)

type userRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &userRepoPG{pool: pool}
}

const userCols = `id, username, full_name, role, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.Username, &u.FullName, &role, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO users (id, username, full_name, role)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		u.ID, u.Username, u.FullName, string(u.Role)).Scan(&u.CreatedAt)
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

func (r *userRepoPG) GetByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE username = $1`, username))
}

func (r *userRepoPG) ListByRole(ctx context.Context, role Role) ([]*User, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+userCols+` FROM users WHERE role = $1 ORDER BY username`, string(role))
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

func (r *userRepoPG) Search(ctx context.Context, query string, exclude uuid.UUID, limit int) ([]*User, error) {
	pattern := "%" + likeEscaper.Replace(query) + "%"
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+userCols+` FROM users
		WHERE id <> $2 AND (username ILIKE $1 OR full_name ILIKE $1)
		ORDER BY username
		LIMIT $3`, pattern, exclude, limit)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func collectUsers(rows pgx.Rows) ([]*User, error) {
	defer rows.Close()
	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
