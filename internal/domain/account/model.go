package account

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is the job function a user holds. It decides which form operations
// the user may perform and whether their messages can carry decisions.
type Role string

const (
	RoleAdministrator      Role = "administrator"
	RoleScreeningPhysician Role = "screening_physician"
)

var roleLabels = map[Role]string{
	RoleAdministrator:      "Administrator",
	RoleScreeningPhysician: "Screening Physician",
}

// ParseRole converts the stored or submitted role name into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roleLabels[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) Label() string {
	if l, ok := roleLabels[r]; ok {
		return l
	}
	return string(r)
}

func (r Role) IsAdministrator() bool      { return r == RoleAdministrator }
func (r Role) IsScreeningPhysician() bool { return r == RoleScreeningPhysician }

// User is a provisioned staff account.
type User struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	FullName  *string   `db:"full_name" json:"full_name,omitempty"`
	Role      Role      `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DisplayName is the full name when one is recorded, else the username.
func (u *User) DisplayName() string {
	if u.FullName != nil && *u.FullName != "" {
		return *u.FullName
	}
	return u.Username
}
