package entity

import (
	"net/http"
	"time"

	"creditengine/lib/validate"
)

// Role controls access to the API.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is an authenticated API caller. Tokens are issued by the surrounding app.
type User struct {
	UserID    string    `json:"user_id" bson:"user_id" validate:"required"`
	Name      string    `json:"name" bson:"name" validate:"omitempty"`
	Email     string    `json:"email" bson:"email" validate:"omitempty,email"`
	Token     string    `json:"token" bson:"token" validate:"required,min=1"`
	Role      Role      `json:"role" bson:"role" validate:"omitempty,oneof=user admin"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

func (u *User) Bind(_ *http.Request) error {
	return validate.Struct(u)
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// DisplayName is used in audit entries and gift metadata.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.UserID
}
