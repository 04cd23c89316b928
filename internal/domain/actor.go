package domain

import "fmt"

type Role string

const (
	RoleUser   Role = "user"
	RoleSeller Role = "seller"
	RoleOutlet Role = "outlet"
	RoleMaster Role = "master"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleSeller, RoleOutlet, RoleMaster:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
}

// Actor identifies who performs an action. Authentication happens upstream.
type Actor struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

func NewActor(role, id string) (Actor, error) {
	r, err := ParseRole(role)
	if err != nil {
		return Actor{}, err
	}
	if id == "" {
		return Actor{}, fmt.Errorf("%w: actor id is required", ErrValidation)
	}
	return Actor{Role: r, ID: id}, nil
}

// Tag renders the actor as "role:id" for audit fields.
func (a Actor) Tag() string {
	return string(a.Role) + ":" + a.ID
}
