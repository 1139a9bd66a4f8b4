// Package directory lists the users known to the relay.
package directory

import (
	"errors"
	"strings"
)

var (
	ErrInvalidUserID = errors.New("user id must be non-empty and contain no ':' or whitespace")
	ErrNoTokenHash   = errors.New("user has no token hash")
)

type User struct {
	ID          string `toml:"id" json:"id"`
	DisplayName string `toml:"display_name" json:"display_name"`
	TokenHash   string `toml:"token_hash" json:"-"`
}

// Name returns the display name, falling back to the ID.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.ID
}

// Directory is the read side used by auth and user listings.
type Directory interface {
	Get(id string) (User, bool)
	// ListOthers returns every user except identity, ordered by ID.
	ListOthers(identity string) []User
}

func ValidateUserID(id string) error {
	if id == "" || strings.ContainsAny(id, ": \t\r\n") {
		return ErrInvalidUserID
	}
	return nil
}
