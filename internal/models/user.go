package models

import (
	"strings"

	"github.com/google/uuid"
)

// Identity is an authenticated viewer as supplied by the identity provider.
type Identity struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
}

// Profile is the public part of an identity, used to label chat authors.
type Profile struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
}

// Label returns the display label for a profile: the local part of its email.
func (p Profile) Label() string {
	if p.Email == "" {
		return "User"
	}
	if i := strings.IndexByte(p.Email, '@'); i > 0 {
		return p.Email[:i]
	}
	return p.Email
}
