package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is one chat line. Exactly one of UserID and GuestName is set.
type Message struct {
	ID        int64      `json:"id"`
	PartyID   uuid.UUID  `json:"party_id"`
	UserID    *uuid.UUID `json:"user_id"`
	GuestName *string    `json:"guest_name"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
}

// Before orders messages by (created_at, id).
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// FromGuest reports whether the author is a guest.
func (m Message) FromGuest() bool {
	return m.UserID == nil
}
