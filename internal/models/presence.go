package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Presence is one live connection's announcement on a chat channel.
// It is never persisted; the substrate rebuilds it from tracked connections.
type Presence struct {
	Ref         string     `json:"presence_ref"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	UserEmail   string     `json:"user_email,omitempty"`
	GuestName   string     `json:"guest_name,omitempty"`
	GuestKey    string     `json:"guest_key,omitempty"`
	DisplayName string     `json:"display_name"`
	OnlineAt    time.Time  `json:"online_at"`
	SeenAt      time.Time  `json:"seen_at"`
}

// Key identifies the person behind a presence record. Connections of the same
// user (or the same guest session) share a key.
func (p Presence) Key() string {
	switch {
	case p.UserID != nil:
		return "user:" + p.UserID.String()
	case p.GuestKey != "":
		return "guest:" + p.GuestKey
	default:
		return "name:" + strings.ToLower(p.DisplayName)
	}
}
