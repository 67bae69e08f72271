package watchparty

import (
	"time"

	"github.com/google/uuid"

	"github.com/watchparty/backend/internal/models"
)

// Phase is the session's position in the join lifecycle.
type Phase int

const (
	PhaseUnjoined Phase = iota
	PhaseJoining
	PhaseJoined
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseJoining:
		return "joining"
	case PhaseJoined:
		return "joined"
	case PhaseEnded:
		return "ended"
	default:
		return "unjoined"
	}
}

// Self is who this session acts as. Identity is nil for guests.
type Self struct {
	Identity  *models.Identity
	GuestName string
	GuestKey  string
}

// CanChat reports whether the session has an identity or a guest name.
func (s Self) CanChat() bool {
	return s.Identity != nil || s.GuestName != ""
}

// State is the whole client-side view of one session. Reduce never mutates a
// State in place, so values handed out by the session are safe to read.
type State struct {
	Phase   Phase
	PartyID uuid.UUID
	Self    Self

	Party     *models.Party
	Displayed *models.Episode
	Messages  []models.Message
	Presences []models.Presence
	Tracked   *models.Presence
	// Ending is set while the host's EndParty is in flight.
	Ending bool

	// Notifications seen while Joining, replayed over the snapshot.
	Pending []Event

	// Display name -> indicator expiry.
	Typing         map[string]time.Time
	LastTypingSent time.Time

	// Author label cache and lookups in flight.
	Labels    map[uuid.UUID]string
	Requested map[uuid.UUID]bool
}

// NewState returns the initial state of a session.
func NewState(self Self) State {
	return State{Phase: PhaseUnjoined, Self: self}
}

// IsHost reports whether the session's identity hosts the current party.
func (s State) IsHost() bool {
	return s.Party != nil && s.Self.Identity != nil && s.Party.IsHost(s.Self.Identity.ID)
}

// InParty reports whether a party is joined.
func (s State) InParty() bool {
	return s.Phase == PhaseJoined && s.Party != nil
}

// GuestConfirmed reports whether the chat has tracked this guest under its
// current name.
func (s State) GuestConfirmed() bool {
	return s.Tracked != nil && s.Tracked.GuestName != "" && s.Tracked.GuestName == s.Self.GuestName
}

// DisplayName is the name others see for this session.
func (s State) DisplayName() string {
	if s.Tracked != nil && s.Tracked.DisplayName != "" {
		return s.Tracked.DisplayName
	}
	if s.Self.Identity != nil {
		return models.Profile{ID: s.Self.Identity.ID, Email: s.Self.Identity.Email}.Label()
	}
	return s.Self.GuestName
}
