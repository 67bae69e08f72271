package realtime

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/watchparty/backend/internal/models"
)

// Client -> server events.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventTrack       = "track"
	EventBroadcast   = "broadcast"
)

// Server -> client events.
const (
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventTracked      = "tracked"
	EventRowChange    = "row_change"
	EventPresenceSync = "presence_sync"
	EventError        = "error"
)

// BroadcastTyping is the only broadcast event clients may send.
const BroadcastTyping = "typing"

const (
	updatesPrefix = "party_updates:"
	chatPrefix    = "party_chat:"
)

// Row-change tables.
const (
	TableParties  = "parties"
	TableMessages = "messages"
)

// ErrUnknownChannel is returned for channel names that do not name a party channel.
var ErrUnknownChannel = errors.New("unknown channel")

// WSMessage is the WebSocket message envelope. Ref echoes the request ref on
// replies so clients can match them.
type WSMessage struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ChangeType is the kind of a row change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// RowChange is the payload of a row_change event.
type RowChange struct {
	Type      ChangeType      `json:"type"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// NewRowChange marshals record and old into a RowChange. Nil values are omitted.
func NewRowChange(t ChangeType, table string, record, old interface{}) (RowChange, error) {
	rc := RowChange{Type: t, Table: table}
	var err error
	if record != nil {
		if rc.Record, err = json.Marshal(record); err != nil {
			return RowChange{}, err
		}
	}
	if old != nil {
		if rc.OldRecord, err = json.Marshal(old); err != nil {
			return RowChange{}, err
		}
	}
	return rc, nil
}

// PresenceSync is the payload of a presence_sync event: every live record on the channel.
type PresenceSync struct {
	Presences []models.Presence `json:"presences"`
}

// Broadcast is the payload of a broadcast event in both directions.
type Broadcast struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Typing is the payload of a typing broadcast as delivered to receivers.
type Typing struct {
	DisplayName string     `json:"display_name"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
}

// TrackRequest is the payload of a track event. Authenticated connections are
// tracked under their token identity and the guest fields are ignored.
type TrackRequest struct {
	GuestName string `json:"guest_name,omitempty"`
	GuestKey  string `json:"guest_key,omitempty"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// UpdatesChannel names the party-state channel of a party.
func UpdatesChannel(partyID uuid.UUID) string {
	return updatesPrefix + partyID.String()
}

// ChatChannel names the chat channel of a party.
func ChatChannel(partyID uuid.UUID) string {
	return chatPrefix + partyID.String()
}

// ParseChannel splits a channel name into its party id and kind.
func ParseChannel(name string) (partyID uuid.UUID, chat bool, err error) {
	var raw string
	switch {
	case strings.HasPrefix(name, updatesPrefix):
		raw = strings.TrimPrefix(name, updatesPrefix)
	case strings.HasPrefix(name, chatPrefix):
		raw, chat = strings.TrimPrefix(name, chatPrefix), true
	default:
		return uuid.Nil, false, ErrUnknownChannel
	}
	partyID, err = uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, ErrUnknownChannel
	}
	return partyID, chat, nil
}
