package watchparty

import (
	"time"

	"github.com/google/uuid"

	"github.com/watchparty/backend/internal/models"
)

// Event is one input to Reduce. Substrate notifications and local commands
// share the union.
type Event interface {
	event()
}

// Snapshot is the authoritative state loaded from the store.
type Snapshot struct {
	Party    models.Party
	Messages []models.Message
}

// Insert is a new chat message.
type Insert struct {
	Message models.Message
}

// Update is a party row change.
type Update struct {
	Party models.Party
}

// Delete is a party deletion.
type Delete struct {
	PartyID uuid.UUID
}

// PresenceSync replaces the presence list of a party's chat channel.
type PresenceSync struct {
	PartyID   uuid.UUID
	Presences []models.Presence
}

// Broadcast is a typing signal from another viewer.
type Broadcast struct {
	PartyID     uuid.UUID
	DisplayName string
	UserID      *uuid.UUID
}

// Resubscribed reports a subscription restored after a reconnect. Incremental
// state may have been missed.
type Resubscribed struct {
	PartyID uuid.UUID
	Kind    ChannelKind
}

// Tracked carries the presence record the substrate stored for this session.
type Tracked struct {
	PartyID  uuid.UUID
	Presence models.Presence
}

// ProfilesLoaded resolves author labels. Requested ids missing from Profiles
// are labelled as unknown. A failed lookup carries Err and is retried on the
// next message from those authors.
type ProfilesLoaded struct {
	Requested []uuid.UUID
	Profiles  []models.Profile
	Err       error
}

// Tick prunes expired typing indicators.
type Tick struct{}

// JoinRequested starts joining a party.
type JoinRequested struct {
	PartyID uuid.UUID
}

// JoinFailed aborts a join.
type JoinFailed struct {
	PartyID uuid.UUID
	Err     error
}

// Ended ends the session's party locally with a notice.
type Ended struct {
	Notice string
}

// EndRequested marks the host's own deletion of the party as in flight, so the
// resulting delete notification ends the session with the host's notice.
type EndRequested struct{}

// EndFailed clears EndRequested after the store refused the deletion.
type EndFailed struct {
	PartyID uuid.UUID
}

// Left leaves the party without a notice.
type Left struct{}

// EpisodeSelected records an episode the local viewer picked.
type EpisodeSelected struct {
	Episode models.Episode
}

// GuestNameSet changes the guest display name.
type GuestNameSet struct {
	Name string
}

// Keystroke is local compose activity.
type Keystroke struct{}

func (Snapshot) event()        {}
func (Insert) event()          {}
func (Update) event()          {}
func (Delete) event()          {}
func (PresenceSync) event()    {}
func (Broadcast) event()       {}
func (Resubscribed) event()    {}
func (Tracked) event()         {}
func (ProfilesLoaded) event()  {}
func (Tick) event()            {}
func (JoinRequested) event()   {}
func (JoinFailed) event()      {}
func (Ended) event()           {}
func (EndRequested) event()    {}
func (EndFailed) event()       {}
func (Left) event()            {}
func (EpisodeSelected) event() {}
func (GuestNameSet) event()    {}
func (Keystroke) event()       {}

// Effect is work Reduce asks the session to perform.
type Effect interface {
	effect()
}

// ShowEpisode tells the playback surface to switch episode.
type ShowEpisode struct {
	Episode models.Episode
}

// TrackPresence announces presence on the chat channel.
type TrackPresence struct {
	GuestName string
	GuestKey  string
}

// FetchProfiles looks up author labels.
type FetchProfiles struct {
	IDs []uuid.UUID
}

// Notify shows a one-time notice.
type Notify struct {
	Message string
}

// ClearLink strips the party id from the viewing URL.
type ClearLink struct{}

// Unsubscribe drops both channel subscriptions.
type Unsubscribe struct{}

// ReloadSnapshot refetches party and messages from the store.
type ReloadSnapshot struct {
	PartyID uuid.UUID
}

// ScheduleTick asks for a Tick at At.
type ScheduleTick struct {
	At time.Time
}

// SendTyping broadcasts a typing signal.
type SendTyping struct{}

func (ShowEpisode) effect()    {}
func (TrackPresence) effect()  {}
func (FetchProfiles) effect()  {}
func (Notify) effect()         {}
func (ClearLink) effect()      {}
func (Unsubscribe) effect()    {}
func (ReloadSnapshot) effect() {}
func (ScheduleTick) effect()   {}
func (SendTyping) effect()     {}
