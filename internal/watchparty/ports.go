package watchparty

import (
	"context"

	"github.com/google/uuid"

	"github.com/watchparty/backend/internal/models"
)

// ChannelKind selects one of a party's two substrate channels.
type ChannelKind int

const (
	StateChannel ChannelKind = iota
	ChatChannel
)

func (k ChannelKind) String() string {
	if k == ChatChannel {
		return "chat"
	}
	return "state"
}

// Store is the party store as seen by a client. Implementations return
// ErrNotFound for unknown parties and ErrNotHost for rejected host actions.
// The caller's identity is bound to the implementation.
type Store interface {
	CreateParty(ctx context.Context, media models.MediaRef, ep *models.Episode) (models.Party, error)
	JoinParty(ctx context.Context, id uuid.UUID) (models.Party, error)
	EndParty(ctx context.Context, id uuid.UUID) error
	UpdatePlaybackState(ctx context.Context, id uuid.UUID, u models.PlaybackUpdate) (models.Party, error)
	ListMessages(ctx context.Context, id uuid.UUID) ([]models.Message, error)
	// SendMessage posts as the bound identity, or for a guest as whatever
	// name its presence under guestKey holds (ErrNotPresent when it has none).
	SendMessage(ctx context.Context, id uuid.UUID, content, guestKey string) (models.Message, error)
	Profiles(ctx context.Context, ids []uuid.UUID) ([]models.Profile, error)
}

// Substrate opens channel subscriptions. Subscribe returns once the
// subscription is confirmed; notifications are passed to deliver, in order,
// for as long as the subscription lives. After a reconnect the substrate
// delivers Resubscribed.
type Substrate interface {
	Subscribe(ctx context.Context, partyID uuid.UUID, kind ChannelKind, deliver func(Event)) (Subscription, error)
}

// Subscription is one live channel subscription.
type Subscription interface {
	// Track announces presence on a chat channel and returns the record the
	// substrate stored, which may carry a reassigned guest name.
	Track(ctx context.Context, guestName, guestKey string) (models.Presence, error)
	// Typing broadcasts a typing signal on a chat channel.
	Typing(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
}

// Surface is the playback surface.
type Surface interface {
	ShowEpisode(ep models.Episode) error
}

// Navigator owns the viewing URL.
type Navigator interface {
	Location() string
	Replace(url string)
}

// Notifier shows one-time notices to the user.
type Notifier interface {
	Notify(msg string)
}
