package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/watchparty/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

var (
	ErrNotSubscribed       = errors.New("not subscribed to channel")
	ErrTrackNotAllowed     = errors.New("presence is only tracked on chat channels")
	ErrBroadcastNotAllowed = errors.New("broadcast not allowed on this channel")
	ErrNotTracked          = errors.New("track presence before broadcasting")
	ErrPartyNotFound       = errors.New("party not found")
)

// ChannelAuthorizer reports whether a party exists. It returns ErrPartyNotFound
// (or a transport error) otherwise.
type ChannelAuthorizer func(ctx context.Context, partyID uuid.UUID) error

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishChannelEvent(channel, event string, payload []byte) error
}

// RedisSubscriber subscribes to channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeChannel(channel string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// HubOptions wires the hub's collaborators. Nil Redis fields run single-instance;
// a nil Presence store defaults to an in-memory one.
type HubOptions struct {
	Publisher   RedisPublisher
	Subscriber  RedisSubscriber
	Presence    PresenceStore
	Authorize   ChannelAuthorizer
	PresenceTTL time.Duration
}

// Hub maintains channel -> set of connections and broadcasts messages.
// Uses Redis pub/sub for horizontal scaling: local broadcast + publish to Redis.
type Hub struct {
	// channel -> map[clientID]*Client
	channels map[string]map[string]*Client
	subs     map[string]func() // cancel Redis subscription per channel
	bridging map[string]chan struct{}
	// channel -> clientID -> presence tracked by a local connection
	tracked   map[string]map[string]models.Presence
	mu        sync.RWMutex
	logger    *zap.Logger
	redis     RedisPublisher
	redisSub  RedisSubscriber
	presence  PresenceStore
	authorize ChannelAuthorizer
	now       func() time.Time
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, opts HubOptions) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	presence := opts.Presence
	if presence == nil {
		ttl := opts.PresenceTTL
		if ttl <= 0 {
			ttl = 45 * time.Second
		}
		presence = NewMemoryPresence(ttl)
	}
	return &Hub{
		channels:  make(map[string]map[string]*Client),
		subs:      make(map[string]func()),
		bridging:  make(map[string]chan struct{}),
		tracked:   make(map[string]map[string]models.Presence),
		logger:    logger,
		redis:     opts.Publisher,
		redisSub:  opts.Subscriber,
		presence:  presence,
		authorize: opts.Authorize,
		now:       time.Now,
	}
}

// Subscribe adds a client to a channel. Starts the Redis subscription for the
// channel if it is the first local subscriber. Subscribing twice is a no-op.
func (h *Hub) Subscribe(ctx context.Context, c *Client, channel string) error {
	partyID, _, err := ParseChannel(channel)
	if err != nil {
		return err
	}
	if h.authorize != nil {
		if err := h.authorize(ctx, partyID); err != nil {
			return err
		}
	}

	for {
		if err := h.bridge(channel); err != nil {
			return err
		}
		h.mu.Lock()
		// The last local subscriber may have left and cancelled the bridge meanwhile.
		if h.redisSub == nil || h.subs[channel] != nil {
			break
		}
		h.mu.Unlock()
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]*Client)
	}
	h.channels[channel][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client subscribed", zap.String("conn_id", c.ID), zap.String("channel", channel))
	return nil
}

// bridge makes sure channel has a Redis subscription. The SUBSCRIBE round trip
// runs outside h.mu; concurrent first subscribers share one attempt.
func (h *Hub) bridge(channel string) error {
	if h.redisSub == nil {
		return nil
	}
	for {
		h.mu.Lock()
		if _, ok := h.subs[channel]; ok {
			h.mu.Unlock()
			return nil
		}
		if wait, ok := h.bridging[channel]; ok {
			h.mu.Unlock()
			<-wait
			continue
		}
		done := make(chan struct{})
		h.bridging[channel] = done
		h.mu.Unlock()

		cancel, err := h.redisSub.SubscribeChannel(channel, func(event string, payload []byte) {
			h.BroadcastToChannel(channel, event, json.RawMessage(payload))
		})

		h.mu.Lock()
		delete(h.bridging, channel)
		if err == nil {
			h.subs[channel] = cancel
		}
		h.mu.Unlock()
		close(done)
		return err
	}
}

// SendPresenceSnapshot sends the current presence of a chat channel to one
// client. Other channels are ignored.
func (h *Hub) SendPresenceSnapshot(ctx context.Context, c *Client, channel string) {
	if _, chat, err := ParseChannel(channel); err != nil || !chat {
		return
	}
	list, err := h.presence.List(ctx, channel)
	if err != nil {
		h.logger.Warn("presence list failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	h.SendToClient(channel, c.ID, EventPresenceSync, PresenceSync{Presences: list})
}

// Unsubscribe removes a client from a channel, dropping its presence there.
// Cancels the Redis subscription when the last local client leaves.
func (h *Hub) Unsubscribe(ctx context.Context, c *Client, channel string) {
	h.mu.Lock()
	if m, ok := h.channels[channel]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.channels, channel)
			if cancel, ok := h.subs[channel]; ok {
				cancel()
				delete(h.subs, channel)
			}
		}
	}
	_, wasTracked := h.tracked[channel][c.ID]
	if wasTracked {
		delete(h.tracked[channel], c.ID)
		if len(h.tracked[channel]) == 0 {
			delete(h.tracked, channel)
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client unsubscribed", zap.String("conn_id", c.ID), zap.String("channel", channel))

	if wasTracked {
		if err := h.presence.Remove(ctx, channel, c.ID); err != nil {
			h.logger.Warn("presence remove failed", zap.String("channel", channel), zap.Error(err))
		}
		h.SyncPresence(ctx, channel)
	}
}

// UnsubscribeAll removes a client from every channel it joined.
func (h *Hub) UnsubscribeAll(ctx context.Context, c *Client) {
	h.mu.RLock()
	var joined []string
	for channel, m := range h.channels {
		if _, ok := m[c.ID]; ok {
			joined = append(joined, channel)
		}
	}
	h.mu.RUnlock()
	for _, channel := range joined {
		h.Unsubscribe(ctx, c, channel)
	}
}

// IsSubscribed reports whether the client is subscribed to channel.
func (h *Hub) IsSubscribed(c *Client, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][c.ID]
	return ok
}

// Track announces the client's presence on a chat channel. Authenticated
// clients are tracked under their token identity; guests under a validated
// guest name, renamed to "name #N" if another person already uses it.
func (h *Hub) Track(ctx context.Context, c *Client, channel string, req TrackRequest) (models.Presence, error) {
	if _, chat, err := ParseChannel(channel); err != nil {
		return models.Presence{}, err
	} else if !chat {
		return models.Presence{}, ErrTrackNotAllowed
	}
	if !h.IsSubscribed(c, channel) {
		return models.Presence{}, ErrNotSubscribed
	}

	now := h.now()
	p := models.Presence{Ref: c.ID, OnlineAt: now, SeenAt: now}
	h.mu.RLock()
	if prev, ok := h.tracked[channel][c.ID]; ok {
		p.OnlineAt = prev.OnlineAt
	}
	h.mu.RUnlock()

	if c.Identity != nil {
		id := c.Identity.ID
		p.UserID = &id
		p.UserEmail = c.Identity.Email
		p.DisplayName = models.Profile{ID: id, Email: c.Identity.Email}.Label()
		if err := h.presence.Put(ctx, channel, p); err != nil {
			return models.Presence{}, err
		}
	} else {
		name, err := models.NormalizeGuestName(req.GuestName)
		if err != nil {
			return models.Presence{}, err
		}
		p.GuestKey = req.GuestKey
		if p.GuestKey == "" {
			p.GuestKey = c.ID
		}
		if p, err = h.presence.Claim(ctx, channel, p, name); err != nil {
			return models.Presence{}, err
		}
	}
	h.mu.Lock()
	if h.tracked[channel] == nil {
		h.tracked[channel] = make(map[string]models.Presence)
	}
	h.tracked[channel][c.ID] = p
	h.mu.Unlock()

	h.SyncPresence(ctx, channel)
	return p, nil
}

// Typing relays a typing signal from the client, stamped with its tracked
// display name and identity.
func (h *Hub) Typing(c *Client, channel string) error {
	if _, chat, err := ParseChannel(channel); err != nil {
		return err
	} else if !chat {
		return ErrBroadcastNotAllowed
	}
	h.mu.RLock()
	_, subscribed := h.channels[channel][c.ID]
	p, tracked := h.tracked[channel][c.ID]
	h.mu.RUnlock()
	if !subscribed {
		return ErrNotSubscribed
	}
	if !tracked {
		return ErrNotTracked
	}
	payload, err := json.Marshal(Typing{DisplayName: p.DisplayName, UserID: p.UserID})
	if err != nil {
		return err
	}
	h.PublishToChannelOnly(channel, EventBroadcast, Broadcast{Event: BroadcastTyping, Payload: payload})
	return nil
}

// SyncPresence pushes the channel's full presence snapshot to every subscriber
// on every instance.
func (h *Hub) SyncPresence(ctx context.Context, channel string) {
	list, err := h.presence.List(ctx, channel)
	if err != nil {
		h.logger.Warn("presence list failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	h.PublishToChannelOnly(channel, EventPresenceSync, PresenceSync{Presences: list})
}

// Run refreshes local presence records and pushes a local presence snapshot to
// each chat channel every interval, until ctx is done.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeat(ctx)
		}
	}
}

func (h *Hub) heartbeat(ctx context.Context) {
	now := h.now()
	h.mu.Lock()
	var refresh []struct {
		channel string
		p       models.Presence
	}
	for channel, recs := range h.tracked {
		for id, p := range recs {
			p.SeenAt = now
			recs[id] = p
			refresh = append(refresh, struct {
				channel string
				p       models.Presence
			}{channel, p})
		}
	}
	var chats []string
	for channel := range h.channels {
		if _, chat, err := ParseChannel(channel); err == nil && chat {
			chats = append(chats, channel)
		}
	}
	h.mu.Unlock()

	for _, r := range refresh {
		if err := h.presence.Put(ctx, r.channel, r.p); err != nil {
			h.logger.Warn("presence heartbeat failed", zap.String("channel", r.channel), zap.Error(err))
		}
	}
	for _, channel := range chats {
		list, err := h.presence.List(ctx, channel)
		if err != nil {
			h.logger.Warn("presence list failed", zap.String("channel", channel), zap.Error(err))
			continue
		}
		h.BroadcastToChannel(channel, EventPresenceSync, PresenceSync{Presences: list})
	}
}

// BroadcastToChannel sends a message to all clients of a channel (local only).
func (h *Hub) BroadcastToChannel(channel, event string, payload interface{}) {
	data, err := marshalPayload(payload)
	if err != nil {
		h.logger.Error("marshal broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	msg := WSMessage{Event: event, Channel: channel, Data: data}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.channels[channel]))
	for _, c := range h.channels[channel] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(msg)
	}
}

// PublishToChannelOnly publishes to Redis only (no local broadcast), so the Redis
// subscriber callback performs the broadcast once for all instances including
// this one. Without Redis it broadcasts locally.
func (h *Hub) PublishToChannelOnly(channel, event string, payload interface{}) {
	data, err := marshalPayload(payload)
	if err != nil {
		h.logger.Error("marshal publish", zap.String("event", event), zap.Error(err))
		return
	}
	if h.redis != nil {
		if err := h.redis.PublishChannelEvent(channel, event, data); err != nil {
			h.logger.Error("redis publish failed", zap.String("channel", channel), zap.String("event", event), zap.Error(err))
		}
		return
	}
	h.BroadcastToChannel(channel, event, data)
}

// PublishRowChange notifies every subscriber of channel of a stored row change.
func (h *Hub) PublishRowChange(channel string, change RowChange) {
	h.PublishToChannelOnly(channel, EventRowChange, change)
}

// SubscriberCount returns the number of local connections on a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Audience returns the live presence records of a party's chat channel.
func (h *Hub) Audience(ctx context.Context, partyID uuid.UUID) ([]models.Presence, error) {
	return h.presence.List(ctx, ChatChannel(partyID))
}

// SendToClient sends a message to a single client on a channel.
func (h *Hub) SendToClient(channel, clientID, event string, payload interface{}) {
	data, err := marshalPayload(payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	c, ok := h.channels[channel][clientID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	c.enqueue(WSMessage{Event: event, Channel: channel, Data: data})
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}
