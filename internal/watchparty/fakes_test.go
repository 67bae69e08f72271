package watchparty

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/watchparty/backend/internal/models"
)

// fakeBackend is an in-memory party store and substrate shared by sessions.
type fakeBackend struct {
	mu        sync.Mutex
	clock     time.Time
	parties   map[uuid.UUID]models.Party
	messages  map[uuid.UUID][]models.Message
	profiles  map[uuid.UUID]models.Profile
	subs      map[*fakeSub]bool
	nextMsg   int64
	nextConn  int
	typingOut int
	// holdTrack, when set, delays every Track until it is closed.
	holdTrack chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		clock:    t0,
		parties:  make(map[uuid.UUID]models.Party),
		messages: make(map[uuid.UUID][]models.Message),
		profiles: make(map[uuid.UUID]models.Profile),
		subs:     make(map[*fakeSub]bool),
	}
}

func (b *fakeBackend) tick() time.Time {
	b.clock = b.clock.Add(time.Millisecond)
	return b.clock
}

// as returns a client bound to identity (nil for a guest).
func (b *fakeBackend) as(identity *models.Identity) *fakeClient {
	if identity != nil {
		b.mu.Lock()
		b.profiles[identity.ID] = models.Profile{ID: identity.ID, Email: identity.Email}
		b.mu.Unlock()
	}
	return &fakeClient{b: b, identity: identity}
}

// fanout delivers ev to every subscriber of (partyID, kind). Called without b.mu.
func (b *fakeBackend) fanout(partyID uuid.UUID, kind ChannelKind, ev func(*fakeSub) Event) {
	b.mu.Lock()
	var targets []*fakeSub
	for s := range b.subs {
		if s.partyID == partyID && s.kind == kind {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()
	for _, s := range targets {
		if e := ev(s); e != nil {
			s.deliver(e)
		}
	}
}

func (b *fakeBackend) syncPresence(partyID uuid.UUID) {
	b.mu.Lock()
	var list []models.Presence
	for s := range b.subs {
		if s.partyID == partyID && s.presence != nil {
			list = append(list, *s.presence)
		}
	}
	b.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Ref < list[j].Ref })
	b.fanout(partyID, ChatChannel, func(*fakeSub) Event {
		return PresenceSync{PartyID: partyID, Presences: list}
	})
}

// guestName is the name the guest holding key is tracked under. b.mu must be held.
func (b *fakeBackend) guestName(partyID uuid.UUID, key string) (string, bool) {
	for s := range b.subs {
		if s.partyID == partyID && s.presence != nil && s.presence.UserID == nil && s.presence.GuestKey == key {
			return s.presence.GuestName, true
		}
	}
	return "", false
}

// nameTaken reports whether someone other than guest key uses name. b.mu must be held.
func (b *fakeBackend) nameTaken(partyID uuid.UUID, name, key string) bool {
	for s := range b.subs {
		if s.partyID == partyID && s.presence != nil && s.presence.GuestKey != key && s.presence.DisplayName == name {
			return true
		}
	}
	return false
}

type fakeClient struct {
	b        *fakeBackend
	identity *models.Identity
}

func (c *fakeClient) CreateParty(_ context.Context, media models.MediaRef, ep *models.Episode) (models.Party, error) {
	if c.identity == nil {
		return models.Party{}, ErrIdentityRequired
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	now := c.b.tick()
	p := models.Party{ID: uuid.New(), HostID: c.identity.ID, MediaKind: media.Kind, TMDBID: media.TMDBID,
		IsPlaying: true, CreatedAt: now, LastUpdated: now}
	if ep != nil {
		p.SeasonNumber, p.EpisodeNumber = intp(ep.Season), intp(ep.Number)
	}
	c.b.parties[p.ID] = p
	return p, nil
}

func (c *fakeClient) JoinParty(_ context.Context, id uuid.UUID) (models.Party, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	p, ok := c.b.parties[id]
	if !ok {
		return models.Party{}, ErrNotFound
	}
	return p, nil
}

func (c *fakeClient) hostParty(id uuid.UUID) (models.Party, error) {
	p, ok := c.b.parties[id]
	if !ok {
		return models.Party{}, ErrNotFound
	}
	if c.identity == nil || !p.IsHost(c.identity.ID) {
		return models.Party{}, ErrNotHost
	}
	return p, nil
}

func (c *fakeClient) EndParty(_ context.Context, id uuid.UUID) error {
	c.b.mu.Lock()
	if _, err := c.hostParty(id); err != nil {
		c.b.mu.Unlock()
		return err
	}
	delete(c.b.parties, id)
	delete(c.b.messages, id)
	c.b.mu.Unlock()
	c.b.fanout(id, StateChannel, func(*fakeSub) Event { return Delete{PartyID: id} })
	return nil
}

func (c *fakeClient) UpdatePlaybackState(_ context.Context, id uuid.UUID, u models.PlaybackUpdate) (models.Party, error) {
	c.b.mu.Lock()
	p, err := c.hostParty(id)
	if err != nil {
		c.b.mu.Unlock()
		return models.Party{}, err
	}
	p = u.Apply(p, c.b.tick())
	c.b.parties[id] = p
	c.b.mu.Unlock()
	c.b.fanout(id, StateChannel, func(*fakeSub) Event { return Update{Party: p} })
	return p, nil
}

func (c *fakeClient) ListMessages(_ context.Context, id uuid.UUID) ([]models.Message, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return append([]models.Message(nil), c.b.messages[id]...), nil
}

func (c *fakeClient) SendMessage(_ context.Context, id uuid.UUID, content, guestKey string) (models.Message, error) {
	c.b.mu.Lock()
	if _, ok := c.b.parties[id]; !ok {
		c.b.mu.Unlock()
		return models.Message{}, ErrNotFound
	}
	m := models.Message{PartyID: id, Content: content}
	if c.identity != nil {
		uid := c.identity.ID
		m.UserID = &uid
	} else {
		name, ok := c.b.guestName(id, guestKey)
		if !ok {
			c.b.mu.Unlock()
			return models.Message{}, ErrNotPresent
		}
		m.GuestName = &name
	}
	c.b.nextMsg++
	m.ID, m.CreatedAt = c.b.nextMsg, c.b.tick()
	c.b.messages[id] = append(c.b.messages[id], m)
	c.b.mu.Unlock()
	c.b.fanout(id, ChatChannel, func(*fakeSub) Event { return Insert{Message: m} })
	return m, nil
}

func (c *fakeClient) Profiles(_ context.Context, ids []uuid.UUID) ([]models.Profile, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	var out []models.Profile
	for _, id := range ids {
		if p, ok := c.b.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *fakeClient) Subscribe(_ context.Context, partyID uuid.UUID, kind ChannelKind, deliver func(Event)) (Subscription, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if _, ok := c.b.parties[partyID]; !ok {
		return nil, ErrNotFound
	}
	c.b.nextConn++
	s := &fakeSub{client: c, partyID: partyID, kind: kind, deliver: deliver, ref: "conn-" + strconv.Itoa(c.b.nextConn)}
	c.b.subs[s] = true
	return s, nil
}

type fakeSub struct {
	client   *fakeClient
	partyID  uuid.UUID
	kind     ChannelKind
	deliver  func(Event)
	ref      string
	presence *models.Presence
}

func (s *fakeSub) Track(_ context.Context, guestName, guestKey string) (models.Presence, error) {
	b := s.client.b
	b.mu.Lock()
	hold := b.holdTrack
	b.mu.Unlock()
	if hold != nil {
		<-hold
	}
	b.mu.Lock()
	now := b.tick()
	p := models.Presence{Ref: s.ref, OnlineAt: now, SeenAt: now}
	if id := s.client.identity; id != nil {
		uid := id.ID
		p.UserID, p.UserEmail = &uid, id.Email
		p.DisplayName = models.Profile{Email: id.Email}.Label()
	} else {
		name := guestName
		for n := 2; b.nameTaken(s.partyID, name, guestKey); n++ {
			name = guestName + " #" + strconv.Itoa(n)
		}
		p.GuestName, p.GuestKey, p.DisplayName = name, guestKey, name
	}
	s.presence = &p
	b.mu.Unlock()
	b.syncPresence(s.partyID)
	return p, nil
}

func (s *fakeSub) Typing(context.Context) error {
	b := s.client.b
	b.mu.Lock()
	b.typingOut++
	if s.presence == nil {
		b.mu.Unlock()
		return ErrIdentityRequired
	}
	p := *s.presence
	b.mu.Unlock()
	b.fanout(s.partyID, ChatChannel, func(*fakeSub) Event {
		return Broadcast{PartyID: s.partyID, DisplayName: p.DisplayName, UserID: p.UserID}
	})
	return nil
}

func (s *fakeSub) Unsubscribe(context.Context) error {
	b := s.client.b
	b.mu.Lock()
	delete(b.subs, s)
	tracked := s.presence != nil
	b.mu.Unlock()
	if tracked {
		b.syncPresence(s.partyID)
	}
	return nil
}

// resubscribe simulates a reconnect: every subscription reports Resubscribed.
func (b *fakeBackend) resubscribe() {
	b.mu.Lock()
	var subs []*fakeSub
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.deliver(Resubscribed{PartyID: s.partyID, Kind: s.kind})
	}
}

func (b *fakeBackend) subscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type fakeSurface struct {
	mu    sync.Mutex
	shown []models.Episode
}

func (f *fakeSurface) ShowEpisode(ep models.Episode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, ep)
	return nil
}

func (f *fakeSurface) last() (models.Episode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.shown) == 0 {
		return models.Episode{}, false
	}
	return f.shown[len(f.shown)-1], true
}

type fakeNavigator struct {
	mu  sync.Mutex
	loc string
}

func (f *fakeNavigator) Location() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loc
}

func (f *fakeNavigator) Replace(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loc = url
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []string
}

func (f *fakeNotifier) Notify(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, msg)
}

func (f *fakeNotifier) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notices...)
}
