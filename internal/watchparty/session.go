package watchparty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/watchparty/backend/internal/models"
)

const inboxSize = 256

// Config wires a session to its collaborators. Surface, Navigator, Notifier
// and Observe are optional.
type Config struct {
	Store     Store
	Substrate Substrate
	Surface   Surface
	Navigator Navigator
	Notifier  Notifier

	// Identity is nil for guests.
	Identity  *models.Identity
	GuestName string
	// GuestKey lets several sessions of one guest share a name. Defaults to a
	// random key per session.
	GuestKey string

	Logger *zap.Logger
	Clock  func() time.Time
	// Observe is called on the session goroutine after every event. It must
	// not call back into the session.
	Observe func(Event, State)
}

type message struct {
	ev    Event
	guard func(State) (Event, error)
	reply chan result
}

type result struct {
	state State
	err   error
}

// Session is one viewer's client session. All state lives on a single
// goroutine that reduces events from its inbox; store and substrate calls run
// on the caller's goroutine or in background effects and report back as events.
type Session struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	inbox     chan message
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	subsMu    sync.Mutex
	subsParty uuid.UUID
	subs      map[ChannelKind]Subscription

	// owned by the session goroutine
	state State
}

// New starts a session.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if cfg.GuestKey == "" {
		cfg.GuestKey = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		logger: logger,
		now:    now,
		inbox:  make(chan message, inboxSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[ChannelKind]Subscription),
		state:  NewState(Self{Identity: cfg.Identity, GuestName: strings.TrimSpace(cfg.GuestName), GuestKey: cfg.GuestKey}),
	}
	go s.loop()
	return s
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case m := <-s.inbox:
			ev, err := m.ev, error(nil)
			if m.guard != nil {
				ev, err = m.guard(s.state)
			}
			if err == nil && ev != nil {
				s.apply(ev)
			}
			if m.reply != nil {
				m.reply <- result{state: s.state, err: err}
			}
		}
	}
}

func (s *Session) apply(ev Event) {
	next, effects := Reduce(s.state, ev, s.now())
	if next.Phase != s.state.Phase {
		s.logger.Info("session phase changed",
			zap.String("party_id", next.PartyID.String()),
			zap.Stringer("from", s.state.Phase),
			zap.Stringer("to", next.Phase))
	}
	s.state = next
	for _, eff := range effects {
		s.run(eff)
	}
	if s.cfg.Observe != nil {
		s.cfg.Observe(ev, s.state)
	}
}

// Dispatch queues an event for the session. Substrates deliver notifications
// through it.
func (s *Session) Dispatch(ev Event) {
	select {
	case s.inbox <- message{ev: ev}:
	case <-s.ctx.Done():
	}
}

// exec runs guard against the current state on the session goroutine and
// reduces the event it returns.
func (s *Session) exec(ctx context.Context, guard func(State) (Event, error)) (State, error) {
	reply := make(chan result, 1)
	select {
	case s.inbox <- message{guard: guard, reply: reply}:
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-s.ctx.Done():
		return State{}, ErrClosed
	}
	select {
	case r := <-reply:
		return r.state, r.err
	case <-s.ctx.Done():
		return State{}, ErrClosed
	}
}

// State returns the current state.
func (s *Session) State() State {
	st, err := s.exec(context.Background(), func(State) (Event, error) { return nil, nil })
	if err != nil {
		return s.closedState()
	}
	return st
}

// closedState is the state reported after Close.
func (s *Session) closedState() State {
	return NewState(Self{Identity: s.cfg.Identity, GuestKey: s.cfg.GuestKey})
}

// Join joins a party: load it, subscribe to both channels, then take the
// snapshot the session starts from. Notifications that arrive before the
// snapshot are replayed over it. An ended party is gone from the store, so
// joining it again fails with ErrNotFound.
func (s *Session) Join(ctx context.Context, partyID uuid.UUID) error {
	_, err := s.exec(ctx, func(st State) (Event, error) {
		if st.Phase == PhaseJoining || st.Phase == PhaseJoined {
			return nil, ErrAlreadyJoined
		}
		return JoinRequested{PartyID: partyID}, nil
	})
	if err != nil {
		return err
	}
	if err := s.join(ctx, partyID); err != nil {
		s.logger.Warn("join failed", zap.String("party_id", partyID.String()), zap.Error(err))
		s.dropSubs(partyID)
		s.Dispatch(JoinFailed{PartyID: partyID, Err: err})
		return err
	}
	return nil
}

func (s *Session) join(ctx context.Context, partyID uuid.UUID) error {
	if _, err := s.cfg.Store.JoinParty(ctx, partyID); err != nil {
		return fmt.Errorf("join party: %w", err)
	}

	s.subsMu.Lock()
	s.subsParty = partyID
	s.subsMu.Unlock()
	for _, kind := range []ChannelKind{StateChannel, ChatChannel} {
		sub, err := s.cfg.Substrate.Subscribe(ctx, partyID, kind, s.Dispatch)
		if err != nil {
			return fmt.Errorf("subscribe %s channel: %w", kind, err)
		}
		if !s.keepSub(partyID, kind, sub) {
			return ErrNotJoined
		}
	}

	// The snapshot is read once both subscriptions are live so no change can
	// fall between the two.
	party, err := s.cfg.Store.JoinParty(ctx, partyID)
	if err != nil {
		return fmt.Errorf("load party: %w", err)
	}
	msgs, err := s.cfg.Store.ListMessages(ctx, partyID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	_, err = s.exec(ctx, func(st State) (Event, error) {
		if st.Phase != PhaseJoining || st.PartyID != partyID {
			return nil, ErrNotJoined
		}
		return Snapshot{Party: party, Messages: msgs}, nil
	})
	return err
}

// keepSub records sub unless the session gave up on partyID meanwhile, in
// which case sub is dropped.
func (s *Session) keepSub(partyID uuid.UUID, kind ChannelKind, sub Subscription) bool {
	s.subsMu.Lock()
	ok := s.subsParty == partyID
	if ok {
		s.subs[kind] = sub
	}
	s.subsMu.Unlock()
	if !ok {
		s.unsubscribe([]Subscription{sub})
	}
	return ok
}

func (s *Session) subscription(partyID uuid.UUID, kind ChannelKind) Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.subsParty != partyID {
		return nil
	}
	return s.subs[kind]
}

// dropSubs unsubscribes every channel of partyID (or of any party for uuid.Nil).
func (s *Session) dropSubs(partyID uuid.UUID) {
	s.unsubscribe(s.takeSubs(partyID))
}

// takeSubs detaches the subscriptions of partyID (any party for uuid.Nil) so
// that a join in progress for it stops keeping new ones.
func (s *Session) takeSubs(partyID uuid.UUID) []Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if partyID != uuid.Nil && s.subsParty != partyID {
		return nil
	}
	subs := make([]Subscription, 0, len(s.subs))
	for kind, sub := range s.subs {
		subs = append(subs, sub)
		delete(s.subs, kind)
	}
	s.subsParty = uuid.Nil
	return subs
}

func (s *Session) unsubscribe(subs []Subscription) {
	for _, sub := range subs {
		if err := sub.Unsubscribe(context.Background()); err != nil {
			s.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
}

// Create creates a party hosted by the session's identity, puts its join link
// in the viewing URL and joins it.
func (s *Session) Create(ctx context.Context, media models.MediaRef, ep *models.Episode) (models.Party, error) {
	if s.cfg.Identity == nil {
		return models.Party{}, ErrIdentityRequired
	}
	if st := s.State(); st.Phase == PhaseJoining || st.Phase == PhaseJoined {
		return models.Party{}, ErrAlreadyJoined
	}
	party, err := s.cfg.Store.CreateParty(ctx, media, ep)
	if err != nil {
		return models.Party{}, fmt.Errorf("create party: %w", err)
	}
	s.logger.Info("party created", zap.String("party_id", party.ID.String()))
	if nav := s.cfg.Navigator; nav != nil {
		if link, err := WithParty(nav.Location(), party.ID); err == nil {
			nav.Replace(link)
		}
	}
	return party, s.Join(ctx, party.ID)
}

func notJoined(st State) error {
	if st.Phase == PhaseEnded {
		return ErrPartyEnded
	}
	return ErrNotJoined
}

// Leave leaves the current party.
func (s *Session) Leave(ctx context.Context) error {
	_, err := s.exec(ctx, func(st State) (Event, error) {
		if st.Phase != PhaseJoining && st.Phase != PhaseJoined {
			return nil, ErrNotJoined
		}
		return Left{}, nil
	})
	return err
}

// EndParty deletes the party. Host only.
func (s *Session) EndParty(ctx context.Context) error {
	st, err := s.exec(ctx, func(st State) (Event, error) {
		if !st.InParty() {
			return nil, notJoined(st)
		}
		if !st.IsHost() {
			return nil, ErrNotHost
		}
		return EndRequested{}, nil
	})
	if err != nil {
		return err
	}
	if err := s.cfg.Store.EndParty(ctx, st.PartyID); err != nil {
		s.Dispatch(EndFailed{PartyID: st.PartyID})
		return fmt.Errorf("end party: %w", err)
	}
	_, err = s.exec(ctx, func(cur State) (Event, error) {
		if cur.PartyID != st.PartyID {
			return nil, nil
		}
		return Ended{Notice: NoticeHostEnded}, nil
	})
	return err
}

// SelectEpisode shows ep. In a party only the host may select, and the
// selection is written to the store for everyone else to follow.
func (s *Session) SelectEpisode(ctx context.Context, ep models.Episode) error {
	st, err := s.exec(ctx, func(st State) (Event, error) {
		if st.InParty() && !st.IsHost() {
			return nil, ErrNotHost
		}
		return EpisodeSelected{Episode: ep}, nil
	})
	if err != nil || !st.InParty() {
		return err
	}
	return s.writePlayback(ctx, st.PartyID, models.SelectEpisode(ep))
}

// ForceSync republishes the host's displayed episode so every guest snaps to it.
func (s *Session) ForceSync(ctx context.Context) error {
	st := s.State()
	if !st.InParty() {
		return notJoined(st)
	}
	if !st.IsHost() {
		return ErrNotHost
	}
	if st.Displayed == nil {
		return nil
	}
	return s.writePlayback(ctx, st.PartyID, models.SelectEpisode(*st.Displayed))
}

func (s *Session) writePlayback(ctx context.Context, partyID uuid.UUID, u models.PlaybackUpdate) error {
	party, err := s.cfg.Store.UpdatePlaybackState(ctx, partyID, u)
	if err != nil {
		return fmt.Errorf("update playback: %w", err)
	}
	s.Dispatch(Update{Party: party})
	return nil
}

// SendMessage posts a chat message as the session's identity or guest name.
// A guest can send once the chat has confirmed its name, which may differ
// from the one asked for.
func (s *Session) SendMessage(ctx context.Context, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, ErrEmptyContent
	}
	st := s.State()
	if !st.InParty() {
		return models.Message{}, notJoined(st)
	}
	if !st.Self.CanChat() {
		return models.Message{}, ErrIdentityRequired
	}
	var guestKey string
	if st.Self.Identity == nil {
		if !st.GuestConfirmed() {
			return models.Message{}, ErrNotPresent
		}
		guestKey = st.Self.GuestKey
	}
	msg, err := s.cfg.Store.SendMessage(ctx, st.PartyID, content, guestKey)
	if err != nil {
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}
	s.Dispatch(Insert{Message: msg})
	return msg, nil
}

// Keystroke records compose activity; at most one typing signal goes out per
// TypingWindow.
func (s *Session) Keystroke() {
	s.Dispatch(Keystroke{})
}

// SetGuestName sets the name a guest chats under.
func (s *Session) SetGuestName(ctx context.Context, name string) error {
	name, err := models.NormalizeGuestName(name)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, func(State) (Event, error) { return GuestNameSet{Name: name}, nil })
	return err
}

// Close unsubscribes from every channel and stops the session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.dropSubs(uuid.Nil)
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *Session) run(eff Effect) {
	switch e := eff.(type) {
	case ShowEpisode:
		if s.cfg.Surface == nil {
			return
		}
		if err := s.cfg.Surface.ShowEpisode(e.Episode); err != nil {
			s.logger.Warn("playback surface rejected episode",
				zap.Int("season", e.Episode.Season), zap.Int("episode", e.Episode.Number), zap.Error(err))
		}
	case Notify:
		if s.cfg.Notifier != nil {
			s.cfg.Notifier.Notify(e.Message)
		}
	case ClearLink:
		if nav := s.cfg.Navigator; nav != nil {
			if loc := nav.Location(); WithoutParty(loc) != loc {
				nav.Replace(WithoutParty(loc))
			}
		}
	case Unsubscribe:
		subs := s.takeSubs(uuid.Nil)
		go s.unsubscribe(subs)
	case TrackPresence:
		partyID := s.state.PartyID
		go func() {
			sub := s.subscription(partyID, ChatChannel)
			if sub == nil {
				return
			}
			p, err := sub.Track(s.ctx, e.GuestName, e.GuestKey)
			if err != nil {
				s.logger.Warn("track presence failed", zap.String("party_id", partyID.String()), zap.Error(err))
				return
			}
			s.Dispatch(Tracked{PartyID: partyID, Presence: p})
		}()
	case SendTyping:
		partyID := s.state.PartyID
		go func() {
			sub := s.subscription(partyID, ChatChannel)
			if sub == nil {
				return
			}
			if err := sub.Typing(s.ctx); err != nil {
				s.logger.Debug("typing broadcast failed", zap.Error(err))
			}
		}()
	case FetchProfiles:
		go func() {
			profiles, err := s.cfg.Store.Profiles(s.ctx, e.IDs)
			if err != nil {
				s.logger.Warn("profile lookup failed", zap.Int("ids", len(e.IDs)), zap.Error(err))
			}
			s.Dispatch(ProfilesLoaded{Requested: e.IDs, Profiles: profiles, Err: err})
		}()
	case ReloadSnapshot:
		go s.reload(e.PartyID)
	case ScheduleTick:
		d := e.At.Sub(s.now())
		if d < 0 {
			d = 0
		}
		time.AfterFunc(d, func() { s.Dispatch(Tick{}) })
	}
}

// reload refetches the snapshot after a resubscribe. A party that vanished
// meanwhile is treated as deleted.
func (s *Session) reload(partyID uuid.UUID) {
	party, err := s.cfg.Store.JoinParty(s.ctx, partyID)
	if errors.Is(err, ErrNotFound) {
		s.Dispatch(Delete{PartyID: partyID})
		return
	}
	if err != nil {
		s.logger.Warn("snapshot reload failed", zap.String("party_id", partyID.String()), zap.Error(err))
		return
	}
	msgs, err := s.cfg.Store.ListMessages(s.ctx, partyID)
	if err != nil {
		s.logger.Warn("message reload failed", zap.String("party_id", partyID.String()), zap.Error(err))
		return
	}
	s.Dispatch(Snapshot{Party: party, Messages: msgs})
}
