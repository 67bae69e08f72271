package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/watchparty/backend/internal/models"
	"github.com/watchparty/backend/internal/realtime"
	"github.com/watchparty/backend/internal/watchparty"
)

const (
	writeWait    = 10 * time.Second
	replyTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

var (
	// ErrDisconnected is returned for requests made while the connection is down.
	ErrDisconnected = errors.New("substrate disconnected")
	// ErrSubstrateClosed is returned after Close.
	ErrSubstrateClosed = errors.New("substrate closed")
)

// RemoteError is an error event returned by the server for a request.
type RemoteError struct {
	Event   string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Event + ": " + e.Message
}

// SubstrateOptions tunes a Substrate. Zero values fall back to defaults.
type SubstrateOptions struct {
	Dialer          *websocket.Dialer
	Logger          *zap.Logger
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Substrate is a websocket connection to the realtime hub shared by every
// channel subscription of one session. It implements watchparty.Substrate.
// A lost connection is redialled with exponential backoff, after which every
// open subscription is restored and told via watchparty.Resubscribed.
type Substrate struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger
	opts   SubstrateOptions

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	nextRef uint64
	pending map[string]chan realtime.WSMessage
	subs    map[string]*subscription
}

var _ watchparty.Substrate = (*Substrate)(nil)

// WebsocketURL turns an API base URL into the hub endpoint, carrying token
// when set.
func WebsocketURL(baseURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial connects to the hub at wsURL. The first dial is not retried; later
// connection losses are.
func Dial(ctx context.Context, wsURL string, opts SubstrateOptions) (*Substrate, error) {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 250 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 10 * time.Second
	}
	s := &Substrate{
		url:     wsURL,
		dialer:  opts.Dialer,
		logger:  opts.Logger,
		opts:    opts,
		done:    make(chan struct{}),
		pending: make(map[string]chan realtime.WSMessage),
		subs:    make(map[string]*subscription),
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.conn = conn
	go s.run(conn)
	return s, nil
}

func (s *Substrate) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial hub: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(realtime.PongWait * time.Second))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(realtime.PongWait * time.Second))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	return conn, nil
}

// run owns the connection lifecycle until Close.
func (s *Substrate) run(conn *websocket.Conn) {
	defer close(s.done)
	restore := false
	for {
		lost := make(chan struct{})
		go func(c *websocket.Conn) {
			s.readLoop(c)
			s.detach(c)
			close(lost)
		}(conn)
		if restore {
			s.resubscribe()
		}
		<-lost
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("hub connection lost, reconnecting")

		var err error
		conn, err = s.reconnect()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		restore = true
	}
}

func (s *Substrate) reconnect() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialInterval
	b.MaxInterval = s.opts.MaxInterval
	return backoff.Retry(s.ctx, func() (*websocket.Conn, error) {
		return s.dial(s.ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Info("hub redial failed", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
}

// detach forgets a dead connection and fails its in-flight requests.
func (s *Substrate) detach(conn *websocket.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	pending := s.pending
	s.pending = make(map[string]chan realtime.WSMessage)
	s.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// resubscribe restores every open subscription on a fresh connection. A
// subscription the server refuses (the party may be gone) is still told, so
// its owner reloads and finds out.
func (s *Substrate) resubscribe() {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(s.ctx, replyTimeout)
		_, err := s.request(ctx, realtime.EventSubscribe, sub.channel, nil)
		cancel()
		if errors.Is(err, ErrDisconnected) || errors.Is(err, ErrSubstrateClosed) {
			return
		}
		if err != nil {
			s.logger.Warn("resubscribe refused", zap.String("channel", sub.channel), zap.Error(err))
		}
		if s.current(sub) {
			sub.deliver(watchparty.Resubscribed{PartyID: sub.partyID, Kind: sub.kind})
		}
	}
}

func (s *Substrate) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("hub read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(realtime.PongWait * time.Second))
		var msg realtime.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("malformed frame dropped", zap.Error(err))
			continue
		}
		s.route(msg)
	}
}

// route hands replies to their waiting request and notifications to their subscription.
func (s *Substrate) route(msg realtime.WSMessage) {
	if msg.Ref != "" {
		s.mu.Lock()
		ch, ok := s.pending[msg.Ref]
		delete(s.pending, msg.Ref)
		s.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
		if msg.Event == realtime.EventError {
			s.logger.Warn("unmatched error reply", zap.String("channel", msg.Channel), zap.ByteString("data", msg.Data))
			return
		}
	}
	s.mu.Lock()
	sub := s.subs[msg.Channel]
	s.mu.Unlock()
	if sub == nil {
		return
	}
	ev, err := translate(sub, msg)
	if err != nil {
		s.logger.Warn("malformed notification dropped", zap.String("event", msg.Event), zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if ev != nil {
		sub.deliver(ev)
	}
}

// translate maps one hub notification onto a client-core event. A nil event
// with no error means the notification is not relevant to the client.
func translate(sub *subscription, msg realtime.WSMessage) (watchparty.Event, error) {
	switch msg.Event {
	case realtime.EventRowChange:
		var rc realtime.RowChange
		if err := json.Unmarshal(msg.Data, &rc); err != nil {
			return nil, err
		}
		return translateRow(sub, rc)
	case realtime.EventPresenceSync:
		var ps realtime.PresenceSync
		if err := json.Unmarshal(msg.Data, &ps); err != nil {
			return nil, err
		}
		return watchparty.PresenceSync{PartyID: sub.partyID, Presences: ps.Presences}, nil
	case realtime.EventBroadcast:
		var b realtime.Broadcast
		if err := json.Unmarshal(msg.Data, &b); err != nil {
			return nil, err
		}
		if b.Event != realtime.BroadcastTyping {
			return nil, nil
		}
		var t realtime.Typing
		if err := json.Unmarshal(b.Payload, &t); err != nil {
			return nil, err
		}
		return watchparty.Broadcast{PartyID: sub.partyID, DisplayName: t.DisplayName, UserID: t.UserID}, nil
	}
	return nil, nil
}

func translateRow(sub *subscription, rc realtime.RowChange) (watchparty.Event, error) {
	switch {
	case rc.Table == realtime.TableMessages && rc.Type == realtime.ChangeInsert:
		var m models.Message
		if err := json.Unmarshal(rc.Record, &m); err != nil {
			return nil, err
		}
		return watchparty.Insert{Message: m}, nil
	case rc.Table == realtime.TableParties && rc.Type == realtime.ChangeUpdate:
		var p models.Party
		if err := json.Unmarshal(rc.Record, &p); err != nil {
			return nil, err
		}
		return watchparty.Update{Party: p}, nil
	case rc.Table == realtime.TableParties && rc.Type == realtime.ChangeDelete:
		var old struct {
			ID uuid.UUID `json:"id"`
		}
		if len(rc.OldRecord) > 0 {
			if err := json.Unmarshal(rc.OldRecord, &old); err != nil {
				return nil, err
			}
		}
		if old.ID == uuid.Nil {
			old.ID = sub.partyID
		}
		return watchparty.Delete{PartyID: old.ID}, nil
	}
	return nil, nil
}

// request sends one event and waits for the server's reply to it.
func (s *Substrate) request(ctx context.Context, event, channel string, payload interface{}) (realtime.WSMessage, error) {
	ch := make(chan realtime.WSMessage, 1)
	s.mu.Lock()
	s.nextRef++
	ref := strconv.FormatUint(s.nextRef, 10)
	s.pending[ref] = ch
	s.mu.Unlock()

	if err := s.send(event, channel, ref, payload); err != nil {
		s.forget(ref)
		return realtime.WSMessage{}, err
	}
	select {
	case msg, ok := <-ch:
		if !ok {
			return realtime.WSMessage{}, ErrDisconnected
		}
		if msg.Event == realtime.EventError {
			var e realtime.ErrorPayload
			_ = json.Unmarshal(msg.Data, &e)
			return msg, &RemoteError{Event: event, Message: e.Message}
		}
		return msg, nil
	case <-ctx.Done():
		s.forget(ref)
		return realtime.WSMessage{}, ctx.Err()
	case <-s.done:
		return realtime.WSMessage{}, ErrSubstrateClosed
	}
}

func (s *Substrate) forget(ref string) {
	s.mu.Lock()
	delete(s.pending, ref)
	s.mu.Unlock()
}

func (s *Substrate) send(event, channel, ref string, payload interface{}) error {
	msg := realtime.WSMessage{Event: event, Channel: channel, Ref: ref}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Data = raw
	}
	if s.ctx.Err() != nil {
		return ErrSubstrateClosed
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// Subscribe opens a channel subscription. A second subscription to the same
// channel replaces the first, which stops receiving notifications.
func (s *Substrate) Subscribe(ctx context.Context, partyID uuid.UUID, kind watchparty.ChannelKind, deliver func(watchparty.Event)) (watchparty.Subscription, error) {
	channel := realtime.UpdatesChannel(partyID)
	if kind == watchparty.ChatChannel {
		channel = realtime.ChatChannel(partyID)
	}
	sub := &subscription{s: s, channel: channel, partyID: partyID, kind: kind, deliver: deliver}

	s.mu.Lock()
	s.subs[channel] = sub
	s.mu.Unlock()

	if _, err := s.request(ctx, realtime.EventSubscribe, channel, nil); err != nil {
		s.release(sub)
		var re *RemoteError
		if errors.As(err, &re) && re.Message == realtime.ErrPartyNotFound.Error() {
			return nil, fmt.Errorf("%w: %s", watchparty.ErrNotFound, partyID)
		}
		return nil, err
	}
	s.logger.Debug("subscribed", zap.String("channel", channel))
	return sub, nil
}

func (s *Substrate) current(sub *subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[sub.channel] == sub
}

// release drops sub if it still owns its channel.
func (s *Substrate) release(sub *subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[sub.channel] != sub {
		return false
	}
	delete(s.subs, sub.channel)
	return true
}

// Close drops the connection and stops reconnecting.
func (s *Substrate) Close() error {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	<-s.done
	return nil
}

type subscription struct {
	s       *Substrate
	channel string
	partyID uuid.UUID
	kind    watchparty.ChannelKind
	deliver func(watchparty.Event)
}

// Track announces presence and returns the stored record.
func (sub *subscription) Track(ctx context.Context, guestName, guestKey string) (models.Presence, error) {
	reply, err := sub.s.request(ctx, realtime.EventTrack, sub.channel,
		realtime.TrackRequest{GuestName: guestName, GuestKey: guestKey})
	if err != nil {
		return models.Presence{}, err
	}
	var p models.Presence
	if err := json.Unmarshal(reply.Data, &p); err != nil {
		return models.Presence{}, fmt.Errorf("decode tracked: %w", err)
	}
	return p, nil
}

// Typing sends a typing broadcast. The server only answers on failure.
func (sub *subscription) Typing(ctx context.Context) error {
	return sub.s.send(realtime.EventBroadcast, sub.channel, "", realtime.Broadcast{Event: realtime.BroadcastTyping})
}

// Unsubscribe leaves the channel. It is a no-op for a subscription that was
// replaced or whose connection is down.
func (sub *subscription) Unsubscribe(ctx context.Context) error {
	if !sub.s.release(sub) {
		return nil
	}
	_, err := sub.s.request(ctx, realtime.EventUnsubscribe, sub.channel, nil)
	if errors.Is(err, ErrDisconnected) || errors.Is(err, ErrSubstrateClosed) {
		return nil
	}
	return err
}
