package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/watchparty/backend/internal/auth"
	"github.com/watchparty/backend/internal/messages"
	"github.com/watchparty/backend/internal/middleware"
	"github.com/watchparty/backend/internal/models"
	"github.com/watchparty/backend/internal/parties"
	"github.com/watchparty/backend/internal/profiles"
	"github.com/watchparty/backend/internal/realtime"
	"github.com/watchparty/backend/internal/watchparty"
)

const waitFor = 3 * time.Second

// memDB backs the party, message and profile handlers in memory.
type memDB struct {
	mu       sync.Mutex
	now      time.Time
	parties  map[uuid.UUID]models.Party
	messages map[uuid.UUID][]models.Message
	profiles map[uuid.UUID]models.Profile
	nextMsg  int64
}

func newMemDB() *memDB {
	return &memDB{
		now:      time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC),
		parties:  make(map[uuid.UUID]models.Party),
		messages: make(map[uuid.UUID][]models.Message),
		profiles: make(map[uuid.UUID]models.Profile),
	}
}

func (db *memDB) tick() time.Time {
	db.now = db.now.Add(time.Millisecond)
	return db.now
}

type partyTable struct{ *memDB }

func (t partyTable) Create(_ context.Context, p *models.Party) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p.ID = uuid.New()
	p.IsPlaying = true
	p.CreatedAt = t.tick()
	p.LastUpdated = p.CreatedAt
	t.parties[p.ID] = *p
	return nil
}

func (t partyTable) GetByID(_ context.Context, id uuid.UUID) (*models.Party, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parties[id]
	if !ok {
		return nil, parties.ErrNotFound
	}
	return &p, nil
}

func (t partyTable) UpdatePlayback(_ context.Context, id uuid.UUID, u models.PlaybackUpdate) (*models.Party, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parties[id]
	if !ok {
		return nil, parties.ErrNotFound
	}
	p = u.Apply(p, t.tick())
	t.parties[id] = p
	return &p, nil
}

func (t partyTable) Delete(_ context.Context, id uuid.UUID) (*models.Party, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parties[id]
	if !ok {
		return nil, parties.ErrNotFound
	}
	delete(t.parties, id)
	delete(t.messages, id)
	return &p, nil
}

type messageTable struct{ *memDB }

func (t messageTable) Create(_ context.Context, m *models.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.parties[m.PartyID]; !ok {
		return messages.ErrPartyNotFound
	}
	t.nextMsg++
	m.ID = t.nextMsg
	m.CreatedAt = t.tick()
	t.messages[m.PartyID] = append(t.messages[m.PartyID], *m)
	return nil
}

func (t messageTable) ListByParty(_ context.Context, partyID uuid.UUID) ([]models.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Message(nil), t.messages[partyID]...), nil
}

type profileTable struct{ *memDB }

func (t profileTable) Upsert(_ context.Context, id models.Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.profiles[id.ID] = models.Profile{ID: id.ID, Email: id.Email}
	return nil
}

func (t profileTable) ListByIDs(_ context.Context, ids []uuid.UUID) ([]models.Profile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.Profile
	for _, id := range ids {
		if p, ok := t.profiles[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

type server struct {
	db  *memDB
	hub *realtime.Hub
	jwt *auth.JWTService
	srv *httptest.Server
}

// newServer runs the full HTTP and websocket surface over in-memory tables.
func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newMemDB()
	jwtService := auth.NewJWTService("client-test-secret", 1)
	hub := realtime.NewHub(nil, realtime.HubOptions{
		PresenceTTL: time.Minute,
		Authorize: func(ctx context.Context, id uuid.UUID) error {
			if _, err := (partyTable{db}).GetByID(ctx, id); err != nil {
				if errors.Is(err, parties.ErrNotFound) {
					return realtime.ErrPartyNotFound
				}
				return err
			}
			return nil
		},
	})

	partyHandler := parties.NewHandler(partyTable{db}, hub, hub, nil)
	messageHandler := messages.NewHandler(messageTable{db}, hub, hub, nil)
	profileHandler := profiles.NewHandler(profileTable{db})
	validate := func(token string) (models.Identity, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return models.Identity{}, err
		}
		return claims.Identity(), nil
	}

	r := gin.New()
	r.GET("/ws", realtime.ServeWs(hub, nil, validate, 64))
	api := r.Group("")
	api.Use(middleware.Identity(jwtService, profiles.NewRecorder(profileTable{db}, nil)))
	api.POST("/parties", middleware.RequireIdentity(), partyHandler.Create)
	api.GET("/parties/:id", partyHandler.Get)
	api.PATCH("/parties/:id/playback", middleware.RequireIdentity(), partyHandler.UpdatePlayback)
	api.DELETE("/parties/:id", middleware.RequireIdentity(), partyHandler.End)
	api.GET("/parties/:id/messages", messageHandler.List)
	api.POST("/parties/:id/messages", messageHandler.Send)
	api.GET("/profiles", profileHandler.List)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &server{db: db, hub: hub, jwt: jwtService, srv: srv}
}

func (s *server) token(t *testing.T, id models.Identity) string {
	t.Helper()
	tok, err := s.jwt.Generate(id)
	require.NoError(t, err)
	return tok
}

func (s *server) store(token string) *Store {
	return NewStore(s.srv.URL, token, nil, nil)
}

func (s *server) substrate(t *testing.T, token string) *Substrate {
	t.Helper()
	wsURL, err := WebsocketURL(s.srv.URL, token)
	require.NoError(t, err)
	sub, err := Dial(context.Background(), wsURL, SubstrateOptions{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

// inbox collects delivered events.
type inbox chan watchparty.Event

func newInbox() inbox { return make(inbox, 64) }

func (in inbox) deliver(ev watchparty.Event) { in <- ev }

// next waits for the first event of type T, skipping others.
func next[T watchparty.Event](t *testing.T, in inbox) T {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-in:
			if v, ok := ev.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}
