package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/watchparty/backend/internal/models"
	"github.com/watchparty/backend/internal/profiles"
	"github.com/watchparty/backend/internal/watchparty"
	"github.com/watchparty/backend/pkg/response"
)

// defaultTimeout bounds one API round trip when the caller's context has no deadline.
const defaultTimeout = 15 * time.Second

// Store talks to the party API over HTTP. It implements watchparty.Store.
type Store struct {
	base   string
	token  string
	http   *http.Client
	logger *zap.Logger
}

var _ watchparty.Store = (*Store)(nil)

// NewStore creates an API client for baseURL. An empty token sends requests anonymously.
func NewStore(baseURL, token string, httpClient *http.Client, logger *zap.Logger) *Store {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		http:   httpClient,
		logger: logger,
	}
}

func (s *Store) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	err = response.Decode(resp.StatusCode, resp.Body, out)
	switch {
	case err == nil:
		return nil
	case response.IsStatus(err, http.StatusNotFound):
		return fmt.Errorf("%w: %s", watchparty.ErrNotFound, path)
	case response.IsStatus(err, http.StatusForbidden):
		return watchparty.ErrNotHost
	case response.IsStatus(err, http.StatusUnauthorized):
		return watchparty.ErrIdentityRequired
	case response.IsStatus(err, http.StatusConflict):
		return watchparty.ErrNotPresent
	}
	s.logger.Warn("api request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
	return err
}

func partyPath(id uuid.UUID, suffix string) string {
	return "/parties/" + id.String() + suffix
}

// CreateParty creates a party hosted by the token's identity.
func (s *Store) CreateParty(ctx context.Context, media models.MediaRef, ep *models.Episode) (models.Party, error) {
	body := map[string]interface{}{
		"media_kind": media.Kind,
		"tmdb_id":    media.TMDBID,
	}
	if ep != nil {
		body["season_number"] = ep.Season
		body["episode_number"] = ep.Number
	}
	var p models.Party
	err := s.do(ctx, http.MethodPost, "/parties", body, &p)
	return p, err
}

// JoinParty loads a party.
func (s *Store) JoinParty(ctx context.Context, id uuid.UUID) (models.Party, error) {
	var p models.Party
	err := s.do(ctx, http.MethodGet, partyPath(id, ""), nil, &p)
	return p, err
}

// EndParty deletes a party. Only its host may do so.
func (s *Store) EndParty(ctx context.Context, id uuid.UUID) error {
	return s.do(ctx, http.MethodDelete, partyPath(id, ""), nil, nil)
}

// UpdatePlaybackState writes a partial playback update and returns the stored party.
func (s *Store) UpdatePlaybackState(ctx context.Context, id uuid.UUID, u models.PlaybackUpdate) (models.Party, error) {
	var p models.Party
	err := s.do(ctx, http.MethodPatch, partyPath(id, "/playback"), u, &p)
	return p, err
}

// ListMessages returns a party's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, id uuid.UUID) ([]models.Message, error) {
	var list []models.Message
	err := s.do(ctx, http.MethodGet, partyPath(id, "/messages"), nil, &list)
	return list, err
}

// SendMessage posts a chat message. Anonymous callers send the key they
// tracked presence with and the server signs the message with that presence's name.
func (s *Store) SendMessage(ctx context.Context, id uuid.UUID, content, guestKey string) (models.Message, error) {
	body := map[string]string{"content": content}
	if s.token == "" {
		body["guest_key"] = guestKey
	}
	var m models.Message
	err := s.do(ctx, http.MethodPost, partyPath(id, "/messages"), body, &m)
	return m, err
}

// Profiles looks up author profiles, profiles.MaxLookup ids per request.
// Unknown ids are absent from the result.
func (s *Store) Profiles(ctx context.Context, ids []uuid.UUID) ([]models.Profile, error) {
	var out []models.Profile
	for len(ids) > 0 {
		n := min(len(ids), profiles.MaxLookup)
		batch, err := s.profiles(ctx, ids[:n])
		if err != nil {
			return out, err
		}
		out = append(out, batch...)
		ids = ids[n:]
	}
	return out, nil
}

func (s *Store) profiles(ctx context.Context, ids []uuid.UUID) ([]models.Profile, error) {
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	q := url.Values{"ids": {strings.Join(raw, ",")}}
	var list []models.Profile
	err := s.do(ctx, http.MethodGet, "/profiles?"+q.Encode(), nil, &list)
	return list, err
}
