package parties

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/watchparty/backend/internal/middleware"
	"github.com/watchparty/backend/internal/models"
	"github.com/watchparty/backend/internal/realtime"
	"github.com/watchparty/backend/pkg/response"
)

// Store is the persistence the handler needs.
type Store interface {
	Create(ctx context.Context, p *models.Party) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Party, error)
	UpdatePlayback(ctx context.Context, id uuid.UUID, u models.PlaybackUpdate) (*models.Party, error)
	Delete(ctx context.Context, id uuid.UUID) (*models.Party, error)
}

// Notifier delivers row changes to channel subscribers.
type Notifier interface {
	PublishRowChange(channel string, change realtime.RowChange)
}

// AudienceSource lists the live viewers of a party.
type AudienceSource interface {
	Audience(ctx context.Context, partyID uuid.UUID) ([]models.Presence, error)
}

// CreateRequest is the body for POST /parties.
type CreateRequest struct {
	MediaKind     models.MediaKind `json:"media_kind" binding:"required"`
	TMDBID        string           `json:"tmdb_id" binding:"required"`
	SeasonNumber  *int             `json:"season_number"`
	EpisodeNumber *int             `json:"episode_number"`
}

// Handler handles party HTTP endpoints.
type Handler struct {
	repo     Store
	notifier Notifier
	audience AudienceSource
	logger   *zap.Logger
}

// NewHandler creates a party handler.
func NewHandler(repo Store, notifier Notifier, audience AudienceSource, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, notifier: notifier, audience: audience, logger: logger}
}

func validEpisode(season, episode *int) bool {
	return (season == nil || *season >= 0) && (episode == nil || *episode >= 1)
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid party id")
		return uuid.Nil, false
	}
	return id, true
}

// Create handles POST /parties. The caller becomes the host.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !req.MediaKind.Valid() {
		response.BadRequest(c, "media_kind must be movie or tv")
		return
	}
	if !validEpisode(req.SeasonNumber, req.EpisodeNumber) {
		response.BadRequest(c, "invalid season or episode")
		return
	}
	identity, _ := middleware.IdentityFrom(c)

	p := &models.Party{
		HostID:        identity.ID,
		MediaKind:     req.MediaKind,
		TMDBID:        req.TMDBID,
		SeasonNumber:  req.SeasonNumber,
		EpisodeNumber: req.EpisodeNumber,
	}
	if err := h.repo.Create(c.Request.Context(), p); err != nil {
		h.logger.Error("create party", zap.Error(err))
		response.Internal(c, "failed to create party")
		return
	}
	h.logger.Info("party created", zap.String("party_id", p.ID.String()), zap.String("host_id", p.HostID.String()))
	response.Created(c, p)
}

// Get handles GET /parties/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	p, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, err, "failed to load party")
		return
	}
	response.OK(c, p)
}

// hostParty loads the party and checks that the caller is its host.
func (h *Handler) hostParty(c *gin.Context) (*models.Party, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}
	p, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, err, "failed to load party")
		return nil, false
	}
	identity, _ := middleware.IdentityFrom(c)
	if !p.IsHost(identity.ID) {
		response.Forbidden(c, ErrNotHost.Error())
		return nil, false
	}
	return p, true
}

// UpdatePlayback handles PATCH /parties/:id/playback (host only).
func (h *Handler) UpdatePlayback(c *gin.Context) {
	var u models.PlaybackUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if u.Empty() {
		response.BadRequest(c, "no playback fields to update")
		return
	}
	if !validEpisode(u.SeasonNumber, u.EpisodeNumber) || (u.CurrentTimeSeconds != nil && *u.CurrentTimeSeconds < 0) {
		response.BadRequest(c, "invalid playback state")
		return
	}
	old, ok := h.hostParty(c)
	if !ok {
		return
	}
	updated, err := h.repo.UpdatePlayback(c.Request.Context(), old.ID, u)
	if err != nil {
		h.storeError(c, err, "failed to update playback")
		return
	}
	h.publish(realtime.ChangeUpdate, updated, old)
	response.OK(c, updated)
}

// End handles DELETE /parties/:id (host only).
func (h *Handler) End(c *gin.Context) {
	p, ok := h.hostParty(c)
	if !ok {
		return
	}
	deleted, err := h.repo.Delete(c.Request.Context(), p.ID)
	if err != nil {
		h.storeError(c, err, "failed to end party")
		return
	}
	h.publish(realtime.ChangeDelete, nil, deleted)
	h.logger.Info("party ended", zap.String("party_id", deleted.ID.String()))
	response.NoContent(c)
}

// Audience handles GET /parties/:id/audience.
func (h *Handler) Audience(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	list, err := h.audience.Audience(c.Request.Context(), id)
	if err != nil {
		h.logger.Warn("audience lookup", zap.String("party_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load audience")
		return
	}
	people := make(map[string]struct{}, len(list))
	for _, p := range list {
		people[p.Key()] = struct{}{}
	}
	response.OK(c, gin.H{"connections": len(list), "people": len(people), "presences": list})
}

func (h *Handler) publish(t realtime.ChangeType, record, old *models.Party) {
	var rec, prev interface{}
	partyID := uuid.Nil
	if record != nil {
		rec, partyID = record, record.ID
	}
	if old != nil {
		prev, partyID = old, old.ID
	}
	change, err := realtime.NewRowChange(t, realtime.TableParties, rec, prev)
	if err != nil {
		h.logger.Error("encode row change", zap.Error(err))
		return
	}
	h.notifier.PublishRowChange(realtime.UpdatesChannel(partyID), change)
}

func (h *Handler) storeError(c *gin.Context, err error, msg string) {
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, ErrNotFound.Error())
		return
	}
	h.logger.Error(msg, zap.Error(err))
	response.Internal(c, msg)
}
