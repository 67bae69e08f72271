package messages

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/watchparty/backend/internal/middleware"
	"github.com/watchparty/backend/internal/models"
	"github.com/watchparty/backend/internal/realtime"
	"github.com/watchparty/backend/pkg/response"
)

// MaxContentLen bounds a message body, in runes.
const MaxContentLen = 2000

// Store is the persistence the handler needs.
type Store interface {
	Create(ctx context.Context, m *models.Message) error
	ListByParty(ctx context.Context, partyID uuid.UUID) ([]models.Message, error)
}

// Notifier delivers row changes to channel subscribers.
type Notifier interface {
	PublishRowChange(channel string, change realtime.RowChange)
}

// Roster lists who is live in a party's chat.
type Roster interface {
	Audience(ctx context.Context, partyID uuid.UUID) ([]models.Presence, error)
}

// SendRequest is the body for POST /parties/:id/messages. An anonymous caller
// sends GuestKey, the key it tracked presence with; the message carries the
// guest name that presence was given. Authenticated callers omit it.
type SendRequest struct {
	Content  string `json:"content"`
	GuestKey string `json:"guest_key,omitempty"`
}

// Handler handles chat message HTTP endpoints.
type Handler struct {
	repo     Store
	notifier Notifier
	roster   Roster
	logger   *zap.Logger
}

// NewHandler creates a messages handler.
func NewHandler(repo Store, notifier Notifier, roster Roster, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, notifier: notifier, roster: roster, logger: logger}
}

// guestName returns the name the guest holding key is present under.
func (h *Handler) guestName(ctx context.Context, partyID uuid.UUID, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidAuthor
	}
	live, err := h.roster.Audience(ctx, partyID)
	if err != nil {
		return "", err
	}
	want := models.Presence{GuestKey: key}.Key()
	for _, p := range live {
		if p.Key() == want {
			return p.GuestName, nil
		}
	}
	return "", ErrGuestAbsent
}

// NewMessage validates content and author and builds the message to store.
// Exactly one of identity and guestName must be usable.
func NewMessage(partyID uuid.UUID, content string, identity *models.Identity, guestName string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentLen {
		return nil, ErrTooLong
	}
	m := &models.Message{PartyID: partyID, Content: content}
	if identity != nil {
		if identity.ID == uuid.Nil {
			return nil, ErrInvalidAuthor
		}
		id := identity.ID
		m.UserID = &id
		return m, nil
	}
	name, err := models.NormalizeGuestName(guestName)
	if err != nil {
		if strings.TrimSpace(guestName) == "" {
			return nil, ErrInvalidAuthor
		}
		return nil, err
	}
	m.GuestName = &name
	return m, nil
}

// List handles GET /parties/:id/messages.
func (h *Handler) List(c *gin.Context) {
	partyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid party id")
		return
	}
	list, err := h.repo.ListByParty(c.Request.Context(), partyID)
	if err != nil {
		h.logger.Error("list messages", zap.String("party_id", partyID.String()), zap.Error(err))
		response.Internal(c, "failed to list messages")
		return
	}
	if list == nil {
		list = []models.Message{}
	}
	response.OK(c, list)
}

// Send handles POST /parties/:id/messages.
func (h *Handler) Send(c *gin.Context) {
	partyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid party id")
		return
	}
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	var (
		identity *models.Identity
		guest    string
	)
	if id, ok := middleware.IdentityFrom(c); ok {
		identity = &id
	} else if guest, err = h.guestName(c.Request.Context(), partyID, req.GuestKey); err != nil {
		switch {
		case errors.Is(err, ErrGuestAbsent):
			response.Conflict(c, err.Error())
		case errors.Is(err, ErrInvalidAuthor):
			response.BadRequest(c, err.Error())
		default:
			h.logger.Error("guest presence lookup", zap.String("party_id", partyID.String()), zap.Error(err))
			response.Internal(c, "failed to send message")
		}
		return
	}
	m, err := NewMessage(partyID, req.Content, identity, guest)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.repo.Create(c.Request.Context(), m); err != nil {
		if errors.Is(err, ErrPartyNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		h.logger.Error("create message", zap.String("party_id", partyID.String()), zap.Error(err))
		response.Internal(c, "failed to send message")
		return
	}

	change, err := realtime.NewRowChange(realtime.ChangeInsert, realtime.TableMessages, m, nil)
	if err != nil {
		h.logger.Error("encode row change", zap.Error(err))
	} else {
		h.notifier.PublishRowChange(realtime.ChatChannel(partyID), change)
	}
	response.Created(c, m)
}
