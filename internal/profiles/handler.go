package profiles

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/watchparty/backend/internal/models"
	"github.com/watchparty/backend/pkg/response"
)

// MaxLookup bounds the ids accepted by one lookup. Clients batch larger sets.
const MaxLookup = 100

type lister interface {
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Profile, error)
}

// Handler serves author-label lookups.
type Handler struct {
	repo lister
}

// NewHandler creates a profiles handler.
func NewHandler(repo lister) *Handler {
	return &Handler{repo: repo}
}

// List handles GET /profiles?ids=a,b. Unknown or malformed ids are skipped.
func (h *Handler) List(c *gin.Context) {
	var ids []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, raw := range strings.Split(c.Query("ids"), ",") {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) > MaxLookup {
		response.BadRequest(c, "too many ids")
		return
	}
	list, err := h.repo.ListByIDs(c.Request.Context(), ids)
	if err != nil {
		response.Internal(c, "failed to list profiles")
		return
	}
	if list == nil {
		list = []models.Profile{}
	}
	response.OK(c, list)
}
