package watchparty

import (
	"github.com/google/uuid"

	"github.com/watchparty/backend/internal/models"
)

// ChatLine is a message ready for display.
type ChatLine struct {
	models.Message
	Author string
	Mine   bool
}

// fetchLabels asks for the labels of authors not yet known or requested.
func fetchLabels(s State, msgs []models.Message) (State, []Effect) {
	var ids []uuid.UUID
	var requested map[uuid.UUID]bool
	for _, m := range msgs {
		if m.UserID == nil {
			continue
		}
		id := *m.UserID
		if _, ok := s.Labels[id]; ok || s.Requested[id] || requested[id] {
			continue
		}
		if requested == nil {
			requested = make(map[uuid.UUID]bool, len(s.Requested)+1)
			for k := range s.Requested {
				requested[k] = true
			}
		}
		requested[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return s, nil
	}
	s.Requested = requested
	return s, []Effect{FetchProfiles{IDs: ids}}
}

// Author returns the label shown for a message's author.
func (s State) Author(m models.Message) string {
	if m.UserID != nil {
		if l, ok := s.Labels[*m.UserID]; ok {
			return l
		}
		return "User"
	}
	if m.GuestName == nil || *m.GuestName == "" {
		return "Guest"
	}
	return *m.GuestName
}

// IsMine reports whether this session wrote m.
func (s State) IsMine(m models.Message) bool {
	if m.UserID != nil {
		return s.Self.Identity != nil && *m.UserID == s.Self.Identity.ID
	}
	return s.Self.Identity == nil && m.GuestName != nil && *m.GuestName == s.Self.GuestName
}

// ChatLines returns the messages in display order with author labels.
func (s State) ChatLines() []ChatLine {
	lines := make([]ChatLine, 0, len(s.Messages))
	for _, m := range s.Messages {
		lines = append(lines, ChatLine{Message: m, Author: s.Author(m), Mine: s.IsMine(m)})
	}
	return lines
}
