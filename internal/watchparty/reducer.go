package watchparty

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/watchparty/backend/internal/models"
)

const (
	// NoticeEnded is shown to viewers when the party disappears under them.
	NoticeEnded = "The watch party has ended."
	// NoticeHostEnded is shown to the host after ending the party.
	NoticeHostEnded = "Watch party ended"
)

// Reduce applies one event to s. It is pure: all I/O is returned as effects.
func Reduce(s State, ev Event, now time.Time) (State, []Effect) {
	switch e := ev.(type) {
	case JoinRequested:
		s = clearParty(s, PhaseJoining)
		s.PartyID = e.PartyID
		return s, nil
	case JoinFailed:
		if s.Phase != PhaseJoining || e.PartyID != s.PartyID {
			return s, nil
		}
		return clearParty(s, PhaseUnjoined), []Effect{ClearLink{}}
	case Snapshot:
		return reduceSnapshot(s, e, now)
	case Insert, Update, Delete:
		if s.Phase == PhaseJoining && notificationParty(ev) == s.PartyID {
			s.Pending = append(append([]Event(nil), s.Pending...), ev)
			return s, nil
		}
		if !s.InParty() {
			return s, nil
		}
		return applyNotification(s, ev, now)
	case PresenceSync:
		if (s.Phase == PhaseJoining || s.Phase == PhaseJoined) && e.PartyID == s.PartyID {
			s.Presences = append([]models.Presence(nil), e.Presences...)
		}
		return s, nil
	case Broadcast:
		return receiveTyping(s, e, now)
	case Tick:
		s.Typing = pruneTyping(s.Typing, now)
		return s, nil
	case Resubscribed:
		if !s.InParty() || e.PartyID != s.PartyID {
			return s, nil
		}
		effects := []Effect{ReloadSnapshot{PartyID: s.PartyID}}
		if e.Kind == ChatChannel && s.Self.CanChat() {
			effects = append(effects, trackEffect(s))
		}
		return s, effects
	case Tracked:
		if !s.InParty() || e.PartyID != s.PartyID {
			return s, nil
		}
		p := e.Presence
		s.Tracked = &p
		if s.Self.Identity == nil && p.GuestName != "" {
			s.Self.GuestName = p.GuestName
		}
		return s, nil
	case ProfilesLoaded:
		return reduceProfiles(s, e), nil
	case Ended:
		if s.Phase != PhaseJoining && s.Phase != PhaseJoined {
			return s, nil
		}
		effects := []Effect{Unsubscribe{}, ClearLink{}}
		if e.Notice != "" {
			effects = append(effects, Notify{Message: e.Notice})
		}
		return clearParty(s, PhaseEnded), effects
	case EndRequested:
		if s.InParty() {
			s.Ending = true
		}
		return s, nil
	case EndFailed:
		if e.PartyID == s.PartyID {
			s.Ending = false
		}
		return s, nil
	case Left:
		if s.Phase != PhaseJoining && s.Phase != PhaseJoined {
			return s, nil
		}
		return clearParty(s, PhaseEnded), []Effect{Unsubscribe{}, ClearLink{}}
	case EpisodeSelected:
		ep := e.Episode
		if s.Displayed != nil && *s.Displayed == ep {
			return s, nil
		}
		s.Displayed = &ep
		return s, []Effect{ShowEpisode{Episode: ep}}
	case GuestNameSet:
		s.Self.GuestName = e.Name
		if s.Self.Identity == nil && s.InParty() && e.Name != "" {
			return s, []Effect{trackEffect(s)}
		}
		return s, nil
	case Keystroke:
		return reduceKeystroke(s, now)
	}
	return s, nil
}

// clearParty drops everything tied to the current party. Self, the displayed
// episode and the label cache belong to the session and survive.
func clearParty(s State, phase Phase) State {
	s.Phase = phase
	s.Party = nil
	s.Messages = nil
	s.Presences = nil
	s.Tracked = nil
	s.Ending = false
	s.Pending = nil
	s.Typing = nil
	s.LastTypingSent = time.Time{}
	return s
}

func notificationParty(ev Event) uuid.UUID {
	switch e := ev.(type) {
	case Insert:
		return e.Message.PartyID
	case Update:
		return e.Party.ID
	case Delete:
		return e.PartyID
	}
	return uuid.Nil
}

func trackEffect(s State) TrackPresence {
	return TrackPresence{GuestName: s.Self.GuestName, GuestKey: s.Self.GuestKey}
}

func reduceSnapshot(s State, e Snapshot, now time.Time) (State, []Effect) {
	if e.Party.ID != s.PartyID {
		return s, nil
	}
	var effects []Effect
	switch s.Phase {
	case PhaseJoining:
		party := e.Party
		s.Phase = PhaseJoined
		s.Party = &party
		s.Messages = upsertMessages(nil, e.Messages...)
		pending := s.Pending
		s.Pending = nil
		for _, ev := range pending {
			var more []Effect
			s, more = applyNotification(s, ev, now)
			effects = append(effects, more...)
			if !s.InParty() {
				return s, effects
			}
		}
		if s.Self.CanChat() {
			effects = append(effects, trackEffect(s))
		}
	case PhaseJoined:
		if !e.Party.LastUpdated.Before(s.Party.LastUpdated) {
			party := e.Party
			s.Party = &party
		}
		s.Messages = upsertMessages(s.Messages, e.Messages...)
	default:
		return s, nil
	}

	var more []Effect
	s, more = reconcile(s)
	effects = append(effects, more...)
	s, more = fetchLabels(s, s.Messages)
	return s, append(effects, more...)
}

func applyNotification(s State, ev Event, now time.Time) (State, []Effect) {
	switch e := ev.(type) {
	case Insert:
		if e.Message.PartyID != s.PartyID {
			return s, nil
		}
		s.Messages = upsertMessages(s.Messages, e.Message)
		return fetchLabels(s, []models.Message{e.Message})
	case Update:
		if e.Party.ID != s.PartyID || e.Party.LastUpdated.Before(s.Party.LastUpdated) {
			return s, nil
		}
		party := e.Party
		s.Party = &party
		return reconcile(s)
	case Delete:
		if e.PartyID != s.PartyID {
			return s, nil
		}
		notice := NoticeEnded
		if s.Ending {
			notice = NoticeHostEnded
		}
		return Reduce(s, Ended{Notice: notice}, now)
	}
	return s, nil
}

// reconcile switches the playback surface to the party's episode. Guests
// follow every change; the host's own selection is never overridden, only
// seeded when nothing is displayed yet.
func reconcile(s State) (State, []Effect) {
	ep, ok := s.Party.Episode()
	if !ok {
		return s, nil
	}
	if s.Displayed != nil && (*s.Displayed == ep || s.IsHost()) {
		return s, nil
	}
	s.Displayed = &ep
	return s, []Effect{ShowEpisode{Episode: ep}}
}

// upsertMessages merges add into list by id and keeps (created_at, id) order.
func upsertMessages(list []models.Message, add ...models.Message) []models.Message {
	byID := make(map[int64]int, len(list)+len(add))
	out := make([]models.Message, 0, len(list)+len(add))
	for _, m := range list {
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	for _, m := range add {
		if i, ok := byID[m.ID]; ok {
			out[i] = m
			continue
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func reduceProfiles(s State, e ProfilesLoaded) State {
	labels := make(map[uuid.UUID]string, len(s.Labels)+len(e.Profiles))
	for id, l := range s.Labels {
		labels[id] = l
	}
	requested := make(map[uuid.UUID]bool, len(s.Requested))
	for id := range s.Requested {
		requested[id] = true
	}
	for _, p := range e.Profiles {
		labels[p.ID] = p.Label()
	}
	for _, id := range e.Requested {
		delete(requested, id)
		if _, ok := labels[id]; !ok && e.Err == nil {
			labels[id] = models.Profile{ID: id}.Label()
		}
	}
	s.Labels = labels
	s.Requested = requested
	return s
}
