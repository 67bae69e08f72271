package watchparty

import (
	"sort"
	"strings"
	"time"
)

const (
	// TypingWindow is the minimum spacing between outgoing typing signals.
	TypingWindow = 2 * time.Second
	// TypingTTL is how long an indicator stays up after the latest signal.
	TypingTTL = 3 * time.Second
)

func reduceKeystroke(s State, now time.Time) (State, []Effect) {
	if !s.InParty() || s.Tracked == nil {
		return s, nil
	}
	if !s.LastTypingSent.IsZero() && now.Sub(s.LastTypingSent) < TypingWindow {
		return s, nil
	}
	s.LastTypingSent = now
	return s, []Effect{SendTyping{}}
}

func (s State) isSelf(e Broadcast) bool {
	if s.Self.Identity != nil && e.UserID != nil && *e.UserID == s.Self.Identity.ID {
		return true
	}
	name := s.DisplayName()
	return name != "" && strings.EqualFold(name, e.DisplayName)
}

func receiveTyping(s State, e Broadcast, now time.Time) (State, []Effect) {
	if !s.InParty() || e.PartyID != s.PartyID || e.DisplayName == "" || s.isSelf(e) {
		return s, nil
	}
	expires := now.Add(TypingTTL)
	typing := pruneTyping(s.Typing, now)
	if typing == nil {
		typing = make(map[string]time.Time, 1)
	}
	typing[e.DisplayName] = expires
	s.Typing = typing
	return s, []Effect{ScheduleTick{At: expires}}
}

// pruneTyping returns a copy of typing without indicators expired at now.
func pruneTyping(typing map[string]time.Time, now time.Time) map[string]time.Time {
	if len(typing) == 0 {
		return nil
	}
	out := make(map[string]time.Time, len(typing))
	for name, exp := range typing {
		if now.Before(exp) {
			out[name] = exp
		}
	}
	return out
}

// TypingNames lists the senders whose indicator is up at now, sorted.
func (s State) TypingNames(now time.Time) []string {
	var names []string
	for name, exp := range s.Typing {
		if now.Before(exp) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
