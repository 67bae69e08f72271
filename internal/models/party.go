package models

import (
	"time"

	"github.com/google/uuid"
)

// MediaKind is the catalog kind of the watched item.
type MediaKind string

const (
	MediaMovie MediaKind = "movie"
	MediaTV    MediaKind = "tv"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	return k == MediaMovie || k == MediaTV
}

// MediaRef points at an item in the external media catalog.
type MediaRef struct {
	Kind   MediaKind `json:"media_kind"`
	TMDBID string    `json:"tmdb_id"`
}

// Episode is a (season, episode) selection on the playback surface.
type Episode struct {
	Season int `json:"season_number"`
	Number int `json:"episode_number"`
}

// Party is one watch-together session. HostID never changes after creation.
type Party struct {
	ID                 uuid.UUID `json:"id"`
	HostID             uuid.UUID `json:"host_id"`
	MediaKind          MediaKind `json:"media_kind"`
	TMDBID             string    `json:"tmdb_id"`
	SeasonNumber       *int      `json:"season_number"`
	EpisodeNumber      *int      `json:"episode_number"`
	IsPlaying          bool      `json:"is_playing"`
	CurrentTimeSeconds float64   `json:"current_time_seconds"`
	CreatedAt          time.Time `json:"created_at"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Media returns the party's catalog reference.
func (p *Party) Media() MediaRef {
	return MediaRef{Kind: p.MediaKind, TMDBID: p.TMDBID}
}

// Episode returns the selected episode. ok is false unless both season and
// episode are set.
func (p *Party) Episode() (ep Episode, ok bool) {
	if p.SeasonNumber == nil || p.EpisodeNumber == nil {
		return Episode{}, false
	}
	return Episode{Season: *p.SeasonNumber, Number: *p.EpisodeNumber}, true
}

// IsHost reports whether userID is the party's host.
func (p *Party) IsHost(userID uuid.UUID) bool {
	return userID != uuid.Nil && p.HostID == userID
}

// PlaybackUpdate is a partial playback-state write. Nil fields are left untouched.
type PlaybackUpdate struct {
	IsPlaying          *bool    `json:"is_playing,omitempty"`
	CurrentTimeSeconds *float64 `json:"current_time_seconds,omitempty"`
	SeasonNumber       *int     `json:"season_number,omitempty"`
	EpisodeNumber      *int     `json:"episode_number,omitempty"`
}

// SelectEpisode builds the update a host issues when switching episode.
func SelectEpisode(ep Episode) PlaybackUpdate {
	season, number := ep.Season, ep.Number
	return PlaybackUpdate{SeasonNumber: &season, EpisodeNumber: &number}
}

// Empty reports whether the update carries no fields.
func (u PlaybackUpdate) Empty() bool {
	return u.IsPlaying == nil && u.CurrentTimeSeconds == nil && u.SeasonNumber == nil && u.EpisodeNumber == nil
}

// Apply merges u into p and stamps LastUpdated.
func (u PlaybackUpdate) Apply(p Party, now time.Time) Party {
	if u.IsPlaying != nil {
		p.IsPlaying = *u.IsPlaying
	}
	if u.CurrentTimeSeconds != nil {
		p.CurrentTimeSeconds = *u.CurrentTimeSeconds
	}
	if u.SeasonNumber != nil {
		v := *u.SeasonNumber
		p.SeasonNumber = &v
	}
	if u.EpisodeNumber != nil {
		v := *u.EpisodeNumber
		p.EpisodeNumber = &v
	}
	p.LastUpdated = now
	return p
}
