package parties

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/watchparty/backend/internal/models"
)

var (
	ErrNotFound = errors.New("party not found")
	ErrNotHost  = errors.New("only the host can do that")
)

const partyColumns = `id, host_id, media_kind, tmdb_id, season_number, episode_number, is_playing, current_time_seconds, created_at, last_updated`

// Repository handles party persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a party repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanParty(row pgx.Row) (*models.Party, error) {
	var p models.Party
	err := row.Scan(&p.ID, &p.HostID, &p.MediaKind, &p.TMDBID, &p.SeasonNumber, &p.EpisodeNumber,
		&p.IsPlaying, &p.CurrentTimeSeconds, &p.CreatedAt, &p.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new party. The party starts playing at position zero.
func (r *Repository) Create(ctx context.Context, p *models.Party) error {
	const q = `INSERT INTO parties (host_id, media_kind, tmdb_id, season_number, episode_number)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + partyColumns
	created, err := scanParty(r.pool.QueryRow(ctx, q, p.HostID, p.MediaKind, p.TMDBID, p.SeasonNumber, p.EpisodeNumber))
	if err != nil {
		return err
	}
	*p = *created
	return nil
}

// GetByID returns a party by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Party, error) {
	return scanParty(r.pool.QueryRow(ctx, `SELECT `+partyColumns+` FROM parties WHERE id = $1`, id))
}

// UpdatePlayback merges the non-nil fields of u into the party and stamps
// last_updated. Concurrent writers resolve last-writer-wins.
func (r *Repository) UpdatePlayback(ctx context.Context, id uuid.UUID, u models.PlaybackUpdate) (*models.Party, error) {
	const q = `UPDATE parties SET
		is_playing = COALESCE($2, is_playing),
		current_time_seconds = COALESCE($3, current_time_seconds),
		season_number = COALESCE($4, season_number),
		episode_number = COALESCE($5, episode_number),
		last_updated = NOW()
		WHERE id = $1
		RETURNING ` + partyColumns
	return scanParty(r.pool.QueryRow(ctx, q, id, u.IsPlaying, u.CurrentTimeSeconds, u.SeasonNumber, u.EpisodeNumber))
}

// Delete removes a party and, by cascade, its messages. It returns the deleted row.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) (*models.Party, error) {
	return scanParty(r.pool.QueryRow(ctx, `DELETE FROM parties WHERE id = $1 RETURNING `+partyColumns, id))
}

// Exists reports ErrNotFound for unknown parties. It matches realtime.ChannelAuthorizer.
func (r *Repository) Exists(ctx context.Context, id uuid.UUID) error {
	var one int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM parties WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
