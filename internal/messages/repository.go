package messages

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/watchparty/backend/internal/models"
)

var (
	ErrPartyNotFound = errors.New("party not found")
	ErrEmptyContent  = errors.New("message content is empty")
	ErrInvalidAuthor = errors.New("message needs exactly one of user or guest name")
	ErrTooLong       = errors.New("message is too long")
	ErrGuestAbsent   = errors.New("guest is not present in the party chat")
)

// foreignKeyViolation is the Postgres SQLSTATE for a missing referenced row.
const foreignKeyViolation = "23503"

// Repository handles chat message persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a messages repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create appends a message. Storage assigns id and created_at.
func (r *Repository) Create(ctx context.Context, m *models.Message) error {
	const q = `INSERT INTO messages (party_id, user_id, guest_name, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, q, m.PartyID, m.UserID, m.GuestName, m.Content).Scan(&m.ID, &m.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return ErrPartyNotFound
	}
	return err
}

// ListByParty returns a party's messages ordered by (created_at, id).
func (r *Repository) ListByParty(ctx context.Context, partyID uuid.UUID) ([]models.Message, error) {
	const q = `SELECT id, party_id, user_id, guest_name, content, created_at
		FROM messages WHERE party_id = $1 ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, q, partyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.PartyID, &m.UserID, &m.GuestName, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}
