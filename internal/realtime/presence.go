package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/watchparty/backend/internal/models"
)

// PresenceStore keeps the live presence records of each channel. Records whose
// SeenAt is older than the store's TTL are treated as gone.
type PresenceStore interface {
	Put(ctx context.Context, channel string, p models.Presence) error
	// Claim stores a guest record under the first free form of want, resolved
	// against the live records atomically with the write.
	Claim(ctx context.Context, channel string, p models.Presence, want string) (models.Presence, error)
	Remove(ctx context.Context, channel, ref string) error
	List(ctx context.Context, channel string) ([]models.Presence, error)
}

func withGuestName(p models.Presence, want string, live []models.Presence) models.Presence {
	p.GuestName = resolveDisplayName(want, p.Key(), live)
	p.DisplayName = p.GuestName
	return p
}

func sortPresences(list []models.Presence) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].OnlineAt.Equal(list[j].OnlineAt) {
			return list[i].OnlineAt.Before(list[j].OnlineAt)
		}
		return list[i].Ref < list[j].Ref
	})
}

// MemoryPresence is a single-instance PresenceStore.
type MemoryPresence struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	channels map[string]map[string]models.Presence
}

// NewMemoryPresence creates an in-memory presence store.
func NewMemoryPresence(ttl time.Duration) *MemoryPresence {
	return &MemoryPresence{ttl: ttl, now: time.Now, channels: make(map[string]map[string]models.Presence)}
}

func (m *MemoryPresence) Put(_ context.Context, channel string, p models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[channel] == nil {
		m.channels[channel] = make(map[string]models.Presence)
	}
	m.channels[channel][p.Ref] = p
	return nil
}

func (m *MemoryPresence) Claim(_ context.Context, channel string, p models.Presence, want string) (models.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = withGuestName(p, want, m.live(channel))
	if m.channels[channel] == nil {
		m.channels[channel] = make(map[string]models.Presence)
	}
	m.channels[channel][p.Ref] = p
	return p, nil
}

func (m *MemoryPresence) Remove(_ context.Context, channel, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if recs, ok := m.channels[channel]; ok {
		delete(recs, ref)
		if len(recs) == 0 {
			delete(m.channels, channel)
		}
	}
	return nil
}

func (m *MemoryPresence) List(_ context.Context, channel string) ([]models.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(channel), nil
}

// live prunes expired records of channel and returns the rest. m.mu must be held.
func (m *MemoryPresence) live(channel string) []models.Presence {
	cutoff := m.now().Add(-m.ttl)
	list := make([]models.Presence, 0, len(m.channels[channel]))
	for ref, p := range m.channels[channel] {
		if m.ttl > 0 && p.SeenAt.Before(cutoff) {
			delete(m.channels[channel], ref)
			continue
		}
		list = append(list, p)
	}
	sortPresences(list)
	return list
}

const (
	presenceKeyPrefix = "presence:"
	claimAttempts     = 10
)

// ErrClaimContended is returned when a guest name could not be claimed because
// the channel's records kept changing underneath.
var ErrClaimContended = errors.New("presence claim contended")

// RedisPresence shares presence across hub instances in one hash per channel,
// field = presence ref. Instances refresh SeenAt of their own connections on
// every sync tick, so records of a crashed instance age out after the TTL.
type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisPresence creates a Redis-backed presence store.
func NewRedisPresence(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisPresence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPresence{client: client, ttl: ttl, now: time.Now, logger: logger}
}

func (r *RedisPresence) Put(ctx context.Context, channel string, p models.Presence) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	key := presenceKeyPrefix + channel
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		r.write(ctx, pipe, key, p.Ref, body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put presence: %w", err)
	}
	return nil
}

func (r *RedisPresence) write(ctx context.Context, pipe redis.Pipeliner, key, ref string, body []byte) {
	pipe.HSet(ctx, key, ref, body)
	pipe.Expire(ctx, key, 2*r.ttl)
}

// Claim resolves the guest name inside a WATCH on the channel hash, so two
// instances naming guests at once cannot both take the same name. A write by
// anyone else between the read and EXEC aborts the transaction and it is retried.
func (r *RedisPresence) Claim(ctx context.Context, channel string, p models.Presence, want string) (models.Presence, error) {
	key := presenceKeyPrefix + channel
	attempt := func() (models.Presence, error) {
		var claimed models.Presence
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			live, _ := r.decode(fields)
			claimed = withGuestName(p, want, live)
			body, err := json.Marshal(claimed)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				r.write(ctx, pipe, key, claimed.Ref, body)
				return nil
			})
			return err
		}, key)
		switch {
		case errors.Is(err, redis.TxFailedErr):
			return models.Presence{}, ErrClaimContended
		case err != nil:
			return models.Presence{}, backoff.Permanent(fmt.Errorf("claim presence: %w", err))
		}
		return claimed, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	return backoff.Retry(ctx, attempt, backoff.WithBackOff(b), backoff.WithMaxTries(claimAttempts))
}

func (r *RedisPresence) Remove(ctx context.Context, channel, ref string) error {
	if err := r.client.HDel(ctx, presenceKeyPrefix+channel, ref).Err(); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

func (r *RedisPresence) List(ctx context.Context, channel string) ([]models.Presence, error) {
	key := presenceKeyPrefix + channel
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	list, stale := r.decode(fields)
	if len(stale) > 0 {
		if err := r.client.HDel(ctx, key, stale...).Err(); err != nil {
			r.logger.Warn("presence cleanup failed", zap.String("channel", channel), zap.Error(err))
		}
	}
	return list, nil
}

// decode splits a channel hash into live records, sorted, and the refs of
// expired or unreadable ones.
func (r *RedisPresence) decode(fields map[string]string) (live []models.Presence, stale []string) {
	cutoff := r.now().Add(-r.ttl)
	live = make([]models.Presence, 0, len(fields))
	for ref, raw := range fields {
		var p models.Presence
		if err := json.Unmarshal([]byte(raw), &p); err != nil || p.SeenAt.Before(cutoff) {
			stale = append(stale, ref)
			continue
		}
		live = append(live, p)
	}
	sortPresences(live)
	return live, stale
}

// resolveDisplayName returns want unless another person on the channel already
// uses it (case-insensitively), in which case the first free "want #N" with
// N >= 2 is returned. self is the requester's Presence.Key.
func resolveDisplayName(want, self string, live []models.Presence) string {
	taken := make(map[string]bool, len(live))
	for _, p := range live {
		if p.Key() == self {
			continue
		}
		taken[strings.ToLower(p.DisplayName)] = true
	}
	if !taken[strings.ToLower(want)] {
		return want
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s #%d", want, n)
		if !taken[strings.ToLower(candidate)] {
			return candidate
		}
	}
}
