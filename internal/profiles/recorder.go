package profiles

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/watchparty/backend/internal/models"
)

type upserter interface {
	Upsert(ctx context.Context, id models.Identity) error
}

// Recorder upserts each identity's profile the first time it is seen (or when
// its email changes) and skips the write afterwards.
type Recorder struct {
	repo   upserter
	logger *zap.Logger
	mu     sync.Mutex
	seen   map[models.Identity]struct{}
}

// NewRecorder creates a profile recorder.
func NewRecorder(repo upserter, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{repo: repo, logger: logger, seen: make(map[models.Identity]struct{})}
}

// Remember implements middleware.ProfileRecorder.
func (r *Recorder) Remember(ctx context.Context, id models.Identity) {
	r.mu.Lock()
	_, ok := r.seen[id]
	r.mu.Unlock()
	if ok {
		return
	}
	if err := r.repo.Upsert(ctx, id); err != nil {
		r.logger.Warn("profile upsert failed", zap.String("user_id", id.ID.String()), zap.Error(err))
		return
	}
	r.mu.Lock()
	r.seen[id] = struct{}{}
	r.mu.Unlock()
}
