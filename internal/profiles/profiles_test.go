package profiles

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchparty/backend/internal/models"
	"github.com/watchparty/backend/pkg/response"
)

type fakeRepo struct {
	upserts  int
	fail     bool
	profiles map[uuid.UUID]models.Profile
	asked    []uuid.UUID
}

func (f *fakeRepo) Upsert(_ context.Context, id models.Identity) error {
	f.upserts++
	if f.fail {
		return errors.New("db down")
	}
	return nil
}

func (f *fakeRepo) ListByIDs(_ context.Context, ids []uuid.UUID) ([]models.Profile, error) {
	f.asked = ids
	var out []models.Profile
	for _, id := range ids {
		if p, ok := f.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestRecorderUpsertsOncePerIdentity(t *testing.T) {
	repo := &fakeRepo{}
	rec := NewRecorder(repo, nil)
	id := models.Identity{ID: uuid.New(), Email: "a@x.io"}

	rec.Remember(context.Background(), id)
	rec.Remember(context.Background(), id)
	assert.Equal(t, 1, repo.upserts)

	id.Email = "b@x.io"
	rec.Remember(context.Background(), id)
	assert.Equal(t, 2, repo.upserts)
}

func TestRecorderRetriesAfterFailure(t *testing.T) {
	repo := &fakeRepo{fail: true}
	rec := NewRecorder(repo, nil)
	id := models.Identity{ID: uuid.New()}

	rec.Remember(context.Background(), id)
	repo.fail = false
	rec.Remember(context.Background(), id)
	assert.Equal(t, 2, repo.upserts)
}

func TestListSkipsMalformedAndDuplicateIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	known := models.Profile{ID: uuid.New(), Email: "ana@example.com"}
	repo := &fakeRepo{profiles: map[uuid.UUID]models.Profile{known.ID: known}}
	r := gin.New()
	r.GET("/profiles", NewHandler(repo).List)

	w := httptest.NewRecorder()
	url := "/profiles?ids=" + known.ID.String() + ",nope," + known.ID.String() + "," + uuid.NewString()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))

	var out []models.Profile
	require.NoError(t, response.Decode(w.Code, w.Body, &out))
	assert.Equal(t, []models.Profile{known}, out)
	assert.Len(t, repo.asked, 2)
}

func TestProfileLabel(t *testing.T) {
	assert.Equal(t, "ana", models.Profile{Email: "ana@example.com"}.Label())
	assert.Equal(t, "User", models.Profile{}.Label())
	assert.Equal(t, "bob", models.Profile{Email: "bob"}.Label())
}
