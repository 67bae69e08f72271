package response

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRoundTripsEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	Created(c, gin.H{"id": "abc"})

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, Decode(w.Code, w.Body, &out))
	assert.Equal(t, "abc", out.ID)
}

func TestDecodeErrorEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	NotFound(c, "party not found")

	err := Decode(w.Code, w.Body, nil)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.Contains(t, err.Error(), "party not found")
}

func TestDecodeNonJSONError(t *testing.T) {
	err := Decode(http.StatusBadGateway, strings.NewReader("<html>"), nil)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
}

func TestDecodeNoContent(t *testing.T) {
	assert.NoError(t, Decode(http.StatusNoContent, strings.NewReader(""), nil))
}
