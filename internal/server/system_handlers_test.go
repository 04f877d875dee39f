package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantkit/augur/internal/database"
	"github.com/quantkit/augur/internal/hub"
)

func newTestSystemHandlers(t *testing.T) *SystemHandlers {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
		Name: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewSystemHandlers(db, hub.New(zerolog.Nop()), zerolog.Nop())
}

func TestHandleHealth(t *testing.T) {
	h := newTestSystemHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestHandleHealthDeep(t *testing.T) {
	h := newTestSystemHandlers(t)

	// deep=1 runs the full integrity check instead of a ping.
	req := httptest.NewRequest(http.MethodGet, "/health?deep=1", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}
