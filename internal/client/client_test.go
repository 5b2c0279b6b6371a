package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deka641/vellum-sub001/internal/blocks"
	"github.com/deka641/vellum-sub001/internal/pages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respond(status int, body any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func TestSaveBlocksSendsRequest(t *testing.T) {
	saved := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)
	expected := saved.Add(-time.Minute)
	var got pages.SaveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/pages/pg_1/blocks", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		respond(http.StatusOK, pages.SaveResult{UpdatedAt: saved})(w, r)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithAuthToken("tok"))
	res, err := c.SaveBlocks(context.Background(), "pg_1", pages.SaveRequest{
		Blocks:            []blocks.Block{{ID: "b1", Type: blocks.TypeText, Content: map[string]any{"html": "<p>x</p>"}}},
		Title:             blocks.StringPtr("Home"),
		ExpectedUpdatedAt: &expected,
	})
	require.NoError(t, err)
	assert.True(t, saved.Equal(res.UpdatedAt))
	require.Len(t, got.Blocks, 1)
	assert.Equal(t, "Home", *got.Title)
	require.NotNil(t, got.ExpectedUpdatedAt)
	assert.True(t, expected.Equal(*got.ExpectedUpdatedAt))
	assert.False(t, got.Force)
}

func TestSaveBlocksConflictCarriesServerState(t *testing.T) {
	serverAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := httptest.NewServer(respond(http.StatusConflict, map[string]any{
		"code":  "CONFLICT",
		"error": "Page was modified elsewhere",
		"details": pages.ServerState{
			Blocks:    []blocks.Block{{ID: "s1", Type: blocks.TypeDivider}},
			Title:     "Server title",
			UpdatedAt: serverAt,
		},
	}))
	defer srv.Close()

	_, err := New(srv.URL).SaveBlocks(context.Background(), "pg_1", pages.SaveRequest{})
	var conflict *pages.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "Server title", conflict.Server.Title)
	assert.True(t, serverAt.Equal(conflict.Server.UpdatedAt))
	require.Len(t, conflict.Server.Blocks, 1)
	assert.Equal(t, "s1", conflict.Server.Blocks[0].ID)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"validation", http.StatusUnprocessableEntity, pages.IsValidation},
		{"bad request", http.StatusBadRequest, pages.IsValidation},
		{"not found", http.StatusNotFound, pages.IsNotFound},
		{"server error", http.StatusInternalServerError, pages.IsTransient},
		{"unavailable", http.StatusServiceUnavailable, pages.IsTransient},
		{"rate limited", http.StatusTooManyRequests, pages.IsTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(respond(tc.status, map[string]any{"code": "X", "error": "nope"}))
			defer srv.Close()
			_, err := New(srv.URL).SaveBlocks(context.Background(), "pg_1", pages.SaveRequest{})
			require.Error(t, err)
			assert.True(t, tc.check(err), "got %T %v", err, err)
		})
	}
}

func TestValidationReasonFromBody(t *testing.T) {
	srv := httptest.NewServer(respond(http.StatusUnprocessableEntity, map[string]any{"code": "VALIDATION_ERROR", "error": "cycle detected at block b1"}))
	defer srv.Close()
	_, err := New(srv.URL).SaveBlocks(context.Background(), "pg_1", pages.SaveRequest{})
	var verr *pages.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "cycle detected at block b1", verr.Reason)
}

func TestUnauthorizedIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(respond(http.StatusUnauthorized, map[string]any{"code": "UNAUTHORIZED", "error": "Unauthorized"}))
	defer srv.Close()
	_, err := New(srv.URL).LoadPage(context.Background(), "pg_1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.False(t, pages.IsTransient(err))
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(respond(http.StatusOK, nil))
	addr := srv.URL
	srv.Close()
	_, err := New(addr).SaveBlocks(context.Background(), "pg_1", pages.SaveRequest{})
	assert.True(t, pages.IsTransient(err), "got %v", err)
}

func TestLoadPage(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pages/pg_1", r.URL.Path)
		respond(http.StatusOK, pages.Page{
			ID: "pg_1", Title: "Home", Status: pages.StatusDraft, UpdatedAt: at,
			Blocks: []blocks.Block{{ID: "b1", Type: blocks.TypeSpacer, Content: map[string]any{"height": 24}}},
		})(w, r)
	}))
	defer srv.Close()

	loaded, err := New(srv.URL).LoadPage(context.Background(), "pg_1")
	require.NoError(t, err)
	assert.Equal(t, "Home", loaded.Title)
	assert.Equal(t, pages.StatusDraft, loaded.Status)
	require.Len(t, loaded.Blocks, 1)
	assert.NotNil(t, loaded.Blocks[0].Settings)
}
