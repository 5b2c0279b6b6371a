package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deka641/vellum-sub001/internal/auth"
	"github.com/deka641/vellum-sub001/internal/autosave"
	"github.com/deka641/vellum-sub001/internal/client"
	"github.com/deka641/vellum-sub001/internal/config"
	"github.com/deka641/vellum-sub001/internal/editor"
	"github.com/deka641/vellum-sub001/internal/pages"
)

// fakeStoreForHealth only answers Ping; any other call panics on the nil
// embedded interface.
type fakeStoreForHealth struct {
	pageStore
	pingFn func(context.Context) error
}

func (f *fakeStoreForHealth) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func newHealthServer(fs *fakeStoreForHealth) http.Handler {
	svc := New(config.Config{TokenSecret: "test-secret"}, fs, zerolog.Nop())
	return NewHTTPServer(svc, "*", zerolog.Nop()).Handler()
}

func bearer(t *testing.T, actor Actor) string {
	t.Helper()
	token, err := auth.NewSigner("test-secret").Issue(actor.UserID, actor.Name, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func doJSON(t *testing.T, handler http.Handler, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	rr := doJSON(t, newHealthServer(&fakeStoreForHealth{}), http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeMap(t, rr)["ok"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestReadyEndpoint_Success(t *testing.T) {
	fs := &fakeStoreForHealth{pingFn: func(context.Context) error { return nil }}
	rr := doJSON(t, newHealthServer(fs), http.MethodGet, "/api/ready", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	response := decodeMap(t, rr)
	assert.Equal(t, "ready", response["status"])
	checks := response["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"].(map[string]any)["status"])
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	fs := &fakeStoreForHealth{pingFn: func(context.Context) error { return errors.New("connection refused") }}
	rr := doJSON(t, newHealthServer(fs), http.MethodGet, "/api/ready", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	response := decodeMap(t, rr)
	assert.Equal(t, false, response["ok"])
	assert.Equal(t, "not_ready", response["status"])
	database := response["checks"].(map[string]any)["database"].(map[string]any)
	assert.Equal(t, "error", database["status"])
	assert.Equal(t, "connection refused", database["error"])
}

func TestPreflightAndCORS(t *testing.T) {
	svc := New(config.Config{TokenSecret: "test-secret"}, &fakeStoreForHealth{}, zerolog.Nop())
	handler := NewHTTPServer(svc, "https://editor.example", zerolog.Nop()).Handler()

	rr := doJSON(t, handler, http.MethodOptions, "/api/pages/pg_1/blocks", "", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://editor.example", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestUnknownRouteAndMissingToken(t *testing.T) {
	handler := newHealthServer(&fakeStoreForHealth{})

	rr := doJSON(t, handler, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeMap(t, rr)["code"])

	rr = doJSON(t, handler, http.MethodGet, "/api/pages", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeMap(t, rr)["code"])

	rr = doJSON(t, handler, http.MethodGet, "/api/pages", "Bearer forged.token", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestPageRoutesRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, config.Config{})
	handler := NewHTTPServer(svc, "*", zerolog.Nop()).Handler()
	authz := bearer(t, owner)

	rr := doJSON(t, handler, http.MethodPost, "/api/pages", authz, CreatePageInput{SiteID: "site_1", Title: "Home", Blocks: heading("v1")})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created pages.Page
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	rr = doJSON(t, handler, http.MethodGet, "/api/pages?siteId=site_1", authz, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	items := decodeMap(t, rr)["items"].([]any)
	assert.Len(t, items, 1)

	rr = doJSON(t, handler, http.MethodGet, "/api/pages/"+created.ID, bearer(t, stranger), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, handler, http.MethodPut, "/api/pages/"+created.ID+"/blocks", authz, map[string]any{"blocks": "nope"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	badBody := decodeMap(t, rr)
	assert.Equal(t, "INVALID_BODY", badBody["code"])
	assert.Equal(t, "invalid JSON body", badBody["error"])

	rr = doJSON(t, handler, http.MethodPost, "/api/pages/"+created.ID+"/publish", authz, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, string(pages.StatusPublished), decodeMap(t, rr)["status"])

	rr = doJSON(t, handler, http.MethodGet, "/api/pages/"+created.ID+"/revisions", authz, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeMap(t, rr)["items"].([]any), 1)

	rr = doJSON(t, handler, http.MethodDelete, "/api/pages/"+created.ID, authz, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	waitEffects(t, svc)
}

func TestSaveBlocksConflictPayload(t *testing.T) {
	svc, _ := newTestService(t, config.Config{})
	handler := NewHTTPServer(svc, "*", zerolog.Nop()).Handler()
	page := createHome(t, svc)

	stale := page.UpdatedAt.Add(-time.Minute)
	rr := doJSON(t, handler, http.MethodPut, "/api/pages/"+page.ID+"/blocks", bearer(t, owner), pages.SaveRequest{
		Blocks:            heading("mine"),
		ExpectedUpdatedAt: &stale,
	})
	require.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())

	response := decodeMap(t, rr)
	assert.Equal(t, "CONFLICT", response["code"])
	details := response["details"].(map[string]any)
	assert.Equal(t, "Home", details["serverTitle"])
	assert.NotEmpty(t, details["serverUpdatedAt"])
	assert.Len(t, details["serverBlocks"].([]any), 1)
}

func TestRateLimitedResponseHeaders(t *testing.T) {
	gate := &fakeGate{deny: true}
	svc, _ := newTestService(t, config.Config{}, WithRateGate(gate))
	handler := NewHTTPServer(svc, "*", zerolog.Nop()).Handler()

	rr := doJSON(t, handler, http.MethodPost, "/api/pages", bearer(t, owner), CreatePageInput{SiteID: "site_1"})
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "RATE_LIMITED", decodeMap(t, rr)["code"])
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestCronTrigger(t *testing.T) {
	svc, _ := newTestService(t, config.Config{CronSecret: "s3cret"})
	handler := NewHTTPServer(svc, "*", zerolog.Nop()).Handler()

	rr := doJSON(t, handler, http.MethodPost, "/api/internal/cron/publish-scheduled", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/internal/cron/publish-scheduled", nil)
	req.Header.Set(cronTokenHeader, "s3cret")
	ok := httptest.NewRecorder()
	handler.ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code, ok.Body.String())
	assert.Equal(t, float64(0), decodeMap(t, ok)["publishedCount"])
}

func TestAutosaveThroughHTTP(t *testing.T) {
	svc, _ := newTestService(t, config.Config{})
	srv := httptest.NewServer(NewHTTPServer(svc, "*", zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	ctx := context.Background()
	page := createHome(t, svc)

	token, err := auth.NewSigner("test-secret").Issue(owner.UserID, owner.Name, time.Hour)
	require.NoError(t, err)
	api := client.New(srv.URL, client.WithAuthToken(token))

	loaded, err := api.LoadPage(ctx, page.ID)
	require.NoError(t, err)
	session := editor.NewSession()
	session.SetPage(loaded)
	coord := autosave.New(session, api, autosave.Options{Delay: time.Hour})
	t.Cleanup(coord.Close)

	blockID := loaded.Blocks[0].ID
	session.SetTitle("Renamed")
	require.NoError(t, session.UpdateBlockContent(blockID, map[string]any{"text": "v2"}))
	require.NoError(t, coord.SaveNow(ctx))
	assert.False(t, session.Dirty())

	stored, err := svc.LoadPage(ctx, owner, page.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", stored.Title)
	assert.Equal(t, "v2", headingText(t, stored.Blocks))

	// A second writer lands first; the session's token is now stale.
	other := stored.Blocks
	other[0].Content["text"] = "theirs"
	_, err = svc.SaveBlocks(ctx, owner, page.ID, pages.SaveRequest{Blocks: other})
	require.NoError(t, err)

	require.NoError(t, session.UpdateBlockContent(blockID, map[string]any{"text": "mine"}))
	err = coord.SaveNow(ctx)
	require.True(t, pages.IsConflict(err), "got %v", err)
	assert.Equal(t, autosave.StateConflict, coord.Status().State)

	require.NoError(t, coord.KeepMine(ctx))
	stored, err = svc.LoadPage(ctx, owner, page.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", headingText(t, stored.Blocks))
	assert.Equal(t, autosave.StateIdle, coord.Status().State)
}
