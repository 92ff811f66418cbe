// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/magnetcc/internal/api/handlers"
	"github.com/autobrr/magnetcc/internal/database"
	"github.com/autobrr/magnetcc/internal/domain"
	"github.com/autobrr/magnetcc/internal/models"
	"github.com/autobrr/magnetcc/internal/qbittorrent"
	"github.com/autobrr/magnetcc/internal/rules"
	"github.com/autobrr/magnetcc/internal/services/reconcile"
	"github.com/autobrr/magnetcc/internal/services/scheduler"
	"github.com/autobrr/magnetcc/internal/tracker"
)

type routeKey struct {
	Method string
	Path   string
}

var expectedRoutes = []routeKey{
	{http.MethodGet, "/health"},
	{http.MethodGet, "/healthz/readiness"},
	{http.MethodGet, "/healthz/liveness"},
	{http.MethodPost, "/api/cycles/"},
	{http.MethodGet, "/api/cycles/status"},
	{http.MethodGet, "/api/records/"},
	{http.MethodPost, "/api/records/send"},
	{http.MethodPost, "/api/records/reset"},
	{http.MethodGet, "/api/records/{hash}"},
	{http.MethodGet, "/api/rules/"},
	{http.MethodPost, "/api/rules/"},
	{http.MethodPost, "/api/rules/import"},
	{http.MethodGet, "/api/rules/validate"},
	{http.MethodPut, "/api/rules/{id}/"},
	{http.MethodDelete, "/api/rules/{id}/"},
	{http.MethodGet, "/api/aliases/"},
	{http.MethodPost, "/api/aliases/"},
	{http.MethodDelete, "/api/aliases/{host}"},
	{http.MethodGet, "/api/trackers"},
	{http.MethodGet, "/api/clients"},
}

type fakeCycles struct {
	busy     bool
	triggers int
	result   scheduler.TriggerResult
	err      error
	contexts []context.Context
}

func (f *fakeCycles) Trigger(ctx context.Context, reason string) (scheduler.TriggerResult, error) {
	f.contexts = append(f.contexts, ctx)
	if f.busy {
		return scheduler.TriggerResult{Reason: reason}, scheduler.ErrCycleInProgress
	}
	f.triggers++
	res := f.result
	res.Reason = reason
	return res, f.err
}

func (f *fakeCycles) Exclusive(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	f.contexts = append(f.contexts, ctx)
	if f.busy {
		return scheduler.ErrCycleInProgress
	}
	return fn(ctx)
}

func (f *fakeCycles) Status() scheduler.Status {
	return scheduler.Status{Running: true, Interval: 10 * time.Minute}
}

type fakeDispatcher struct {
	sent      []string
	client    string
	resetFor  *string
	resetN    int64
	sendError error
}

func (f *fakeDispatcher) Send(_ context.Context, hashes []string, client string) ([]reconcile.SendOutcome, error) {
	if f.sendError != nil {
		return nil, f.sendError
	}
	f.sent = hashes
	f.client = client
	out := make([]reconcile.SendOutcome, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, reconcile.SendOutcome{InfoHash: h, Client: client, State: models.DispatchDispatched})
	}
	return out, nil
}

func (f *fakeDispatcher) ResetSent(_ context.Context, trackerID string) (int64, error) {
	f.resetFor = &trackerID
	return f.resetN, nil
}

type testEnv struct {
	router     *chi.Mux
	db         *database.DB
	records    *models.RecordStore
	ruleStore  *models.TrackerRuleStore
	engine     *rules.Engine
	cycles     *fakeCycles
	dispatcher *fakeDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	aliasStore := models.NewTrackerAliasStore(db)
	resolver, err := tracker.NewResolver(aliasStore, nil)
	require.NoError(t, err)

	ruleStore := models.NewTrackerRuleStore(db)
	engine := rules.NewEngine(ruleStore, rules.Defaults{RatioLimit: 2, SeedTimeLimitMinutes: 14 * 24 * 60})

	pool := qbittorrent.NewClientPool([]domain.ClientConfig{
		{Name: "seedbox", Host: "http://localhost:8080", Username: "admin", Password: "secret"},
		{Name: "broken", Host: ""},
	}, nil)
	t.Cleanup(func() { _ = pool.Close() })

	env := &testEnv{
		db:         db,
		records:    models.NewRecordStore(db),
		ruleStore:  ruleStore,
		engine:     engine,
		cycles:     &fakeCycles{},
		dispatcher: &fakeDispatcher{},
	}

	server := NewServer(&Dependencies{
		Version:    "test",
		Records:    env.records,
		Rules:      ruleStore,
		Aliases:    aliasStore,
		Health:     models.NewHealthStore(db),
		Engine:     engine,
		Resolver:   resolver,
		Sessions:   reconcile.NewPoolSessions(pool),
		Dispatcher: env.dispatcher,
		Cycles:     env.cycles,
	})
	env.router = server.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRegisteredRoutes(t *testing.T) {
	env := newTestEnv(t)

	actual := collectRouterRoutes(t, env.router)

	expected := make(map[routeKey]struct{}, len(expectedRoutes))
	for _, route := range expectedRoutes {
		path, ok := normalizeRoutePath(route.Path)
		require.True(t, ok, route.Path)
		expected[routeKey{Method: route.Method, Path: path}] = struct{}{}
	}

	assert.Empty(t, diffRoutes(expected, actual), "routes missing from router")
	assert.Empty(t, diffRoutes(actual, expected), "unexpected routes registered")
}

func collectRouterRoutes(t *testing.T, r chi.Routes) map[routeKey]struct{} {
	t.Helper()

	routes := make(map[routeKey]struct{})
	err := chi.Walk(r, func(method string, path string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		method = strings.ToUpper(method)
		if !isComparableMethod(method) {
			return nil
		}

		normalizedPath, ok := normalizeRoutePath(path)
		if !ok {
			return nil
		}

		routes[routeKey{Method: method, Path: normalizedPath}] = struct{}{}
		return nil
	})
	require.NoError(t, err)

	return routes
}

// normalizeRoutePath drops mount stubs and trailing slashes so chi patterns compare cleanly.
func normalizeRoutePath(path string) (string, bool) {
	if path == "" || strings.Contains(path, "/*") {
		return "", false
	}
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "/api" {
		return "", false
	}
	if !strings.HasPrefix(path, "/api") && !strings.HasPrefix(path, "/health") {
		return "", false
	}
	return path, true
}

func isComparableMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func diffRoutes(left, right map[routeKey]struct{}) []routeKey {
	diff := make([]routeKey, 0)
	for route := range left {
		if _, exists := right[route]; !exists {
			diff = append(diff, route)
		}
	}

	sort.Slice(diff, func(i, j int) bool {
		if diff[i].Path == diff[j].Path {
			return diff[i].Method < diff[j].Method
		}
		return diff[i].Path < diff[j].Path
	})
	return diff
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz/liveness", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz/readiness", nil).Code)

	require.NoError(t, env.db.Close())
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/healthz/readiness", nil).Code)
}

func TestTriggerCycle(t *testing.T) {
	env := newTestEnv(t)
	env.cycles.result = scheduler.TriggerResult{Report: &reconcile.CycleReport{Candidates: 3, Added: 1}}

	rec := env.do(t, http.MethodPost, "/api/cycles/", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[scheduler.TriggerResult](t, rec)
	assert.Equal(t, "api", res.Reason)
	require.NotNil(t, res.Report)
	assert.Equal(t, 3, res.Report.Candidates)

	env.cycles.busy = true
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/cycles/", nil).Code)

	rec = env.do(t, http.MethodGet, "/api/cycles/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[scheduler.Status](t, rec).Running)
}

func TestCycleWorkOutlivesCancelledRequest(t *testing.T) {
	env := newTestEnv(t)
	hash := strings.Repeat("cd", 20)

	requests := []struct {
		path string
		body string
	}{
		{"/api/cycles/", ""},
		{"/api/records/send", `{"hashes":["` + hash + `"]}`},
		{"/api/records/reset", `{"tracker":"example.com"}`},
	}
	for _, tc := range requests {
		ctx, cancel := context.WithCancel(context.Background())
		req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body)).WithContext(ctx)
		cancel()

		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, tc.path)
	}

	require.Len(t, env.cycles.contexts, len(requests))
	for i, ctx := range env.cycles.contexts {
		assert.NoError(t, ctx.Err(), requests[i].path)
	}
	assert.Equal(t, []string{hash}, env.dispatcher.sent)
}

func TestTriggerCycleStoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.cycles.err = reconcile.ErrStoreUnavailable

	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/api/cycles/", nil).Code)
}

func TestRecordEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	hash := strings.Repeat("ab", 20)

	_, _, err := env.records.UpsertSighting(ctx, &models.Sighting{
		InfoHash:  hash,
		Name:      "Some.Release",
		SizeBytes: 1024,
		Magnet:    "magnet:?xt=urn:btih:" + hash,
		TrackerID: "example.com",
		ScanAt:    time.Now(),
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/records/?tracker=EXAMPLE.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]models.TorrentRecord](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, hash, list[0].InfoHash)

	rec = env.do(t, http.MethodGet, "/api/records/?tracker=other.org", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/records/?status=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/records/?limit=-1", nil).Code)

	rec = env.do(t, http.MethodGet, "/api/records/"+strings.ToUpper(hash), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Some.Release", decode[models.TorrentRecord](t, rec).Name)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/records/"+strings.Repeat("cd", 20), nil).Code)
}

func TestSendAndReset(t *testing.T) {
	env := newTestEnv(t)
	hash := strings.Repeat("ab", 20)

	rec := env.do(t, http.MethodPost, "/api/records/send", handlers.SendRequest{Hashes: []string{hash}, Client: " seedbox "})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	outcomes := decode[[]reconcile.SendOutcome](t, rec)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.DispatchDispatched, outcomes[0].State)
	assert.Equal(t, "seedbox", env.dispatcher.client)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/records/send", handlers.SendRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/records/send", "{not json").Code)

	env.dispatcher.sendError = qbittorrent.ErrClientNotFound
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/records/send", handlers.SendRequest{Hashes: []string{hash}, Client: "nope"}).Code)
	env.dispatcher.sendError = qbittorrent.ErrMissingCredentials
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, http.MethodPost, "/api/records/send", handlers.SendRequest{Hashes: []string{hash}, Client: "broken"}).Code)

	env.dispatcher.resetN = 4
	rec = env.do(t, http.MethodPost, "/api/records/reset", handlers.ResetRequest{Tracker: "Example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[handlers.ResetResponse](t, rec)
	assert.Equal(t, int64(4), resp.Reset)
	assert.Equal(t, "example.com", resp.Tracker)
	require.NotNil(t, env.dispatcher.resetFor)
	assert.Equal(t, "example.com", *env.dispatcher.resetFor)

	rec = env.do(t, http.MethodPost, "/api/records/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.dispatcher.resetFor)
	assert.Empty(t, *env.dispatcher.resetFor)

	env.cycles.busy = true
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/records/reset", nil).Code)
}

func TestRuleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/rules/", handlers.RulePayload{Tracker: "Example.com", Category: "movies", Priority: 5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[models.TrackerRule](t, rec)
	assert.Equal(t, "example.com", created.TrackerID)

	decision := env.engine.Apply("example.com")
	require.NoError(t, decision.Err)
	assert.Equal(t, "movies", decision.Policy.Category)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/rules/", handlers.RulePayload{Category: "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/rules/", handlers.RulePayload{Tracker: "a.org", Client: "ghost"}).Code)

	rec = env.do(t, http.MethodPut, "/api/rules/"+strconv.Itoa(created.ID)+"/", handlers.RulePayload{Tracker: "example.com", Category: "tv", Priority: 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "tv", env.engine.Apply("example.com").Policy.Category)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPut, "/api/rules/999/", handlers.RulePayload{Tracker: "x.org"}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodDelete, "/api/rules/abc/", nil).Code)

	rec = env.do(t, http.MethodGet, "/api/rules/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.TrackerRule](t, rec), 1)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/rules/"+strconv.Itoa(created.ID)+"/", nil).Code)
	assert.ErrorIs(t, env.engine.Apply("example.com").Err, rules.ErrNoPolicy)
}

func TestRuleImportReportsConflicts(t *testing.T) {
	env := newTestEnv(t)

	doc := `
rules:
  - tracker: foo.org
    category: a
    priority: 5
  - tracker: foo.org
    category: b
    priority: 5
  - tracker: "*"
    category: default
    priority: 1
    client: broken
`
	rec := env.do(t, http.MethodPost, "/api/rules/import", doc)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[handlers.ValidationResponse](t, rec)
	assert.False(t, resp.Valid)
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, "foo.org", resp.Conflicts[0].TrackerID)
	assert.Len(t, resp.Conflicts[0].RuleIDs, 2)
	assert.Contains(t, resp.Clients, "broken")

	assert.ErrorIs(t, env.engine.Apply("foo.org").Err, rules.ErrRuleConflict)
	assert.Equal(t, "default", env.engine.Apply("bar.net").Policy.Category)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/rules/import", "rules: [").Code)
}

func TestAliasEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/aliases/", handlers.AliasPayload{Host: "https://tracker.Example.com:443/announce", Identity: "example.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	alias := decode[models.TrackerAlias](t, rec)
	assert.Equal(t, "tracker.example.com", alias.Host)
	assert.Equal(t, "example.com", alias.Identity)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/aliases/", handlers.AliasPayload{Host: "10.0.0.1", Identity: "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/aliases/", handlers.AliasPayload{Host: "a.org"}).Code)

	rec = env.do(t, http.MethodGet, "/api/aliases/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.TrackerAlias](t, rec), 1)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/aliases/tracker.example.com", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/aliases/tracker.example.com", nil).Code)
}

func TestTrackersAndClients(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i, id := range []string{"example.com", "example.com", ""} {
		_, _, err := env.records.UpsertSighting(ctx, &models.Sighting{
			InfoHash:  strings.Repeat(string(rune('a'+i)), 40),
			Magnet:    "magnet:?xt=urn:btih:x",
			TrackerID: id,
			ScanAt:    time.Now(),
		})
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodGet, "/api/trackers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]handlers.TrackerView](t, rec)
	require.Len(t, views, 2)
	assert.Equal(t, "", views[0].TrackerID)
	assert.Equal(t, "example.com", views[1].TrackerID)
	assert.Equal(t, 2, views[1].NeverSeeded)

	rec = env.do(t, http.MethodGet, "/api/clients", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	clients := decode[[]handlers.ClientView](t, rec)
	require.Len(t, clients, 2)
	byName := map[string]handlers.ClientView{}
	for _, c := range clients {
		byName[c.Name] = c
	}
	assert.True(t, byName["seedbox"].Usable)
	assert.Equal(t, "http://localhost:8080", byName["seedbox"].Host)
	assert.Equal(t, domain.RedactedStr, byName["seedbox"].Password)
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.False(t, byName["broken"].Usable)
	assert.NotEmpty(t, byName["broken"].ConfigError)
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "/", normalizeBaseURL(""))
	assert.Equal(t, "/magnetcc/", normalizeBaseURL("magnetcc"))
	assert.Equal(t, "/magnetcc/", normalizeBaseURL("/magnetcc/"))
}
