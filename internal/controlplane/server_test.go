package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketship-ai/qatrack/internal/controlplane/persistence"
	"github.com/rocketship-ai/qatrack/internal/environment"
	"github.com/rocketship-ai/qatrack/internal/realtime"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, mutate ...func(*Config)) (*Server, *persistence.MemoryStore) {
	t.Helper()
	cfg := Config{
		ListenAddr:     ":0",
		DBMaxConns:     1,
		JWTSecret:      testSecret,
		ScenarioReset:  string(environment.ResetAlways),
		WatchHeartbeat: time.Hour,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	mem := persistence.NewMemoryStore()
	srv, err := newServerWithComponents(cfg, mem, mem, nil)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv, mem
}

func signToken(t *testing.T, subject, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func createEnvironment(t *testing.T, srv *Server, storeID string, scenarioIDs ...string) environment.Environment {
	t.Helper()
	scenarios := make(map[string]environment.Scenario, len(scenarioIDs))
	for _, id := range scenarioIDs {
		scenarios[id] = environment.Scenario{Title: "scenario " + id, Status: environment.ScenarioPending}
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/environments", EnvironmentCreateRequest{
		Identifier: "checkout-" + storeID,
		StoreID:    storeID,
		Scenarios:  scenarios,
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var env environment.Environment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

type transitionResponse struct {
	Changed     bool                    `json:"changed"`
	Environment environment.Environment `json:"environment"`
}

func transition(t *testing.T, srv *Server, envID string, status environment.Status, token string) (*httptest.ResponseRecorder, transitionResponse) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/environments/"+envID+"/transition", TransitionRequest{Status: status}, token)
	var resp transitionResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestEnvironmentLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := start
	srv.now = func() time.Time { return clock }
	alice := signToken(t, "alice", testSecret)

	env := createEnvironment(t, srv, "store-1", "s1", "s2")
	assert.Equal(t, environment.StatusBacklog, env.Status)
	assert.Equal(t, 2, env.TotalScenarios)

	rec, resp := transition(t, srv, env.ID, environment.StatusInProgress, alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, resp.Changed)
	require.NotNil(t, resp.Environment.TimeTracking.Start)
	assert.True(t, resp.Environment.TimeTracking.Start.Equal(start))

	// No-op transition writes nothing.
	rec, resp = transition(t, srv, env.ID, environment.StatusInProgress, alice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, resp.Changed)

	clock = start.Add(90 * time.Second)
	rec = doJSON(t, srv, http.MethodGet, "/api/environments/"+env.ID+"/summary", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary EnvironmentSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, int64(90000), summary.ElapsedMs)
	assert.Equal(t, "00:01:30", summary.Elapsed)
	assert.Equal(t, 4, summary.TotalInteractions)
	assert.False(t, summary.CanConclude)

	rec, _ = transition(t, srv, env.ID, environment.StatusDone, alice)
	assert.Equal(t, http.StatusConflict, rec.Code)

	for _, sid := range []string{"s1", "s2"} {
		for _, platform := range []environment.Platform{environment.PlatformMobile, environment.PlatformDesktop} {
			rec = doJSON(t, srv, http.MethodPatch, "/api/environments/"+env.ID+"/scenarios/"+sid, ScenarioUpdateRequest{
				Platform: platform,
				Status:   environment.ScenarioDone,
			}, alice)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		}
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/environments/"+env.ID+"/presence", nil, alice)
	require.Equal(t, http.StatusNoContent, rec.Code)

	clock = start.Add(2 * time.Minute)
	rec, resp = transition(t, srv, env.ID, environment.StatusDone, alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, environment.StatusDone, resp.Environment.Status)
	assert.Equal(t, int64(120000), resp.Environment.TimeTracking.TotalMs)
	assert.Equal(t, []string{"alice"}, resp.Environment.Participants)
	require.NotNil(t, resp.Environment.ConcludedBy)
	assert.Equal(t, "alice", *resp.Environment.ConcludedBy)

	rec = doJSON(t, srv, http.MethodGet, "/api/environments/"+env.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stored environment.Environment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, environment.StatusDone, stored.Status)
	assert.Equal(t, int64(120000), stored.TimeTracking.TotalMs)
}

func TestTransitionErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	env := createEnvironment(t, srv, "store-1", "s1")

	rec, _ := transition(t, srv, env.ID, environment.Status("archived"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = transition(t, srv, "missing", environment.StatusInProgress, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/environments/"+env.ID+"/transition", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestIdentity(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) { c.RequireAuth = true })

	rec := doJSON(t, srv, http.MethodGet, "/api/environments?store_id=store-1", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/environments?store_id=store-1", nil, signToken(t, "bob", "other-secret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/environments?store_id=store-1", nil, signToken(t, "bob", testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestParseTokenRequiresSubject(t *testing.T) {
	token := signToken(t, "", testSecret)
	_, err := parseToken([]byte(testSecret), token)
	assert.ErrorIs(t, err, errMissingSubject)
}

func TestPresenceRequiresUser(t *testing.T) {
	srv, _ := newTestServer(t)
	env := createEnvironment(t, srv, "store-1", "s1")

	rec := doJSON(t, srv, http.MethodPost, "/api/environments/"+env.ID+"/presence", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBugRoutesAdjustCount(t *testing.T) {
	srv, _ := newTestServer(t)
	env := createEnvironment(t, srv, "store-1", "s1")
	token := signToken(t, "carol", testSecret)

	rec := doJSON(t, srv, http.MethodPost, "/api/environments/"+env.ID+"/bugs", BugCreateRequest{}, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	scenarioID := "s1"
	rec = doJSON(t, srv, http.MethodPost, "/api/environments/"+env.ID+"/bugs", BugCreateRequest{
		ScenarioID: &scenarioID,
		Title:      "Cart total is wrong",
		Severity:   "high",
	}, token)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var bug environment.Bug
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bug))
	assert.Equal(t, environment.BugOpen, bug.Status)
	assert.Equal(t, "carol", bug.ReportedBy)

	rec = doJSON(t, srv, http.MethodGet, "/api/environments/"+env.ID, nil, "")
	var got environment.Environment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.BugsCount)

	rec = doJSON(t, srv, http.MethodPatch, "/api/environments/"+env.ID+"/bugs/"+bug.ID, BugStatusRequest{Status: environment.BugResolved}, token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPatch, "/api/environments/"+env.ID+"/bugs/"+bug.ID, BugStatusRequest{Status: "closed"}, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/environments/"+env.ID+"/bugs/"+bug.ID, nil, token)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/environments/"+env.ID+"/bugs/"+bug.ID, nil, token)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/environments/"+env.ID, nil, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 0, got.BugsCount)
}

func TestScenarioUpdateValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	env := createEnvironment(t, srv, "store-1", "s1")

	rec := doJSON(t, srv, http.MethodPatch, "/api/environments/"+env.ID+"/scenarios/s1", ScenarioUpdateRequest{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPatch, "/api/environments/"+env.ID+"/scenarios/s1", ScenarioUpdateRequest{Platform: "tablet", Status: environment.ScenarioDone}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPatch, "/api/environments/"+env.ID+"/scenarios/nope", ScenarioUpdateRequest{Status: environment.ScenarioDone}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	note := "flaky on safari"
	rec = doJSON(t, srv, http.MethodPatch, "/api/environments/"+env.ID+"/scenarios/s1", ScenarioUpdateRequest{Observation: &note}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sc environment.Scenario
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sc))
	assert.Equal(t, note, sc.Observation)
}

func TestListEnvironmentsNewestFirst(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/environments", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	first := createEnvironment(t, srv, "store-9", "s1")
	time.Sleep(2 * time.Millisecond)
	second := createEnvironment(t, srv, "store-9", "s1")
	createEnvironment(t, srv, "store-other", "s1")

	rec = doJSON(t, srv, http.MethodGet, "/api/environments?store_id=store-9", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var envs []environment.Environment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envs))
	require.Len(t, envs, 2)
	assert.Equal(t, second.ID, envs[0].ID)
	assert.Equal(t, first.ID, envs[1].ID)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(ctx context.Context, body *bufio.Reader) <-chan sseEvent {
	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		var current sseEvent
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				current.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.data = strings.TrimPrefix(line, "data: ")
			case line == "" && current.name != "":
				select {
				case out <- current:
				case <-ctx.Done():
					return
				}
				current = sseEvent{}
			}
		}
	}()
	return out
}

func nextSnapshot(t *testing.T, events <-chan sseEvent) environment.Environment {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed")
			}
			if ev.name != eventSnapshot {
				continue
			}
			var env environment.Environment
			require.NoError(t, json.Unmarshal([]byte(ev.data), &env))
			return env
		case <-timeout:
			t.Fatalf("timed out waiting for snapshot")
		}
	}
}

func TestWatchEnvironmentStreamsSnapshots(t *testing.T) {
	srv, mem := newTestServer(t)
	env := createEnvironment(t, srv, "store-1", "s1")

	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/environments/"+env.ID+"/watch", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(ctx, bufio.NewReader(resp.Body))
	first := nextSnapshot(t, events)
	assert.Equal(t, environment.StatusBacklog, first.Status)
	assert.Equal(t, 1, srv.envHub.Refs(env.ID))

	rec, _ := transition(t, srv, env.ID, environment.StatusInProgress, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var updated environment.Environment
	for updated.Status != environment.StatusInProgress {
		updated = nextSnapshot(t, events)
	}

	cancel()
	require.Eventually(t, func() bool {
		return srv.envHub.Refs(env.ID) == 0 && mem.WatcherCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatchUnknownEnvironment(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/environments/missing/watch", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readEvents(ctx, bufio.NewReader(resp.Body))
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.name == eventNotFound {
				return
			}
			require.Equal(t, eventLoading, ev.name)
		case <-timeout:
			t.Fatalf("timed out waiting for not_found")
		}
	}
}

func TestStoreWatchRoute(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/stores/store-1", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/stores/store-1/watch", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

// frozenFeed pushes the snapshot read at attach time and nothing after, like
// a change feed that has not caught up with recent writes.
type frozenFeed struct {
	store *persistence.MemoryStore
}

func (f frozenFeed) WatchEnvironment(id string, onChange func(*environment.Environment, error)) (func(), error) {
	env, err := f.store.GetEnvironment(context.Background(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		env, err = nil, nil
	}
	onChange(env, err)
	return func() {}, nil
}

func (f frozenFeed) WatchStore(storeID string, onChange func([]*environment.Environment, error)) (func(), error) {
	envs, err := f.store.ListEnvironmentsByStore(context.Background(), storeID)
	onChange(envs, err)
	return func() {}, nil
}

func TestTransitionGateIgnoresLaggingCache(t *testing.T) {
	mem := persistence.NewMemoryStore()
	srv, err := newServerWithComponents(Config{
		ListenAddr:     ":0",
		DBMaxConns:     1,
		ScenarioReset:  string(environment.ResetAlways),
		WatchHeartbeat: time.Hour,
	}, mem, frozenFeed{store: mem}, nil)
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/api/environments", EnvironmentCreateRequest{
		Identifier: "checkout-lag",
		StoreID:    "store-lag",
		Scenarios: map[string]environment.Scenario{
			"s1": {Title: "pay", StatusMobile: environment.ScenarioDone, StatusDesktop: environment.ScenarioDone},
		},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var env environment.Environment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))

	detach := srv.envHub.Attach(env.ID, nil)
	defer detach()

	rec, _ = transition(t, srv, env.ID, environment.StatusInProgress, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cached, ok := realtime.CachedEnvironment(srv.envHub, env.ID)
	require.True(t, ok)
	require.Equal(t, environment.StatusBacklog, cached.Status, "hub still holds the pre-transition snapshot")

	rec, _ = transition(t, srv, env.ID, environment.StatusDone, "")
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	stored, err := mem.GetEnvironment(context.Background(), env.ID)
	require.NoError(t, err)
	assert.Equal(t, environment.StatusInProgress, stored.Status)
}
