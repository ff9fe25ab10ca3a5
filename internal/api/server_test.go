package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ember-home/ember/internal/auth"
	"github.com/ember-home/ember/internal/history"
	"github.com/ember-home/ember/internal/rooms"
	"github.com/ember-home/ember/internal/schedule"
	"github.com/ember-home/ember/internal/thermostat"

	_ "modernc.org/sqlite"
)

// echoTurns replies with a fixed transformation so tests can tell the
// turn handler was reached with the right owner.
type echoTurns struct {
	lastOwner string
}

func (e *echoTurns) HandleTurn(_ context.Context, owner, text string) string {
	e.lastOwner = owner
	return "echo: " + text
}

type testServer struct {
	url     string
	client  *http.Client
	turns   *echoTurns
	owners  *auth.Store
	rooms   *rooms.Store
	changes *schedule.Store
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	owners, err := auth.NewStore(db)
	if err != nil {
		t.Fatalf("auth store: %v", err)
	}
	roomStore, err := rooms.NewStore(db)
	if err != nil {
		t.Fatalf("rooms store: %v", err)
	}
	changes, err := schedule.NewStore(db)
	if err != nil {
		t.Fatalf("schedule store: %v", err)
	}
	hist, err := history.NewStore(db)
	if err != nil {
		t.Fatalf("history store: %v", err)
	}

	resolver := rooms.NewResolver(roomStore, logger)
	mutator := thermostat.New(logger, resolver, roomStore, changes)
	runner := schedule.NewRunner(logger, changes, mutator, 0)

	turns := &echoTurns{}
	tokens := auth.NewTokenManager("test-secret", time.Hour)
	server := NewServer("127.0.0.1", 0, turns, runner, owners, tokens, roomStore, changes, hist, logger)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testServer{
		url:     ts.URL,
		client:  ts.Client(),
		turns:   turns,
		owners:  owners,
		rooms:   roomStore,
		changes: changes,
	}
}

func (ts *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := ts.client.Post(ts.url+"/v1/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return lr.Token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.url+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestLoginAndChat(t *testing.T) {
	ts := setupServer(t)
	owner, err := ts.owners.Create("alice", "hunter2")
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}

	token := ts.login(t, "alice", "hunter2")

	resp := ts.do(t, http.MethodPost, "/v1/chat", token, map[string]string{"message": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		t.Fatalf("decode chat response: %v", err)
	}
	if cr.Reply != "echo: hello" {
		t.Errorf("reply = %q", cr.Reply)
	}
	if cr.HTML == "" {
		t.Error("expected rendered HTML alongside the reply")
	}
	if ts.turns.lastOwner != owner.ID {
		t.Errorf("turn owner = %q, want %q", ts.turns.lastOwner, owner.ID)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	ts := setupServer(t)
	if _, err := ts.owners.Create("alice", "hunter2"); err != nil {
		t.Fatalf("create owner: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "wrong"})
	resp, err := ts.client.Post(ts.url+"/v1/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestChatRequiresToken(t *testing.T) {
	ts := setupServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/chat", "", map[string]string{"message": "hello"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/v1/chat", "not-a-jwt", map[string]string{"message": "hello"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", resp.StatusCode)
	}
}

func TestRoomsReturnsOwnerScopedState(t *testing.T) {
	ts := setupServer(t)
	owner, err := ts.owners.Create("alice", "hunter2")
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	if err := ts.rooms.Ensure(owner.ID, "kitchen"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := ts.rooms.Ensure("someone-else", "garage"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	token := ts.login(t, "alice", "hunter2")
	resp := ts.do(t, http.MethodGet, "/v1/rooms", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rooms status = %d", resp.StatusCode)
	}

	var rr roomsResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		t.Fatalf("decode rooms response: %v", err)
	}
	if len(rr.Rooms) != 1 || rr.Rooms[0].Name != "kitchen" {
		t.Errorf("rooms = %+v", rr.Rooms)
	}
	if rr.Rooms[0].Temperature != rooms.DefaultTemperature {
		t.Errorf("temperature = %.1f", rr.Rooms[0].Temperature)
	}
}

func TestSchedulerTickEndpoint(t *testing.T) {
	ts := setupServer(t)
	owner, err := ts.owners.Create("alice", "hunter2")
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	if err := ts.rooms.Ensure(owner.ID, "kitchen"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// One due change, directly in the store.
	change := &schedule.Change{
		Owner: owner.ID, Room: "kitchen", Temperature: 18,
		DueAt: time.Now().Add(-time.Minute),
	}
	if err := ts.changes.Create(change); err != nil {
		t.Fatalf("create change: %v", err)
	}

	resp := ts.do(t, http.MethodPost, "/v1/scheduler/tick", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tick status = %d", resp.StatusCode)
	}
	var tr struct {
		Applied int `json:"applied"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode tick response: %v", err)
	}
	if tr.Applied != 1 {
		t.Errorf("applied = %d, want 1", tr.Applied)
	}

	// Idempotent: the second trigger finds nothing.
	resp = ts.do(t, http.MethodPost, "/v1/scheduler/tick", "", nil)
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode second tick response: %v", err)
	}
	if tr.Applied != 0 {
		t.Errorf("second tick applied = %d, want 0", tr.Applied)
	}

	if temp, err := ts.rooms.Temperature(owner.ID, "kitchen"); err != nil || temp != 18 {
		t.Errorf("temperature = %.1f, err = %v", temp, err)
	}
}

func TestHealthz(t *testing.T) {
	ts := setupServer(t)

	resp := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}
