package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"quorum/api/internal/auth"
	"quorum/api/internal/config"
	"quorum/api/internal/store"
)

type testEnv struct {
	t       *testing.T
	cfg     config.Config
	db      *store.BoltStore
	service *Service
	handler http.Handler
}

func testConfig() config.Config {
	return config.Config{
		Environment:       "production",
		JWTSecret:         "test-secret",
		CORSOrigin:        "*",
		CommitteePolicy:   config.PolicyOpen,
		LiftInterval:      30 * time.Second,
		ReconcileInterval: time.Minute,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, opts ...func(*config.Config)) *testEnv {
	return newWrappedEnv(t, nil, opts...)
}

// newWrappedEnv builds an environment whose service sees the bolt store through
// wrap, which lets tests inject storage faults.
func newWrappedEnv(t *testing.T, wrap func(DataStore) DataStore, opts ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	db, err := store.OpenBolt(filepath.Join(t.TempDir(), "quorum.db"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	var ds DataStore = db
	if wrap != nil {
		ds = wrap(db)
	}
	svc := New(cfg, ds, Deps{Logger: quietLogger()})
	return &testEnv{
		t:       t,
		cfg:     cfg,
		db:      db,
		service: svc,
		handler: NewHTTPServer(svc, nil).Handler(),
	}
}

func caller(username string) auth.Identity {
	return auth.Identity{Subject: "sub-" + username, Username: username, Name: username}
}

func (e *testEnv) token(username string) string {
	e.t.Helper()
	token, err := auth.IssueToken([]byte(e.cfg.JWTSecret), caller(username), time.Hour)
	if err != nil {
		e.t.Fatalf("IssueToken: %v", err)
	}
	return token
}

// do sends a request as username; an empty username sends no credentials.
func (e *testEnv) do(method, target, username string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if username != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(username))
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d body=%s", want, rr.Code, rr.Body.String())
	}
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rr, status)
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse error response: %v", err)
	}
	if payload["code"] != code {
		t.Fatalf("expected code %s, got %v body=%s", code, payload["code"], rr.Body.String())
	}
}

func decodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return out
}

type memberSpec = map[string]string

// seedBoard creates Board, owned by alice with bob as member and olive as observer,
// and Budget, owned by alice.
func (e *testEnv) seedBoard() {
	e.t.Helper()
	rr := e.do(http.MethodPost, "/api/committees", "alice", map[string]any{
		"id":      "board",
		"name":    "Board",
		"members": []memberSpec{{"username": "bob", "role": "member"}, {"username": "olive", "role": "observer"}},
	})
	expectStatus(e.t, rr, http.StatusCreated)
	rr = e.do(http.MethodPost, "/api/committees", "alice", map[string]any{"id": "budget", "name": "Budget"})
	expectStatus(e.t, rr, http.StatusCreated)
}

func (e *testEnv) createMotion(username string, body map[string]any) motionView {
	e.t.Helper()
	rr := e.do(http.MethodPost, "/api/motions", username, body)
	expectStatus(e.t, rr, http.StatusCreated)
	return decodeJSON[motionView](e.t, rr)
}

func (e *testEnv) patchMotion(username string, body map[string]any) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.do(http.MethodPatch, "/api/motions", username, body)
}

func (e *testEnv) mustPatchMotion(username string, body map[string]any) motionView {
	e.t.Helper()
	rr := e.patchMotion(username, body)
	expectStatus(e.t, rr, http.StatusOK)
	return decodeJSON[motionView](e.t, rr)
}

func (e *testEnv) getMotion(id string) motionView {
	e.t.Helper()
	rr := e.do(http.MethodGet, "/api/motions?id="+id, "", nil)
	expectStatus(e.t, rr, http.StatusOK)
	return decodeJSON[motionView](e.t, rr)
}

func (e *testEnv) listMotions(committeeID string) []motionView {
	e.t.Helper()
	rr := e.do(http.MethodGet, "/api/motions?committeeId="+committeeID, "", nil)
	expectStatus(e.t, rr, http.StatusOK)
	return decodeJSON[[]motionView](e.t, rr)
}
