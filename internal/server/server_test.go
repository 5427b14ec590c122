package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/clock"
	"github.com/lazypower/bondline/internal/engine"
	"github.com/lazypower/bondline/internal/events"
	"github.com/lazypower/bondline/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	srv   *Server
	clock *clock.FakeClock
	bus   *events.Bus
}

func newTestEnv(t *testing.T, capacities map[bond.Tier]int, window time.Duration) *testEnv {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	clk := clock.Fake(t0)
	eng := engine.New(db, engine.Config{Capacities: capacities, AcceptanceWindow: window}, bus, clk, zerolog.Nop())
	sweeper := engine.NewSweeper(eng, time.Hour, 2)
	return &testEnv{
		srv:   New(eng, sweeper, bus, "test-version", zerolog.Nop()),
		clock: clk,
		bus:   bus,
	}
}

func testServer(t *testing.T) *Server {
	t.Helper()
	return newTestEnv(t, map[bond.Tier]int{bond.TierClose: 1}, 0).srv
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test-version" {
		t.Errorf("version = %v, want test-version", body["version"])
	}
	if body["db"] != true {
		t.Errorf("db = %v, want true", body["db"])
	}
	if body["subscribers"] != float64(0) {
		t.Errorf("subscribers = %v, want 0", body["subscribers"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "bondline_event_subscribers") {
		t.Errorf("metrics output missing bondline_event_subscribers")
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/api/nope", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func dialEvents(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e events.Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, map[bond.Tier]int{bond.TierClose: 1}, 0)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	all := dialEvents(t, ts, "")
	mine := dialEvents(t, ts, "?user_id=u2")

	w := env.do(t, "POST", "/api/bonds", establishBody("u1", "agent", "close"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = env.do(t, "POST", "/api/bonds", establishBody("u2", "agent", "close"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	e := readEvent(t, all)
	assert.Equal(t, events.BondEstablished, e.Type)
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, bond.TierClose, e.Tier)

	e = readEvent(t, all)
	assert.Equal(t, events.QueuePositionChanged, e.Type)
	assert.Equal(t, 1, e.Position)

	e = readEvent(t, mine)
	assert.Equal(t, events.QueuePositionChanged, e.Type, "u1's events are filtered out")
	assert.Equal(t, "u2", e.UserID)
}

func TestEventStreamClosesWithBus(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	conn := dialEvents(t, ts, "")
	env.bus.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
