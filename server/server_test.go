package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/condorbot/clock"
	"github.com/onnwee/condorbot/db"
	"github.com/onnwee/condorbot/league"
	"github.com/onnwee/condorbot/testutil"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestLeague builds a league holding one confirmed match between
// AliceTV and bobtv two hours from now, bound to #alicetv.
func newTestLeague(t *testing.T) (*league.League, *league.Match) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := db.NewMemoryStore()
	l := league.New(ctx, league.Options{MainChannel: "main"}, league.Deps{
		Store:     store,
		Messenger: testutil.NewRecordingMessenger(),
		Clock:     clock.NewFake(t0),
	})
	t.Cleanup(func() { l.Shutdown(context.Background()) })

	for _, r := range []*league.Racer{
		{ChatID: "alice", DisplayName: "Alice", UniqueName: "AliceTV"},
		{ChatID: "bob", DisplayName: "Bob", UniqueName: "bobtv"},
	} {
		if err := store.RegisterRacer(ctx, r); err != nil {
			t.Fatalf("RegisterRacer() error = %v", err)
		}
	}
	m, _, err := l.MakeMatch(ctx, "AliceTV", "bobtv", 1, "")
	if err != nil {
		t.Fatalf("MakeMatch() error = %v", err)
	}
	m.Schedule(t0.Add(2*time.Hour), m.Racer1)
	m.ForceConfirm()
	m.Cawmentator = "birdman"
	if err := store.UpdateMatch(ctx, m); err != nil {
		t.Fatalf("UpdateMatch() error = %v", err)
	}
	return l, m
}

func newTestMux(t *testing.T, l LeagueView, opts Options, checks ...Check) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, NewHandlers(l, checks...), opts)
}

func serve(h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzOK(t *testing.T) {
	l, _ := newTestLeague(t)
	rr := serve(newTestMux(t, l, Options{}), http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID header")
	}
}

func TestCorrelationIDPropagated(t *testing.T) {
	l, _ := newTestLeague(t)
	rr := serve(newTestMux(t, l, Options{}), http.MethodGet, "/healthz", map[string]string{"X-Correlation-ID": "abc-123"})
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("X-Correlation-ID = %q, want abc-123", got)
	}
}

func TestReadyz(t *testing.T) {
	l, _ := newTestLeague(t)
	ok := Check{Name: "database", Fn: func(context.Context) error { return nil }}
	down := Check{Name: "redis", Fn: func(context.Context) error { return errors.New("connection refused") }}

	tests := []struct {
		name       string
		checks     []Check
		wantStatus int
		wantBody   map[string]string
	}{
		{"no checks", nil, http.StatusOK, map[string]string{"status": "ready"}},
		{"all pass", []Check{ok}, http.StatusOK, map[string]string{"status": "ready"}},
		{"one fails", []Check{ok, down}, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready", "failed_check": "redis", "error": "connection refused",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(newTestMux(t, l, Options{}, tt.checks...), http.MethodGet, "/readyz", nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			var got map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			for k, v := range tt.wantBody {
				if got[k] != v {
					t.Errorf("%s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestStatusListsRooms(t *testing.T) {
	l, m := newTestLeague(t)
	h := newTestMux(t, l, Options{})

	var empty statusResponse
	rr := serve(h, http.MethodGet, "/status", nil)
	if err := json.NewDecoder(rr.Body).Decode(&empty); err != nil || empty.ActiveRooms != 0 || len(empty.Rooms) != 0 {
		t.Fatalf("status before room = %+v, %v", empty, err)
	}

	l.MakeRoom("alicetv", m)
	var got statusResponse
	rr = serve(h, http.MethodGet, "/status", nil)
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ActiveRooms != 1 || got.Rooms[0].Channel != "alicetv" || got.Rooms[0].Racer2 != "bobtv" || got.Rooms[0].Week != 1 {
		t.Errorf("status = %+v", got)
	}
}

func TestSchedule(t *testing.T) {
	l, _ := newTestLeague(t)
	h := newTestMux(t, l, Options{})

	rr := serve(h, http.MethodGet, "/schedule", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got []scheduledMatch
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("schedule = %+v", got)
	}
	g := got[0]
	if g.Racer1 != "AliceTV" || g.Racer2 != "bobtv" || g.Week != 1 || g.Cawmentator != "birdman" || !g.Time.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("schedule[0] = %+v", g)
	}

	if rr := serve(h, http.MethodGet, "/schedule?limit=x", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rr.Code)
	}
	if rr := serve(h, http.MethodPost, "/schedule", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /schedule status = %d, want 405", rr.Code)
	}
}

func TestCloseRoom(t *testing.T) {
	l, m := newTestLeague(t)
	h := newTestMux(t, l, Options{AdminToken: "s3cret"})
	l.MakeRoom("alicetv", m)

	if rr := serve(h, http.MethodPost, "/admin/rooms/alicetv/close", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated close = %d, want 401", rr.Code)
	}
	if l.Room("alicetv") == nil {
		t.Fatal("room closed without auth")
	}

	auth := map[string]string{"X-Admin-Token": "s3cret"}
	if rr := serve(h, http.MethodPost, "/admin/rooms/AliceTV/close", auth); rr.Code != http.StatusOK {
		t.Fatalf("close = %d, body=%s", rr.Code, rr.Body.String())
	}
	if l.Room("alicetv") != nil {
		t.Error("room still open")
	}
	if rr := serve(h, http.MethodPost, "/admin/rooms/alicetv/close", auth); rr.Code != http.StatusNotFound {
		t.Errorf("second close = %d, want 404", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	l, _ := newTestLeague(t)
	rr := serve(newTestMux(t, l, Options{}), http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	l, _ := newTestLeague(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, "127.0.0.1:0", newTestMux(t, l, Options{})) }()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("server returned error: %v", err)
	}
}
