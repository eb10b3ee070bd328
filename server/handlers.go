package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/condorbot/league"
	"github.com/onnwee/condorbot/telemetry"
)

// LeagueView is the part of the league the API reads and controls.
type LeagueView interface {
	Rooms() []*league.Room
	Upcoming(ctx context.Context) ([]*league.Match, error)
	CloseRoom(channel string) bool
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	league LeagueView
	checks []Check
}

func NewHandlers(l LeagueView, checks ...Check) *Handlers {
	return &Handlers{league: l, checks: checks}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusResponse struct {
	ActiveRooms int                 `json:"active_rooms"`
	Rooms       []league.RoomStatus `json:"rooms"`
}

// HandleStatus lists the open race rooms.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	rooms := h.league.Rooms()
	resp := statusResponse{ActiveRooms: len(rooms), Rooms: make([]league.RoomStatus, 0, len(rooms))}
	for _, room := range rooms {
		resp.Rooms = append(resp.Rooms, room.Status())
	}
	writeJSON(w, http.StatusOK, resp)
}

type scheduledMatch struct {
	Racer1      string    `json:"racer1"`
	Racer2      string    `json:"racer2"`
	Week        int       `json:"week"`
	Time        time.Time `json:"time"`
	Cawmentator string    `json:"cawmentator,omitempty"`
}

// HandleSchedule returns the confirmed upcoming matches, soonest first.
// The optional limit query parameter caps the list.
func (h *Handlers) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	matches, err := h.league.Upcoming(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("load schedule", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "failed to load schedule", http.StatusInternalServerError)
		return
	}
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]scheduledMatch, 0, len(matches))
	for _, m := range matches {
		out = append(out, scheduledMatch{
			Racer1:      m.Racer1.UniqueName,
			Racer2:      m.Racer2.UniqueName,
			Week:        m.Week,
			Time:        m.Time().UTC(),
			Cawmentator: m.Cawmentator,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleCloseRoom closes the race room of a channel without recording
// anything further.
func (h *Handlers) HandleCloseRoom(w http.ResponseWriter, r *http.Request) {
	channel := strings.ToLower(r.PathValue("channel"))
	if !h.league.CloseRoom(channel) {
		http.Error(w, "no open room for "+channel, http.StatusNotFound)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("room closed over http",
		slog.String("channel", channel),
		slog.Bool("authenticated", isAuthenticated(r.Context())),
		slog.String("component", "http"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "channel": channel})
}
