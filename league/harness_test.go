package league_test

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/condorbot/clock"
	"github.com/onnwee/condorbot/db"
	"github.com/onnwee/condorbot/league"
	"github.com/onnwee/condorbot/race"
	"github.com/onnwee/condorbot/testutil"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	ctx   context.Context
	l     *league.League
	store *db.MemoryStore
	msg   *testutil.RecordingMessenger
	pub   *testutil.RecordingPublisher
	clk   *clock.Fake
}

func newHarness(t *testing.T, configure func(*league.Options, *league.Deps)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := &harness{
		ctx:   ctx,
		store: db.NewMemoryStore(),
		msg:   testutil.NewRecordingMessenger(),
		pub:   &testutil.RecordingPublisher{},
		clk:   clock.NewFake(t0),
	}
	opts := league.Options{
		MainChannel:          "main",
		AdminChannel:         "admin",
		NotificationsChannel: "notifications",
		ScheduleChannel:      "schedule",
		Admins:               []string{"staffer"},
		SeasonYear:           2024,
		// One second of countdown lead-in and of finalization, nothing more.
		Race: race.Config{RequireAtLeastTwo: true},
	}
	deps := league.Deps{
		Store:     h.store,
		Messenger: h.msg,
		Publisher: h.pub,
		Joiner:    h.msg,
		Clock:     h.clk,
	}
	if configure != nil {
		configure(&opts, &deps)
	}
	h.l = league.New(ctx, opts, deps)
	t.Cleanup(func() { h.l.Shutdown(context.Background()) })
	return h
}

// run parses and executes a chat line from sender.
func (h *harness) run(t *testing.T, channel, sender, text string) error {
	t.Helper()
	name, args, ok := league.ParseCommand(".", text)
	if !ok {
		t.Fatalf("not a command: %q", text)
	}
	return h.l.Execute(h.ctx, league.Command{Name: name, Args: args, Channel: channel, Sender: sender, SenderName: displayNames[sender]})
}

func (h *harness) mustRun(t *testing.T, channel, sender, text string) {
	t.Helper()
	if err := h.run(t, channel, sender, text); err != nil {
		t.Fatalf("%s in #%s by %s: %v", text, channel, sender, err)
	}
}

var displayNames = map[string]string{"alice": "Alice", "bob": "Bob", "carol": "Carol", "staffer": "Staffer"}

// register signs up alice (AliceTV, New York) and bob (bobtv, London).
func (h *harness) register(t *testing.T) {
	t.Helper()
	h.mustRun(t, "main", "alice", ".stream AliceTV")
	h.mustRun(t, "main", "alice", ".timezone America/New_York")
	h.mustRun(t, "main", "bob", ".stream bobtv")
	h.mustRun(t, "main", "bob", ".timezone Europe/London")
}

// makeMatch registers both racers and makes their week 1 match in #alicetv.
func (h *harness) makeMatch(t *testing.T, configure func(*league.Match)) *league.Match {
	t.Helper()
	h.register(t)
	m, ch, err := h.l.MakeMatch(h.ctx, "AliceTV", "bobtv", 1, "")
	if err != nil {
		t.Fatalf("MakeMatch() error = %v", err)
	}
	if ch != "alicetv" {
		t.Fatalf("MakeMatch() channel = %q, want alicetv", ch)
	}
	if configure != nil {
		configure(m)
		if err := h.store.UpdateMatch(h.ctx, m); err != nil {
			t.Fatalf("UpdateMatch() error = %v", err)
		}
	}
	return m
}

// beginRoom force-starts the match and waits for the first race.
func (h *harness) beginRoom(t *testing.T) *league.Room {
	t.Helper()
	h.mustRun(t, "alicetv", "staffer", ".forcebeginmatch")
	room := h.l.Room("alicetv")
	if room == nil {
		t.Fatal("no room after forcebeginmatch")
	}
	h.waitRaces(t, 1)
	return room
}

// waitRaces waits until the nth race of the room has been announced.
func (h *harness) waitRaces(t *testing.T, n int) {
	t.Helper()
	testutil.WaitUntil(t, func() bool { return h.msg.Count("alicetv", "Please input the seed") >= n }, "race %d to open", n)
}

// startRace readies both racers and runs the countdown to GO.
func (h *harness) startRace(t *testing.T, room *league.Room) {
	t.Helper()
	h.mustRun(t, "alicetv", "alice", ".ready")
	h.mustRun(t, "alicetv", "bob", ".ready")
	h.clk.BlockUntil(1)
	h.clk.Advance(time.Second)
	testutil.WaitUntil(t, func() bool { return room.Race().Status() == race.Racing }, "race start")
	h.clk.Advance(10 * time.Minute)
}

// finishRace lets the finalization window run out.
func (h *harness) finishRace(t *testing.T, recorded int) {
	t.Helper()
	h.clk.BlockUntil(1)
	h.clk.Advance(time.Second)
	testutil.WaitUntil(t, func() bool { return h.msg.Count("alicetv", "has been recorded") >= recorded }, "race %d to be recorded", recorded)
}

// playRace runs one race that winner finishes alone.
func (h *harness) playRace(t *testing.T, room *league.Room, winner string, recorded int) {
	t.Helper()
	h.startRace(t, room)
	h.mustRun(t, "alicetv", winner, ".done")
	h.finishRace(t, recorded)
}

func (h *harness) records(t *testing.T, m *league.Match) []league.RaceRecord {
	t.Helper()
	recs, err := h.store.RaceRecords(h.ctx, m)
	if err != nil {
		t.Fatalf("RaceRecords() error = %v", err)
	}
	return recs
}
