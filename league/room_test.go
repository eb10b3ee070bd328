package league_test

import (
	"errors"
	"testing"
	"time"

	"github.com/onnwee/condorbot/league"
	"github.com/onnwee/condorbot/race"
	"github.com/onnwee/condorbot/testutil"
)

func TestBestOfMatchEndsEarly(t *testing.T) {
	h := newHarness(t, nil)
	m := h.makeMatch(t, func(m *league.Match) { m.SetBestOf(true) })
	room := h.beginRoom(t)

	h.playRace(t, room, "alice", 1)
	h.waitRaces(t, 2)
	h.playRace(t, room, "alice", 2)
	h.msg.WaitFor(t, "alicetv", "Match results recorded.")

	stored, err := h.store.GetMatchByChannel(h.ctx, "alicetv")
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Played() {
		t.Error("match not marked played")
	}
	if n := h.msg.Count("alicetv", "Please input the seed"); n != 2 {
		t.Errorf("races opened = %d, want 2 for a 2-0 best-of-3", n)
	}
	agg := league.Aggregate(m, h.records(t, m))
	if agg.Racer1Wins != 2 || agg.NoPlays != 1 {
		t.Errorf("Aggregate() = %+v", agg)
	}
	if !room.Status().MatchDone {
		t.Error("Status().MatchDone = false")
	}

	types := h.pub.Types()
	want := []league.EventType{league.EventRaceSoon, league.EventRaceStart, league.EventRaceEnd, league.EventRaceStart, league.EventRaceEnd, league.EventMatchEnd}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestCancelNeedsBothRacers(t *testing.T) {
	h := newHarness(t, nil)
	m := h.makeMatch(t, nil)
	room := h.beginRoom(t)
	h.startRace(t, room)

	h.mustRun(t, "alicetv", "alice", ".cancel")
	if !h.msg.Has("alicetv", "@Alice wishes to cancel the race. Both racers must type .cancel") {
		t.Errorf("lines = %q", h.msg.Lines("alicetv"))
	}
	if len(h.records(t, m)) != 0 {
		t.Fatal("race recorded after a single cancel vote")
	}
	h.mustRun(t, "alicetv", "bob", ".cancel")
	h.msg.WaitFor(t, "alicetv", "Race cancelled.")

	recs := h.records(t, m)
	if len(recs) != 1 || !recs[0].Cancelled {
		t.Fatalf("records = %+v, want one cancelled race", recs)
	}
	if n, _ := h.store.NumberOfFinishedRaces(h.ctx, m); n != 0 {
		t.Errorf("NumberOfFinishedRaces() = %d, want 0", n)
	}
	h.waitRaces(t, 2)
}

func TestStaleRaceCallbacksIgnored(t *testing.T) {
	h := newHarness(t, nil)
	m := h.makeMatch(t, nil)
	room := h.beginRoom(t)
	old := room.Race()
	h.playRace(t, room, "bob", 1)
	h.waitRaces(t, 2)

	room.RaceFinalized(old)
	room.RaceBegan(old)
	if recs := h.records(t, m); len(recs) != 1 || recs[0].Winner != 2 {
		t.Errorf("records = %+v, want only bob's win", recs)
	}
	if room.Race() == old {
		t.Error("room still holds the finished race")
	}
	starts := 0
	for _, typ := range h.pub.Types() {
		if typ == league.EventRaceStart {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("racestart events = %d, want 1", starts)
	}
}

func TestContestDuringRace(t *testing.T) {
	h := newHarness(t, nil)
	m := h.makeMatch(t, nil)
	room := h.beginRoom(t)

	if err := h.run(t, "alicetv", "alice", ".contest"); !errors.Is(err, league.ErrInvalidState) {
		t.Errorf("contest before any race error = %v, want ErrInvalidState", err)
	}

	h.startRace(t, room)
	h.mustRun(t, "alicetv", "alice", ".contest")
	if !h.msg.Has("notifications", "AliceTV has contested the result of race number 1 in the match alicetv.") {
		t.Errorf("notifications = %q", h.msg.Lines("notifications"))
	}
	h.mustRun(t, "alicetv", "bob", ".done")
	h.finishRace(t, 1)

	recs := h.records(t, m)
	if len(recs) != 1 || !recs[0].Contested || recs[0].ContestedBy != "AliceTV" || recs[0].Winner != 2 {
		t.Fatalf("records = %+v", recs)
	}
	stored, _ := h.store.GetMatchByChannel(h.ctx, "alicetv")
	if !stored.Contested() {
		t.Error("match not flagged contested")
	}

	// After the race, a contest targets the recorded race.
	h.waitRaces(t, 2)
	h.mustRun(t, "alicetv", "bob", ".contest")
	if recs := h.records(t, m); recs[0].ContestedBy != "bobtv" {
		t.Errorf("ContestedBy = %q, want bobtv", recs[0].ContestedBy)
	}
}

func TestCloseFinishNotifiesStaff(t *testing.T) {
	h := newHarness(t, nil)
	m := h.makeMatch(t, nil)
	room := h.beginRoom(t)
	h.startRace(t, room)

	h.mustRun(t, "alicetv", "alice", ".done")
	h.mustRun(t, "alicetv", "bob", ".d")
	h.finishRace(t, 1)

	if !h.msg.Has("notifications", "Race number 1 has finished within 5 seconds in channel alicetv. (AliceTV -- 10:00.00, bobtv -- 10:00.00)") {
		t.Errorf("notifications = %q", h.msg.Lines("notifications"))
	}
	if recs := h.records(t, m); recs[0].Winner != 0 || recs[0].Racer1Time != 60000 {
		t.Errorf("records = %+v, want a draw at 10 minutes", recs)
	}
}

func TestUndoneDuringGraceWindow(t *testing.T) {
	h := newHarness(t, nil)
	room := h.beginRoom2(t)
	h.startRace(t, room)

	h.mustRun(t, "alicetv", "alice", ".done")
	if !h.msg.Has("alicetv", "@Alice has finished in 1st place with a time of 10:00.00.") {
		t.Errorf("lines = %q", h.msg.Lines("alicetv"))
	}
	h.mustRun(t, "alicetv", "alice", ".undone")
	h.msg.WaitFor(t, "alicetv", "@Alice is no longer done and continues to race.")
	if got := room.Race().Status(); got != race.Racing {
		t.Errorf("status = %v, want Racing", got)
	}
	h.mustRun(t, "alicetv", "bob", ".quit")
	h.msg.WaitFor(t, "alicetv", "@Bob has forfeit the race.")
	h.mustRun(t, "alicetv", "bob", ".unquit")
	h.msg.WaitFor(t, "alicetv", "@Bob is no longer forfeit and continues to race.")
}

// beginRoom2 is beginRoom on a fresh match between the default racers.
func (h *harness) beginRoom2(t *testing.T) *league.Room {
	t.Helper()
	h.makeMatch(t, nil)
	return h.beginRoom(t)
}

func TestRacerCommandsRejectOutsiders(t *testing.T) {
	h := newHarness(t, nil)
	h.beginRoom2(t)

	if err := h.run(t, "alicetv", "carol", ".here"); !errors.Is(err, league.ErrNotAuthorized) {
		t.Errorf("here by outsider error = %v, want ErrNotAuthorized", err)
	}
	h.mustRun(t, "alicetv", "alice", ".here")
	if err := h.run(t, "alicetv", "alice", ".here"); !errors.Is(err, league.ErrInvalidState) {
		t.Errorf("second here error = %v, want ErrInvalidState", err)
	}
	if err := h.run(t, "alicetv", "carol", ".ready"); !errors.Is(err, league.ErrNotAuthorized) {
		t.Errorf("ready by outsider error = %v", err)
	}
	h.mustRun(t, "alicetv", "alice", ".ready")
	if err := h.run(t, "alicetv", "alice", ".ready"); !errors.Is(err, league.ErrInvalidState) {
		t.Errorf("second ready error = %v, want ErrInvalidState", err)
	}
	h.mustRun(t, "alicetv", "alice", ".unready")
	h.msg.WaitFor(t, "alicetv", "@Alice is no longer ready.")
	if err := h.run(t, "alicetv", "alice", ".forcenewrace"); !errors.Is(err, league.ErrNotAuthorized) {
		t.Errorf("admin command by racer error = %v", err)
	}
}

func TestForcedRaceRecords(t *testing.T) {
	h := newHarness(t, nil)
	m := h.makeMatch(t, nil)
	h.beginRoom(t)

	h.mustRun(t, "alicetv", "staffer", ".forcerecordrace AliceTV 1:02:03.45 1:05:00 -seed 42")
	h.mustRun(t, "alicetv", "staffer", ".forcerecordrace -draw")
	if err := h.run(t, "alicetv", "staffer", ".forcerecordrace -draw 1:00"); !errors.Is(err, league.ErrParse) {
		t.Errorf("draw with times error = %v, want ErrParse", err)
	}
	if err := h.run(t, "alicetv", "staffer", ".forcerecordrace carol"); !errors.Is(err, league.ErrParse) {
		t.Errorf("unknown winner error = %v, want ErrParse", err)
	}

	recs := h.records(t, m)
	if len(recs) != 2 {
		t.Fatalf("records = %+v", recs)
	}
	first := recs[0]
	if first.Winner != 1 || first.Racer1Time != 372345 || first.Racer2Time != 390000 || first.Seed != 42 || !first.ForceRecorded {
		t.Errorf("forced race = %+v", first)
	}

	h.mustRun(t, "alicetv", "staffer", ".forcechangewinner 2 bobtv")
	if err := h.run(t, "alicetv", "staffer", ".forcechangewinner 9 bobtv"); !errors.Is(err, league.ErrNotFound) {
		t.Errorf("change missing race error = %v, want ErrNotFound", err)
	}
	h.mustRun(t, "alicetv", "staffer", ".forcecancelrace 1")
	if !h.msg.Has("alicetv", "Race number 1 was cancelled.") {
		t.Errorf("lines = %q", h.msg.Lines("alicetv"))
	}
	if err := h.run(t, "alicetv", "staffer", ".forcecancelrace 5"); !errors.Is(err, league.ErrNotFound) {
		t.Errorf("cancel missing race error = %v, want ErrNotFound", err)
	}
	if w, _ := h.store.NumberOfWins(h.ctx, m, 2, false); w != 1 {
		t.Errorf("bob wins = %v, want 1", w)
	}

	h.mustRun(t, "alicetv", "staffer", ".forcerecordrace bobtv")
	h.mustRun(t, "alicetv", "staffer", ".forcerecordrace bobtv")
	h.msg.WaitFor(t, "alicetv", "Match results recorded.")
	stored, _ := h.store.GetMatchByChannel(h.ctx, "alicetv")
	if !stored.Played() {
		t.Error("match not played after three finished races")
	}
}

func TestForceNewRaceRecordsCancelled(t *testing.T) {
	h := newHarness(t, nil)
	m := h.makeMatch(t, nil)
	room := h.beginRoom(t)
	h.startRace(t, room)

	h.mustRun(t, "alicetv", "staffer", ".forcenewrace")
	h.waitRaces(t, 2)
	recs := h.records(t, m)
	if len(recs) != 1 || !recs[0].Cancelled {
		t.Errorf("records = %+v, want one cancelled race", recs)
	}
	if room.Race().Status() != race.EntryOpen {
		t.Errorf("new race status = %v", room.Race().Status())
	}
}

func TestPauseReseed(t *testing.T) {
	h := newHarness(t, nil)
	room := h.beginRoom2(t)

	h.mustRun(t, "alicetv", "staffer", ".reseed 777")
	if room.Race().Seed() != 777 || !h.msg.Has("alicetv", "Changed seed to 777.") {
		t.Errorf("seed = %d", room.Race().Seed())
	}
	if err := h.run(t, "alicetv", "staffer", ".pause"); !errors.Is(err, league.ErrInvalidState) {
		t.Errorf("pause before start error = %v", err)
	}

	h.startRace(t, room)
	if err := h.run(t, "alicetv", "staffer", ".reseed"); !errors.Is(err, league.ErrInvalidState) {
		t.Errorf("reseed after start error = %v", err)
	}
	h.mustRun(t, "alicetv", "staffer", ".pause")
	h.clk.Advance(time.Minute)
	h.mustRun(t, "alicetv", "staffer", ".unpause")
	h.msg.WaitFor(t, "alicetv", "Race unpaused! GO!")
	if got := room.Race().Elapsed(); got != 10*time.Minute {
		t.Errorf("Elapsed() = %v, want paused minute excluded", got)
	}
	h.mustRun(t, "alicetv", "alice", ".time")
	h.msg.WaitFor(t, "alicetv", "The current race time is 10:00.00.")
}

func TestRoomResumesAfterRestart(t *testing.T) {
	h := newHarness(t, nil)
	m := h.makeMatch(t, func(m *league.Match) {
		m.Schedule(t0.Add(-10*time.Minute), nil)
		m.ForceConfirm()
	})
	if err := h.store.RecordRace(h.ctx, m, league.RaceRecord{Winner: 1, Racer1Time: 100, Racer2Time: -1, Timestamp: t0}); err != nil {
		t.Fatal(err)
	}

	room := h.l.MakeRoom("alicetv", m)
	h.msg.WaitFor(t, "alicetv", "I believe that I was just restarted")
	h.waitRaces(t, 1)
	if !h.msg.Has("alicetv", "type .ready when you are ready for the second race.") {
		t.Errorf("lines = %q", h.msg.Lines("alicetv"))
	}
	if h.l.MakeRoom("alicetv", m) != room {
		t.Error("MakeRoom() replaced an open room")
	}
	if !h.l.CloseRoom("alicetv") || h.l.Room("alicetv") != nil {
		t.Error("CloseRoom() did not remove the room")
	}
	testutil.WaitUntil(t, func() bool { return room.Race().Status() == race.Cancelled }, "pending race to cancel")
}

func TestForcedRecordsDecideMatchDuringRace(t *testing.T) {
	h := newHarness(t, nil)
	m := h.makeMatch(t, nil)
	room := h.beginRoom(t)
	h.startRace(t, room)

	for range 3 {
		h.mustRun(t, "alicetv", "staffer", ".forcerecordrace AliceTV")
	}
	h.msg.WaitFor(t, "alicetv", "Match results recorded.")
	if got := room.Race().Status(); got != race.Cancelled {
		t.Errorf("live race status = %v, want Cancelled", got)
	}

	h.mustRun(t, "alicetv", "bob", ".done")
	h.mustRun(t, "alicetv", "staffer", ".forcerecordrace bobtv")
	h.clk.Advance(time.Minute)

	if recs := h.records(t, m); len(recs) != 4 {
		t.Errorf("records = %+v, want the three forced races plus one more forced after the match", recs)
	}
	if n := h.msg.Count("alicetv", "Match results recorded."); n != 1 {
		t.Errorf("match recorded %d times, want 1", n)
	}
	if n := h.msg.Count("alicetv", "has been recorded"); n != 0 {
		t.Errorf("abandoned race was recorded %d times", n)
	}
}

func TestContestNumbersCountCancelledRaces(t *testing.T) {
	h := newHarness(t, nil)
	m := h.makeMatch(t, nil)
	room := h.beginRoom(t)

	h.playRace(t, room, "alice", 1)
	h.waitRaces(t, 2)
	h.startRace(t, room)
	h.mustRun(t, "alicetv", "alice", ".cancel")
	h.mustRun(t, "alicetv", "bob", ".cancel")
	h.msg.WaitFor(t, "alicetv", "Race cancelled.")
	h.waitRaces(t, 3)

	h.startRace(t, room)
	h.mustRun(t, "alicetv", "bob", ".contest")
	if !h.msg.Has("alicetv", "@Bob has contested the result of race number 3.") {
		t.Errorf("lines = %q", h.msg.Lines("alicetv"))
	}
	h.mustRun(t, "alicetv", "alice", ".done")
	h.finishRace(t, 2)

	recs := h.records(t, m)
	if len(recs) != 3 {
		t.Fatalf("records = %+v", recs)
	}
	if recs[1].Contested || !recs[1].Cancelled {
		t.Errorf("cancelled race = %+v, want uncontested", recs[1])
	}
	if !recs[2].Contested || recs[2].ContestedBy != "bobtv" {
		t.Errorf("third race = %+v, want contested by bobtv", recs[2])
	}
}

func TestCancelAfterGraceWindowClosed(t *testing.T) {
	h := newHarness(t, nil)
	m := h.makeMatch(t, nil)
	room := h.beginRoom(t)
	h.startRace(t, room)
	h.mustRun(t, "alicetv", "alice", ".done")
	rc := room.Race()

	// The grace window closes while the room is busy with the cancel.
	unlock := room.Lock()
	h.clk.BlockUntil(1)
	h.clk.Advance(time.Second)
	testutil.WaitUntil(t, func() bool { return rc.Status() == race.Finalized }, "race to finalize")
	room.CancelRaceHeld(h.ctx)
	unlock()

	h.msg.WaitFor(t, "alicetv", "Race cancelled.")
	recs := h.records(t, m)
	if len(recs) != 1 || !recs[0].Cancelled {
		t.Fatalf("records = %+v, want one cancelled race", recs)
	}
	if h.msg.Has("alicetv", "has been recorded") {
		t.Error("cancelled race announced as recorded")
	}
	if n, _ := h.store.NumberOfFinishedRaces(h.ctx, m); n != 0 {
		t.Errorf("NumberOfFinishedRaces() = %d, want 0", n)
	}
	h.waitRaces(t, 2)
}
