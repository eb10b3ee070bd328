package league_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/condorbot/league"
)

// countingSink records which sink operations ran.
type countingSink struct {
	league.NopSink
	mu    sync.Mutex
	calls map[string]int
}

func (s *countingSink) inc(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[op]++
}

func (s *countingSink) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *countingSink) ScheduleMatch(context.Context, *league.Match) error {
	s.inc("schedule")
	return nil
}

func (s *countingSink) UnscheduleMatch(context.Context, *league.Match) error {
	s.inc("unschedule")
	return nil
}

func (s *countingSink) RecordMatch(context.Context, *league.Match, league.MatchAggregate) error {
	s.inc("record")
	return errors.New("sheet offline")
}

func newSinkHarness(t *testing.T) (*harness, *countingSink) {
	sink := &countingSink{}
	h := newHarness(t, func(_ *league.Options, d *league.Deps) { d.Sink = sink })
	h.makeMatch(t, nil)
	return h, sink
}

func TestForceConfirmNeedsSuggestion(t *testing.T) {
	h, sink := newSinkHarness(t)

	if err := h.run(t, "alicetv", "staffer", ".forceconfirm"); !errors.Is(err, league.ErrInvalidState) {
		t.Fatalf("forceconfirm before suggest error = %v, want ErrInvalidState", err)
	}
	h.mustRun(t, "alicetv", "alice", ".suggest March 9 5:00p")
	h.mustRun(t, "alicetv", "staffer", ".forceconfirm")

	m, _ := h.store.GetMatchByChannel(h.ctx, "alicetv")
	if !m.Confirmed() {
		t.Error("match not confirmed after forceconfirm")
	}
	if !h.msg.Has("alicetv", "Staffer has forced confirmation of match time") {
		t.Errorf("channel = %q", h.msg.Lines("alicetv"))
	}
	if sink.count("schedule") != 1 {
		t.Errorf("sink schedule calls = %d, want 1", sink.count("schedule"))
	}
}

func TestForceRescheduleUTC(t *testing.T) {
	h, sink := newSinkHarness(t)
	h.mustRun(t, "alicetv", "alice", ".suggest March 9 5:00p")
	h.mustRun(t, "alicetv", "bob", ".confirm")

	if err := h.run(t, "alicetv", "staffer", ".forcerescheduleutc Feb 2 18:00"); !errors.Is(err, league.ErrPastTime) {
		t.Errorf("past reschedule error = %v, want ErrPastTime", err)
	}
	if err := h.run(t, "alicetv", "staffer", ".forcerescheduleutc Smarch 2 18:00"); !errors.Is(err, league.ErrParse) {
		t.Errorf("bad month error = %v, want ErrParse", err)
	}
	if err := h.run(t, "alicetv", "alice", ".forcerescheduleutc March 10 18:00"); !errors.Is(err, league.ErrNotAuthorized) {
		t.Errorf("reschedule by racer error = %v, want ErrNotAuthorized", err)
	}

	h.mustRun(t, "alicetv", "staffer", ".forcerescheduleutc March 10 18:00")
	m, _ := h.store.GetMatchByChannel(h.ctx, "alicetv")
	if want := time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC); !m.Time().Equal(want) {
		t.Errorf("time = %v, want %v", m.Time(), want)
	}
	if m.Confirmed() || m.IsConfirmedBy(m.Racer1) || m.IsScheduledBy(m.Racer1) || m.IsScheduledBy(m.Racer2) {
		t.Error("admin reschedule left confirmations or a proposer behind")
	}
	if sink.count("unschedule") != 1 {
		t.Errorf("sink unschedule calls = %d, want 1", sink.count("unschedule"))
	}
	if !h.msg.Has("alicetv", "suggested to be scheduled for Sunday, Mar 10") {
		t.Errorf("channel = %q", h.msg.Lines("alicetv"))
	}
}

func TestForceUnscheduleClosesRoom(t *testing.T) {
	h, sink := newSinkHarness(t)
	h.beginRoom(t)

	h.mustRun(t, "alicetv", "staffer", ".forceunschedule")
	if h.l.Room("alicetv") != nil {
		t.Error("room still open after forceunschedule")
	}
	m, _ := h.store.GetMatchByChannel(h.ctx, "alicetv")
	if m.Scheduled() || m.Confirmed() {
		t.Error("match still scheduled")
	}
	if sink.count("unschedule") != 1 {
		t.Errorf("sink unschedule calls = %d, want 1", sink.count("unschedule"))
	}
	if !h.msg.Has("alicetv", "The match has been unscheduled.") {
		t.Errorf("channel = %q", h.msg.Lines("alicetv"))
	}
}

func TestForceUpdatePushesPlayedMatch(t *testing.T) {
	h, sink := newSinkHarness(t)

	if err := h.run(t, "alicetv", "staffer", ".forceupdate"); !errors.Is(err, league.ErrInvalidState) {
		t.Fatalf("forceupdate unscheduled error = %v, want ErrInvalidState", err)
	}

	m, _ := h.store.GetMatchByChannel(h.ctx, "alicetv")
	m.Schedule(t0.Add(-time.Hour), nil)
	m.ForceConfirm()
	m.SetPlayed(true)
	if err := h.store.UpdateMatch(h.ctx, m); err != nil {
		t.Fatal(err)
	}

	// A failing sink is logged, never surfaced to the caller.
	h.mustRun(t, "alicetv", "staffer", ".forceupdate")
	if sink.count("schedule") != 1 || sink.count("record") != 1 {
		t.Errorf("sink calls = %v", sink.calls)
	}
	h.msg.WaitFor(t, "alicetv", "Updated.")
}
