package race

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/condorbot/clock"
)

type recordingListener struct {
	mu        sync.Mutex
	lines     []string
	began     chan struct{}
	finalized chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{began: make(chan struct{}, 4), finalized: make(chan struct{}, 4)}
}

func (l *recordingListener) Write(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, text)
}

func (l *recordingListener) RaceBegan(*Race)     { l.began <- struct{}{} }
func (l *recordingListener) RaceFinalized(*Race) { l.finalized <- struct{}{} }

func (l *recordingListener) has(text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.lines {
		if s == text {
			return true
		}
	}
	return false
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitPending(t *testing.T, clk *clock.Fake, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clk.Pending() != n {
		if time.Now().After(deadline) {
			t.Fatalf("pending timers = %d, want %d", clk.Pending(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func step(clk *clock.Fake, d time.Duration) {
	clk.BlockUntil(1)
	clk.Advance(d)
}

func newTestRace(t *testing.T) (*Race, *clock.Fake, *recordingListener) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 3, 9, 22, 0, 0, 0, time.UTC))
	l := newRecordingListener()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := New(ctx, DefaultConfig(), clk, l, 12345)
	r.Initialize()
	if !r.Enter("1", "alpha") || !r.Enter("2", "beta") {
		t.Fatal("Enter() failed for fresh racers")
	}
	return r, clk, l
}

// startRace readies both racers and drives the countdown to GO.
func startRace(t *testing.T, r *Race, clk *clock.Fake, l *recordingListener) {
	t.Helper()
	r.Ready("1")
	r.Ready("2")
	if !r.CanBegin() {
		t.Fatal("CanBegin() = false with all racers ready")
	}
	if !r.BeginCountdown() {
		t.Fatal("BeginCountdown() = false")
	}
	for i := 0; i < 1+r.cfg.CountdownSeconds; i++ {
		step(clk, time.Second)
	}
	waitSignal(t, l.began, "race start")
	if got := r.Status(); got != Racing {
		t.Fatalf("status = %v, want Racing", got)
	}
}

func TestEnterOnlyWhileEntryOpen(t *testing.T) {
	r := New(context.Background(), DefaultConfig(), clock.NewFake(time.Now()), nil, 1)
	if r.Enter("1", "alpha") {
		t.Error("Enter() before Initialize = true")
	}
	r.Initialize()
	if !r.Enter("1", "alpha") {
		t.Error("Enter() = false while entry open")
	}
	if r.Enter("1", "alpha") {
		t.Error("second Enter() = true, want idempotent false")
	}
}

func TestReadyTwiceIsNoop(t *testing.T) {
	r, _, _ := newTestRace(t)
	if !r.Ready("1") {
		t.Fatal("first Ready() = false")
	}
	if r.Ready("1") {
		t.Error("second Ready() = true, want false")
	}
	if got := r.NumNotReady(); got != 1 {
		t.Errorf("NumNotReady() = %d, want 1", got)
	}
	if r.CanBegin() {
		t.Error("CanBegin() = true with one racer unready")
	}
}

func TestUnreadyDuringCountdownReturnsToEntryOpen(t *testing.T) {
	r, clk, l := newTestRace(t)
	r.Ready("1")
	r.Ready("2")
	r.BeginCountdown()
	if got := r.Status(); got != CountingDown {
		t.Fatalf("status = %v, want CountingDown", got)
	}

	// Lead-in second plus ticks for 10..5 leaves four seconds on the clock.
	for i := 0; i < 7; i++ {
		step(clk, time.Second)
	}
	clk.BlockUntil(1)

	if !r.Unready("1") {
		t.Fatal("Unready() during countdown = false")
	}
	if got := r.Status(); got != EntryOpen {
		t.Errorf("status = %v, want EntryOpen", got)
	}
	p1, _ := r.Participant("1")
	p2, _ := r.Participant("2")
	if p1.State != Unready || p2.State != Ready {
		t.Errorf("states = %v/%v, want Unready/Ready", p1.State, p2.State)
	}
	if !l.has("Countdown cancelled.") {
		t.Error("missing countdown cancelled message")
	}
	waitPending(t, clk, 0)

	// A fresh ready/countdown cycle must complete independently.
	startRace(t, r, clk, l)
	if r.StartTime().IsZero() {
		t.Error("StartTime() zero after race began")
	}
}

func TestCountdownAnnouncesFinalSeconds(t *testing.T) {
	r, clk, l := newTestRace(t)
	startRace(t, r, clk, l)
	for _, want := range []string{"The race will begin in 10 seconds.", "5", "4", "3", "2", "1", "GO!"} {
		if !l.has(want) {
			t.Errorf("missing countdown line %q", want)
		}
	}
	if l.has("6") {
		t.Error("second 6 announced, want only the final 5")
	}
}

func TestUnreadyAfterCommitFails(t *testing.T) {
	r, clk, l := newTestRace(t)
	startRace(t, r, clk, l)
	if r.Unready("1") {
		t.Error("Unready() after race start = true")
	}
	if r.CancelCountdown() != true {
		t.Error("CancelCountdown() with no countdown should report success")
	}
}

func TestFinishComputesHundredths(t *testing.T) {
	r, clk, l := newTestRace(t)
	startRace(t, r, clk, l)

	clk.Advance(2*time.Minute + 3*time.Second + 456*time.Millisecond)
	if !r.Finish("1") {
		t.Fatal("Finish() = false")
	}
	p, _ := r.Participant("1")
	if p.Time != 12345 {
		t.Errorf("time = %d, want 12345", p.Time)
	}
	if got := r.Status(); got != Completed {
		t.Errorf("status = %v, want Completed after first finisher", got)
	}
	if r.Finish("1") {
		t.Error("second Finish() = true")
	}
}

func TestPauseExcludesPausedSpan(t *testing.T) {
	r, clk, l := newTestRace(t)
	startRace(t, r, clk, l)

	clk.Advance(10 * time.Second)
	if !r.Pause() {
		t.Fatal("Pause() = false")
	}
	if r.Pause() {
		t.Error("second Pause() = true")
	}
	clk.Advance(time.Minute)
	if !r.Unpause() {
		t.Fatal("Unpause() = false")
	}
	clk.Advance(5 * time.Second)
	if got := r.Elapsed(); got != 15*time.Second {
		t.Errorf("Elapsed() = %v, want 15s", got)
	}
}

func TestUnfinishDuringGraceWindow(t *testing.T) {
	r, clk, l := newTestRace(t)
	startRace(t, r, clk, l)

	clk.Advance(30 * time.Second)
	r.Finish("1")
	clk.BlockUntil(1)

	if !r.Unfinish("1") {
		t.Fatal("Unfinish() in grace window = false")
	}
	if got := r.Status(); got != Racing {
		t.Errorf("status = %v, want Racing", got)
	}
	waitPending(t, clk, 0)

	// Finish again and let the grace window elapse.
	r.Finish("1")
	step(clk, time.Second)
	step(clk, r.cfg.FinalizeAfter)
	waitSignal(t, l.finalized, "finalization")

	if got := r.Status(); got != Finalized {
		t.Errorf("status = %v, want Finalized", got)
	}
	if r.Unfinish("1") {
		t.Error("Unfinish() after finalization = true")
	}
	if !l.has("The race will end in 30 seconds.") {
		t.Error("missing finalization notice")
	}
}

func TestUnfinishKeepsCompletedWhileOtherRacerDone(t *testing.T) {
	r, clk, l := newTestRace(t)
	startRace(t, r, clk, l)

	r.Finish("1")
	r.Forfeit("2")
	if !r.Unfinish("1") {
		t.Fatal("Unfinish() = false")
	}
	if got := r.Status(); got != Completed {
		t.Errorf("status = %v, want Completed while racer 2 forfeit", got)
	}
}

func TestAllForfeitFinalizesAsCancelled(t *testing.T) {
	r, clk, l := newTestRace(t)
	startRace(t, r, clk, l)

	r.Forfeit("1")
	r.Forfeit("2")
	step(clk, time.Second)
	step(clk, r.cfg.FinalizeAfter)
	waitSignal(t, l.finalized, "finalization")
	if got := r.Status(); got != Cancelled {
		t.Errorf("status = %v, want Cancelled", got)
	}
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	r, clk, l := newTestRace(t)
	r.Ready("1")
	r.Ready("2")
	r.BeginCountdown()
	if !r.Cancel() {
		t.Fatal("Cancel() during countdown = false")
	}
	if got := r.Status(); got != Cancelled {
		t.Errorf("status = %v, want Cancelled", got)
	}
	if r.Cancel() {
		t.Error("Cancel() on cancelled race = true")
	}
	waitPending(t, clk, 0)
	select {
	case <-l.began:
		t.Error("race began after cancel")
	default:
	}
}

func TestUnenterBelowMinimumCancelsCountdown(t *testing.T) {
	r, _, _ := newTestRace(t)
	r.Ready("1")
	r.Ready("2")
	r.BeginCountdown()
	if !r.Unenter("2") {
		t.Fatal("Unenter() = false")
	}
	if got := r.Status(); got != EntryOpen {
		t.Errorf("status = %v, want EntryOpen", got)
	}
	if r.HasRacer("2") {
		t.Error("racer 2 still entered")
	}
}

func TestWinner(t *testing.T) {
	tests := []struct {
		name   string
		s1, s2 ParticipantState
		t1, t2 int
		want   int
	}{
		{"faster finisher wins", Finished, Finished, 100, 150, 1},
		{"second racer faster", Finished, Finished, 200, 150, 2},
		{"finisher beats forfeit", Finished, Forfeit, 100, 50, 1},
		{"forfeit loses to finisher", Forfeit, Finished, 50, 100, 2},
		{"double forfeit", Forfeit, Forfeit, 100, 100, 0},
		{"exact tie", Finished, Finished, 100, 100, 0},
		{"nobody done", Running, Running, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(context.Background(), DefaultConfig(), clock.NewFake(time.Now()), nil, 1)
			r.racers["a"] = &Participant{ID: "a", State: tt.s1, Time: tt.t1}
			r.racers["b"] = &Participant{ID: "b", State: tt.s2, Time: tt.t2}
			if got := r.Winner("a", "b"); got != tt.want {
				t.Errorf("Winner() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLeaderboardOrdersFinishers(t *testing.T) {
	r, clk, l := newTestRace(t)
	startRace(t, r, clk, l)
	clk.Advance(time.Minute)
	r.Finish("2")
	board := r.Leaderboard()
	if !strings.Contains(board, "Seed: 12345") {
		t.Errorf("leaderboard missing seed: %q", board)
	}
	if strings.Index(board, "beta") > strings.Index(board, "alpha") {
		t.Errorf("finisher not ranked first: %q", board)
	}
}
