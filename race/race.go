// Package race implements the single-race state machine: entry, ready-up,
// countdown, timing, completion with a grace window, and finalization.
//
// A Race never calls its Listener while holding its own lock. Write may be
// invoked synchronously from any method; RaceBegan and RaceFinalized are only
// invoked from the race's own countdown goroutines.
package race

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/condorbot/clock"
)

// Status is the race position. Values are ordered and compared with <.
type Status int

const (
	Uninitialized Status = iota
	EntryOpen
	CountingDown
	Racing
	Completed
	Finalized
	Cancelled
)

var statusStrings = map[Status]string{
	Uninitialized: "Not initialized.",
	EntryOpen:     "Waiting for racers to .ready",
	CountingDown:  "Starting!",
	Racing:        "In progress!",
	Completed:     "Complete.",
	Finalized:     "Results Finalized.",
	Cancelled:     "Race Cancelled.",
}

func (s Status) String() string {
	if v, ok := statusStrings[s]; ok {
		return v
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Listener receives race output and lifecycle callbacks.
type Listener interface {
	Write(text string)
	RaceBegan(r *Race)
	RaceFinalized(r *Race)
}

// Config holds race timing policy.
type Config struct {
	// CountdownSeconds is the length of the pre-start countdown.
	CountdownSeconds int
	// CountingDownAt is the number of final seconds that are announced.
	CountingDownAt int
	// FinalizeAfter is the grace window between completion and finalization.
	FinalizeAfter time.Duration
	// RequireAtLeastTwo forbids starting a race with a single entrant.
	RequireAtLeastTwo bool
}

// DefaultConfig returns the league defaults.
func DefaultConfig() Config {
	return Config{
		CountdownSeconds:  10,
		CountingDownAt:    5,
		FinalizeAfter:     30 * time.Second,
		RequireAtLeastTwo: true,
	}
}

func (c Config) minimumEntrants() int {
	if c.RequireAtLeastTwo {
		return 2
	}
	return 1
}

// Race is one timed game inside a match.
type Race struct {
	ctx      context.Context
	cfg      Config
	clk      clock.Clock
	listener Listener
	log      *slog.Logger

	mu          sync.Mutex
	status      Status
	order       []string
	racers      map[string]*Participant
	seed        int
	start       time.Time
	startWall   time.Time
	paused      bool
	pausedAt    time.Time
	pausedTotal time.Duration
	countdown   *clock.Task
	finalize    *clock.Task
	notified    bool
}

// New returns an uninitialized race. Background countdowns stop when ctx is
// done.
func New(ctx context.Context, cfg Config, clk clock.Clock, l Listener, seed int) *Race {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Race{
		ctx:      ctx,
		cfg:      cfg,
		clk:      clk,
		listener: l,
		log:      slog.Default().With(slog.String("component", "race")),
		racers:   make(map[string]*Participant),
		seed:     seed,
	}
}

// Initialize opens entry.
func (r *Race) Initialize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == Uninitialized {
		r.status = EntryOpen
	}
}

func (r *Race) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Race) Seed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seed
}

// IsBeforeRace reports whether the race has not yet started.
func (r *Race) IsBeforeRace() bool { return r.Status() < Racing }

// Complete reports whether at least one racer is done or the race is over.
func (r *Race) Complete() bool { return r.Status() >= Completed }

// Paused reports whether the timer is currently paused.
func (r *Race) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// StartTime is the UTC wall-clock start, or the zero time before the race
// begins.
func (r *Race) StartTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startWall
}

// HasRacer reports whether id is entered.
func (r *Race) HasRacer(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.racers[id]
	return ok
}

// Participant returns a snapshot of the entrant with the given id.
func (r *Race) Participant(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.racers[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Participants returns snapshots in entry order.
func (r *Race) Participants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.racers[id])
	}
	return out
}

// RacerList returns entrants ordered by finish: finished racers by time,
// then forfeits, then everyone still racing.
func (r *Race) RacerList() []Participant {
	list := r.Participants()
	rank := func(p Participant) (int, int) {
		switch p.State {
		case Finished:
			return 0, p.Time
		case Forfeit:
			return 1, 0
		}
		return 2, 0
	}
	sort.SliceStable(list, func(i, j int) bool {
		gi, ti := rank(list[i])
		gj, tj := rank(list[j])
		if gi != gj {
			return gi < gj
		}
		return ti < tj
	})
	return list
}

// NumNotReady counts entrants that have not readied.
func (r *Race) NumNotReady() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.racers {
		if p.State != Ready {
			n++
		}
	}
	return n
}

// NumFinished counts entrants with a finish time.
func (r *Race) NumFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numFinishedLocked()
}

func (r *Race) numFinishedLocked() int {
	n := 0
	for _, p := range r.racers {
		if p.State == Finished {
			n++
		}
	}
	return n
}

// NumEntrants returns the number of entered racers.
func (r *Race) NumEntrants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.racers)
}

// Enter adds a racer in the unready state. Only valid while entry is open.
func (r *Race) Enter(id, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != EntryOpen {
		return false
	}
	if _, ok := r.racers[id]; ok {
		return false
	}
	r.racers[id] = &Participant{ID: id, Name: name, State: Unready}
	r.order = append(r.order, id)
	return true
}

// Unenter removes a racer before the race starts. If too few entrants
// remain, any countdown in flight is cancelled.
func (r *Race) Unenter(id string) bool {
	r.mu.Lock()
	if r.status >= Racing {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.racers[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.racers, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	var msg string
	if len(r.racers) < r.cfg.minimumEntrants() {
		if ok, m := r.cancelCountdownLocked(); !ok {
			r.log.Warn("countdown could not be cancelled after unenter", slog.String("racer", id))
		} else {
			msg = m
		}
	}
	r.mu.Unlock()
	r.write(msg)
	return true
}

// Ready marks an unready racer ready.
func (r *Race) Ready(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != EntryOpen {
		return false
	}
	p, ok := r.racers[id]
	if !ok || p.State != Unready {
		return false
	}
	p.State = Ready
	return true
}

// Unready reverts a ready racer. A countdown in flight is cancelled first;
// if it has already committed the unready is rejected.
func (r *Race) Unready(id string) bool {
	r.mu.Lock()
	if r.status >= Racing {
		r.mu.Unlock()
		return false
	}
	p, ok := r.racers[id]
	if !ok || p.State != Ready {
		r.mu.Unlock()
		return false
	}
	cancelled, msg := r.cancelCountdownLocked()
	if !cancelled {
		r.mu.Unlock()
		return false
	}
	p.State = Unready
	r.mu.Unlock()
	r.write(msg)
	return true
}

// CanBegin reports whether every entrant is ready and the entrant minimum is
// met.
func (r *Race) CanBegin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != EntryOpen || len(r.racers) < r.cfg.minimumEntrants() {
		return false
	}
	for _, p := range r.racers {
		if p.State != Ready {
			return false
		}
	}
	return true
}

// BeginCountdown moves entry_open to counting_down and starts the countdown
// goroutine.
func (r *Race) BeginCountdown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != EntryOpen {
		return false
	}
	r.status = CountingDown
	task := clock.NewTask()
	r.countdown = task
	go r.runCountdown(task)
	return true
}

// CancelCountdown cancels a countdown in flight. It returns false only if a
// countdown exists and has already committed to starting the race.
func (r *Race) CancelCountdown() bool {
	r.mu.Lock()
	ok, msg := r.cancelCountdownLocked()
	r.mu.Unlock()
	r.write(msg)
	return ok
}

func (r *Race) cancelCountdownLocked() (bool, string) {
	if r.status != CountingDown {
		return true, ""
	}
	if !r.countdown.Cancel() {
		return false, ""
	}
	r.countdown = nil
	r.status = EntryOpen
	return true, "Countdown cancelled."
}

func (r *Race) runCountdown(task *clock.Task) {
	if !task.Wait(r.ctx, r.clk, time.Second) {
		return
	}
	r.write(fmt.Sprintf("The race will begin in %d seconds.", r.cfg.CountdownSeconds))
	for n := r.cfg.CountdownSeconds; n > 0; n-- {
		if n <= r.cfg.CountingDownAt {
			r.write(fmt.Sprintf("%d", n))
		}
		if !task.Wait(r.ctx, r.clk, time.Second) {
			return
		}
	}
	if !task.Commit() {
		return
	}
	r.beginRace()
}

func (r *Race) beginRace() {
	r.mu.Lock()
	if r.status != CountingDown {
		r.mu.Unlock()
		return
	}
	for _, p := range r.racers {
		p.State = Running
	}
	now := r.clk.Now()
	r.start = now
	r.startWall = now.UTC()
	r.status = Racing
	r.countdown = nil
	r.mu.Unlock()

	r.write("GO!")
	if r.listener != nil {
		r.listener.RaceBegan(r)
	}
}

func (r *Race) elapsedLocked() time.Duration {
	end := r.clk.Now()
	if r.paused {
		end = r.pausedAt
	}
	return end.Sub(r.start) - r.pausedTotal
}

// Elapsed returns the current race time, or 0 before the start.
func (r *Race) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status < Racing {
		return 0
	}
	return r.elapsedLocked()
}

// CurrentTimeString formats the running race time, or "" if the race is not
// running.
func (r *Race) CurrentTimeString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != Racing {
		return ""
	}
	return FormatTime(Hundredths(r.elapsedLocked()))
}

// Pause stops the race timer.
func (r *Race) Pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != Racing || r.paused {
		return false
	}
	r.paused = true
	r.pausedAt = r.clk.Now()
	return true
}

// Unpause resumes the race timer, excluding the paused span.
func (r *Race) Unpause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return false
	}
	r.pausedTotal += r.clk.Now().Sub(r.pausedAt)
	r.paused = false
	return true
}

// Reseed replaces the seed before the race starts.
func (r *Race) Reseed(seed int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status >= Racing {
		return false
	}
	r.seed = seed
	return true
}

func (r *Race) acceptsResultsLocked() bool {
	return r.status == Racing || r.status == Completed
}

// Finish records a finish time for a running racer.
func (r *Race) Finish(id string) bool {
	return r.markDone(id, Finished)
}

// Forfeit records a forfeit for a running racer.
func (r *Race) Forfeit(id string) bool {
	return r.markDone(id, Forfeit)
}

func (r *Race) markDone(id string, st ParticipantState) bool {
	r.mu.Lock()
	if !r.acceptsResultsLocked() {
		r.mu.Unlock()
		return false
	}
	p, ok := r.racers[id]
	if !ok || p.State != Running {
		r.mu.Unlock()
		return false
	}
	p.State = st
	p.Time = Hundredths(r.elapsedLocked())
	task := r.checkForRaceEndLocked()
	r.mu.Unlock()
	if task != nil {
		go r.runFinalization(task)
	}
	return true
}

// checkForRaceEndLocked moves racing to completed as soon as any entrant is
// done and returns the finalize task to run.
func (r *Race) checkForRaceEndLocked() *clock.Task {
	if r.status != Racing {
		return nil
	}
	for _, p := range r.racers {
		if p.Done() {
			r.status = Completed
			r.finalize = clock.NewTask()
			return r.finalize
		}
	}
	return nil
}

// Unfinish returns a finished racer to the race during the grace window.
func (r *Race) Unfinish(id string) bool {
	return r.undo(id, Finished)
}

// Unforfeit returns a forfeited racer to the race during the grace window.
func (r *Race) Unforfeit(id string) bool {
	return r.undo(id, Forfeit)
}

func (r *Race) undo(id string, from ParticipantState) bool {
	r.mu.Lock()
	if !r.acceptsResultsLocked() {
		r.mu.Unlock()
		return false
	}
	p, ok := r.racers[id]
	if !ok || p.State != from {
		r.mu.Unlock()
		return false
	}
	if r.status == Completed {
		if !r.finalize.Cancel() {
			r.mu.Unlock()
			return false
		}
		r.finalize = nil
	}
	p.State = Running
	p.Time = 0

	var msg string
	var task *clock.Task
	if r.status == Completed {
		r.status = Racing
		task = r.checkForRaceEndLocked()
		if task == nil {
			msg = "Race end cancelled -- unfinished racers may continue!"
		}
	}
	r.mu.Unlock()
	r.write(msg)
	if task != nil {
		go r.runFinalization(task)
	}
	return true
}

func (r *Race) runFinalization(task *clock.Task) {
	if !task.Wait(r.ctx, r.clk, time.Second) {
		return
	}
	r.write(fmt.Sprintf("The race will end in %d seconds.", int(r.cfg.FinalizeAfter/time.Second)))
	if !task.Wait(r.ctx, r.clk, r.cfg.FinalizeAfter) {
		return
	}
	if !task.Commit() {
		return
	}
	r.finalizeRace()
}

func (r *Race) finalizeRace() {
	r.mu.Lock()
	if r.status != Completed || r.notified {
		r.mu.Unlock()
		return
	}
	if r.numFinishedLocked() > 0 {
		r.status = Finalized
	} else {
		r.status = Cancelled
	}
	r.finalize = nil
	r.notified = true
	r.mu.Unlock()

	if r.listener != nil {
		r.listener.RaceFinalized(r)
	}
}

// Cancel stops any countdown or finalization and marks the race cancelled.
// It fails only if the race already reached a terminal status.
func (r *Race) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status >= Finalized {
		return false
	}
	r.countdown.Cancel()
	r.finalize.Cancel()
	r.countdown = nil
	r.finalize = nil
	r.status = Cancelled
	return true
}

// Winner returns 1 or 2 for the winning racer between id1 and id2, or 0 when
// there is no winner.
func (r *Race) Winner(id1, id2 string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var p1, p2 Participant
	if p, ok := r.racers[id1]; ok {
		p1 = *p
	}
	if p, ok := r.racers[id2]; ok {
		p2 = *p
	}
	f1, f2 := p1.State == Finished, p2.State == Finished
	switch {
	case f1 && f2:
		if p1.Time < p2.Time {
			return 1
		}
		if p2.Time < p1.Time {
			return 2
		}
		return 0
	case f1:
		return 1
	case f2:
		return 2
	}
	return 0
}

// Leaderboard renders the seed, status, and ranked entrants.
func (r *Race) Leaderboard() string {
	list := r.RacerList()
	r.mu.Lock()
	seed, status, paused := r.seed, r.status, r.paused
	r.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Seed: %d\n", seed)
	st := status.String()
	if paused {
		st = "Paused!"
	}
	fmt.Fprintf(&b, "Race Status: %s\n", st)
	width := 0
	for _, p := range list {
		width = max(width, len(p.Name))
	}
	for i, p := range list {
		rank := ""
		if p.State == Finished {
			rank = fmt.Sprintf("%d.", i+1)
		}
		fmt.Fprintf(&b, "%4s %-*s --- %s\n", rank, width, p.Name, p.StatusString())
	}
	return b.String()
}

func (r *Race) write(msg string) {
	if msg == "" || r.listener == nil {
		return
	}
	r.listener.Write(msg)
}
