package league

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/condorbot/clock"
	"github.com/onnwee/condorbot/race"
	"github.com/onnwee/condorbot/telemetry"
)

const restartNotice = "I believe that I was just restarted; an error may have occurred. I am beginning a new race " +
	"and attempting to pick up this match where we left off. If this is an error, or if there are unrecorded races, " +
	"please contact CoNDOR Staff (%sstaff)."

// Room runs the races of one match in its channel. It is the race.Listener
// for every race it creates.
type Room struct {
	l       *League
	channel string
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu             sync.Mutex
	match          *Match
	race           *race.Race
	recordedRace   bool
	matchDone      bool
	cancelPending  bool
	closed         bool
	entered        map[int]bool
	cancelVotes    map[int]bool
	pendingContest string
	topic          string
}

// RoomStatus is a point-in-time view of a room.
type RoomStatus struct {
	Channel    string `json:"channel"`
	Racer1     string `json:"racer1"`
	Racer2     string `json:"racer2"`
	Week       int    `json:"week"`
	RaceStatus string `json:"race_status"`
	Seed       int    `json:"seed,omitempty"`
	MatchDone  bool   `json:"match_done"`
	Topic      string `json:"topic"`
}

func newRoom(l *League, channel string, m *Match) *Room {
	ctx, cancel := context.WithCancel(l.ctx)
	return &Room{
		l:           l,
		channel:     channel,
		log:         slog.Default().With(slog.String("component", "raceroom"), slog.String("channel", channel)),
		ctx:         ctx,
		cancel:      cancel,
		match:       m,
		entered:     make(map[int]bool),
		cancelVotes: make(map[int]bool),
	}
}

func (r *Room) Channel() string { return r.channel }

// Match returns a copy of the room's match.
func (r *Room) Match() *Match {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.match.Clone()
}

// Race returns the current race, or nil before the first race.
func (r *Room) Race() *race.Race {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.race
}

func (r *Room) Status() RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RoomStatus{
		Channel:    r.channel,
		Racer1:     r.match.Racer1.UniqueName,
		Racer2:     r.match.Racer2.UniqueName,
		Week:       r.match.Week,
		RaceStatus: "Waiting for match start",
		MatchDone:  r.matchDone,
		Topic:      r.topic,
	}
	if r.race != nil {
		st.RaceStatus = r.race.Status().String()
		st.Seed = r.race.Seed()
	}
	return st
}

// Initialize posts the first leaderboard and starts the pre-match timers.
func (r *Room) Initialize() {
	r.mu.Lock()
	r.updateLeaderboardLocked(r.ctx)
	r.mu.Unlock()
	go r.countdownToMatchStart()
}

// Close stops the room's timers and cancels an unrecorded race.
func (r *Room) Close() {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.race != nil && !r.recordedRace {
		r.race.Cancel()
	}
}

// Write sends text to the room channel. It never takes the room lock, so
// races may call it while a room method holds it.
func (r *Room) Write(text string) {
	r.l.say(r.channel, text)
}

func (r *Room) hasRace() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.race != nil || r.closed
}

func minutesUntil(d time.Duration) int {
	return int((d + 30*time.Second) / time.Minute)
}

func (r *Room) countdownToMatchStart() {
	ctx, clk := r.ctx, r.l.clk
	m := r.Match()
	if m.TimeUntilMatch(clk.Now()) < 0 {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.race != nil || r.closed {
			return
		}
		done, err := r.playedAllRacesLocked(ctx)
		if err != nil {
			r.log.Error("check played races", slog.Any("err", err))
			return
		}
		if !done {
			r.Write(fmt.Sprintf(restartNotice, r.l.opts.Prefix))
			r.beginNewRaceLocked(ctx)
		}
		return
	}

	if r.l.opts.TopicRefresh > 0 {
		go r.refreshLeaderboard()
	}

	reminders := []struct {
		lead time.Duration
		pm   bool
	}{
		{30 * time.Minute, true},
		{15 * time.Minute, false},
	}
	for _, rem := range reminders {
		if until := m.TimeUntilMatch(clk.Now()); until > rem.lead {
			if !clock.Sleep(ctx, clk, until-rem.lead) {
				return
			}
			if !r.hasRace() {
				r.alertRacers(ctx, m, rem.pm)
			}
		}
	}

	staffWarning := 5 * time.Minute
	if until := m.TimeUntilMatch(clk.Now()); until > staffWarning {
		if !clock.Sleep(ctx, clk, until-staffWarning) {
			return
		}
	}
	if !r.hasRace() {
		r.alertRacers(ctx, m, false)
		r.alertStaffAbsent(ctx, m)
		r.l.postMatchAlert(ctx, m)
		r.l.publish(ctx, Event{Type: EventRaceSoon, Racer1: m.Racer1.UniqueName, Racer2: m.Racer2.UniqueName, Channel: r.channel})
	}

	if !clock.Sleep(ctx, clk, m.TimeUntilMatch(clk.Now())) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.race == nil && !r.closed {
		r.beginNewRaceLocked(ctx)
	}
}

func (r *Room) refreshLeaderboard() {
	for {
		if !clock.Sleep(r.ctx, r.l.clk, r.l.opts.TopicRefresh) {
			return
		}
		r.mu.Lock()
		started := r.race != nil || r.match.TimeUntilMatch(r.l.clk.Now()) <= 0
		r.updateLeaderboardLocked(r.ctx)
		r.mu.Unlock()
		if started {
			return
		}
	}
}

func (r *Room) alertRacers(ctx context.Context, m *Match, pm bool) {
	minutes := minutesUntil(m.TimeUntilMatch(r.l.clk.Now()))
	r.Write(fmt.Sprintf("%s, %s: The match is scheduled to begin in %d minutes.", mention(m.Racer1), mention(m.Racer2), minutes))
	if !pm {
		return
	}
	for _, racer := range m.Racers() {
		text := fmt.Sprintf("%s: Your match with %s is scheduled to begin in %d minutes.", mention(racer), m.Opponent(racer).UniqueName, minutes)
		if err := r.l.msg.Whisper(ctx, racer.ChatID, text); err != nil {
			r.log.Warn("whisper reminder", slog.String("racer", racer.UniqueName), slog.Any("err", err))
		}
	}
}

func (r *Room) alertStaffAbsent(ctx context.Context, m *Match) {
	r.mu.Lock()
	var absent []*Racer
	for i, racer := range m.Racers() {
		if !r.entered[i+1] {
			absent = append(absent, racer)
		}
	}
	r.mu.Unlock()
	if len(absent) == 0 {
		return
	}

	names := make([]string, 0, len(absent))
	for _, racer := range absent {
		names = append(names, racer.UniqueName)
	}
	known := false
	isLive := make(map[string]bool)
	if r.l.streams != nil {
		live, err := r.l.streams.LiveStreams(ctx, names)
		if err != nil {
			r.l.sinkFailed("streams", err)
		} else {
			known = true
			for _, n := range live {
				isLive[strings.ToLower(n)] = true
			}
		}
	}

	minutes := minutesUntil(m.TimeUntilMatch(r.l.clk.Now()))
	for _, racer := range absent {
		status := ""
		if known {
			status = " Their stream is offline."
			if isLive[strings.ToLower(racer.UniqueName)] {
				status = " Their stream is live."
			}
		}
		r.l.notifyStaff(fmt.Sprintf("Alert: %s has not yet shown up for their match, which is scheduled in %d minutes.%s",
			racer.UniqueName, minutes, status))
	}
}

// BeginNewRace replaces the current race with a fresh one.
func (r *Room) BeginNewRace(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beginNewRaceLocked(ctx)
}

func (r *Room) beginNewRaceLocked(ctx context.Context) {
	if r.closed {
		return
	}
	if r.race != nil && !r.recordedRace {
		r.race.Cancel()
	}
	r.cancelVotes = make(map[int]bool)
	r.pendingContest = ""
	r.cancelPending = false
	rc := race.New(r.ctx, r.l.opts.Race, r.l.clk, r, race.NewSeed())
	rc.Initialize()
	for _, racer := range r.match.Racers() {
		rc.Enter(racer.ChatID, racer.UniqueName)
	}
	r.race = rc
	r.recordedRace = false
	r.matchDone = false

	finished, err := r.l.store.NumberOfFinishedRaces(ctx, r.match)
	if err != nil {
		r.log.Error("count finished races", slog.Any("err", err))
	}
	r.updateLeaderboardLocked(ctx)
	p := r.l.opts.Prefix
	r.Write(fmt.Sprintf("Please input the seed (%d) and type %sready when you are ready for the %s race. When both racers %sready, the race will begin.",
		rc.Seed(), p, RaceOrdinal(finished+1), p))
}

// RaceBegan is called by the race once the countdown commits.
func (r *Room) RaceBegan(rc *race.Race) {
	r.mu.Lock()
	current := rc == r.race && !r.closed
	m := r.match
	if current {
		r.updateLeaderboardLocked(r.ctx)
	}
	r.mu.Unlock()
	if !current {
		return
	}
	telemetry.RaceStarted()
	r.l.publish(r.ctx, Event{Type: EventRaceStart, Racer1: m.Racer1.UniqueName, Racer2: m.Racer2.UniqueName, Channel: r.channel})
	for _, racer := range m.Racers() {
		if err := r.l.rec.StartRecord(r.ctx, racer.UniqueName); err != nil {
			r.l.sinkFailed("recorder", err)
		}
	}
}

// RaceFinalized is called by the race once its grace window closes.
// Stale or already recorded races are ignored.
func (r *Room) RaceFinalized(rc *race.Race) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || rc != r.race || r.recordedRace || r.matchDone {
		return
	}
	// Both racers voted to cancel after the grace window had already closed.
	r.recordRaceLocked(r.ctx, rc.Status() == race.Cancelled || r.cancelPending)
}

// RecordRace records the current race if it has started.
func (r *Room) RecordRace(ctx context.Context, cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordRaceLocked(ctx, cancelled)
}

func (r *Room) recordRaceLocked(ctx context.Context, cancelled bool) {
	rc := r.race
	if rc == nil || rc.StartTime().IsZero() || r.recordedRace || r.matchDone {
		return
	}
	r.recordedRace = true
	r.cancelPending = false
	m := r.match
	id1, id2 := m.Racer1.ChatID, m.Racer2.ChatID

	t1, t2 := -1, -1
	if p, ok := rc.Participant(id1); ok && p.State == race.Finished {
		t1 = p.Time
	}
	if p, ok := rc.Participant(id2); ok && p.State == race.Finished {
		t2 = p.Time
	}
	winner := rc.Winner(id1, id2)

	finished, err := r.l.store.NumberOfFinishedRaces(ctx, m)
	if err != nil {
		r.log.Error("count finished races", slog.Any("err", err))
	}
	within := r.l.opts.NotifyWithin
	if !cancelled && t1 >= 0 && t2 >= 0 && absInt(t1-t2) <= race.Hundredths(within) {
		r.l.notifyStaff(fmt.Sprintf("Race number %d has finished within %d seconds in channel %s. (%s -- %s, %s -- %s)",
			finished+1, int(within/time.Second), r.channel,
			m.Racer1.UniqueName, race.FormatTime(t1), m.Racer2.UniqueName, race.FormatTime(t2)))
	}

	rec := RaceRecord{
		Racer1Time:  t1,
		Racer2Time:  t2,
		Winner:      winner,
		Seed:        rc.Seed(),
		Timestamp:   rc.StartTime(),
		Cancelled:   cancelled,
		Contested:   r.pendingContest != "",
		ContestedBy: r.pendingContest,
	}
	r.pendingContest = ""
	if err := r.l.store.RecordRace(ctx, m, rec); err != nil {
		r.log.Error("record race", slog.Any("err", err))
		r.Write(fmt.Sprintf("Error: I couldn't record this race. Please contact CoNDOR Staff (%sstaff).", r.l.opts.Prefix))
		return
	}
	telemetry.RaceRecorded(cancelled)
	if !cancelled && winner != 0 {
		telemetry.ObserveRaceDuration(time.Duration(min(nonNeg(t1), nonNeg(t2))) * 10 * time.Millisecond)
	}
	r.l.publish(ctx, Event{Type: EventRaceEnd, Racer1: m.Racer1.UniqueName, Racer2: m.Racer2.UniqueName, Winner: winnerName(m, winner), Channel: r.channel})

	if cancelled {
		r.Write("Race cancelled.")
	} else {
		r.Write(fmt.Sprintf("%s, %s: The race is over, and has been recorded.", mention(m.Racer1), mention(m.Racer2)))
	}
	r.Write(fmt.Sprintf("If you wish to contest the previous race's result, use the %scontest command. This marks the race as contested; "+
		"CoNDOR Staff will be alerted, and will look into your race.", r.l.opts.Prefix))

	done, err := r.playedAllRacesLocked(ctx)
	if err != nil {
		r.log.Error("check played races", slog.Any("err", err))
		return
	}
	if done {
		r.recordMatchLocked(ctx)
		return
	}
	r.beginNewRaceLocked(ctx)
}

// nonNeg maps the "no time" marker above any real time so min ignores it.
func nonNeg(t int) int {
	if t < 0 {
		return int(^uint(0) >> 1)
	}
	return t
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func winnerName(m *Match, winner int) string {
	switch winner {
	case 1:
		return m.Racer1.UniqueName
	case 2:
		return m.Racer2.UniqueName
	}
	return ""
}

// PlayedAllRaces reports whether the match needs no further races.
func (r *Room) PlayedAllRaces(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playedAllRacesLocked(ctx)
}

func (r *Room) playedAllRacesLocked(ctx context.Context) (bool, error) {
	n := r.match.NumberOfRaces
	if r.match.BestOf() {
		wins, err := r.l.store.NumberOfWinsOfLeader(ctx, r.match)
		if err != nil {
			return false, err
		}
		return wins >= n/2+1, nil
	}
	finished, err := r.l.store.NumberOfFinishedRaces(ctx, r.match)
	if err != nil {
		return false, err
	}
	return finished >= n, nil
}

// RecordMatch aggregates the recorded races and stores the match result.
func (r *Room) RecordMatch(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordMatchLocked(ctx)
}

func (r *Room) recordMatchLocked(ctx context.Context) error {
	m := r.match
	records, err := r.l.store.RaceRecords(ctx, m)
	if err != nil {
		r.log.Error("load race records", slog.Any("err", err))
		return err
	}
	agg := Aggregate(m, records)
	m.SetPlayed(true)
	if err := r.l.store.RecordMatch(ctx, m, agg); err != nil {
		r.log.Error("record match", slog.Any("err", err))
		r.Write(fmt.Sprintf("Error: I couldn't record the match result. Please contact CoNDOR Staff (%sstaff).", r.l.opts.Prefix))
		return err
	}
	r.matchDone = true
	telemetry.MatchRecorded()
	// A race still running when the match is decided is abandoned unrecorded.
	if r.race != nil && !r.recordedRace {
		r.race.Cancel()
		r.recordedRace = true
	}

	var sinkErr error
	telemetry.TimeFunc(telemetry.SinkObserver("sheets"), func() { sinkErr = r.l.sink.RecordMatch(ctx, m, agg) })
	if sinkErr != nil {
		r.l.sinkFailed("sheets", sinkErr)
	}
	r.l.publish(ctx, Event{Type: EventMatchEnd, Racer1: m.Racer1.UniqueName, Racer2: m.Racer2.UniqueName, Winner: winnerName(m, agg.Leader()), Channel: r.channel})
	for _, racer := range m.Racers() {
		if err := r.l.rec.EndRecord(ctx, racer.UniqueName); err != nil {
			r.l.sinkFailed("recorder", err)
		}
	}
	r.Write("Match results recorded.")
	r.updateLeaderboardLocked(ctx)
	r.log.Info("match recorded",
		slog.Int("racer1_wins", agg.Racer1Wins),
		slog.Int("racer2_wins", agg.Racer2Wins),
		slog.Int("draws", agg.Draws))
	return nil
}

// Here marks a racer as present.
func (r *Room) Here(ctx context.Context, caller *Racer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.racerNumber(caller)
	if n == 0 {
		return r.notARacer(caller)
	}
	if r.entered[n] {
		return userErr(ErrInvalidState, "%s is already here.", mention(caller))
	}
	r.entered[n] = true
	r.Write(fmt.Sprintf("%s is here for the race.", mention(caller)))
	r.updateLeaderboardLocked(ctx)
	return nil
}

func (r *Room) racerNumber(caller *Racer) int {
	if caller == nil {
		return 0
	}
	return r.match.RacerNumber(caller)
}

func (r *Room) notARacer(caller *Racer) error {
	return userErr(ErrNotAuthorized, "%s: I do not recognize you as one of the racers in this match. Contact CoNDOR Staff (%sstaff) if this is in error.",
		mentionOrAnon(caller), r.l.opts.Prefix)
}

// Ready readies the caller and starts the countdown once everyone is ready.
func (r *Room) Ready(ctx context.Context, caller *Racer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc := r.race
	if rc == nil || !rc.IsBeforeRace() {
		return nil
	}
	if r.racerNumber(caller) == 0 {
		return r.notARacer(caller)
	}
	p, _ := rc.Participant(caller.ChatID)
	if !rc.Ready(caller.ChatID) {
		if p.State == race.Ready {
			return userErr(ErrInvalidState, "%s is already ready!", mention(caller))
		}
		return nil
	}
	if rc.NumEntrants() == 1 && r.l.opts.Race.RequireAtLeastTwo {
		r.Write("Waiting on at least one other person to join the race.")
	} else {
		r.Write(fmt.Sprintf("%s is ready! %d remaining.", mention(caller), rc.NumNotReady()))
	}
	if rc.CanBegin() {
		rc.BeginCountdown()
	}
	return nil
}

// Unready reverts a ready. Once the countdown has committed it is too late.
func (r *Room) Unready(ctx context.Context, caller *Racer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc := r.race
	if rc == nil || !rc.IsBeforeRace() {
		return nil
	}
	if r.racerNumber(caller) == 0 {
		return r.notARacer(caller)
	}
	counting := rc.Status() == race.CountingDown
	if rc.Unready(caller.ChatID) {
		if counting {
			telemetry.CountdownCancelled()
		}
		r.Write(fmt.Sprintf("%s is no longer ready.", mention(caller)))
		return nil
	}
	if p, ok := rc.Participant(caller.ChatID); ok && p.State == race.Ready && counting {
		return userErr(ErrConcurrencyConflict, "%s: Too late to unready, the race is starting.", mention(caller))
	}
	return nil
}

// Done records the caller's finish.
func (r *Room) Done(ctx context.Context, caller *Racer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc := r.race
	if rc == nil || rc.IsBeforeRace() || r.racerNumber(caller) == 0 {
		return nil
	}
	if !rc.Finish(caller.ChatID) {
		return nil
	}
	p, _ := rc.Participant(caller.ChatID)
	r.Write(fmt.Sprintf("%s has finished in %s place with a time of %s.", mention(caller), Ordinal(rc.NumFinished()), race.FormatTime(p.Time)))
	r.updateLeaderboardLocked(ctx)
	return nil
}

// Undone reverses a finish during the grace window.
func (r *Room) Undone(ctx context.Context, caller *Racer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc := r.race
	if rc == nil || rc.IsBeforeRace() || r.racerNumber(caller) == 0 {
		return nil
	}
	if rc.Unfinish(caller.ChatID) {
		r.Write(fmt.Sprintf("%s is no longer done and continues to race.", mention(caller)))
		r.updateLeaderboardLocked(ctx)
	}
	return nil
}

// Forfeit records the caller's forfeit.
func (r *Room) Forfeit(ctx context.Context, caller *Racer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc := r.race
	if rc == nil || rc.IsBeforeRace() || r.racerNumber(caller) == 0 {
		return nil
	}
	if rc.Forfeit(caller.ChatID) {
		r.Write(fmt.Sprintf("%s has forfeit the race.", mention(caller)))
		r.updateLeaderboardLocked(ctx)
	}
	return nil
}

// Unforfeit reverses a forfeit during the grace window.
func (r *Room) Unforfeit(ctx context.Context, caller *Racer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc := r.race
	if rc == nil || rc.IsBeforeRace() || r.racerNumber(caller) == 0 {
		return nil
	}
	if rc.Unforfeit(caller.ChatID) {
		r.Write(fmt.Sprintf("%s is no longer forfeit and continues to race.", mention(caller)))
		r.updateLeaderboardLocked(ctx)
	}
	return nil
}

// Time reports the running race time.
func (r *Room) Time() {
	r.mu.Lock()
	rc := r.race
	r.mu.Unlock()
	switch {
	case rc == nil || rc.IsBeforeRace():
		r.Write("The race hasn't started.")
	case rc.Complete():
		r.Write("The race is over.")
	default:
		r.Write(fmt.Sprintf("The current race time is %s.", rc.CurrentTimeString()))
	}
}

// WantsToCancel registers the caller's cancel vote. The race is cancelled
// once both racers have voted; the return value reports whether it was.
func (r *Room) WantsToCancel(ctx context.Context, caller *Racer) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.racerNumber(caller)
	if n == 0 {
		return false, r.notARacer(caller)
	}
	r.cancelVotes[n] = true
	if len(r.cancelVotes) < 2 {
		r.Write(fmt.Sprintf("%s wishes to cancel the race. Both racers must type %scancel for the race to be cancelled.", mention(caller), r.l.opts.Prefix))
		return false, nil
	}
	r.cancelRaceLocked(ctx)
	return true, nil
}

// CancelRace cancels the running race, or the last recorded race when none
// is running.
func (r *Room) CancelRace(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelRaceLocked(ctx)
}

func (r *Room) cancelRaceLocked(ctx context.Context) {
	r.cancelVotes = make(map[int]bool)
	rc := r.race
	if rc != nil && !rc.IsBeforeRace() && !r.recordedRace {
		if rc.Cancel() {
			r.Write("The current race was cancelled.")
			r.recordRaceLocked(ctx, true)
			return
		}
		// The race finalized first; its own callback records it as cancelled.
		r.cancelPending = true
		r.Write("The current race was cancelled.")
		return
	}
	n, err := r.l.store.LargestRecordedRaceNumber(ctx, r.match)
	if err != nil {
		r.log.Error("largest recorded race", slog.Any("err", err))
		return
	}
	if n == 0 {
		return
	}
	if err := r.l.store.CancelRace(ctx, r.match, n); err != nil {
		r.log.Error("cancel recorded race", slog.Int("race", n), slog.Any("err", err))
		return
	}
	r.Write("The previous race was cancelled.")
	r.updateLeaderboardLocked(ctx)
}

// Contest flags the latest race for staff review.
func (r *Room) Contest(ctx context.Context, caller *Racer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.racerNumber(caller) == 0 {
		return r.notARacer(caller)
	}
	inProgress := r.race != nil && !r.race.IsBeforeRace() && !r.recordedRace
	var n int
	var err error
	if inProgress {
		n, err = r.nextRaceNumberLocked(ctx)
	} else {
		n, err = r.l.store.LargestRecordedRaceNumber(ctx, r.match)
	}
	if err != nil {
		return fmt.Errorf("contested race number: %w", err)
	}
	if n == 0 {
		return userErr(ErrInvalidState, "%s: No race has begun, so there is no race to contest. Use %sstaff if you need to alert CoNDOR Staff for some other reason.",
			mention(caller), r.l.opts.Prefix)
	}
	if inProgress {
		r.pendingContest = caller.UniqueName
	} else if err := r.l.store.SetContested(ctx, r.match, n, caller); err != nil {
		return fmt.Errorf("set contested: %w", err)
	}
	r.match.SetContested(true)
	if err := r.l.store.UpdateMatch(ctx, r.match); err != nil {
		r.log.Error("persist contested flag", slog.Any("err", err))
	}
	r.Write(fmt.Sprintf("%s has contested the result of race number %d.", mention(caller), n))
	r.l.notifyStaff(fmt.Sprintf("%s has contested the result of race number %d in the match %s.", caller.UniqueName, n, r.channel))
	return nil
}

// nextRaceNumberLocked is the number the store will give the next recorded
// race. Cancelled races keep their numbers.
func (r *Room) nextRaceNumberLocked(ctx context.Context) (int, error) {
	recs, err := r.l.store.RaceRecords(ctx, r.match)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		n = max(n, rec.Number)
	}
	return n + 1, nil
}

// ForceForfeit forfeits every racer whose name is listed.
func (r *Room) ForceForfeit(ctx context.Context, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc := r.race
	if rc == nil || rc.IsBeforeRace() {
		return
	}
	for _, name := range names {
		for _, p := range rc.Participants() {
			if strings.EqualFold(p.Name, name) && rc.Forfeit(p.ID) {
				r.Write(fmt.Sprintf("%s has been forced to forfeit.", p.Name))
			}
		}
	}
	r.updateLeaderboardLocked(ctx)
}

func (r *Room) parseRacerName(name string) (int, bool) {
	switch {
	case strings.EqualFold(name, r.match.Racer1.UniqueName):
		return 1, true
	case strings.EqualFold(name, r.match.Racer2.UniqueName):
		return 2, true
	}
	return 0, false
}

// ForceChangeWinner rewrites the winner of a recorded race.
func (r *Room) ForceChangeWinner(ctx context.Context, args []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.l.opts.Prefix
	if len(args) != 2 {
		return userErr(ErrParse, "Wrong number of arguments for %sforcechangewinner.", p)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return userErr(ErrParse, "Error: couldn't parse %s as a race number.", args[0])
	}
	winner, ok := r.parseRacerName(args[1])
	if !ok {
		return userErr(ErrParse, "I don't recognize the twitch name %s.", args[1])
	}
	if err := r.l.store.ChangeWinner(ctx, r.match, n, winner); err != nil {
		return r.storeErr(err, "There is no recorded race number %d.", n)
	}
	r.Write(fmt.Sprintf("Recorded %s as the winner of race %d.", args[1], n))
	r.updateLeaderboardLocked(ctx)
	return nil
}

// ForceRecordRace stores a race the bot did not see. Arguments are
// "<winner|-draw> [winner_time [loser_time]] [-seed N]".
func (r *Room) ForceRecordRace(ctx context.Context, args []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.parseForcedRace(args)
	if err != nil {
		return err
	}
	rec.Timestamp = r.l.clk.Now().UTC()
	if err := r.l.store.RecordRace(ctx, r.match, rec); err != nil {
		return fmt.Errorf("force record race: %w", err)
	}
	telemetry.RaceRecorded(false)
	r.Write("Forced record of a race.")
	r.updateLeaderboardLocked(ctx)
	done, err := r.playedAllRacesLocked(ctx)
	if err != nil {
		return fmt.Errorf("check played races: %w", err)
	}
	if done && !r.matchDone {
		return r.recordMatchLocked(ctx)
	}
	return nil
}

func (r *Room) parseForcedRace(args []string) (RaceRecord, error) {
	rec := RaceRecord{Racer1Time: -1, Racer2Time: -1, ForceRecorded: true}
	if len(args) == 0 {
		return rec, userErr(ErrParse, "You must specify a winner, or -draw, to record a race.")
	}
	if !strings.EqualFold(args[0], "-draw") {
		w, ok := r.parseRacerName(args[0])
		if !ok {
			return rec, userErr(ErrParse, "I don't recognize the twitch name %s.", args[0])
		}
		rec.Winner = w
	}

	parseSeed, loserTime := false, false
	for _, arg := range args[1:] {
		switch {
		case arg == "-seed":
			parseSeed = true
		case parseSeed:
			seed, err := strconv.Atoi(arg)
			if err != nil {
				return rec, userErr(ErrParse, "Couldn't parse %s as a seed.", arg)
			}
			rec.Seed, parseSeed = seed, false
		default:
			t, err := race.ParseTime(arg)
			if err != nil {
				return rec, userErr(ErrParse, "Couldn't parse %s as a time.", arg)
			}
			if rec.Winner == 0 {
				return rec, userErr(ErrParse, "I can't parse racer times in races with no winner.")
			}
			// The first time belongs to the winner, the second to the loser.
			if (rec.Winner == 1) != loserTime {
				rec.Racer1Time = t
			} else {
				rec.Racer2Time = t
			}
			loserTime = true
		}
	}
	return rec, nil
}

// ForceNewRace abandons the current race and starts another. An unrecorded
// race in progress is recorded as cancelled first.
func (r *Room) ForceNewRace(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.race
	if old != nil && !old.StartTime().IsZero() && !r.recordedRace {
		old.Cancel()
		r.recordRaceLocked(ctx, true)
		if r.race != old || r.matchDone {
			return
		}
	}
	r.beginNewRaceLocked(ctx)
}

// ForceCancelRace cancels the nth non-cancelled recorded race.
func (r *Room) ForceCancelRace(ctx context.Context, args []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(args) != 1 {
		return userErr(ErrParse, "Wrong number of arguments for %sforcecancelrace.", r.l.opts.Prefix)
	}
	nth, err := strconv.Atoi(args[0])
	if err != nil {
		return userErr(ErrParse, "Error: couldn't parse %s as a race number.", args[0])
	}
	number, err := r.l.store.FinishedRaceNumber(ctx, r.match, nth)
	if err != nil {
		return r.storeErr(err, "I do not believe there have been %d finished races.", nth)
	}
	if err := r.l.store.CancelRace(ctx, r.match, number); err != nil {
		return fmt.Errorf("cancel race %d: %w", number, err)
	}
	r.Write(fmt.Sprintf("Race number %d was cancelled.", nth))
	r.updateLeaderboardLocked(ctx)
	return nil
}

// Reseed gives the pending race a new seed, random unless one is given.
func (r *Room) Reseed(ctx context.Context, args []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc := r.race
	if rc == nil || !rc.IsBeforeRace() {
		return userErr(ErrInvalidState, "The race has already begun; it can't be reseeded.")
	}
	seed := race.NewSeed()
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return userErr(ErrParse, "Couldn't parse %s as a seed.", args[0])
		}
		seed = n
	}
	if !rc.Reseed(seed) {
		return userErr(ErrConcurrencyConflict, "The race started before it could be reseeded.")
	}
	r.Write(fmt.Sprintf("Changed seed to %d.", seed))
	r.updateLeaderboardLocked(ctx)
	return nil
}

// Pause stops the race timer.
func (r *Room) Pause(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.race == nil || !r.race.Pause() {
		return userErr(ErrInvalidState, "There is no running race to pause.")
	}
	r.Write(fmt.Sprintf("Race paused. (Use %sunpause to resume.)", r.l.opts.Prefix))
	r.updateLeaderboardLocked(ctx)
	return nil
}

// Unpause resumes the race timer.
func (r *Room) Unpause(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.race == nil || !r.race.Unpause() {
		return userErr(ErrInvalidState, "The race is not paused.")
	}
	r.Write("Race unpaused! GO!")
	r.updateLeaderboardLocked(ctx)
	return nil
}

func (r *Room) storeErr(err error, format string, args ...any) error {
	if isNotFound(err) {
		return userErr(ErrNotFound, format, args...)
	}
	return err
}

func (r *Room) updateLeaderboardLocked(ctx context.Context) {
	m := r.match
	var b strings.Builder
	now := r.l.clk.Now()
	if r.race != nil || m.TimeUntilMatch(now) < 0 {
		title := "CoNDOR Match"
		if m.League != "" {
			title = m.League + " Match"
		}
		fmt.Fprintf(&b, "%s (Week %d)\n", title, m.Week)
		width := max(len(m.Racer1.UniqueName), len(m.Racer2.UniqueName))
		for i, racer := range m.Racers() {
			wins, err := r.l.store.NumberOfWins(ctx, m, i+1, true)
			if err != nil {
				r.log.Warn("leaderboard wins", slog.Any("err", err))
			}
			fmt.Fprintf(&b, "     %-*s --- Wins: %s\n", width, racer.UniqueName, strconv.FormatFloat(wins, 'f', -1, 64))
		}
		finished, err := r.l.store.NumberOfFinishedRaces(ctx, m)
		if err != nil {
			r.log.Warn("leaderboard races", slog.Any("err", err))
		}
		if r.matchDone {
			b.WriteString("Match complete.\n")
		} else {
			fmt.Fprintf(&b, "Current race: #%d\n", finished+1)
			if r.race != nil {
				b.WriteString(r.race.Leaderboard())
			}
		}
	} else {
		fmt.Fprintf(&b, "The race is scheduled to begin in %d minutes! Please let the bot know you're here by typing %shere.\n",
			minutesUntil(m.TimeUntilMatch(now)), r.l.opts.Prefix)
		var waiting []string
		for i, racer := range m.Racers() {
			if !r.entered[i+1] {
				waiting = append(waiting, racer.UniqueName)
			}
		}
		if len(waiting) > 0 {
			fmt.Fprintf(&b, "Still waiting for %shere from: %s\n", r.l.opts.Prefix, strings.Join(waiting, ", "))
		} else {
			b.WriteString("Both racers are here!\n")
		}
	}
	r.topic = b.String()
	if err := r.l.msg.SetTopic(ctx, r.channel, r.topic); err != nil {
		r.log.Warn("set topic", slog.Any("err", err))
	}
}

func mention(r *Racer) string { return "@" + r.Name() }

func mentionOrAnon(r *Racer) string {
	if r == nil {
		return "Unregistered user"
	}
	return mention(r)
}
