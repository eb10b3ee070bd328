// Package league runs a two-racer race league over chat: registration,
// match scheduling, per-match race rooms and result recording.
package league

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/condorbot/clock"
	"github.com/onnwee/condorbot/race"
	"github.com/onnwee/condorbot/telemetry"
)

// Options configure a league.
type Options struct {
	Prefix               string
	MainChannel          string
	AdminChannel         string
	NotificationsChannel string
	ScheduleChannel      string
	Admins               []string
	StaffMention         string
	LeagueName           string
	SeasonYear           int
	NumberOfRaces        int
	BestOf               bool

	// NotifyWithin alerts staff when both racers finish this close together.
	NotifyWithin time.Duration
	// AlertLead is how long before the match start the room opens.
	AlertLead    time.Duration
	TopicRefresh time.Duration
	// ScheduleZone is used for staff-facing times. Nil means UTC.
	ScheduleZone *time.Location
	Race         race.Config
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "."
	}
	if o.NumberOfRaces <= 0 {
		o.NumberOfRaces = 3
	}
	if o.SeasonYear == 0 {
		o.SeasonYear = time.Now().UTC().Year()
	}
	if o.NotifyWithin == 0 {
		o.NotifyWithin = 5 * time.Second
	}
	if o.AlertLead == 0 {
		o.AlertLead = 30 * time.Minute
	}
	if o.StaffMention == "" {
		o.StaffMention = "CoNDOR Staff"
	}
	if o.Race == (race.Config{}) {
		o.Race = race.DefaultConfig()
	}
	return o
}

// Deps are the collaborators of a league. Store and Messenger are required;
// the rest fall back to no-op implementations.
type Deps struct {
	Store     MatchStore
	Messenger Messenger
	Sink      ScheduleSink
	Publisher Publisher
	Recorder  Recorder
	Streams   StreamChecker
	Joiner    ChannelJoiner
	Clock     clock.Clock
}

// League owns the open race rooms and the pending channel alerts.
type League struct {
	ctx  context.Context
	opts Options
	log  *slog.Logger

	clk     clock.Clock
	store   MatchStore
	msg     Messenger
	sink    ScheduleSink
	pub     Publisher
	rec     Recorder
	streams StreamChecker
	joiner  ChannelJoiner

	Scheduler *Scheduler

	mu     sync.Mutex
	rooms  map[string]*Room
	alerts map[string]*alert
}

type alert struct{ cancel context.CancelFunc }

// New builds a league whose rooms and timers live until ctx is cancelled.
func New(ctx context.Context, opts Options, deps Deps) *League {
	l := &League{
		ctx:     ctx,
		opts:    opts.withDefaults(),
		log:     slog.Default().With(slog.String("component", "league")),
		clk:     deps.Clock,
		store:   deps.Store,
		msg:     deps.Messenger,
		sink:    deps.Sink,
		pub:     deps.Publisher,
		rec:     deps.Recorder,
		streams: deps.Streams,
		joiner:  deps.Joiner,
		rooms:   make(map[string]*Room),
		alerts:  make(map[string]*alert),
	}
	if l.clk == nil {
		l.clk = clock.Real{}
	}
	if l.sink == nil {
		l.sink = NopSink{}
	}
	if l.pub == nil {
		l.pub = NopPublisher{}
	}
	if l.rec == nil {
		l.rec = NopRecorder{}
	}
	l.Scheduler = &Scheduler{l: l, log: slog.Default().With(slog.String("component", "scheduler"))}
	return l
}

func (l *League) Options() Options { return l.opts }

// Start joins every registered match channel, re-arms the channel alerts
// and refreshes the schedule board. It is safe to call after a restart.
func (l *League) Start(ctx context.Context) error {
	channels, err := l.store.ChannelIDs(ctx)
	if err != nil {
		return fmt.Errorf("list match channels: %w", err)
	}
	for _, ch := range channels {
		if l.joiner != nil {
			l.joiner.Join(ch)
		}
		go l.channelAlert(ch)
	}
	l.log.Info("league started", slog.Int("channels", len(channels)))
	l.UpdateScheduleChannel(ctx)
	return nil
}

// IsAdmin reports whether the chat user may run staff commands.
func (l *League) IsAdmin(chatID string) bool {
	for _, a := range l.opts.Admins {
		if strings.EqualFold(a, chatID) {
			return true
		}
	}
	return false
}

// Room returns the open room for channel, or nil.
func (l *League) Room(channel string) *Room {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rooms[channel]
}

// Rooms returns the open rooms ordered by channel.
func (l *League) Rooms() []*Room {
	l.mu.Lock()
	rooms := make([]*Room, 0, len(l.rooms))
	for _, r := range l.rooms {
		rooms = append(rooms, r)
	}
	l.mu.Unlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].channel < rooms[j].channel })
	return rooms
}

// MakeRoom opens the race room for a match channel. An existing room is
// returned unchanged.
func (l *League) MakeRoom(channel string, m *Match) *Room {
	l.mu.Lock()
	if r, ok := l.rooms[channel]; ok {
		l.mu.Unlock()
		return r
	}
	r := newRoom(l, channel, m.Clone())
	l.rooms[channel] = r
	n := len(l.rooms)
	l.mu.Unlock()

	telemetry.SetActiveRooms(n)
	l.log.Info("room opened", slog.String("channel", channel), slog.Int("week", m.Week))
	r.Initialize()
	return r
}

// CloseRoom closes the channel's room, if any, and drops a pending alert.
func (l *League) CloseRoom(channel string) bool {
	l.mu.Lock()
	r := l.rooms[channel]
	delete(l.rooms, channel)
	if a := l.alerts[channel]; a != nil {
		a.cancel()
		delete(l.alerts, channel)
	}
	n := len(l.rooms)
	l.mu.Unlock()

	telemetry.SetActiveRooms(n)
	if r == nil {
		return false
	}
	r.Close()
	l.log.Info("room closed", slog.String("channel", channel))
	return true
}

// UpdateMatchChannel opens the room when a confirmed match is due, and
// otherwise refreshes the channel topic and arms the alert timer.
func (l *League) UpdateMatchChannel(ctx context.Context, channel string, m *Match) {
	if m.Confirmed() && !m.Played() && m.TimeUntilAlert(l.clk.Now(), l.opts.AlertLead) < time.Second {
		l.MakeRoom(channel, m)
		return
	}
	if r := l.Room(channel); r != nil {
		if !m.Played() {
			l.log.Warn("room open for an unconfirmed match", slog.String("channel", channel))
		}
		return
	}
	if m.Confirmed() && !m.Played() {
		go l.channelAlert(channel)
	}
	if err := l.msg.SetTopic(ctx, channel, l.matchTopic(m)); err != nil {
		l.log.Warn("set topic", slog.String("channel", channel), slog.Any("err", err))
	}
}

func (l *League) matchTopic(m *Match) string {
	head := fmt.Sprintf("%s v %s (Week %d)", m.Racer1.UniqueName, m.Racer2.UniqueName, m.Week)
	switch {
	case m.Played():
		return head + ": Match complete."
	case !m.Scheduled():
		return head + fmt.Sprintf(": Not yet scheduled. Use %ssuggest to propose a time.", l.opts.Prefix)
	case m.Confirmed():
		return head + ": Scheduled for " + TimeString(l.inScheduleZone(m.Time())) + "."
	}
	return head + ": Suggested for " + TimeString(l.inScheduleZone(m.Time())) + " (awaiting confirmation)."
}

// channelAlert sleeps until the channel's match is due and then opens its
// room. Only one alert runs per channel.
func (l *League) channelAlert(channel string) {
	l.mu.Lock()
	if _, ok := l.alerts[channel]; ok {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(l.ctx)
	a := &alert{cancel: cancel}
	l.alerts[channel] = a
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		if l.alerts[channel] == a {
			delete(l.alerts, channel)
		}
		l.mu.Unlock()
		cancel()
	}

	m, err := l.store.GetMatchByChannel(ctx, channel)
	if err != nil || !m.Confirmed() || m.Played() {
		release()
		if err != nil && !isNotFound(err) {
			l.log.Error("load match for alert", slog.String("channel", channel), slog.Any("err", err))
		}
		return
	}
	if d := m.TimeUntilAlert(l.clk.Now(), l.opts.AlertLead); d > 0 {
		if !clock.Sleep(ctx, l.clk, d) {
			release()
			return
		}
	}
	release()

	m, err = l.store.GetMatchByChannel(l.ctx, channel)
	if err != nil {
		l.log.Error("reload match for alert", slog.String("channel", channel), slog.Any("err", err))
		return
	}
	l.UpdateMatchChannel(l.ctx, channel, m)
}

// PendingAlerts returns the channels with an armed alert.
func (l *League) PendingAlerts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.alerts))
	for ch := range l.alerts {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Upcoming returns the scheduled, unplayed matches in start order.
func (l *League) Upcoming(ctx context.Context) ([]*Match, error) {
	return l.store.UpcomingMatches(ctx, l.clk.Now().Add(-time.Hour), 20)
}

// ScheduleText renders the upcoming match board.
func (l *League) ScheduleText(ctx context.Context) (string, error) {
	matches, err := l.Upcoming(ctx)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "No matches scheduled.", nil
	}
	w1, w2 := 0, 0
	for _, m := range matches {
		w1 = max(w1, len(m.Racer1.UniqueName))
		w2 = max(w2, len(m.Racer2.UniqueName))
	}
	now := l.clk.Now()
	var b strings.Builder
	b.WriteString("Upcoming matches:\n")
	for _, m := range matches {
		when := TimeString24(l.inScheduleZone(m.Time()))
		if m.Time().Before(now) {
			when = "Right now!"
		}
		fmt.Fprintf(&b, "%*s v %-*s : %s\n", w1, m.Racer1.UniqueName, w2, m.Racer2.UniqueName, when)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// UpdateScheduleChannel republishes the schedule board.
func (l *League) UpdateScheduleChannel(ctx context.Context) {
	if l.opts.ScheduleChannel == "" {
		return
	}
	text, err := l.ScheduleText(ctx)
	if err != nil {
		l.log.Error("render schedule", slog.Any("err", err))
		return
	}
	if err := l.msg.SetTopic(ctx, l.opts.ScheduleChannel, text); err != nil {
		l.log.Warn("set schedule topic", slog.Any("err", err))
	}
}

// postMatchAlert announces a match in the main channel shortly before it
// begins, with commentary and multi-stream links.
func (l *League) postMatchAlert(ctx context.Context, m *Match) {
	if l.opts.MainChannel == "" {
		return
	}
	caw := m.Cawmentator
	if caw == "" {
		c, err := l.sink.GetCawmentary(ctx, m)
		if err != nil {
			l.sinkFailed("sheets", err)
		}
		caw = c
	}
	r1, r2 := strings.ToLower(m.Racer1.UniqueName), strings.ToLower(m.Racer2.UniqueName)
	lines := []string{fmt.Sprintf("The match %s v %s is scheduled to begin in %d minutes.",
		m.Racer1.UniqueName, m.Racer2.UniqueName, minutesUntil(m.TimeUntilMatch(l.clk.Now())))}
	if caw != "" {
		lines = append(lines, "Cawmentary: https://www.twitch.tv/"+strings.ToLower(caw))
	}
	lines = append(lines,
		fmt.Sprintf("Kadgar: http://www.kadgar.net/live/%s/%s", r1, r2),
		fmt.Sprintf("Multitwitch: http://www.multitwitch.tv/%s/%s", r1, r2))
	l.say(l.opts.MainChannel, strings.Join(lines, "\n"))
}

func (l *League) inScheduleZone(t time.Time) time.Time {
	if l.opts.ScheduleZone != nil {
		return t.In(l.opts.ScheduleZone)
	}
	return t.UTC()
}

func (l *League) say(channel, text string) {
	if channel == "" || text == "" {
		return
	}
	if err := l.msg.Send(l.ctx, channel, text); err != nil {
		l.log.Warn("send message", slog.String("channel", channel), slog.Any("err", err))
	}
}

func (l *League) notifyStaff(text string) {
	if l.opts.NotificationsChannel == "" {
		l.log.Warn("staff notification dropped", slog.String("text", text))
		return
	}
	l.say(l.opts.NotificationsChannel, text)
}

func (l *League) publish(ctx context.Context, ev Event) {
	ev.At = l.clk.Now().UTC()
	var err error
	telemetry.TimeFunc(telemetry.SinkObserver("events"), func() { err = l.pub.Publish(ctx, ev) })
	if err != nil {
		l.sinkFailed("events", err)
	}
}

// sinkFailed logs a best-effort collaborator failure and moves on.
func (l *League) sinkFailed(sink string, err error) {
	telemetry.SinkError(sink)
	l.log.Warn("collaborator failed", slog.String("sink", sink), slog.Any("err", err))
}

// Shutdown closes every room and stops the recorder.
func (l *League) Shutdown(ctx context.Context) {
	for _, r := range l.Rooms() {
		l.CloseRoom(r.Channel())
	}
	if err := l.rec.EndAll(ctx); err != nil {
		l.sinkFailed("recorder", err)
	}
}
