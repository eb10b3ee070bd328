package league

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// caller resolves the registered racer behind a chat account, or nil.
func (l *League) caller(ctx context.Context, chatID string) (*Racer, error) {
	r, err := l.store.GetRacerByChatID(ctx, chatID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup racer %s: %w", chatID, err)
	}
	return r, nil
}

func (l *League) registerStream(ctx context.Context, cmd Command) error {
	p := l.opts.Prefix
	if len(cmd.Args) != 1 {
		return userErr(ErrParse, "Error: I need exactly one stream name. Use %sstream <twitchname>.", p)
	}
	name := strings.TrimPrefix(cmd.Args[0], "@")
	if strings.Contains(name, "/") || name == "" {
		return userErr(ErrParse, "Error: Please give only your stream name, without the twitch.tv/ prefix.")
	}
	racer := &Racer{ChatID: cmd.Sender, DisplayName: cmd.SenderName, UniqueName: name}
	if err := l.store.RegisterRacer(ctx, racer); err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			return userErr(ErrAlreadyRegistered, "Error: The stream %s is already registered to another user. "+
				"Contact CoNDOR Staff if this is in error.", name)
		}
		return fmt.Errorf("register racer: %w", err)
	}
	l.log.Info("racer registered", slog.String("chat_id", cmd.Sender), slog.String("stream", name))
	l.say(cmd.Channel, fmt.Sprintf("%s: Registered your stream as <twitch.tv/%s>.", "@"+cmd.displayName(), name))
	return nil
}

func (l *League) registerTimezone(ctx context.Context, cmd Command) error {
	racer, err := l.caller(ctx, cmd.Sender)
	if err != nil {
		return err
	}
	p := l.opts.Prefix
	if racer == nil {
		return userErr(ErrNotAuthorized, "Error: Please register a stream first with %sstream.", p)
	}
	if len(cmd.Args) != 1 {
		return userErr(ErrParse, "Error: I need exactly one timezone, e.g. %stimezone America/New_York.", p)
	}
	tz := cmd.Args[0]
	if !ValidTimezone(tz) {
		return userErr(ErrParse, "Error: I couldn't parse %s as a timezone. Use a name from the IANA database, e.g. America/New_York "+
			"(see https://en.wikipedia.org/wiki/List_of_tz_database_time_zones).", tz)
	}
	if err := l.store.RegisterTimezone(ctx, cmd.Sender, tz); err != nil {
		return fmt.Errorf("register timezone: %w", err)
	}
	racer.Timezone = tz
	loc, _ := racer.Location()
	l.say(cmd.Channel, fmt.Sprintf("%s: Timezone set as %s (currently %s).", mention(racer), tz, offsetString(l.clk.Now(), loc)))
	return nil
}

func (l *League) userInfo(ctx context.Context, cmd Command) error {
	var racer *Racer
	var err error
	switch len(cmd.Args) {
	case 0:
		racer, err = l.caller(ctx, cmd.Sender)
		if err == nil && racer == nil {
			return userErr(ErrNotFound, "You are not registered. Use %sstream to register.", l.opts.Prefix)
		}
	case 1:
		racer, err = l.store.GetRacerByName(ctx, cmd.Args[0])
		if isNotFound(err) {
			return userErr(ErrNotFound, "Error: User %s is not registered.", cmd.Args[0])
		}
	default:
		return userErr(ErrParse, "Error: Too many arguments for %suserinfo.", l.opts.Prefix)
	}
	if err != nil {
		return err
	}
	tz := racer.Timezone
	if tz == "" {
		tz = "not registered"
	}
	l.say(cmd.Channel, fmt.Sprintf("User info: %s. Stream: twitch.tv/%s. Timezone: %s.", racer.Name(), racer.UniqueName, tz))
	return nil
}

// lookupMatch finds the latest match between two named racers.
func (l *League) lookupMatch(ctx context.Context, name1, name2 string) (*Match, error) {
	r1, err := l.store.GetRacerByName(ctx, name1)
	if err != nil {
		return nil, l.notFoundOr(err, "Error: I don't recognize the racer %s.", name1)
	}
	r2, err := l.store.GetRacerByName(ctx, name2)
	if err != nil {
		return nil, l.notFoundOr(err, "Error: I don't recognize the racer %s.", name2)
	}
	m, err := l.store.GetMatch(ctx, r1, r2, 0)
	if err != nil {
		return nil, l.notFoundOr(err, "Error: I couldn't find a match between %s and %s.", name1, name2)
	}
	return m, nil
}

func (l *League) notFoundOr(err error, format string, args ...any) error {
	if isNotFound(err) {
		return userErr(ErrNotFound, format, args...)
	}
	return err
}

func (l *League) cawmentate(ctx context.Context, cmd Command) error {
	if len(cmd.Args) != 2 {
		return userErr(ErrParse, "Error: Wrong number of arguments. Use %scawmentate racer1 racer2.", l.opts.Prefix)
	}
	caller, err := l.caller(ctx, cmd.Sender)
	if err != nil {
		return err
	}
	if caller == nil {
		return userErr(ErrNotAuthorized, "Error: Please register a stream first with %sstream.", l.opts.Prefix)
	}
	m, err := l.lookupMatch(ctx, cmd.Args[0], cmd.Args[1])
	if err != nil {
		return err
	}
	existing := m.Cawmentator
	if existing == "" {
		if existing, err = l.sink.GetCawmentary(ctx, m); err != nil {
			l.sinkFailed("sheets", err)
		}
	}
	if existing != "" {
		return userErr(ErrInvalidState, "This match already has a cawmentator (%s).", existing)
	}
	if err := l.store.SetCawmentator(ctx, m, caller.UniqueName); err != nil {
		return fmt.Errorf("set cawmentator: %w", err)
	}
	if err := l.sink.AddCawmentary(ctx, m, caller.UniqueName); err != nil {
		l.sinkFailed("sheets", err)
	}
	l.say(cmd.Channel, fmt.Sprintf("Added %s as cawmentary for the match %s-%s.", caller.UniqueName, m.Racer1.UniqueName, m.Racer2.UniqueName))
	return nil
}

func (l *League) uncawmentate(ctx context.Context, cmd Command) error {
	if len(cmd.Args) != 2 {
		return userErr(ErrParse, "Error: Wrong number of arguments. Use %suncawmentate racer1 racer2.", l.opts.Prefix)
	}
	caller, err := l.caller(ctx, cmd.Sender)
	if err != nil {
		return err
	}
	if caller == nil {
		return userErr(ErrNotAuthorized, "Error: Please register a stream first with %sstream.", l.opts.Prefix)
	}
	m, err := l.lookupMatch(ctx, cmd.Args[0], cmd.Args[1])
	if err != nil {
		return err
	}
	if m.Cawmentator == "" {
		return userErr(ErrInvalidState, "No one is registered for cawmentary for the match %s-%s.", m.Racer1.UniqueName, m.Racer2.UniqueName)
	}
	if !strings.EqualFold(m.Cawmentator, caller.UniqueName) {
		return userErr(ErrNotAuthorized, "Error: This match is being cawmentated by %s.", m.Cawmentator)
	}
	if err := l.store.SetCawmentator(ctx, m, ""); err != nil {
		return fmt.Errorf("clear cawmentator: %w", err)
	}
	if err := l.sink.RemoveCawmentary(ctx, m); err != nil {
		l.sinkFailed("sheets", err)
	}
	l.say(cmd.Channel, fmt.Sprintf("Removed %s from cawmentary for the match %s-%s.", caller.UniqueName, m.Racer1.UniqueName, m.Racer2.UniqueName))
	return nil
}

func (l *League) staff(ctx context.Context, cmd Command) error {
	l.notifyStaff(fmt.Sprintf("Alert: %sstaff called by %s in channel %s.", l.opts.Prefix, cmd.displayName(), cmd.Channel))
	l.say(cmd.Channel, fmt.Sprintf("@%s: Alerting %s.", cmd.displayName(), l.opts.StaffMention))
	return nil
}

// MakeMatch creates (or finds) the match between two registered racers and
// registers its chat channel. An empty channel defaults to racer 1's stream.
func (l *League) MakeMatch(ctx context.Context, name1, name2 string, week int, channel string) (*Match, string, error) {
	r1, err := l.store.GetRacerByName(ctx, name1)
	if err != nil {
		return nil, "", l.notFoundOr(err, "Error: I don't recognize the racer %s.", name1)
	}
	r2, err := l.store.GetRacerByName(ctx, name2)
	if err != nil {
		return nil, "", l.notFoundOr(err, "Error: I don't recognize the racer %s.", name2)
	}
	if r1.Is(r2) {
		return nil, "", userErr(ErrParse, "Error: A racer can't be matched against themselves.")
	}

	m, err := l.store.GetMatch(ctx, r1, r2, week)
	switch {
	case isNotFound(err):
		m = NewMatch(r1, r2, week, l.opts.NumberOfRaces, l.opts.BestOf)
		m.League = l.opts.LeagueName
		if err := l.store.CreateMatch(ctx, m); err != nil {
			return nil, "", fmt.Errorf("create match: %w", err)
		}
	case err != nil:
		return nil, "", fmt.Errorf("lookup match: %w", err)
	}

	if channel == "" {
		if existing, err := l.store.ChannelOf(ctx, m); err == nil {
			channel = existing
		} else if !isNotFound(err) {
			return nil, "", fmt.Errorf("lookup channel: %w", err)
		} else {
			channel = strings.ToLower(r1.UniqueName)
		}
	}
	channel = strings.ToLower(strings.TrimPrefix(channel, "#"))
	if err := l.store.RegisterChannel(ctx, m, channel); err != nil {
		return nil, "", fmt.Errorf("register channel: %w", err)
	}
	if l.joiner != nil {
		l.joiner.Join(channel)
	}
	l.log.Info("match made", slog.String("racer1", r1.UniqueName), slog.String("racer2", r2.UniqueName),
		slog.Int("week", week), slog.String("channel", channel))
	l.sendChannelStartText(channel, m)
	l.UpdateMatchChannel(ctx, channel, m)
	return m, channel, nil
}

func (l *League) makeMatch(ctx context.Context, cmd Command) error {
	if len(cmd.Args) < 3 || len(cmd.Args) > 4 {
		return userErr(ErrParse, "Error: Use %smakematch racer1 racer2 week [channel].", l.opts.Prefix)
	}
	week, err := strconv.Atoi(cmd.Args[2])
	if err != nil || week < 0 {
		return userErr(ErrParse, "Error: couldn't parse %s as a week number.", cmd.Args[2])
	}
	channel := ""
	if len(cmd.Args) == 4 {
		channel = cmd.Args[3]
	}
	m, ch, err := l.MakeMatch(ctx, cmd.Args[0], cmd.Args[1], week, channel)
	if err != nil {
		return err
	}
	l.say(cmd.Channel, fmt.Sprintf("Made match %s v %s (week %d) in #%s.", m.Racer1.UniqueName, m.Racer2.UniqueName, m.Week, ch))
	return nil
}

func (l *League) makeWeek(ctx context.Context, cmd Command) error {
	if len(cmd.Args) != 1 {
		return userErr(ErrParse, "Error: Use %smakeweek <week>.", l.opts.Prefix)
	}
	week, err := strconv.Atoi(cmd.Args[0])
	if err != nil || week < 0 {
		return userErr(ErrParse, "Error: couldn't parse %s as a week number.", cmd.Args[0])
	}
	src, ok := l.sink.(MatchupSource)
	if !ok {
		return userErr(ErrInvalidState, "Error: No league spreadsheet is configured.")
	}
	pairs, err := src.Matchups(ctx, week)
	if err != nil {
		return fmt.Errorf("read week %d matchups: %w", week, err)
	}
	made := 0
	for _, pair := range pairs {
		if _, _, err := l.MakeMatch(ctx, pair[0], pair[1], week, ""); err != nil {
			var ce *CommandError
			if !errors.As(err, &ce) {
				l.log.Error("make match", slog.String("racer1", pair[0]), slog.String("racer2", pair[1]), slog.Any("err", err))
				l.say(cmd.Channel, fmt.Sprintf("Error making match %s-%s.", pair[0], pair[1]))
				continue
			}
			l.say(cmd.Channel, fmt.Sprintf("Couldn't make match %s-%s: %s", pair[0], pair[1], ce.Msg))
			continue
		}
		made++
	}
	l.say(cmd.Channel, fmt.Sprintf("Made %d of %d matches for week %d.", made, len(pairs), week))
	return nil
}

func (l *League) sendChannelStartText(channel string, m *Match) {
	p := l.opts.Prefix
	lines := []string{
		fmt.Sprintf("Welcome, %s and %s! This channel runs your week %d match.", mention(m.Racer1), mention(m.Racer2), m.Week),
		fmt.Sprintf("Suggest a time with %ssuggest, e.g. %ssuggest March 9 5:30p. Times are read in your registered timezone.", p, p),
		fmt.Sprintf("Once you agree on a time, both racers %sconfirm it. The race room opens before the match begins.", p),
	}
	if m.BestOf() {
		lines = append(lines, fmt.Sprintf("This match is a best-of-%d.", m.NumberOfRaces))
	} else {
		lines = append(lines, fmt.Sprintf("This match is a %d-race match.", m.NumberOfRaces))
	}

	now := l.clk.Now()
	loc1, err1 := m.Racer1.Location()
	loc2, err2 := m.Racer2.Location()
	switch {
	case err1 != nil || err2 != nil:
		lines = append(lines, fmt.Sprintf("Please register a timezone with %stimezone so I can convert times for you.", p))
	default:
		_, off1 := now.In(loc1).Zone()
		_, off2 := now.In(loc2).Zone()
		diff := off1 - off2
		if diff == 0 {
			lines = append(lines, fmt.Sprintf("You are both in the same timezone right now (%s).", offsetString(now, loc1)))
			break
		}
		ahead, behind := m.Racer1, m.Racer2
		if diff < 0 {
			ahead, behind, diff = m.Racer2, m.Racer1, -diff
		}
		h, mins := diff/3600, (diff%3600)/60
		gap := fmt.Sprintf("%d hours", h)
		if mins != 0 {
			gap = fmt.Sprintf("%d:%02d hours", h, mins)
		}
		lines = append(lines, fmt.Sprintf("%s (%s) is currently %s ahead of %s (%s).",
			ahead.Name(), offsetString(now, ahead.mustLocation()), gap, behind.Name(), offsetString(now, behind.mustLocation())))
	}
	l.say(channel, strings.Join(lines, "\n"))
}

func (r *Racer) mustLocation() *time.Location {
	loc, err := r.Location()
	if err != nil {
		return time.UTC
	}
	return loc
}
