package league

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Scheduler negotiates match times in registered match channels.
type Scheduler struct {
	l   *League
	log *slog.Logger
}

func (s *Scheduler) match(ctx context.Context, channel string) (*Match, error) {
	m, err := s.l.store.GetMatchByChannel(ctx, channel)
	if err != nil {
		if isNotFound(err) {
			return nil, userErr(ErrNotFound, "Error: This match wasn't found in the database. Please contact CoNDOR Staff.")
		}
		return nil, fmt.Errorf("load match for %s: %w", channel, err)
	}
	return m, nil
}

func (s *Scheduler) requireRacer(m *Match, caller *Racer) error {
	p := s.l.opts.Prefix
	if caller == nil {
		return userErr(ErrNotAuthorized, "Error: You are not registered. Please register with %sstream in the main channel. "+
			"If the problem persists, contact CoNDOR Staff.", p)
	}
	if !m.HasRacer(caller) {
		return userErr(ErrNotAuthorized, "Error: %s does not appear to be one of the racers in this match. "+
			"If this is in error, contact CoNDOR Staff.", mention(caller))
	}
	return nil
}

func (s *Scheduler) parseArgs(args []string) (ScheduleArgs, error) {
	a, err := ParseScheduleArgs(args)
	if err != nil {
		return a, userErr(ErrParse, "Error: Couldn't parse your arguments as a date and time. Model is, e.g., %ssuggest March 9 5:30p.", s.l.opts.Prefix)
	}
	return a, nil
}

// Suggest proposes a match time in the caller's local timezone. The caller
// implicitly confirms their own suggestion.
func (s *Scheduler) Suggest(ctx context.Context, channel string, caller *Racer, args []string) error {
	m, err := s.match(ctx, channel)
	if err != nil {
		return err
	}
	p := s.l.opts.Prefix
	if m.Confirmed() {
		return userErr(ErrInvalidState, "The scheduled time for this match has already been confirmed by both racers. To reschedule, "+
			"both racers should first call %sunconfirm; you will then be able to %ssuggest a new time.", p, p)
	}
	if err := s.requireRacer(m, caller); err != nil {
		return err
	}
	a, err := s.parseArgs(args)
	if err != nil {
		return err
	}
	loc, err := caller.Location()
	if err != nil {
		return userErr(ErrMissingTimezone, "Error: %s: I have your timezone stored as %q, but I can't parse this as a timezone. "+
			"Please register a valid timezone with %stimezone.", mention(caller), caller.Timezone, p)
	}
	local, err := a.In(s.l.opts.SeasonYear, loc)
	if err != nil {
		return userErr(ErrParse, "Error: %s %d is not a valid date.", a.Month, a.Day)
	}
	utc := ToUTC(local)
	if !utc.After(s.l.clk.Now()) {
		return userErr(ErrPastTime, "%s: Error: The time you are suggesting for the match appears to be in the past.", mention(caller))
	}

	m.Schedule(utc, caller)
	m.Confirm(caller)
	if err := s.l.store.UpdateMatch(ctx, m); err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	s.log.Info("match suggested", slog.String("channel", channel), slog.String("by", caller.UniqueName), slog.Time("utc", utc))
	s.l.UpdateMatchChannel(ctx, channel, m)
	s.announceSuggestion(channel, m)
	return nil
}

func (s *Scheduler) announceSuggestion(channel string, m *Match) {
	p := s.l.opts.Prefix
	for _, racer := range m.Racers() {
		loc, err := racer.Location()
		if err != nil {
			s.l.say(channel, fmt.Sprintf("%s: A match time has been suggested; please confirm with %sconfirm. I also suggest you "+
				"register a timezone (use %stimezone), so I can convert to your local time.", mention(racer), p, p))
			continue
		}
		text := fmt.Sprintf("%s: This match is suggested to be scheduled for %s.", mention(racer), TimeString(m.Time().In(loc)))
		if !m.IsConfirmedBy(racer) {
			text += fmt.Sprintf(" Please confirm with %sconfirm.", p)
		}
		s.l.say(channel, text)
	}
}

// Confirm records the caller's acceptance of the suggested time.
func (s *Scheduler) Confirm(ctx context.Context, channel string, caller *Racer) error {
	m, err := s.match(ctx, channel)
	if err != nil {
		return err
	}
	if !m.Scheduled() {
		return userErr(ErrInvalidState, "Error: A scheduled time for this match has not been suggested. Use %ssuggest to suggest a time.", s.l.opts.Prefix)
	}
	if err := s.requireRacer(m, caller); err != nil {
		return err
	}
	if m.IsConfirmedBy(caller) {
		s.l.say(channel, fmt.Sprintf("%s: You've already confirmed this time.", mention(caller)))
		s.l.UpdateMatchChannel(ctx, channel, m)
		return nil
	}

	m.Confirm(caller)
	if err := s.l.store.UpdateMatch(ctx, m); err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	if loc, err := caller.Location(); err == nil {
		s.l.say(channel, fmt.Sprintf("%s: Confirmed acceptance of match time %s.", mention(caller), TimeString(m.Time().In(loc))))
	} else {
		s.l.say(channel, fmt.Sprintf("%s: Confirmed acceptance of match time %s.", mention(caller), TimeString(m.Time())))
	}
	if m.Confirmed() {
		if err := s.l.sink.ScheduleMatch(ctx, m); err != nil {
			s.l.sinkFailed("sheets", err)
		}
		s.l.say(channel, "The match has been officially scheduled.")
	}
	s.l.UpdateMatchChannel(ctx, channel, m)
	s.l.UpdateScheduleChannel(ctx)
	return nil
}

// Unconfirm withdraws the caller's confirmation. A fully confirmed match is
// only unscheduled once both racers unconfirm.
func (s *Scheduler) Unconfirm(ctx context.Context, channel string, caller *Racer) error {
	m, err := s.match(ctx, channel)
	if err != nil {
		return err
	}
	if err := s.requireRacer(m, caller); err != nil {
		return err
	}
	if !m.IsConfirmedBy(caller) {
		return userErr(ErrInvalidState, "%s: You haven't yet confirmed the suggested time.", mention(caller))
	}

	wasConfirmed := m.Confirmed()
	m.Unconfirm(caller)
	if err := s.l.store.UpdateMatch(ctx, m); err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	p := s.l.opts.Prefix
	switch {
	case wasConfirmed && m.Confirmed():
		s.l.say(channel, fmt.Sprintf("%s wishes to remove the current scheduled time. The other racer must also %sunconfirm.", mention(caller), p))
	case wasConfirmed:
		s.l.CloseRoom(channel)
		if err := s.l.sink.UnscheduleMatch(ctx, m); err != nil {
			s.l.sinkFailed("sheets", err)
		}
		s.l.say(channel, fmt.Sprintf("The match has been unscheduled. Please %ssuggest a new time when one has been agreed upon.", p))
		s.l.UpdateScheduleChannel(ctx)
	default:
		s.l.say(channel, fmt.Sprintf("%s has unconfirmed the current suggested time.", mention(caller)))
	}
	s.l.UpdateMatchChannel(ctx, channel, m)
	return nil
}

// ForceBeginMatch schedules the match for now and opens its room.
func (s *Scheduler) ForceBeginMatch(ctx context.Context, channel string) error {
	m, err := s.match(ctx, channel)
	if err != nil {
		return err
	}
	m.Schedule(s.l.clk.Now(), nil)
	m.ForceConfirm()
	if err := s.l.store.UpdateMatch(ctx, m); err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	s.l.MakeRoom(channel, m)
	return nil
}

// ForceConfirm confirms the suggested time for both racers.
func (s *Scheduler) ForceConfirm(ctx context.Context, channel string, admin string) error {
	m, err := s.match(ctx, channel)
	if err != nil {
		return err
	}
	if !m.Scheduled() {
		return userErr(ErrInvalidState, "Error: A scheduled time for this match has not been suggested. One of the racers should use %ssuggest to suggest a time.", s.l.opts.Prefix)
	}
	m.ForceConfirm()
	if err := s.l.store.UpdateMatch(ctx, m); err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	s.l.say(channel, fmt.Sprintf("%s has forced confirmation of match time: %s.", admin, TimeString(s.l.inScheduleZone(m.Time()))))
	if err := s.l.sink.ScheduleMatch(ctx, m); err != nil {
		s.l.sinkFailed("sheets", err)
	}
	s.l.UpdateMatchChannel(ctx, channel, m)
	s.l.UpdateScheduleChannel(ctx)
	return nil
}

// ForceRescheduleUTC suggests a new time given in UTC. Both racers must
// confirm it again.
func (s *Scheduler) ForceRescheduleUTC(ctx context.Context, channel string, args []string) error {
	a, err := s.parseArgs(args)
	if err != nil {
		return err
	}
	m, err := s.match(ctx, channel)
	if err != nil {
		return err
	}
	t, err := a.In(s.l.opts.SeasonYear, time.UTC)
	if err != nil {
		return userErr(ErrParse, "Error: %s %d is not a valid date.", a.Month, a.Day)
	}
	if !t.After(s.l.clk.Now()) {
		return userErr(ErrPastTime, "Error: The time you are suggesting for the match appears to be in the past.")
	}
	wasConfirmed := m.Confirmed()
	m.Schedule(t, nil)
	if err := s.l.store.UpdateMatch(ctx, m); err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	s.l.CloseRoom(channel)
	if wasConfirmed {
		if err := s.l.sink.UnscheduleMatch(ctx, m); err != nil {
			s.l.sinkFailed("sheets", err)
		}
	}
	s.l.UpdateMatchChannel(ctx, channel, m)
	s.announceSuggestion(channel, m)
	return nil
}

// ForceUnschedule clears the match time.
func (s *Scheduler) ForceUnschedule(ctx context.Context, channel string) error {
	m, err := s.match(ctx, channel)
	if err != nil {
		return err
	}
	m.Unschedule()
	if err := s.l.store.UpdateMatch(ctx, m); err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	s.l.CloseRoom(channel)
	if err := s.l.sink.UnscheduleMatch(ctx, m); err != nil {
		s.l.sinkFailed("sheets", err)
	}
	s.l.say(channel, fmt.Sprintf("The match has been unscheduled. Please %ssuggest a new time when one has been agreed upon.", s.l.opts.Prefix))
	s.l.UpdateScheduleChannel(ctx)
	return nil
}

// ForceUpdate pushes the match state to the sink and refreshes the channel.
func (s *Scheduler) ForceUpdate(ctx context.Context, channel string) error {
	m, err := s.match(ctx, channel)
	if err != nil {
		return err
	}
	if !m.Scheduled() {
		return userErr(ErrInvalidState, "Error: A scheduled time for this match has not been suggested. One of the racers should use %ssuggest to suggest a time.", s.l.opts.Prefix)
	}
	if m.Confirmed() {
		if err := s.l.sink.ScheduleMatch(ctx, m); err != nil {
			s.l.sinkFailed("sheets", err)
		}
	}
	if m.Played() {
		records, err := s.l.store.RaceRecords(ctx, m)
		if err != nil {
			return fmt.Errorf("race records: %w", err)
		}
		if err := s.l.sink.RecordMatch(ctx, m, Aggregate(m, records)); err != nil {
			s.l.sinkFailed("sheets", err)
		}
	}
	s.l.UpdateMatchChannel(ctx, channel, m)
	s.l.UpdateScheduleChannel(ctx)
	s.l.say(channel, "Updated.")
	return nil
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
