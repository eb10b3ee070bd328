package league

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/onnwee/condorbot/telemetry"
)

// Command is one parsed chat command.
type Command struct {
	// Name is the lowercased command name without the prefix.
	Name       string
	Args       []string
	Channel    string
	Sender     string
	SenderName string
}

func (c Command) displayName() string {
	if c.SenderName != "" {
		return c.SenderName
	}
	return c.Sender
}

// ParseCommand splits a chat line into a command name and arguments. Double
// quotes group words into one argument.
func ParseCommand(prefix, text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	fields := splitArgs(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 || fields[0] == "" {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func splitArgs(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote, have := false, false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			have = true
		case !inQuote && (r == ' ' || r == '\t'):
			if have {
				out = append(out, cur.String())
				cur.Reset()
				have = false
			}
		default:
			cur.WriteRune(r)
			have = true
		}
	}
	if have {
		out = append(out, cur.String())
	}
	return out
}

// Scope is where a command is accepted.
type Scope int

const (
	ScopeAny Scope = iota
	ScopeMain
	ScopeAdmin
	ScopeMatch
	ScopeRoom
)

func (s Scope) String() string {
	switch s {
	case ScopeMain:
		return "main"
	case ScopeAdmin:
		return "admin"
	case ScopeMatch:
		return "match"
	case ScopeRoom:
		return "room"
	}
	return "any"
}

// CommandKind indexes the command registry.
type CommandKind int

const (
	CmdStream CommandKind = iota
	CmdTimezone
	CmdCawmentate
	CmdUncawmentate
	CmdMakeMatch
	CmdMakeWeek
	CmdSuggest
	CmdConfirm
	CmdUnconfirm
	CmdForceBeginMatch
	CmdForceConfirm
	CmdForceRescheduleUTC
	CmdForceUnschedule
	CmdForceUpdate
	CmdHere
	CmdReady
	CmdUnready
	CmdDone
	CmdUndone
	CmdForfeit
	CmdUnforfeit
	CmdCancel
	CmdContest
	CmdTime
	CmdForceCancel
	CmdForceForfeit
	CmdForceChangeWinner
	CmdForceRecordRace
	CmdForceNewRace
	CmdForceCancelRace
	CmdForceRecordMatch
	CmdReseed
	CmdPause
	CmdUnpause
	CmdUserInfo
	CmdStaff
	CmdHelp
	numCommandKinds
)

type handler func(l *League, ctx context.Context, cmd Command) error

// CommandDef describes one registered command.
type CommandDef struct {
	Name    string
	Aliases []string
	Scope   Scope
	Admin   bool
	Help    string
	run     handler
}

var (
	registry [numCommandKinds]CommandDef
	byName   map[string]CommandKind
)

func init() {
	registry = [numCommandKinds]CommandDef{
		CmdStream:       {Name: "stream", Scope: ScopeMain, Help: "Register your twitch stream: stream <twitchname>", run: (*League).registerStream},
		CmdTimezone:     {Name: "timezone", Scope: ScopeMain, Help: "Register your timezone, e.g. timezone America/New_York", run: (*League).registerTimezone},
		CmdCawmentate:   {Name: "cawmentate", Scope: ScopeMain, Help: "Register to cawmentate a match: cawmentate racer1 racer2", run: (*League).cawmentate},
		CmdUncawmentate: {Name: "uncawmentate", Scope: ScopeMain, Help: "Remove yourself as cawmentator: uncawmentate racer1 racer2", run: (*League).uncawmentate},
		CmdMakeMatch:    {Name: "makematch", Scope: ScopeAdmin, Admin: true, Help: "Create a match: makematch racer1 racer2 week [channel]", run: (*League).makeMatch},
		CmdMakeWeek:     {Name: "makeweek", Scope: ScopeAdmin, Admin: true, Help: "Create every match of a week from the spreadsheet: makeweek week", run: (*League).makeWeek},

		CmdSuggest: {Name: "suggest", Scope: ScopeMatch, Help: "Suggest a match time in your timezone, e.g. suggest March 9 5:30p",
			run: withCaller(func(ctx context.Context, l *League, cmd Command, c *Racer) error {
				return l.Scheduler.Suggest(ctx, cmd.Channel, c, cmd.Args)
			})},
		CmdConfirm: {Name: "confirm", Scope: ScopeMatch, Help: "Confirm the suggested match time",
			run: withCaller(func(ctx context.Context, l *League, cmd Command, c *Racer) error {
				return l.Scheduler.Confirm(ctx, cmd.Channel, c)
			})},
		CmdUnconfirm: {Name: "unconfirm", Scope: ScopeMatch, Help: "Withdraw your confirmation of the match time",
			run: withCaller(func(ctx context.Context, l *League, cmd Command, c *Racer) error {
				return l.Scheduler.Unconfirm(ctx, cmd.Channel, c)
			})},
		CmdForceBeginMatch: {Name: "forcebeginmatch", Scope: ScopeMatch, Admin: true, Help: "Start the match now",
			run: func(l *League, ctx context.Context, cmd Command) error {
				return l.Scheduler.ForceBeginMatch(ctx, cmd.Channel)
			}},
		CmdForceConfirm: {Name: "forceconfirm", Scope: ScopeMatch, Admin: true, Help: "Confirm the suggested time for both racers",
			run: func(l *League, ctx context.Context, cmd Command) error {
				return l.Scheduler.ForceConfirm(ctx, cmd.Channel, cmd.displayName())
			}},
		CmdForceRescheduleUTC: {Name: "forcerescheduleutc", Scope: ScopeMatch, Admin: true,
			Help: "Suggest a new time given in UTC, e.g. forcerescheduleutc March 9 22:30",
			run: func(l *League, ctx context.Context, cmd Command) error {
				return l.Scheduler.ForceRescheduleUTC(ctx, cmd.Channel, cmd.Args)
			}},
		CmdForceUnschedule: {Name: "forceunschedule", Scope: ScopeMatch, Admin: true, Help: "Clear the match time",
			run: func(l *League, ctx context.Context, cmd Command) error {
				return l.Scheduler.ForceUnschedule(ctx, cmd.Channel)
			}},
		CmdForceUpdate: {Name: "forceupdate", Scope: ScopeMatch, Admin: true, Help: "Push the match state to the schedule",
			run: func(l *League, ctx context.Context, cmd Command) error {
				return l.Scheduler.ForceUpdate(ctx, cmd.Channel)
			}},

		CmdHere: {Name: "here", Scope: ScopeRoom, Help: "Let the bot know you're here for the race",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.Here(ctx, c) })},
		CmdReady: {Name: "ready", Scope: ScopeRoom, Help: "Indicate that you are ready to race",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.Ready(ctx, c) })},
		CmdUnready: {Name: "unready", Scope: ScopeRoom, Help: "Undo a ready",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.Unready(ctx, c) })},
		CmdDone: {Name: "done", Aliases: []string{"finish", "d"}, Scope: ScopeRoom, Help: "Indicate that you've finished the race",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.Done(ctx, c) })},
		CmdUndone: {Name: "undone", Aliases: []string{"unfinish"}, Scope: ScopeRoom, Help: "Undo a finish",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.Undone(ctx, c) })},
		CmdForfeit: {Name: "forfeit", Aliases: []string{"quit"}, Scope: ScopeRoom, Help: "Forfeit the race",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.Forfeit(ctx, c) })},
		CmdUnforfeit: {Name: "unforfeit", Aliases: []string{"unquit"}, Scope: ScopeRoom, Help: "Undo a forfeit",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.Unforfeit(ctx, c) })},
		CmdCancel: {Name: "cancel", Scope: ScopeRoom, Help: "Vote to cancel the race; both racers must agree",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error {
				_, err := r.WantsToCancel(ctx, c)
				return err
			})},
		CmdContest: {Name: "contest", Scope: ScopeRoom, Help: "Flag the latest race for staff review",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.Contest(ctx, c) })},
		CmdTime: {Name: "time", Scope: ScopeRoom, Help: "Show the current race time",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error {
				r.Time()
				return nil
			})},

		CmdForceCancel: {Name: "forcecancel", Scope: ScopeRoom, Admin: true, Help: "Cancel the current race",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error {
				r.CancelRace(ctx)
				return nil
			})},
		CmdForceForfeit: {Name: "forceforfeit", Scope: ScopeRoom, Admin: true, Help: "Forfeit the named racers: forceforfeit racer [racer...]",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error {
				r.ForceForfeit(ctx, cmd.Args)
				return nil
			})},
		CmdForceChangeWinner: {Name: "forcechangewinner", Scope: ScopeRoom, Admin: true, Help: "Change a race winner: forcechangewinner race_number winner",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.ForceChangeWinner(ctx, cmd.Args) })},
		CmdForceRecordRace: {Name: "forcerecordrace", Scope: ScopeRoom, Admin: true,
			Help: "Record a race: forcerecordrace winner|-draw [winner_time [loser_time]] [-seed N]",
			run:  inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.ForceRecordRace(ctx, cmd.Args) })},
		CmdForceNewRace: {Name: "forcenewrace", Scope: ScopeRoom, Admin: true, Help: "Abandon the current race and start another",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error {
				r.ForceNewRace(ctx)
				return nil
			})},
		CmdForceCancelRace: {Name: "forcecancelrace", Scope: ScopeRoom, Admin: true, Help: "Cancel the nth finished race: forcecancelrace n",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.ForceCancelRace(ctx, cmd.Args) })},
		CmdForceRecordMatch: {Name: "forcerecordmatch", Scope: ScopeRoom, Admin: true, Help: "Record the match with the races played so far",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.RecordMatch(ctx) })},
		CmdReseed: {Name: "reseed", Scope: ScopeRoom, Admin: true, Help: "Change the seed of the pending race: reseed [seed]",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.Reseed(ctx, cmd.Args) })},
		CmdPause: {Name: "pause", Scope: ScopeRoom, Admin: true, Help: "Pause the race timer",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.Pause(ctx) })},
		CmdUnpause: {Name: "unpause", Scope: ScopeRoom, Admin: true, Help: "Resume the race timer",
			run: inRoom(func(ctx context.Context, r *Room, cmd Command, c *Racer) error { return r.Unpause(ctx) })},

		CmdUserInfo: {Name: "userinfo", Scope: ScopeAny, Help: "Show a racer's registration: userinfo [name]", run: (*League).userInfo},
		CmdStaff:    {Name: "staff", Scope: ScopeAny, Help: "Alert league staff", run: (*League).staff},
		CmdHelp:     {Name: "help", Scope: ScopeAny, Help: "List commands, or describe one: help [command]", run: (*League).help},
	}

	byName = make(map[string]CommandKind)
	for k, def := range registry {
		byName[def.Name] = CommandKind(k)
		for _, a := range def.Aliases {
			byName[a] = CommandKind(k)
		}
	}
}

// Lookup returns the registered command for a name or alias.
func Lookup(name string) (CommandDef, bool) {
	k, ok := byName[strings.ToLower(name)]
	if !ok {
		return CommandDef{}, false
	}
	return registry[k], true
}

func withCaller(fn func(ctx context.Context, l *League, cmd Command, c *Racer) error) handler {
	return func(l *League, ctx context.Context, cmd Command) error {
		c, err := l.caller(ctx, cmd.Sender)
		if err != nil {
			return err
		}
		return fn(ctx, l, cmd, c)
	}
}

func inRoom(fn func(ctx context.Context, r *Room, cmd Command, c *Racer) error) handler {
	return func(l *League, ctx context.Context, cmd Command) error {
		room := l.Room(cmd.Channel)
		if room == nil {
			return nil
		}
		c, err := l.caller(ctx, cmd.Sender)
		if err != nil {
			return err
		}
		return fn(ctx, room, cmd, c)
	}
}

func (l *League) inScope(ctx context.Context, s Scope, channel string) bool {
	switch s {
	case ScopeMain:
		return channel == l.opts.MainChannel
	case ScopeAdmin:
		return channel == l.opts.AdminChannel
	case ScopeMatch:
		_, err := l.store.GetMatchByChannel(ctx, channel)
		return err == nil
	case ScopeRoom:
		return l.Room(channel) != nil
	}
	return true
}

// Execute runs a command. Commands unknown in the channel are ignored.
// Rejections are answered in the channel and returned as *CommandError.
func (l *League) Execute(ctx context.Context, cmd Command) error {
	cmd.Name = strings.ToLower(cmd.Name)
	k, ok := byName[cmd.Name]
	if !ok {
		return nil
	}
	def := registry[k]
	if !l.inScope(ctx, def.Scope, cmd.Channel) {
		return nil
	}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "league"), slog.String("command", def.Name), slog.String("channel", cmd.Channel))

	var err error
	if def.Admin && !l.IsAdmin(cmd.Sender) {
		err = userErr(ErrNotAuthorized, "@%s: That command is restricted to %s.", cmd.displayName(), l.opts.StaffMention)
	} else {
		err = def.run(l, ctx, cmd)
	}

	result := "ok"
	var ce *CommandError
	switch {
	case err == nil:
	case errors.As(err, &ce):
		result = "rejected"
		l.say(cmd.Channel, ce.Msg)
		log.Debug("command rejected", slog.String("reason", ce.Msg))
	default:
		result = "error"
		log.Error("command failed", slog.String("sender", cmd.Sender), slog.Any("err", err))
		l.say(cmd.Channel, fmt.Sprintf("Sorry, something went wrong running %s%s. Please contact %s.", l.opts.Prefix, def.Name, l.opts.StaffMention))
	}
	telemetry.CommandExecuted(def.Name, result)
	return err
}

func (l *League) help(ctx context.Context, cmd Command) error {
	p := l.opts.Prefix
	if len(cmd.Args) > 0 {
		def, ok := Lookup(strings.TrimPrefix(cmd.Args[0], p))
		if !ok {
			return userErr(ErrNotFound, "I don't know the command %s.", cmd.Args[0])
		}
		l.say(cmd.Channel, fmt.Sprintf("%s%s: %s", p, def.Name, def.Help))
		return nil
	}
	admin := l.IsAdmin(cmd.Sender)
	var names []string
	for _, def := range registry {
		if def.Admin && !admin {
			continue
		}
		if !l.inScope(ctx, def.Scope, cmd.Channel) {
			continue
		}
		names = append(names, p+def.Name)
	}
	sort.Strings(names)
	l.say(cmd.Channel, fmt.Sprintf("Available commands in this channel: %s. Use %shelp <command> for details.", strings.Join(names, ", "), p))
	return nil
}
