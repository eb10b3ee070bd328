package league

import (
	"context"
	"time"
)

// MatchStore persists racers, matches and race results. Lookups that find
// nothing return an error wrapping ErrNotFound.
type MatchStore interface {
	GetMatch(ctx context.Context, r1, r2 *Racer, week int) (*Match, error)
	GetMatchByChannel(ctx context.Context, channel string) (*Match, error)
	CreateMatch(ctx context.Context, m *Match) error
	UpdateMatch(ctx context.Context, m *Match) error

	RecordRace(ctx context.Context, m *Match, rec RaceRecord) error
	RecordMatch(ctx context.Context, m *Match, agg MatchAggregate) error
	RaceRecords(ctx context.Context, m *Match) ([]RaceRecord, error)
	LargestRecordedRaceNumber(ctx context.Context, m *Match) (int, error)
	NumberOfFinishedRaces(ctx context.Context, m *Match) (int, error)
	NumberOfWinsOfLeader(ctx context.Context, m *Match) (int, error)
	NumberOfWins(ctx context.Context, m *Match, racer int, countDraws bool) (float64, error)
	SetContested(ctx context.Context, m *Match, raceNumber int, caller *Racer) error
	ChangeWinner(ctx context.Context, m *Match, raceNumber, winner int) error
	CancelRace(ctx context.Context, m *Match, raceNumber int) error
	// FinishedRaceNumber maps the nth non-cancelled race to its race number.
	FinishedRaceNumber(ctx context.Context, m *Match, nth int) (int, error)

	GetRacerByChatID(ctx context.Context, chatID string) (*Racer, error)
	GetRacerByName(ctx context.Context, name string) (*Racer, error)
	// RegisterRacer creates or updates the racer keyed by ChatID. It fails
	// with ErrAlreadyRegistered when the stream belongs to another account.
	RegisterRacer(ctx context.Context, r *Racer) error
	RegisterTimezone(ctx context.Context, chatID, tz string) error

	RegisterChannel(ctx context.Context, m *Match, channel string) error
	ChannelOf(ctx context.Context, m *Match) (string, error)
	ChannelIDs(ctx context.Context) ([]string, error)
	UpcomingMatches(ctx context.Context, now time.Time, limit int) ([]*Match, error)
	SetCawmentator(ctx context.Context, m *Match, cawmentator string) error
}

// ScheduleSink mirrors match state to the public schedule. Callers log its
// errors and carry on.
type ScheduleSink interface {
	ScheduleMatch(ctx context.Context, m *Match) error
	UnscheduleMatch(ctx context.Context, m *Match) error
	RecordMatch(ctx context.Context, m *Match, agg MatchAggregate) error
	GetCawmentary(ctx context.Context, m *Match) (string, error)
	AddCawmentary(ctx context.Context, m *Match, cawmentator string) error
	RemoveCawmentary(ctx context.Context, m *Match) error
}

// MatchupSource lists the racer pairs of a week. Sinks backed by the
// league spreadsheet implement it.
type MatchupSource interface {
	Matchups(ctx context.Context, week int) ([][2]string, error)
}

// Messenger delivers chat output.
type Messenger interface {
	Send(ctx context.Context, channel, text string) error
	Whisper(ctx context.Context, user, text string) error
	SetTopic(ctx context.Context, channel, topic string) error
}

// ChannelJoiner is implemented by messengers that must join a channel
// before they can read it.
type ChannelJoiner interface {
	Join(channel string)
}

// EventType names a race lifecycle event.
type EventType string

const (
	EventRaceSoon  EventType = "racesoon"
	EventRaceStart EventType = "racestart"
	EventRaceEnd   EventType = "raceend"
	EventMatchEnd  EventType = "matchend"
)

// Event is published to overlay and stream tooling.
type Event struct {
	Type    EventType `json:"type"`
	Racer1  string    `json:"racer1"`
	Racer2  string    `json:"racer2"`
	Winner  string    `json:"winner,omitempty"`
	Channel string    `json:"channel,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher emits race events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// StreamChecker reports which of the given stream names are live.
type StreamChecker interface {
	LiveStreams(ctx context.Context, names []string) ([]string, error)
}

// Recorder starts and stops stream recordings by stream name.
type Recorder interface {
	StartRecord(ctx context.Context, name string) error
	EndRecord(ctx context.Context, name string) error
	EndAll(ctx context.Context) error
}

// NopSink discards schedule updates.
type NopSink struct{}

func (NopSink) ScheduleMatch(context.Context, *Match) error               { return nil }
func (NopSink) UnscheduleMatch(context.Context, *Match) error             { return nil }
func (NopSink) RecordMatch(context.Context, *Match, MatchAggregate) error { return nil }
func (NopSink) GetCawmentary(context.Context, *Match) (string, error)     { return "", nil }
func (NopSink) AddCawmentary(context.Context, *Match, string) error       { return nil }
func (NopSink) RemoveCawmentary(context.Context, *Match) error            { return nil }

// NopPublisher drops events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// NopRecorder ignores recording requests.
type NopRecorder struct{}

func (NopRecorder) StartRecord(context.Context, string) error { return nil }
func (NopRecorder) EndRecord(context.Context, string) error   { return nil }
func (NopRecorder) EndAll(context.Context) error              { return nil }
