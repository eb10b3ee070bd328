package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/condorbot/league"
	"github.com/onnwee/condorbot/telemetry"
)

const tracerName = "condor-db"

// Store is the Postgres league.MatchStore.
type Store struct{ DB *sql.DB }

// NewStore wraps an open connection. Run migrations before use.
func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

var _ league.MatchStore = (*Store)(nil)

func notFound(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, league.ErrNotFound)...)
}

// traced runs fn inside a span named after the store operation.
func traced(ctx context.Context, op string, m *league.Match, fn func(ctx context.Context) error) error {
	attrs := []attribute.KeyValue{attribute.String("db.operation", op)}
	if m != nil {
		attrs = append(attrs, attribute.Int64("match.id", m.ID))
		if m.Racer1 != nil && m.Racer2 != nil {
			attrs = append(attrs, telemetry.MatchAttrs(m.Racer1.UniqueName, m.Racer2.UniqueName, m.Week)...)
		}
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, op, attrs...)
	err := fn(ctx)
	telemetry.EndSpan(span, err)
	return err
}

const racerCols = `id, chat_id, display_name, unique_name, timezone`

func scanRacer(row interface{ Scan(...any) error }) (*league.Racer, error) {
	r := &league.Racer{}
	if err := row.Scan(&r.ID, &r.ChatID, &r.DisplayName, &r.UniqueName, &r.Timezone); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) GetRacerByChatID(ctx context.Context, chatID string) (*league.Racer, error) {
	r, err := scanRacer(s.DB.QueryRowContext(ctx, `SELECT `+racerCols+` FROM racers WHERE LOWER(chat_id)=LOWER($1)`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("racer with chat id %s", chatID)
	}
	return r, err
}

func (s *Store) GetRacerByName(ctx context.Context, name string) (*league.Racer, error) {
	r, err := scanRacer(s.DB.QueryRowContext(ctx, `SELECT `+racerCols+` FROM racers WHERE LOWER(unique_name)=LOWER($1)`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("racer %s", name)
	}
	return r, err
}

func (s *Store) RegisterRacer(ctx context.Context, r *league.Racer) error {
	return traced(ctx, "RegisterRacer", nil, func(ctx context.Context) error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // no-op after commit

		var owner string
		err = tx.QueryRowContext(ctx, `SELECT chat_id FROM racers WHERE LOWER(unique_name)=LOWER($1)`, r.UniqueName).Scan(&owner)
		switch {
		case err == nil && !strings.EqualFold(owner, r.ChatID):
			return fmt.Errorf("stream %s: %w", r.UniqueName, league.ErrAlreadyRegistered)
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO racers(chat_id, display_name, unique_name, updated_at) VALUES($1,$2,$3,NOW())
			 ON CONFLICT(chat_id) DO UPDATE SET display_name=EXCLUDED.display_name, unique_name=EXCLUDED.unique_name, updated_at=NOW()
			 RETURNING id, timezone`,
			strings.ToLower(r.ChatID), r.DisplayName, r.UniqueName).Scan(&r.ID, &r.Timezone)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) RegisterTimezone(ctx context.Context, chatID, tz string) error {
	return traced(ctx, "RegisterTimezone", nil, func(ctx context.Context) error {
		res, err := s.DB.ExecContext(ctx, `UPDATE racers SET timezone=$2, updated_at=NOW() WHERE LOWER(chat_id)=LOWER($1)`, chatID, tz)
		if err != nil {
			return err
		}
		return expectRow(res, "racer with chat id %s", chatID)
	})
}

func expectRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(format, args...)
	}
	return nil
}

const matchSelect = `SELECT m.id, m.week, m.number_of_races, m.league, m.scheduled_at, m.flags, m.cawmentator,
	r1.id, r1.chat_id, r1.display_name, r1.unique_name, r1.timezone,
	r2.id, r2.chat_id, r2.display_name, r2.unique_name, r2.timezone
	FROM matches m
	JOIN racers r1 ON r1.id = m.racer1_id
	JOIN racers r2 ON r2.id = m.racer2_id`

func scanMatch(row interface{ Scan(...any) error }) (*league.Match, error) {
	var (
		id              int64
		week, races     int
		leagueName, caw string
		at              sql.NullTime
		flags           int64
		r1, r2          league.Racer
	)
	err := row.Scan(&id, &week, &races, &leagueName, &at, &flags, &caw,
		&r1.ID, &r1.ChatID, &r1.DisplayName, &r1.UniqueName, &r1.Timezone,
		&r2.ID, &r2.ChatID, &r2.DisplayName, &r2.UniqueName, &r2.Timezone)
	if err != nil {
		return nil, err
	}
	var t time.Time
	if at.Valid {
		t = at.Time
	}
	m := league.RestoreMatch(id, &r1, &r2, week, races, leagueName, t, uint32(flags))
	m.Cawmentator = caw
	return m, nil
}

// GetMatch finds the match between two racers in either order. Week 0
// selects the most recent week.
func (s *Store) GetMatch(ctx context.Context, r1, r2 *league.Racer, week int) (*league.Match, error) {
	m, err := scanMatch(s.DB.QueryRowContext(ctx, matchSelect+`
		WHERE ((m.racer1_id=$1 AND m.racer2_id=$2) OR (m.racer1_id=$2 AND m.racer2_id=$1))
		  AND ($3 = 0 OR m.week = $3)
		ORDER BY m.week DESC LIMIT 1`, r1.ID, r2.ID, week))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("match %s-%s week %d", r1.UniqueName, r2.UniqueName, week)
	}
	return m, err
}

func (s *Store) GetMatchByChannel(ctx context.Context, channel string) (*league.Match, error) {
	m, err := scanMatch(s.DB.QueryRowContext(ctx, matchSelect+`
		JOIN match_channels c ON c.match_id = m.id WHERE c.channel=$1`, strings.ToLower(channel)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("match for channel %s", channel)
	}
	return m, err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *Store) CreateMatch(ctx context.Context, m *league.Match) error {
	return traced(ctx, "CreateMatch", m, func(ctx context.Context) error {
		return s.DB.QueryRowContext(ctx,
			`INSERT INTO matches(racer1_id, racer2_id, week, number_of_races, league, scheduled_at, flags, cawmentator, updated_at)
			 VALUES($1,$2,$3,$4,$5,$6,$7,$8,NOW()) RETURNING id`,
			m.Racer1.ID, m.Racer2.ID, m.Week, m.NumberOfRaces, m.League, nullTime(m.Time()), int64(m.Flags()), m.Cawmentator).Scan(&m.ID)
	})
}

func (s *Store) UpdateMatch(ctx context.Context, m *league.Match) error {
	return traced(ctx, "UpdateMatch", m, func(ctx context.Context) error {
		res, err := s.DB.ExecContext(ctx,
			`UPDATE matches SET number_of_races=$2, league=$3, scheduled_at=$4, flags=$5, cawmentator=$6, updated_at=NOW() WHERE id=$1`,
			m.ID, m.NumberOfRaces, m.League, nullTime(m.Time()), int64(m.Flags()), m.Cawmentator)
		if err != nil {
			return err
		}
		return expectRow(res, "match %d", m.ID)
	})
}

func (s *Store) SetCawmentator(ctx context.Context, m *league.Match, cawmentator string) error {
	return traced(ctx, "SetCawmentator", m, func(ctx context.Context) error {
		res, err := s.DB.ExecContext(ctx, `UPDATE matches SET cawmentator=$2, updated_at=NOW() WHERE id=$1`, m.ID, cawmentator)
		if err != nil {
			return err
		}
		m.Cawmentator = cawmentator
		return expectRow(res, "match %d", m.ID)
	})
}

// RecordRace stores rec under the next race number of the match.
func (s *Store) RecordRace(ctx context.Context, m *league.Match, rec league.RaceRecord) error {
	return traced(ctx, "RecordRace", m, func(ctx context.Context) error {
		_, err := s.DB.ExecContext(ctx,
			`INSERT INTO races(match_id, race_number, recorded_at, seed, racer1_time, racer2_time, winner,
			                   cancelled, force_recorded, contested, contested_by)
			 SELECT $1, COALESCE(MAX(race_number), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9, $10
			 FROM races WHERE match_id=$1`,
			m.ID, nullTime(rec.Timestamp), rec.Seed, rec.Racer1Time, rec.Racer2Time, rec.Winner,
			rec.Cancelled, rec.ForceRecorded, rec.Contested, rec.ContestedBy)
		return err
	})
}

func (s *Store) RecordMatch(ctx context.Context, m *league.Match, agg league.MatchAggregate) error {
	return traced(ctx, "RecordMatch", m, func(ctx context.Context) error {
		res, err := s.DB.ExecContext(ctx,
			`UPDATE matches SET flags=$2, racer1_wins=$3, racer2_wins=$4, draws=$5, noplays=$6, updated_at=NOW() WHERE id=$1`,
			m.ID, int64(m.Flags()), agg.Racer1Wins, agg.Racer2Wins, agg.Draws, agg.NoPlays)
		if err != nil {
			return err
		}
		return expectRow(res, "match %d", m.ID)
	})
}

func (s *Store) RaceRecords(ctx context.Context, m *league.Match) ([]league.RaceRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT race_number, recorded_at, seed, racer1_time, racer2_time, winner, cancelled, force_recorded, contested, contested_by
		 FROM races WHERE match_id=$1 ORDER BY race_number`, m.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []league.RaceRecord
	for rows.Next() {
		var rec league.RaceRecord
		var at sql.NullTime
		if err := rows.Scan(&rec.Number, &at, &rec.Seed, &rec.Racer1Time, &rec.Racer2Time, &rec.Winner,
			&rec.Cancelled, &rec.ForceRecorded, &rec.Contested, &rec.ContestedBy); err != nil {
			return nil, err
		}
		if at.Valid {
			rec.Timestamp = at.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) queryInt(ctx context.Context, q string, args ...any) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

// LargestRecordedRaceNumber is the highest non-cancelled race number, or 0.
func (s *Store) LargestRecordedRaceNumber(ctx context.Context, m *league.Match) (int, error) {
	return s.queryInt(ctx, `SELECT COALESCE(MAX(race_number), 0) FROM races WHERE match_id=$1 AND NOT cancelled`, m.ID)
}

func (s *Store) NumberOfFinishedRaces(ctx context.Context, m *league.Match) (int, error) {
	return s.queryInt(ctx, `SELECT COUNT(*) FROM races WHERE match_id=$1 AND NOT cancelled`, m.ID)
}

func (s *Store) NumberOfWinsOfLeader(ctx context.Context, m *league.Match) (int, error) {
	return s.queryInt(ctx,
		`SELECT GREATEST(COUNT(*) FILTER (WHERE winner=1), COUNT(*) FILTER (WHERE winner=2))
		 FROM races WHERE match_id=$1 AND NOT cancelled`, m.ID)
}

// NumberOfWins counts racer's wins; draws count half when countDraws is set.
func (s *Store) NumberOfWins(ctx context.Context, m *league.Match, racer int, countDraws bool) (float64, error) {
	var wins, draws int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FILTER (WHERE winner=$2), COUNT(*) FILTER (WHERE winner=0)
		 FROM races WHERE match_id=$1 AND NOT cancelled`, m.ID, racer).Scan(&wins, &draws)
	if err != nil {
		return 0, err
	}
	if countDraws {
		return float64(wins) + float64(draws)/2, nil
	}
	return float64(wins), nil
}

func (s *Store) SetContested(ctx context.Context, m *league.Match, raceNumber int, caller *league.Racer) error {
	return traced(ctx, "SetContested", m, func(ctx context.Context) error {
		res, err := s.DB.ExecContext(ctx,
			`UPDATE races SET contested=TRUE, contested_by=$3 WHERE match_id=$1 AND race_number=$2`,
			m.ID, raceNumber, caller.UniqueName)
		if err != nil {
			return err
		}
		return expectRow(res, "race %d of match %d", raceNumber, m.ID)
	})
}

func (s *Store) ChangeWinner(ctx context.Context, m *league.Match, raceNumber, winner int) error {
	return traced(ctx, "ChangeWinner", m, func(ctx context.Context) error {
		res, err := s.DB.ExecContext(ctx,
			`UPDATE races SET winner=$3 WHERE match_id=$1 AND race_number=$2 AND NOT cancelled`, m.ID, raceNumber, winner)
		if err != nil {
			return err
		}
		return expectRow(res, "race %d of match %d", raceNumber, m.ID)
	})
}

func (s *Store) CancelRace(ctx context.Context, m *league.Match, raceNumber int) error {
	return traced(ctx, "CancelRace", m, func(ctx context.Context) error {
		res, err := s.DB.ExecContext(ctx,
			`UPDATE races SET cancelled=TRUE WHERE match_id=$1 AND race_number=$2`, m.ID, raceNumber)
		if err != nil {
			return err
		}
		return expectRow(res, "race %d of match %d", raceNumber, m.ID)
	})
}

func (s *Store) FinishedRaceNumber(ctx context.Context, m *league.Match, nth int) (int, error) {
	if nth < 1 {
		return 0, notFound("finished race %d", nth)
	}
	n, err := s.queryInt(ctx,
		`SELECT race_number FROM races WHERE match_id=$1 AND NOT cancelled ORDER BY race_number OFFSET $2 LIMIT 1`, m.ID, nth-1)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound("finished race %d", nth)
	}
	return n, err
}

// RegisterChannel binds channel to the match, replacing any earlier binding
// of either.
func (s *Store) RegisterChannel(ctx context.Context, m *league.Match, channel string) error {
	return traced(ctx, "RegisterChannel", m, func(ctx context.Context) error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // no-op after commit
		if _, err := tx.ExecContext(ctx, `DELETE FROM match_channels WHERE match_id=$1 OR channel=$2`, m.ID, strings.ToLower(channel)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO match_channels(channel, match_id) VALUES($1,$2)`, strings.ToLower(channel), m.ID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) ChannelOf(ctx context.Context, m *league.Match) (string, error) {
	var ch string
	err := s.DB.QueryRowContext(ctx, `SELECT channel FROM match_channels WHERE match_id=$1`, m.ID).Scan(&ch)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound("channel for match %d", m.ID)
	}
	return ch, err
}

func (s *Store) ChannelIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT channel FROM match_channels ORDER BY channel`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// UpcomingMatches lists confirmed, unplayed matches starting at or after now.
func (s *Store) UpcomingMatches(ctx context.Context, now time.Time, limit int) ([]*league.Match, error) {
	confirmed := int64(league.FlagConfirmedByR1 | league.FlagConfirmedByR2)
	rows, err := s.DB.QueryContext(ctx, matchSelect+`
		WHERE m.scheduled_at >= $1 AND (m.flags & $2) = $2 AND (m.flags & $3) = 0
		ORDER BY m.scheduled_at LIMIT $4`,
		now.UTC(), confirmed, int64(league.FlagPlayed), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*league.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
