package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/condorbot/league"
)

// MemoryStore is a league.MatchStore held in process memory. It backs
// STORE_BACKEND=memory and the package tests.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	racers   map[int64]*league.Racer
	matches  map[int64]*league.Match
	races    map[int64][]league.RaceRecord
	channels map[string]int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		racers:   make(map[int64]*league.Racer),
		matches:  make(map[int64]*league.Match),
		races:    make(map[int64][]league.RaceRecord),
		channels: make(map[string]int64),
	}
}

var _ league.MatchStore = (*MemoryStore)(nil)

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func copyRacer(r *league.Racer) *league.Racer {
	c := *r
	return &c
}

// matchLocked returns a detached copy with fresh racer data.
func (s *MemoryStore) matchLocked(m *league.Match) *league.Match {
	c := m.Clone()
	if r, ok := s.racers[m.Racer1.ID]; ok {
		c.Racer1 = copyRacer(r)
	}
	if r, ok := s.racers[m.Racer2.ID]; ok {
		c.Racer2 = copyRacer(r)
	}
	return c
}

func (s *MemoryStore) GetRacerByChatID(_ context.Context, chatID string) (*league.Racer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.racers {
		if strings.EqualFold(r.ChatID, chatID) {
			return copyRacer(r), nil
		}
	}
	return nil, notFound("racer with chat id %s", chatID)
}

func (s *MemoryStore) GetRacerByName(_ context.Context, name string) (*league.Racer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.racerByNameLocked(name); r != nil {
		return copyRacer(r), nil
	}
	return nil, notFound("racer %s", name)
}

func (s *MemoryStore) racerByNameLocked(name string) *league.Racer {
	for _, r := range s.racers {
		if strings.EqualFold(r.UniqueName, name) {
			return r
		}
	}
	return nil
}

func (s *MemoryStore) RegisterRacer(_ context.Context, r *league.Racer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner := s.racerByNameLocked(r.UniqueName); owner != nil && !strings.EqualFold(owner.ChatID, r.ChatID) {
		return fmt.Errorf("stream %s: %w", r.UniqueName, league.ErrAlreadyRegistered)
	}
	for _, existing := range s.racers {
		if strings.EqualFold(existing.ChatID, r.ChatID) {
			existing.DisplayName = r.DisplayName
			existing.UniqueName = r.UniqueName
			r.ID, r.Timezone = existing.ID, existing.Timezone
			return nil
		}
	}
	stored := copyRacer(r)
	stored.ChatID = strings.ToLower(r.ChatID)
	stored.ID = s.id()
	s.racers[stored.ID] = stored
	r.ID = stored.ID
	return nil
}

func (s *MemoryStore) RegisterTimezone(_ context.Context, chatID, tz string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.racers {
		if strings.EqualFold(r.ChatID, chatID) {
			r.Timezone = tz
			return nil
		}
	}
	return notFound("racer with chat id %s", chatID)
}

func samePair(m *league.Match, r1, r2 *league.Racer) bool {
	a, b := m.Racer1.ID, m.Racer2.ID
	return (a == r1.ID && b == r2.ID) || (a == r2.ID && b == r1.ID)
}

func (s *MemoryStore) GetMatch(_ context.Context, r1, r2 *league.Racer, week int) (*league.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *league.Match
	for _, m := range s.matches {
		if !samePair(m, r1, r2) || (week != 0 && m.Week != week) {
			continue
		}
		if best == nil || m.Week > best.Week {
			best = m
		}
	}
	if best == nil {
		return nil, notFound("match %s-%s week %d", r1.UniqueName, r2.UniqueName, week)
	}
	return s.matchLocked(best), nil
}

func (s *MemoryStore) GetMatchByChannel(_ context.Context, channel string) (*league.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.channels[strings.ToLower(channel)]
	if !ok {
		return nil, notFound("match for channel %s", channel)
	}
	return s.matchLocked(s.matches[id]), nil
}

func (s *MemoryStore) CreateMatch(_ context.Context, m *league.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.matches {
		if other.Racer1.ID == m.Racer1.ID && other.Racer2.ID == m.Racer2.ID && other.Week == m.Week {
			return fmt.Errorf("match %s-%s week %d already exists", m.Racer1.UniqueName, m.Racer2.UniqueName, m.Week)
		}
	}
	m.ID = s.id()
	s.matches[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) UpdateMatch(_ context.Context, m *league.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[m.ID]; !ok {
		return notFound("match %d", m.ID)
	}
	s.matches[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) SetCawmentator(_ context.Context, m *league.Match, cawmentator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.matches[m.ID]
	if !ok {
		return notFound("match %d", m.ID)
	}
	stored.Cawmentator = cawmentator
	m.Cawmentator = cawmentator
	return nil
}

func (s *MemoryStore) RecordRace(_ context.Context, m *league.Match, rec league.RaceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[m.ID]; !ok {
		return notFound("match %d", m.ID)
	}
	rec.Number = len(s.races[m.ID]) + 1
	s.races[m.ID] = append(s.races[m.ID], rec)
	return nil
}

func (s *MemoryStore) RecordMatch(_ context.Context, m *league.Match, _ league.MatchAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.matches[m.ID]
	if !ok {
		return notFound("match %d", m.ID)
	}
	stored.SetPlayed(m.Played())
	stored.SetContested(m.Contested())
	return nil
}

func (s *MemoryStore) RaceRecords(_ context.Context, m *league.Match) ([]league.RaceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]league.RaceRecord(nil), s.races[m.ID]...), nil
}

// finishedLocked returns the non-cancelled races in race order.
func (s *MemoryStore) finishedLocked(matchID int64) []league.RaceRecord {
	var out []league.RaceRecord
	for _, rec := range s.races[matchID] {
		if !rec.Cancelled {
			out = append(out, rec)
		}
	}
	return out
}

func (s *MemoryStore) LargestRecordedRaceNumber(_ context.Context, m *league.Match) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fin := s.finishedLocked(m.ID)
	if len(fin) == 0 {
		return 0, nil
	}
	return fin[len(fin)-1].Number, nil
}

func (s *MemoryStore) NumberOfFinishedRaces(_ context.Context, m *league.Match) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finishedLocked(m.ID)), nil
}

func (s *MemoryStore) NumberOfWinsOfLeader(_ context.Context, m *league.Match) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var w [3]int
	for _, rec := range s.finishedLocked(m.ID) {
		w[rec.Winner]++
	}
	return max(w[1], w[2]), nil
}

func (s *MemoryStore) NumberOfWins(_ context.Context, m *league.Match, racer int, countDraws bool) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wins float64
	for _, rec := range s.finishedLocked(m.ID) {
		switch {
		case rec.Winner == racer:
			wins++
		case rec.Winner == 0 && countDraws:
			wins += 0.5
		}
	}
	return wins, nil
}

func (s *MemoryStore) raceLocked(m *league.Match, number int) *league.RaceRecord {
	recs := s.races[m.ID]
	for i := range recs {
		if recs[i].Number == number {
			return &recs[i]
		}
	}
	return nil
}

func (s *MemoryStore) SetContested(_ context.Context, m *league.Match, raceNumber int, caller *league.Racer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.raceLocked(m, raceNumber)
	if rec == nil {
		return notFound("race %d of match %d", raceNumber, m.ID)
	}
	rec.Contested, rec.ContestedBy = true, caller.UniqueName
	return nil
}

func (s *MemoryStore) ChangeWinner(_ context.Context, m *league.Match, raceNumber, winner int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.raceLocked(m, raceNumber)
	if rec == nil || rec.Cancelled {
		return notFound("race %d of match %d", raceNumber, m.ID)
	}
	rec.Winner = winner
	return nil
}

func (s *MemoryStore) CancelRace(_ context.Context, m *league.Match, raceNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.raceLocked(m, raceNumber)
	if rec == nil {
		return notFound("race %d of match %d", raceNumber, m.ID)
	}
	rec.Cancelled = true
	return nil
}

func (s *MemoryStore) FinishedRaceNumber(_ context.Context, m *league.Match, nth int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fin := s.finishedLocked(m.ID)
	if nth < 1 || nth > len(fin) {
		return 0, notFound("finished race %d", nth)
	}
	return fin[nth-1].Number, nil
}

func (s *MemoryStore) RegisterChannel(_ context.Context, m *league.Match, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[m.ID]; !ok {
		return notFound("match %d", m.ID)
	}
	for ch, id := range s.channels {
		if id == m.ID {
			delete(s.channels, ch)
		}
	}
	s.channels[strings.ToLower(channel)] = m.ID
	return nil
}

func (s *MemoryStore) ChannelOf(_ context.Context, m *league.Match) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch, id := range s.channels {
		if id == m.ID {
			return ch, nil
		}
	}
	return "", notFound("channel for match %d", m.ID)
}

func (s *MemoryStore) ChannelIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) UpcomingMatches(_ context.Context, now time.Time, limit int) ([]*league.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*league.Match
	for _, m := range s.matches {
		if m.Confirmed() && !m.Played() && !m.Time().Before(now) {
			out = append(out, s.matchLocked(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time().Before(out[j].Time()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
