package league

import (
	"strings"
	"time"
)

// Legacy flag bits, kept for the stored representation of a match.
const (
	FlagScheduled       uint32 = 1 << 0
	FlagScheduledByR1   uint32 = 1 << 1
	FlagScheduledByR2   uint32 = 1 << 2
	FlagConfirmedByR1   uint32 = 1 << 3
	FlagConfirmedByR2   uint32 = 1 << 4
	FlagUnconfirmedByR1 uint32 = 1 << 5
	FlagUnconfirmedByR2 uint32 = 1 << 6
	FlagPlayed          uint32 = 1 << 7
	FlagContested       uint32 = 1 << 8
	FlagBestOf          uint32 = 1 << 9
)

type matchFlags struct {
	scheduled     bool
	scheduledBy   [2]bool
	confirmedBy   [2]bool
	unconfirmedBy [2]bool
	played        bool
	contested     bool
	bestOf        bool
}

// Match pairs two racers for a week of the season.
type Match struct {
	ID            int64
	Racer1        *Racer
	Racer2        *Racer
	Week          int
	NumberOfRaces int
	League        string
	// Cawmentator is the stream handle of the registered commentator.
	Cawmentator string

	time  time.Time
	flags matchFlags
}

// NewMatch returns an unscheduled match.
func NewMatch(r1, r2 *Racer, week, numberOfRaces int, bestOf bool) *Match {
	m := &Match{Racer1: r1, Racer2: r2, Week: week, NumberOfRaces: numberOfRaces}
	m.flags.bestOf = bestOf
	return m
}

// RestoreMatch rebuilds a match from its stored columns.
func RestoreMatch(id int64, r1, r2 *Racer, week, numberOfRaces int, league string, t time.Time, bits uint32) *Match {
	m := &Match{ID: id, Racer1: r1, Racer2: r2, Week: week, NumberOfRaces: numberOfRaces, League: league}
	if !t.IsZero() {
		m.time = ToUTC(t)
	}
	m.flags = matchFlags{
		scheduled:     bits&FlagScheduled != 0,
		scheduledBy:   [2]bool{bits&FlagScheduledByR1 != 0, bits&FlagScheduledByR2 != 0},
		confirmedBy:   [2]bool{bits&FlagConfirmedByR1 != 0, bits&FlagConfirmedByR2 != 0},
		unconfirmedBy: [2]bool{bits&FlagUnconfirmedByR1 != 0, bits&FlagUnconfirmedByR2 != 0},
		played:        bits&FlagPlayed != 0,
		contested:     bits&FlagContested != 0,
		bestOf:        bits&FlagBestOf != 0,
	}
	return m
}

// Flags returns the legacy bit layout.
func (m *Match) Flags() uint32 {
	var bits uint32
	set := func(on bool, bit uint32) {
		if on {
			bits |= bit
		}
	}
	f := m.flags
	set(f.scheduled, FlagScheduled)
	set(f.scheduledBy[0], FlagScheduledByR1)
	set(f.scheduledBy[1], FlagScheduledByR2)
	set(f.confirmedBy[0], FlagConfirmedByR1)
	set(f.confirmedBy[1], FlagConfirmedByR2)
	set(f.unconfirmedBy[0], FlagUnconfirmedByR1)
	set(f.unconfirmedBy[1], FlagUnconfirmedByR2)
	set(f.played, FlagPlayed)
	set(f.contested, FlagContested)
	set(f.bestOf, FlagBestOf)
	return bits
}

// Racers returns both racers in match order.
func (m *Match) Racers() [2]*Racer { return [2]*Racer{m.Racer1, m.Racer2} }

// RacerNumber returns 1 or 2 for a racer in the match, 0 otherwise.
func (m *Match) RacerNumber(r *Racer) int {
	switch {
	case m.Racer1.Is(r):
		return 1
	case m.Racer2.Is(r):
		return 2
	}
	return 0
}

// HasRacer reports whether r plays in the match.
func (m *Match) HasRacer(r *Racer) bool { return m.RacerNumber(r) != 0 }

// Opponent returns the other racer, or nil if r is not in the match.
func (m *Match) Opponent(r *Racer) *Racer {
	switch m.RacerNumber(r) {
	case 1:
		return m.Racer2
	case 2:
		return m.Racer1
	}
	return nil
}

// Time is the scheduled UTC time, or the zero time when unset.
func (m *Match) Time() time.Time { return m.time }

func (m *Match) Scheduled() bool { return m.flags.scheduled }
func (m *Match) Played() bool    { return m.flags.played }
func (m *Match) Contested() bool { return m.flags.contested }
func (m *Match) BestOf() bool    { return m.flags.bestOf }

// Confirmed reports whether both racers confirmed the scheduled time.
func (m *Match) Confirmed() bool {
	return m.flags.confirmedBy[0] && m.flags.confirmedBy[1]
}

func (m *Match) IsConfirmedBy(r *Racer) bool {
	n := m.RacerNumber(r)
	return n != 0 && m.flags.confirmedBy[n-1]
}

func (m *Match) IsUnconfirmedBy(r *Racer) bool {
	n := m.RacerNumber(r)
	return n != 0 && m.flags.unconfirmedBy[n-1]
}

func (m *Match) IsScheduledBy(r *Racer) bool {
	n := m.RacerNumber(r)
	return n != 0 && m.flags.scheduledBy[n-1]
}

// Schedule sets the match time. A nil proposer marks an administrative
// schedule. Any prior confirmations are cleared.
func (m *Match) Schedule(t time.Time, proposer *Racer) {
	m.time = ToUTC(t)
	m.flags.scheduled = true
	m.flags.scheduledBy = [2]bool{}
	if n := m.RacerNumber(proposer); n != 0 {
		m.flags.scheduledBy[n-1] = true
	}
	m.flags.confirmedBy = [2]bool{}
	m.flags.unconfirmedBy = [2]bool{}
}

// Confirm records r's acceptance of the scheduled time.
func (m *Match) Confirm(r *Racer) {
	n := m.RacerNumber(r)
	if n == 0 {
		return
	}
	m.flags.confirmedBy[n-1] = true
	m.flags.unconfirmedBy[n-1] = false
}

// Unconfirm withdraws r's confirmation. Once both racers unconfirm, the
// schedule is reset. Played matches are never changed.
func (m *Match) Unconfirm(r *Racer) {
	n := m.RacerNumber(r)
	if n == 0 || m.flags.played {
		return
	}
	m.flags.unconfirmedBy[n-1] = true
	if !m.Confirmed() {
		m.flags.confirmedBy[n-1] = false
	}
	if m.flags.unconfirmedBy[0] && m.flags.unconfirmedBy[1] {
		m.Unschedule()
	}
}

// Unschedule clears the time and every scheduling flag.
func (m *Match) Unschedule() {
	m.time = time.Time{}
	m.flags.scheduled = false
	m.flags.scheduledBy = [2]bool{}
	m.flags.confirmedBy = [2]bool{}
	m.flags.unconfirmedBy = [2]bool{}
}

// ForceConfirm confirms on behalf of both racers.
func (m *Match) ForceConfirm() {
	m.flags.confirmedBy = [2]bool{true, true}
	m.flags.unconfirmedBy = [2]bool{}
}

func (m *Match) SetPlayed(v bool)    { m.flags.played = v }
func (m *Match) SetContested(v bool) { m.flags.contested = v }
func (m *Match) SetBestOf(v bool)    { m.flags.bestOf = v }

// TimeUntilMatch is the duration from now to the scheduled start.
func (m *Match) TimeUntilMatch(now time.Time) time.Duration {
	if m.time.IsZero() {
		return 0
	}
	return m.time.Sub(now)
}

// TimeUntilAlert is the duration until the room should open, lead before
// the start.
func (m *Match) TimeUntilAlert(now time.Time, lead time.Duration) time.Duration {
	return m.TimeUntilMatch(now) - lead
}

// ChannelName is the default channel slug for the match.
func (m *Match) ChannelName() string {
	return strings.ToLower(m.Racer1.UniqueName) + "-" + strings.ToLower(m.Racer2.UniqueName)
}

// Clone returns a copy safe to mutate independently.
func (m *Match) Clone() *Match {
	c := *m
	return &c
}
