package league

import "time"

// RaceRecord is one stored race of a match.
type RaceRecord struct {
	Number int
	// Times are in hundredths of a second; -1 means no time.
	Racer1Time    int
	Racer2Time    int
	Winner        int
	Seed          int
	Timestamp     time.Time
	Cancelled     bool
	ForceRecorded bool
	Contested     bool
	ContestedBy   string
}

// MatchAggregate summarizes the races of a match.
type MatchAggregate struct {
	Racer1Wins int
	Racer2Wins int
	Draws      int
	NoPlays    int
	Contested  bool
}

// Aggregate tallies the non-cancelled records of m. NoPlays counts the races
// of the match that were never played.
func Aggregate(m *Match, records []RaceRecord) MatchAggregate {
	var agg MatchAggregate
	played := 0
	for _, rec := range records {
		if rec.Contested {
			agg.Contested = true
		}
		if rec.Cancelled {
			continue
		}
		played++
		switch rec.Winner {
		case 1:
			agg.Racer1Wins++
		case 2:
			agg.Racer2Wins++
		default:
			agg.Draws++
		}
	}
	agg.NoPlays = max(m.NumberOfRaces-played, 0)
	return agg
}

// Score returns the wins of racer 1 or 2 with each draw worth half a win.
func (a MatchAggregate) Score(racer int) float64 {
	wins := a.Racer1Wins
	if racer == 2 {
		wins = a.Racer2Wins
	}
	return float64(wins) + float64(a.Draws)/2
}

// Leader returns 1 or 2 for the racer ahead on wins, 0 when level.
func (a MatchAggregate) Leader() int {
	switch {
	case a.Racer1Wins > a.Racer2Wins:
		return 1
	case a.Racer2Wins > a.Racer1Wins:
		return 2
	}
	return 0
}
