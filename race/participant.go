package race

// ParticipantState is a racer's position inside a single race.
type ParticipantState int

const (
	Unready ParticipantState = iota
	Ready
	Running
	Finished
	Forfeit
)

// Participant is a snapshot of one entrant. Race hands out copies; the live
// record is only mutated under the race lock.
type Participant struct {
	ID    string
	Name  string
	State ParticipantState
	// Time is the elapsed time in hundredths, set on finish or forfeit.
	Time int
}

// Done reports a terminal per-participant state.
func (p Participant) Done() bool { return p.State == Finished || p.State == Forfeit }

func (p Participant) StatusString() string {
	switch p.State {
	case Unready:
		return "Not ready."
	case Ready:
		return "Ready!"
	case Running:
		return "Racing"
	case Finished:
		return "Finished (" + FormatTime(p.Time) + ")"
	case Forfeit:
		return "Forfeit!"
	}
	return ""
}
