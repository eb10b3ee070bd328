// Package sheets mirrors league matches to the league's Google spreadsheet.
// Each week lives on a worksheet named "Week N" whose rows pair two racers
// by stream name; the columns under the "Scheduled:", "Cawmentary", "Winner"
// and "Score" headers are written by the bot.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/onnwee/condorbot/league"
)

const (
	headerScheduled  = "Scheduled:"
	headerCawmentary = "Cawmentary"
	headerWinner     = "Winner"
	headerScore      = "Score"
	headerRacer1     = "Racer 1"
	footerMarker     = "--------"
)

// ErrNotOnSheet is returned when a worksheet, header or match row is missing.
var ErrNotOnSheet = errors.New("not on sheet")

// Config selects the spreadsheet and how times are written to it.
type Config struct {
	SpreadsheetID string
	// CredentialsFile is a service-account JSON key. Empty means the
	// caller supplies authentication through client options.
	CredentialsFile string
	// Location is the zone scheduled times are written in. Nil means UTC.
	Location *time.Location
}

// Sheet is a league.ScheduleSink and league.MatchupSource backed by Sheets.
type Sheet struct {
	svc *gsheets.Service
	id  string
	loc *time.Location
	log *slog.Logger

	// mu serializes read-modify-write cycles on the spreadsheet.
	mu sync.Mutex
}

var (
	_ league.ScheduleSink  = (*Sheet)(nil)
	_ league.MatchupSource = (*Sheet)(nil)
)

// New connects to the spreadsheet API. Extra options are passed to the
// Sheets client after the credential option.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Sheet, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	if cfg.CredentialsFile != "" {
		raw, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read sheet credentials: %w", err)
		}
		jwt, err := google.JWTConfigFromJSON(raw, gsheets.SpreadsheetsScope)
		if err != nil {
			return nil, fmt.Errorf("parse sheet credentials: %w", err)
		}
		opts = append([]option.ClientOption{option.WithHTTPClient(jwt.Client(ctx))}, opts...)
	}
	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets client: %w", err)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Sheet{
		svc: svc,
		id:  cfg.SpreadsheetID,
		loc: loc,
		log: slog.Default().With(slog.String("component", "sheets")),
	}, nil
}

// worksheet is a snapshot of one week's cell values.
type worksheet struct {
	title string
	cells [][]string
}

func worksheetTitle(week int) string { return fmt.Sprintf("Week %d", week) }

func (s *Sheet) worksheet(ctx context.Context, week int) (*worksheet, error) {
	title := worksheetTitle(week)
	vr, err := s.svc.Spreadsheets.Values.Get(s.id, quoteTitle(title)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read worksheet %q: %w", title, err)
	}
	ws := &worksheet{title: title, cells: make([][]string, len(vr.Values))}
	for i, row := range vr.Values {
		ws.cells[i] = make([]string, len(row))
		for j, v := range row {
			ws.cells[i][j] = strings.TrimSpace(fmt.Sprint(v))
		}
	}
	return ws, nil
}

func (ws *worksheet) value(row, col int) string {
	if row < 0 || row >= len(ws.cells) || col < 0 || col >= len(ws.cells[row]) {
		return ""
	}
	return ws.cells[row][col]
}

// find returns the first cell equal to text, ignoring case.
func (ws *worksheet) find(text string) (row, col int, ok bool) {
	for i, cells := range ws.cells {
		for j, v := range cells {
			if strings.EqualFold(v, text) {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

func (ws *worksheet) column(header string) (int, error) {
	_, col, ok := ws.find(header)
	if !ok {
		return 0, fmt.Errorf("column %q on %s: %w", header, ws.title, ErrNotOnSheet)
	}
	return col, nil
}

// matchRow returns the row holding both racers' stream names.
func (ws *worksheet) matchRow(m *league.Match) (int, error) {
	for i, cells := range ws.cells {
		var has1, has2 bool
		for _, v := range cells {
			has1 = has1 || strings.EqualFold(v, m.Racer1.UniqueName)
			has2 = has2 || strings.EqualFold(v, m.Racer2.UniqueName)
		}
		if has1 && has2 {
			return i, nil
		}
	}
	return 0, fmt.Errorf("match %s-%s on %s: %w", m.Racer1.UniqueName, m.Racer2.UniqueName, ws.title, ErrNotOnSheet)
}

// locate loads the match's worksheet and resolves the cell under header.
func (s *Sheet) locate(ctx context.Context, m *league.Match, header string) (*worksheet, int, int, error) {
	ws, err := s.worksheet(ctx, m.Week)
	if err != nil {
		return nil, 0, 0, err
	}
	row, err := ws.matchRow(m)
	if err != nil {
		return nil, 0, 0, err
	}
	col, err := ws.column(header)
	if err != nil {
		return nil, 0, 0, err
	}
	return ws, row, col, nil
}

func (s *Sheet) write(ctx context.Context, title string, row, col int, values ...any) error {
	rng := fmt.Sprintf("%s!%s", quoteTitle(title), cellName(row, col))
	vr := &gsheets.ValueRange{Values: [][]any{values}}
	_, err := s.svc.Spreadsheets.Values.Update(s.id, rng, vr).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("write %s: %w", rng, err)
	}
	return nil
}

// TimeString renders a match time the way the schedule column shows it,
// e.g. "Saturday, Mar 09 @ 05:00PM EST".
func (s *Sheet) TimeString(t time.Time) string {
	lt := t.In(s.loc)
	return lt.Weekday().String() + ", " + lt.Format("Jan 02 @ 03:04PM MST")
}

func (s *Sheet) ScheduleMatch(ctx context.Context, m *league.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, row, col, err := s.locate(ctx, m, headerScheduled)
	if err != nil {
		return err
	}
	if err := s.write(ctx, ws.title, row, col, s.TimeString(m.Time())); err != nil {
		return err
	}
	s.log.Debug("match scheduled", slog.String("racer1", m.Racer1.UniqueName), slog.String("racer2", m.Racer2.UniqueName), slog.Int("week", m.Week))
	return nil
}

func (s *Sheet) UnscheduleMatch(ctx context.Context, m *league.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, row, col, err := s.locate(ctx, m, headerScheduled)
	if err != nil {
		return err
	}
	return s.write(ctx, ws.title, row, col, "")
}

// RecordMatch writes the leader's stream name and the score. A level
// match is written as a draw.
func (s *Sheet) RecordMatch(ctx context.Context, m *league.Match, agg league.MatchAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, row, winnerCol, err := s.locate(ctx, m, headerWinner)
	if err != nil {
		return err
	}
	scoreCol, err := ws.column(headerScore)
	if err != nil {
		return err
	}
	winner := "Draw"
	switch agg.Leader() {
	case 1:
		winner = m.Racer1.UniqueName
	case 2:
		winner = m.Racer2.UniqueName
	}
	if err := s.write(ctx, ws.title, row, winnerCol, winner); err != nil {
		return err
	}
	return s.write(ctx, ws.title, row, scoreCol, scoreString(agg))
}

func scoreString(agg league.MatchAggregate) string {
	hi, lo := agg.Score(1), agg.Score(2)
	if lo > hi {
		hi, lo = lo, hi
	}
	return fmt.Sprintf("%g-%g", hi, lo)
}

func (s *Sheet) GetCawmentary(ctx context.Context, m *league.Match) (string, error) {
	ws, row, col, err := s.locate(ctx, m, headerCawmentary)
	if err != nil {
		return "", err
	}
	return ws.value(row, col), nil
}

// AddCawmentary fills an empty cawmentary cell. An occupied cell is left
// alone and reported as league.ErrInvalidState.
func (s *Sheet) AddCawmentary(ctx context.Context, m *league.Match, cawmentator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, row, col, err := s.locate(ctx, m, headerCawmentary)
	if err != nil {
		return err
	}
	if existing := ws.value(row, col); existing != "" {
		return fmt.Errorf("cawmentary already set to %s: %w", existing, league.ErrInvalidState)
	}
	return s.write(ctx, ws.title, row, col, "twitch.tv/"+cawmentator)
}

func (s *Sheet) RemoveCawmentary(ctx context.Context, m *league.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, row, col, err := s.locate(ctx, m, headerCawmentary)
	if err != nil {
		return err
	}
	return s.write(ctx, ws.title, row, col, "")
}

// Matchups reads the racer pairs listed under the "Racer 1" header down to
// the dashed footer row. Blank rows are skipped.
func (s *Sheet) Matchups(ctx context.Context, week int) ([][2]string, error) {
	ws, err := s.worksheet(ctx, week)
	if err != nil {
		return nil, err
	}
	head, col, ok := ws.find(headerRacer1)
	if !ok {
		return nil, fmt.Errorf("column %q on %s: %w", headerRacer1, ws.title, ErrNotOnSheet)
	}
	var pairs [][2]string
	for row := head + 1; row < len(ws.cells); row++ {
		r1, r2 := ws.value(row, col), ws.value(row, col+1)
		if strings.HasPrefix(r1, footerMarker) {
			break
		}
		if r1 == "" || r2 == "" {
			continue
		}
		pairs = append(pairs, [2]string{r1, r2})
	}
	return pairs, nil
}

func quoteTitle(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

// cellName converts zero-based row and column indexes to A1 notation.
func cellName(row, col int) string {
	var letters []byte
	for n := col + 1; n > 0; n = (n - 1) / 26 {
		letters = append([]byte{byte('A' + (n-1)%26)}, letters...)
	}
	return fmt.Sprintf("%s%d", letters, row+1)
}
