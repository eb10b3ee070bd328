package league

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // registered zones must resolve in minimal containers
)

// Racer is a registered league participant.
type Racer struct {
	ID int64
	// ChatID is the chat account login that issues commands.
	ChatID      string
	DisplayName string
	// UniqueName is the stream handle; it identifies the racer across the
	// league and on the spreadsheet.
	UniqueName string
	// Timezone is an IANA zone name, or "" when unregistered.
	Timezone string
}

// Is compares racers by case-insensitive unique name.
func (r *Racer) Is(o *Racer) bool {
	if r == nil || o == nil {
		return false
	}
	return strings.EqualFold(r.UniqueName, o.UniqueName)
}

// Name is the display name, falling back to the stream handle.
func (r *Racer) Name() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.UniqueName
}

// Location resolves the registered timezone.
func (r *Racer) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return nil, fmt.Errorf("racer %s: %w", r.UniqueName, ErrMissingTimezone)
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("racer %s: timezone %q: %w", r.UniqueName, r.Timezone, ErrMissingTimezone)
	}
	return loc, nil
}

// ValidTimezone reports whether name is a loadable IANA zone. "Local" is
// rejected since it depends on the host.
func ValidTimezone(name string) bool {
	if name == "" || name == "Local" {
		return false
	}
	_, err := time.LoadLocation(name)
	return err == nil
}
