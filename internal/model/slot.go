package model

import (
	"fmt"
	"strings"
	"time"
)

const (
	dateLayout      = "2006-01-02"
	timeLayout      = "15:04:05"
	shortTimeLayout = "15:04"
)

// Slot identifies one sellable occurrence of an event: the event, the
// calendar date and the start time.  It is the partition key for every
// capacity counter, reservation and ticket.
//
// Fields:
//  EventID   - events.id
//  Date      - calendar date in YYYY-MM-DD form
//  StartTime - wall-clock start in HH:MM:SS form
type Slot struct {
	EventID   int64  `json:"eventId"`
	Date      string `json:"date"`
	StartTime string `json:"startTime"`
}

// ParseSlot validates and normalizes the three components of a slot.  The
// start time may be given as HH:MM or HH:MM:SS; it is always stored with
// seconds so that keys built from equal slots compare equal.
func ParseSlot(eventID int64, date, startTime string) (Slot, error) {
	if eventID <= 0 {
		return Slot{}, fmt.Errorf("%w: event id must be positive", ErrInvalidRequest)
	}
	d, err := time.Parse(dateLayout, strings.TrimSpace(date))
	if err != nil {
		return Slot{}, fmt.Errorf("%w: invalid date %q", ErrInvalidRequest, date)
	}
	st, err := parseStartTime(strings.TrimSpace(startTime))
	if err != nil {
		return Slot{}, fmt.Errorf("%w: invalid start time %q", ErrInvalidRequest, startTime)
	}
	return Slot{
		EventID:   eventID,
		Date:      d.Format(dateLayout),
		StartTime: st.Format(timeLayout),
	}, nil
}

func parseStartTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(shortTimeLayout, s)
}

// Key returns the canonical "<event>:<date>:<time>" form used for cache
// keys and selector counters.
func (s Slot) Key() string {
	return fmt.Sprintf("%d:%s:%s", s.EventID, s.Date, s.StartTime)
}

// String implements fmt.Stringer.
func (s Slot) String() string { return s.Key() }

// SlotFromColumns builds a Slot from values scanned out of MySQL.  With
// parseTime=true the DATE column arrives as a time.Time while TIME columns
// arrive as text.
func SlotFromColumns(eventID int64, date time.Time, startTime string) (Slot, error) {
	st, err := parseStartTime(strings.TrimSpace(startTime))
	if err != nil {
		return Slot{}, fmt.Errorf("scan start time %q: %w", startTime, err)
	}
	return Slot{
		EventID:   eventID,
		Date:      date.UTC().Format(dateLayout),
		StartTime: st.Format(timeLayout),
	}, nil
}
