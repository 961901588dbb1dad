package model

import (
	"fmt"
	"strconv"
	"time"
)

// Holds all external facing types and constants.

type Mode string

const (
	ModeBus   Mode = "bus"
	ModeTrain Mode = "train"
	ModeTram  Mode = "tram"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeBus, ModeTrain, ModeTram:
		return true
	}
	return false
}

type ReportType string

const (
	ReportTypeDelay                 ReportType = "delay"
	ReportTypeAccident              ReportType = "accident"
	ReportTypePress                 ReportType = "press"
	ReportTypeFailure               ReportType = "failure"
	ReportTypeDidNotArrive          ReportType = "did_not_arrive"
	ReportTypeChange                ReportType = "change"
	ReportTypeDifferentStopLocation ReportType = "diffrent_stop_location"
	ReportTypeOther                 ReportType = "other"
	ReportTypeRequestStop           ReportType = "request_stop"
)

var ReportTypes = []ReportType{
	ReportTypeDelay,
	ReportTypeAccident,
	ReportTypePress,
	ReportTypeFailure,
	ReportTypeDidNotArrive,
	ReportTypeChange,
	ReportTypeDifferentStopLocation,
	ReportTypeOther,
	ReportTypeRequestStop,
}

func (t ReportType) Valid() bool {
	for _, rt := range ReportTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// Bitmask of days of week. Bit i is set when the condition applies on
// time.Weekday(i). The zero value never restricts anything.
type Weekdays uint8

const AllWeekdays Weekdays = 0x7f

func WeekdaysOf(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<uint(d)) != 0
}

// Parses a Monday-first string of seven '0'/'1' characters, as used
// in calendar.txt style files. "1111100" is Monday through Friday.
func ParseWeekdays(s string) (Weekdays, error) {
	if s == "" {
		return 0, nil
	}
	if len(s) != 7 {
		return 0, fmt.Errorf("weekdays '%s' must have 7 characters", s)
	}
	var w Weekdays
	for i, c := range s {
		switch c {
		case '1':
			w |= WeekdaysOf(time.Weekday((i + 1) % 7))
		case '0':
		default:
			return 0, fmt.Errorf("invalid character %q in weekdays '%s'", c, s)
		}
	}
	return w, nil
}

type Stop struct {
	ID   int64
	Name string
	Lat  float64
	Lon  float64
	Type Mode
}

type Route struct {
	ID       int64
	Name     string
	Operator string
	Type     Mode
}

// Membership of a stop in a route.
type RouteStop struct {
	ID      int64
	RouteID int64
	StopID  int64
}

// Day applicability rule attached to schedule entries.
type Condition struct {
	ID          int64
	Name        string
	Description string
	Weekdays    Weekdays
}

// Identifies one run (a concrete scheduled trip) of a route.
type RunKey struct {
	RouteID int64
	Run     int
}

func (k RunKey) String() string {
	return fmt.Sprintf("%d:%d", k.RouteID, k.Run)
}

// A single scheduled call of a run at a stop. Time is given as
// "HHMMSS" and may exceed 24 hours for runs passing midnight.
type Schedule struct {
	ID           int64
	RouteID      int64
	StopID       int64
	Run          int
	Sequence     int
	Destination  string
	Time         string
	Ref          string
	ConditionIDs []int64
}

func (s *Schedule) Offset() time.Duration {
	return ParseOffset(s.Time)
}

func (s *Schedule) Key() RunKey {
	return RunKey{RouteID: s.RouteID, Run: s.Run}
}

// Parses an "HHMMSS" string into an offset from midnight. Malformed
// input yields 0.
func ParseOffset(hhmmss string) time.Duration {
	if len(hhmmss) != 6 {
		return 0
	}
	h, _ := strconv.Atoi(hhmmss[0:2])
	m, _ := strconv.Atoi(hhmmss[2:4])
	s, _ := strconv.Atoi(hhmmss[4:6])
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
}

// Formats an offset from midnight as "HHMMSS". Offsets are clamped to
// [0, 99:59:59].
func FormatOffset(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	max := 99*time.Hour + 59*time.Minute + 59*time.Second
	if d > max {
		d = max
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d%02d%02d", total/3600, (total/60)%60, total%60)
}

// Formats an offset from midnight as a wall clock "HH:MM:SS",
// wrapping past midnight.
func FormatClock(d time.Duration) string {
	total := int(d/time.Second) % 86400
	if total < 0 {
		total += 86400
	}
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

// User submitted incident. A nil Run applies to every run of the
// route.
type Report struct {
	ID          int64
	RouteID     int64
	Run         *int
	Type        ReportType
	Description string
	Lat         float64
	Lon         float64
	Image       string
	CreatedAt   time.Time
}

// Position sample reported for a running vehicle.
type Track struct {
	ID        int64
	RouteID   int64
	Run       int
	Lat       float64
	Lon       float64
	CreatedAt time.Time
}

func (t *Track) Key() RunKey {
	return RunKey{RouteID: t.RouteID, Run: t.Run}
}
