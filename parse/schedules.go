package parse

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

type ScheduleCSV struct {
	ID          int64  `csv:"schedule_id"`
	RouteID     int64  `csv:"route_id"`
	StopID      int64  `csv:"stop_id"`
	Run         int    `csv:"run"`
	Sequence    int    `csv:"sequence"`
	Destination string `csv:"destination"`
	Time        string `csv:"time"`

	// Semicolon separated condition_ids
	Conditions string `csv:"conditions"`

	// Optional external trip reference, used to match realtime
	// vehicle positions.
	Ref string `csv:"ref"`
}

// Parses "HH:MM" or "HH:MM:SS" into "HHMMSS". Hours may exceed 23 for
// runs passing midnight.
func parseScheduleTime(s string) (string, error) {
	split := strings.Split(s, ":")
	if len(split) == 2 {
		split = append(split, "00")
	}
	if len(split) != 3 {
		return "", fmt.Errorf("found %d parts in '%s'", len(split), s)
	}

	hms := [3]int{}
	for i, str := range split {
		j, err := strconv.Atoi(strings.TrimSpace(str))
		if err != nil {
			return "", fmt.Errorf("non-integer in '%s' pos %d", s, i)
		}
		hms[i] = j
	}

	if hms[0] < 0 || hms[0] > 99 {
		return "", fmt.Errorf("invalid hour in '%s'", s)
	}

	if hms[1] < 0 || hms[1] > 59 {
		return "", fmt.Errorf("invalid minute in '%s'", s)
	}

	if hms[2] < 0 || hms[2] > 59 {
		return "", fmt.Errorf("invalid second in '%s'", s)
	}

	return fmt.Sprintf("%02d%02d%02d", hms[0], hms[1], hms[2]), nil
}

func parseConditionIDs(s string) ([]int64, error) {
	ids := []int64{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid condition id '%s'", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type runCall struct {
	sequence int
	time     string
}

// Accumulates calls per run and checks that each run moves forward:
// sequences strictly increase and times never decrease.
type runValidator struct {
	calls   map[model.RunKey][]runCall
	maxTime string
}

func newRunValidator() *runValidator {
	return &runValidator{
		calls:   map[model.RunKey][]runCall{},
		maxTime: "000000",
	}
}

func (v *runValidator) add(s *model.Schedule) {
	v.calls[s.Key()] = append(v.calls[s.Key()], runCall{s.Sequence, s.Time})
	if s.Time > v.maxTime {
		v.maxTime = s.Time
	}
}

func (v *runValidator) validate() error {
	keys := make([]model.RunKey, 0, len(v.calls))
	for key := range v.calls {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RouteID != keys[j].RouteID {
			return keys[i].RouteID < keys[j].RouteID
		}
		return keys[i].Run < keys[j].Run
	})

	for _, key := range keys {
		calls := v.calls[key]
		sort.SliceStable(calls, func(i, j int) bool {
			return calls[i].sequence < calls[j].sequence
		})
		for i := 1; i < len(calls); i++ {
			if calls[i].sequence == calls[i-1].sequence {
				return fmt.Errorf("duplicate sequence %d for run %s", calls[i].sequence, key)
			}
			if calls[i].time < calls[i-1].time {
				return fmt.Errorf(
					"time %s at sequence %d precedes %s at sequence %d for run %s",
					calls[i].time, calls[i].sequence, calls[i-1].time, calls[i-1].sequence, key,
				)
			}
		}
	}

	return nil
}

// Parses schedules.txt. Returns the latest time seen, as "HHMMSS".
func ParseSchedules(
	writer storage.NetworkWriter,
	data io.Reader,
	routes map[int64]bool,
	stops map[int64]bool,
	conditions map[int64]bool,
) (string, error) {

	validator := newRunValidator()
	scheduleIDs := map[int64]bool{}

	i := -1
	err := gocsv.UnmarshalToCallbackWithError(data, func(sc *ScheduleCSV) error {
		i += 1
		if !routes[sc.RouteID] {
			return fmt.Errorf("unknown route_id %d (row %d)", sc.RouteID, i+1)
		}
		if !stops[sc.StopID] {
			return fmt.Errorf("unknown stop_id %d (row %d)", sc.StopID, i+1)
		}
		if sc.Run < 1 {
			return fmt.Errorf("invalid run %d (row %d)", sc.Run, i+1)
		}
		if sc.Destination == "" {
			return fmt.Errorf("missing destination (row %d)", i+1)
		}
		if sc.ID < 0 {
			return fmt.Errorf("invalid schedule_id %d (row %d)", sc.ID, i+1)
		}
		if sc.ID != 0 {
			if scheduleIDs[sc.ID] {
				return fmt.Errorf("repeated schedule_id %d (row %d)", sc.ID, i+1)
			}
			scheduleIDs[sc.ID] = true
		}

		t, err := parseScheduleTime(sc.Time)
		if err != nil {
			return errors.Wrapf(err, "parsing time (row %d)", i+1)
		}

		condIDs, err := parseConditionIDs(sc.Conditions)
		if err != nil {
			return errors.Wrapf(err, "parsing conditions (row %d)", i+1)
		}
		for _, id := range condIDs {
			if !conditions[id] {
				return fmt.Errorf("unknown condition_id %d (row %d)", id, i+1)
			}
		}

		schedule := &model.Schedule{
			ID:          sc.ID,
			RouteID:     sc.RouteID,
			StopID:      sc.StopID,
			Run:         sc.Run,
			Sequence:    sc.Sequence,
			Destination: sc.Destination,
			Time:        t,
			Ref:         sc.Ref,
		}
		if len(condIDs) > 0 {
			schedule.ConditionIDs = condIDs
		}

		validator.add(schedule)

		err = writer.WriteSchedule(schedule)
		if err != nil {
			return errors.Wrapf(err, "writing schedule (row %d)", i+1)
		}

		return nil
	})

	if err != nil {
		return "", errors.Wrap(err, "unmarshaling schedules csv")
	}

	if err := validator.validate(); err != nil {
		return "", err
	}

	return validator.maxTime, nil
}
