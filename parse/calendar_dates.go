package parse

import (
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/transit/model"
)

const (
	exceptionAdded   = 1
	exceptionRemoved = 2
)

type CalendarDateCSV struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType int8   `csv:"exception_type"`
}

// Parses calendar_dates.txt into services. Exceptions to services
// from calendar.txt are dropped, since conditions only know weekdays.
// Services defined by added dates alone run on the weekdays of those
// dates, spanning the first to the last.
func ParseCalendarDates(data io.Reader, services map[string]*Service) error {
	calendarDateCsv := []*CalendarDateCSV{}
	if err := gocsv.Unmarshal(data, &calendarDateCsv); err != nil {
		return fmt.Errorf("unmarshaling calendar_dates csv: %w", err)
	}

	fromCalendar := map[string]bool{}
	for id := range services {
		fromCalendar[id] = true
	}

	knownServiceDate := map[string]bool{}
	for _, cd := range calendarDateCsv {
		if cd.ExceptionType != exceptionAdded && cd.ExceptionType != exceptionRemoved {
			return fmt.Errorf("illegal exception_type: '%d'", cd.ExceptionType)
		}
		if cd.ServiceID == "" {
			return fmt.Errorf("empty service_id")
		}

		date, err := time.ParseInLocation("20060102", cd.Date, time.UTC)
		if err != nil {
			return fmt.Errorf("parsing date '%s': %w", cd.Date, err)
		}

		serviceDate := fmt.Sprintf("%s-%s", cd.Date, cd.ServiceID)
		if knownServiceDate[serviceDate] {
			return fmt.Errorf("duplicate service/date: '%s'", serviceDate)
		}
		knownServiceDate[serviceDate] = true

		if fromCalendar[cd.ServiceID] {
			continue
		}

		s := services[cd.ServiceID]
		if s == nil {
			s = &Service{ID: cd.ServiceID}
			services[cd.ServiceID] = s
		}
		if cd.ExceptionType != exceptionAdded {
			continue
		}

		s.Weekdays |= model.WeekdaysOf(date.Weekday())
		if s.StartDate == "" || cd.Date < s.StartDate {
			s.StartDate = cd.Date
		}
		if s.EndDate == "" || cd.Date > s.EndDate {
			s.EndDate = cd.Date
		}
	}

	return nil
}
