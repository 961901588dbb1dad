package parse

import (
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/transit/model"
)

type CalendarCSV struct {
	ServiceID string `csv:"service_id"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
	Monday    int8   `csv:"monday"`
	Tuesday   int8   `csv:"tuesday"`
	Wednesday int8   `csv:"wednesday"`
	Thursday  int8   `csv:"thursday"`
	Friday    int8   `csv:"friday"`
	Saturday  int8   `csv:"saturday"`
	Sunday    int8   `csv:"sunday"`
}

// A GTFS service, reduced to the days of the week it runs on.
type Service struct {
	ID        string
	Weekdays  model.Weekdays
	StartDate string
	EndDate   string
}

// Parses calendar.txt into services by service_id.
func ParseCalendar(data io.Reader) (map[string]*Service, error) {
	calendarCsv := []*CalendarCSV{}
	if err := gocsv.Unmarshal(data, &calendarCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling calendar csv: %w", err)
	}

	services := map[string]*Service{}
	for _, c := range calendarCsv {
		if c.ServiceID == "" {
			return nil, fmt.Errorf("empty service_id")
		}
		if services[c.ServiceID] != nil {
			return nil, fmt.Errorf("repeated service_id '%s'", c.ServiceID)
		}

		var weekdays model.Weekdays
		for _, day := range []struct {
			name  string
			value int8
			day   time.Weekday
		}{
			{"monday", c.Monday, time.Monday},
			{"tuesday", c.Tuesday, time.Tuesday},
			{"wednesday", c.Wednesday, time.Wednesday},
			{"thursday", c.Thursday, time.Thursday},
			{"friday", c.Friday, time.Friday},
			{"saturday", c.Saturday, time.Saturday},
			{"sunday", c.Sunday, time.Sunday},
		} {
			switch day.value {
			case 1:
				weekdays |= model.WeekdaysOf(day.day)
			case 0:
			default:
				return nil, fmt.Errorf("invalid %s value '%d'", day.name, day.value)
			}
		}

		_, err := time.ParseInLocation("20060102", c.StartDate, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parsing start_date: %w", err)
		}

		_, err = time.ParseInLocation("20060102", c.EndDate, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parsing end_date: %w", err)
		}

		services[c.ServiceID] = &Service{
			ID:        c.ServiceID,
			Weekdays:  weekdays,
			StartDate: c.StartDate,
			EndDate:   c.EndDate,
		}
	}

	return services, nil
}
