package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

type ConditionCSV struct {
	ID          int64  `csv:"condition_id"`
	Name        string `csv:"condition_name"`
	Description string `csv:"condition_description"`

	// Monday first, e.g. "1111100" for weekdays. Blank for
	// conditions that don't restrict days.
	Weekdays string `csv:"weekdays"`
}

func ParseConditions(writer storage.NetworkWriter, data io.Reader) (map[int64]bool, error) {
	condCsv := []*ConditionCSV{}
	if err := gocsv.Unmarshal(data, &condCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling conditions: %w", err)
	}

	conditions := map[int64]bool{}
	for _, c := range condCsv {
		if c.ID <= 0 {
			return nil, fmt.Errorf("invalid condition_id %d", c.ID)
		}
		if conditions[c.ID] {
			return nil, fmt.Errorf("repeated condition_id %d", c.ID)
		}
		conditions[c.ID] = true

		if c.Name == "" {
			return nil, fmt.Errorf("condition_id %d has no condition_name", c.ID)
		}

		weekdays, err := model.ParseWeekdays(c.Weekdays)
		if err != nil {
			return nil, fmt.Errorf("condition_id %d: %w", c.ID, err)
		}

		err = writer.WriteCondition(&model.Condition{
			ID:          c.ID,
			Name:        c.Name,
			Description: c.Description,
			Weekdays:    weekdays,
		})
		if err != nil {
			return nil, fmt.Errorf("writing condition %d: %w", c.ID, err)
		}
	}

	return conditions, nil
}
