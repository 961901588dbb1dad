package parse

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

func TestParseConditions(t *testing.T) {
	for _, tc := range []struct {
		name       string
		content    string
		conditions []*model.Condition
		err        bool
	}{
		{
			"weekdays and notes",
			`
condition_id,condition_name,condition_description,weekdays
1,D,Mondays to Fridays,1111100
2,6,Saturdays,0000010
3,n,Request stop,`,
			[]*model.Condition{
				{
					ID:          1,
					Name:        "D",
					Description: "Mondays to Fridays",
					Weekdays: model.WeekdaysOf(
						time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
					),
				},
				{ID: 2, Name: "6", Description: "Saturdays", Weekdays: model.WeekdaysOf(time.Saturday)},
				{ID: 3, Name: "n", Description: "Request stop"},
			},
			false,
		},

		{
			"no weekdays column",
			`
condition_id,condition_name
4,x`,
			[]*model.Condition{{ID: 4, Name: "x"}},
			false,
		},

		{
			"repeated condition_id",
			`
condition_id,condition_name
1,a
1,b`,
			nil,
			true,
		},

		{
			"missing condition_name",
			`
condition_id,weekdays
1,1111111`,
			nil,
			true,
		},

		{
			"short weekdays",
			`
condition_id,condition_name,weekdays
1,a,11111`,
			nil,
			true,
		},

		{
			"bad weekdays",
			`
condition_id,condition_name,weekdays
1,a,11x1111`,
			nil,
			true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := storage.NewMemoryStorage()
			writer, err := s.GetWriter("test")
			require.NoError(t, err)

			_, err = ParseConditions(writer, bytes.NewBufferString(tc.content))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, writer.Close())

			reader, err := s.GetReader("test")
			require.NoError(t, err)
			conditions, err := reader.Conditions()
			require.NoError(t, err)
			assert.Equal(t, tc.conditions, conditions)
		})
	}
}
