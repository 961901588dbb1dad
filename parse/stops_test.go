package parse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

func TestParseStops(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		stops   []*model.Stop
		err     bool
	}{
		{
			"minimal_stop",
			`
stop_id,stop_name,stop_lat,stop_lon
1,name,1.1,2.2`,
			[]*model.Stop{{
				ID:   1,
				Name: "name",
				Lat:  1.1,
				Lon:  2.2,
				Type: model.ModeBus,
			}},
			false,
		},

		{
			"all_types",
			`
stop_type,stop_id,stop_name,stop_lat,stop_lon
train,3,OPOLE GŁÓWNE,50.6625,17.9265
tram,2,Plac,50.1,18.1
bus,1,GOGOLIN,50.4918,18.0203
`,
			[]*model.Stop{
				{ID: 1, Name: "GOGOLIN", Lat: 50.4918, Lon: 18.0203, Type: model.ModeBus},
				{ID: 2, Name: "Plac", Lat: 50.1, Lon: 18.1, Type: model.ModeTram},
				{ID: 3, Name: "OPOLE GŁÓWNE", Lat: 50.6625, Lon: 17.9265, Type: model.ModeTrain},
			},
			false,
		},

		{
			"blank stop_id",
			`
stop_id,stop_name,stop_lat,stop_lon
,name,1.1,2.2`,
			nil,
			true,
		},

		{
			"non-numeric stop_id",
			`
stop_id,stop_name,stop_lat,stop_lon
s,name,1.1,2.2`,
			nil,
			true,
		},

		{
			"repeated stop_id",
			`
stop_id,stop_name,stop_lat,stop_lon
1,name_1,1.1,2.2
1,name_2,1.2,2.3`,
			nil,
			true,
		},

		{
			"invalid stop_lat",
			`
stop_id,stop_name,stop_lat,stop_lon
1,name,1.1x,2.2`,
			nil,
			true,
		},

		{
			"out of range stop_lat",
			`
stop_id,stop_name,stop_lat,stop_lon
1,name,91,2.2`,
			nil,
			true,
		},

		{
			"out of range stop_lon",
			`
stop_id,stop_name,stop_lat,stop_lon
1,name,1.1,-181`,
			nil,
			true,
		},

		{
			"missing coordinates",
			`
stop_id,stop_name
1,name`,
			nil,
			true,
		},

		{
			"missing stop_name",
			`
stop_id,stop_lat,stop_lon
1,1.1,2.2`,
			nil,
			true,
		},

		{
			"invalid stop_type",
			`
stop_id,stop_name,stop_lat,stop_lon,stop_type
1,name,1.1,2.2,ferry`,
			nil,
			true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := storage.NewMemoryStorage()
			writer, err := s.GetWriter("test")
			require.NoError(t, err)

			stopIDs, err := ParseStops(writer, bytes.NewBufferString(tc.content))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, writer.Close())

			assert.Equal(t, len(tc.stops), len(stopIDs))
			for _, stop := range tc.stops {
				assert.True(t, stopIDs[stop.ID])
			}

			reader, err := s.GetReader("test")
			require.NoError(t, err)
			stops, err := reader.Stops()
			require.NoError(t, err)
			assert.Equal(t, tc.stops, stops)
		})
	}
}
