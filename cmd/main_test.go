package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers, err := parseHeaders([]string{"Authorization: Bearer abc", "X-Api-Key:123"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"Authorization": "Bearer abc",
		"X-Api-Key":     "123",
	}, headers)

	_, err = parseHeaders([]string{"no separator"})
	assert.Error(t, err)
}

// The binary links both static and realtime GTFS decoding, so this
// fails at init if their protobuf registrations collide.
func TestRootCommandHelp(t *testing.T) {
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"--help"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	for _, name := range []string{"import", "realtime", "serve", "plan", "departures"} {
		assert.Contains(t, out.String(), name)
	}
}
