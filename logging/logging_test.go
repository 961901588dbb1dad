package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorCloser struct {
	err error
}

func (c *errorCloser) Close() error {
	return c.err
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected slog.Level
		err      bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			level, err := ParseLevel(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, level)
		})
	}
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelInfo)

	LogError(logger, "import failed", errors.New("boom"), slog.String("source", "pks"))

	output := buf.String()
	assert.Contains(t, output, `"level":"ERROR"`)
	assert.Contains(t, output, `"msg":"import failed"`)
	assert.Contains(t, output, `"error":"boom"`)
	assert.Contains(t, output, `"source":"pks"`)

	// nil logger is a no-op
	LogError(nil, "ignored", errors.New("boom"))
}

func TestLogOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelInfo)

	LogOperation(logger, "plan", slog.Duration("duration", 0), slog.Int("results", 3))
	output := buf.String()
	assert.Contains(t, output, `"msg":"plan"`)
	assert.Contains(t, output, `"results":3`)
	assert.NotContains(t, output, `"duration"`)

	buf.Reset()
	LogOperation(logger, "plan", slog.Duration("duration", time.Second))
	assert.Contains(t, buf.String(), `"duration"`)
}

func TestLogHTTPRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelInfo)

	LogHTTPRequest(logger, "GET", "/api/v1/stops", 200, 1.5, slog.String("request_id", "abc"))

	output := buf.String()
	assert.Contains(t, output, `"msg":"http_request"`)
	assert.Contains(t, output, `"method":"GET"`)
	assert.Contains(t, output, `"path":"/api/v1/stops"`)
	assert.Contains(t, output, `"status":200`)
	assert.Contains(t, output, `"request_id":"abc"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelWarn)

	logger.Info("quiet")
	assert.Empty(t, buf.String())

	logger.Warn("loud")
	assert.Contains(t, buf.String(), `"msg":"loud"`)
}

func TestContext(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))

	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelInfo)
	ctx := WithLogger(context.Background(), logger)
	assert.Equal(t, logger, FromContext(ctx))
}

func TestSafeCloseWithLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelInfo)

	SafeCloseWithLogging(&errorCloser{}, logger, "close_storage")
	assert.Empty(t, buf.String())

	SafeCloseWithLogging(&errorCloser{err: assert.AnError}, logger, "close_storage")
	assert.Contains(t, buf.String(), `"msg":"failed to close resource"`)
	assert.Contains(t, buf.String(), `"operation":"close_storage"`)

	SafeCloseWithLogging(nil, logger, "noop")
}
