package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger(level LogLevel) (*Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := NewLogger(Config{Level: level, Service: "kvcache-test", BufferSize: 16})
	logger.AddWriter(buf)
	return logger, buf
}

func decodeEntries(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var e LogEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestLogger_LevelsAndFields(t *testing.T) {
	logger, buf := captureLogger(INFO)

	ctx := WithCorrelationID(context.Background(), "req-1")
	logger.Debug(ctx, ComponentEviction, ActionEvict, "dropped")
	logger.Info(ctx, ComponentEviction, ActionEvict, "kept", map[string]interface{}{"evicted": 3})
	logger.Error(ctx, ComponentHTTP, ActionPut, "failed", errors.New("boom"))
	logger.WithDuration(ctx, WARN, ComponentMonitor, ActionSample, "slow", 1500*time.Millisecond)
	logger.Close()

	entries := decodeEntries(t, buf)
	require.Len(t, entries, 3)

	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "kept", entries[0].Message)
	assert.Equal(t, "req-1", entries[0].CorrelationID)
	assert.Equal(t, "kvcache-test", entries[0].Service)
	assert.Equal(t, ComponentEviction, entries[0].Component)
	assert.Equal(t, float64(3), entries[0].Fields["evicted"])

	assert.Equal(t, "boom", entries[1].Error)

	require.NotNil(t, entries[2].Duration)
	assert.Equal(t, int64(1500), *entries[2].Duration)

	assert.False(t, logger.Enabled(DEBUG))
	assert.True(t, logger.Enabled(ERROR))
}

func TestLogger_CloseIsIdempotent(t *testing.T) {
	logger, _ := captureLogger(DEBUG)
	logger.Close()
	logger.Close()
}

func TestPackageHelpers_NoGlobalLogger(t *testing.T) {
	prev := GetGlobalLogger()
	SetGlobalLogger(nil)
	defer SetGlobalLogger(prev)

	// No-ops without a global logger
	Info(nil, ComponentMain, ActionStart, "ignored")
	Error(nil, ComponentMain, ActionStart, "ignored", errors.New("x"))
}

func TestLogLevelFromString(t *testing.T) {
	assert.Equal(t, DEBUG, LogLevelFromString("debug"))
	assert.Equal(t, WARN, LogLevelFromString("WARNING"))
	assert.Equal(t, ERROR, LogLevelFromString("error"))
	assert.Equal(t, INFO, LogLevelFromString("verbose"))
}

func TestCorrelationID(t *testing.T) {
	assert.Empty(t, GetCorrelationID(nil))
	assert.Empty(t, GetCorrelationID(context.Background()))

	id := NewCorrelationID()
	assert.Len(t, id, 36)
	assert.NotEqual(t, id, NewCorrelationID())
}

func TestHTTPMiddleware(t *testing.T) {
	logger, buf := captureLogger(DEBUG)
	prev := GetGlobalLogger()
	SetGlobalLogger(logger)
	defer SetGlobalLogger(prev)

	var seen string
	h := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("nope"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/put", nil)
	req.Header.Set("X-Correlation-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get("X-Correlation-ID"))

	// Generated when absent
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/get", nil))
	assert.Len(t, rec.Header().Get("X-Correlation-ID"), 36)

	logger.Close()
	var completed []LogEntry
	for _, e := range decodeEntries(t, buf) {
		if e.Action == ActionResponse {
			completed = append(completed, e)
		}
	}
	require.Len(t, completed, 2)
	assert.Equal(t, "WARN", completed[0].Level)
	assert.Equal(t, float64(http.StatusBadRequest), completed[0].Fields["status_code"])
	assert.Equal(t, float64(4), completed[0].Fields["bytes_sent"])
}
