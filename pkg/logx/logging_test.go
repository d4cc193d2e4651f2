package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerWritesFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug").Component("collector")

	log.Info("pass finished", Int("batches", 3), Err(errors.New("boom")))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "pass finished", line["message"])
	require.Equal(t, "collector", line["comp"])
	require.EqualValues(t, 3, line["batches"])
	require.Equal(t, "boom", line["err"])
	require.Contains(t, line["caller"], "logging_test.go:")
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn")

	log.Info("dropped")
	require.Zero(t, buf.Len())
	require.False(t, log.Enabled(LevelInfo))
	require.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	require.True(t, log.IsZero())
	log.Error("nothing happens")
	require.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	lvl, ok := ParseLevel("Warning")
	require.True(t, ok)
	require.Equal(t, LevelWarn, lvl)

	_, ok = ParseLevel("loud")
	require.False(t, ok)
}
