// ABOUTME: Tests for logger construction and the console handler
// ABOUTME: Verifies level filtering, attr rendering, JSON output and file rotation setup

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/config"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "waiter").Info("resolved", "task_id", "t1")
	logger.WithGroup("rpc").Warn("slow", "seconds", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INF resolved component=waiter task_id=t1")
	assert.Contains(t, lines[1], "WRN slow rpc.seconds=3")
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("hello", "component", "test")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "test", rec["component"])
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "courier.log")
	var buf bytes.Buffer
	logger, closer, err := New(config.LoggingConfig{
		Level:  "info",
		Format: "text",
		File:   config.LogFileConfig{Path: path, MaxSizeMB: 1},
	}, &buf)
	require.NoError(t, err)

	logger.Info("to both", "agent_id", "a1")
	require.NoError(t, closer.Close())

	assert.Contains(t, buf.String(), "to both")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "to both", rec["msg"])
	assert.Equal(t, "a1", rec["agent_id"])
}
