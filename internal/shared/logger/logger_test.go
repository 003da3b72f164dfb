package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithWriter_LevelFiltering(t *testing.T) {
	defer func(prev zerolog.Logger) { log.Logger = prev }(log.Logger)

	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN")

	Info().Msg("hidden")
	Warn().Str("client_ip", "127.0.0.1:5000").Int("n", 3).Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "127.0.0.1:5000", entry["client_ip"])
	assert.EqualValues(t, 3, entry["n"])
	assert.Contains(t, entry, "time")
}

func TestInitWithWriter_UnknownLevelFallsBackToInfo(t *testing.T) {
	defer func(prev zerolog.Logger) { log.Logger = prev }(log.Logger)

	var buf bytes.Buffer
	InitWithWriter(&buf, "chatty")

	Debug().Msg("hidden")
	Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestWithComponent(t *testing.T) {
	defer func(prev zerolog.Logger) { log.Logger = prev }(log.Logger)

	var buf bytes.Buffer
	InitWithWriter(&buf, "debug")
	buf.Reset()

	l := WithComponent("listener")
	l.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"component":"listener"`)
}
