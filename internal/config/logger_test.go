// Logger initialization tests
package config

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestInitLoggerSetsLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	InitLogger("debug", "console")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	InitLogger("warn", "json")
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	// Case-insensitive.
	InitLogger("ERROR", "console")
	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
}

func TestInitLoggerUnknownLevelFallsBack(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	InitLogger("shouting", "console")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestNewLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	logger := NewLogger("collector")
	logger.Info().Msg("ready")
	assert.Contains(t, buf.String(), `"component":"collector"`)
}
