package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	defer Init(Config{})

	logger := Component("executor")
	logger.Info().Msg("started")

	out := buf.String()
	assert.True(t, strings.Contains(out, `"component":"executor"`), out)
	assert.True(t, strings.Contains(out, `"message":"started"`), out)
}

func TestInitConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "console", Output: &buf})
	defer Init(Config{})

	Info().Msg("hello")
	Debug().Msg("hidden")

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.NotContains(t, out, "hidden")
}
