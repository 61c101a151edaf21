package config

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestNewLoggerTagsComponent(t *testing.T) {
	buf := captureLogs(t)

	logger := NewLogger("session")
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"component":"session"`)
}

func TestNewRunnerLoggerCarriesJobContext(t *testing.T) {
	buf := captureLogs(t)

	logger := NewRunnerLogger("user-1", "job-9", "BTC-PERPETUAL")
	logger.Info().Msg("tick")

	out := buf.String()
	assert.Contains(t, out, `"component":"runner"`)
	assert.Contains(t, out, `"user_id":"user-1"`)
	assert.Contains(t, out, `"job_id":"job-9"`)
	assert.Contains(t, out, `"instrument":"BTC-PERPETUAL"`)
}
