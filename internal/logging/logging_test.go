package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLineHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLineHandler(&buf, nil)).With(slog.String("component", "keeper"))

	logger.Info("market resolved",
		slog.String("market", "0xabc"),
		slog.Duration("took", 1500*time.Millisecond),
		slog.String("note", "two words"),
	)

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "["), line)
	assert.True(t, strings.HasSuffix(line, "\n"))

	end := strings.Index(line, "] ")
	ts, err := time.Parse(time.RFC3339Nano, line[1:end])
	assert.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())

	assert.Equal(t,
		`market resolved component=keeper market=0xabc took=1.5s note="two words"`,
		strings.TrimSpace(line[end+2:]),
	)
}

func TestLineHandler_LevelsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLineHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	logger.WithGroup("tx").Warn("reverted", slog.String("hash", "0x1"), slog.Any("error", errors.New("boom")))
	assert.Contains(t, buf.String(), "reverted level=WARN tx.hash=0x1 tx.error=boom")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
