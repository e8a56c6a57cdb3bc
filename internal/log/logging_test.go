package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace":   LevelTrace,
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestLevelFilterSplitsByLevel(t *testing.T) {
	var low, high bytes.Buffer
	logger := slog.New(NewMultiHandler(
		NewLevelFilter(func(l slog.Level) bool { return l < slog.LevelError }, textHandler(&low, LevelTrace)),
		NewLevelFilter(func(l slog.Level) bool { return l >= slog.LevelError }, textHandler(&high, LevelTrace)),
	))

	logger.Info("hello")
	logger.Error("boom")

	assert.Contains(t, low.String(), "hello")
	assert.NotContains(t, low.String(), "boom")
	assert.Contains(t, high.String(), "boom")
	assert.NotContains(t, high.String(), "hello")
}

func TestTraceLevelIsNamed(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(textHandler(&buf, LevelTrace))
	logger.Log(t.Context(), LevelTrace, "transfer")
	assert.Contains(t, buf.String(), "level=TRACE")
}

func TestMultiHandlerWithAttrs(t *testing.T) {
	var a, b bytes.Buffer
	logger := slog.New(NewMultiHandler(textHandler(&a, slog.LevelInfo), textHandler(&b, slog.LevelInfo))).With("session", "s1")
	logger.Info("attached")
	assert.Contains(t, a.String(), "session=s1")
	assert.Contains(t, b.String(), "session=s1")
}

func TestSetupLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nucusbd.log")
	logger, closers, err := SetupLogger("debug", path)
	require.NoError(t, err)
	logger.Debug("to file")
	for _, c := range closers {
		require.NoError(t, c.Close())
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestRawLogger(t *testing.T) {
	var buf bytes.Buffer
	r := NewRaw(&buf).(*rawLogger)
	r.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 1000, time.UTC) }

	r.Log(true, []byte{0x01, 0xab})
	r.Log(false, nil)
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2024/05/01 12:00:00.000001 C->S 2 bytes", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "00000000  01 ab"))

	buf.Reset()
	r.Log(false, make([]byte, 20))
	assert.Contains(t, buf.String(), "S->C 20 bytes")
	assert.Contains(t, buf.String(), "00000010  00 00 00 00")
}

func TestSetupRawLoggerWithoutPathDiscards(t *testing.T) {
	r, c, err := SetupRawLogger("")
	require.NoError(t, err)
	assert.Nil(t, c)
	r.Log(false, []byte{1})
}
