package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// captureOutput points the logger at a buffer and restores the previous
// writer, level and format on cleanup.
func captureOutput(t *testing.T, format string) *bytes.Buffer {
	t.Helper()

	mu.RLock()
	prevOut, prevColor := output, useColor
	mu.RUnlock()
	prevLevel := GetLevel()
	prevFormat, _ := currentFormat.Load().(string)

	buf := new(bytes.Buffer)
	InitWithWriter(buf, "DEBUG", format, false)

	t.Cleanup(func() {
		InitWithWriter(prevOut, prevLevel.String(), prevFormat, prevColor)
	})
	return buf
}

// ============================================================================
// Level Filtering Tests
// ============================================================================

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		visible []string
		hidden  []string
	}{
		{"DEBUG", []string{"debug msg", "info msg", "warn msg", "error msg"}, nil},
		{"INFO", []string{"info msg", "warn msg", "error msg"}, []string{"debug msg"}},
		{"WARN", []string{"warn msg", "error msg"}, []string{"debug msg", "info msg"}},
		{"ERROR", []string{"error msg"}, []string{"debug msg", "info msg", "warn msg"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			buf := captureOutput(t, "text")
			SetLevel(tt.level)

			Debug("debug msg")
			Info("info msg")
			Warn("warn msg")
			Error("error msg")

			out := buf.String()
			for _, s := range tt.visible {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.hidden {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	t.Run("CaseInsensitive", func(t *testing.T) {
		buf := captureOutput(t, "text")
		SetLevel("dEbUg")
		Debug("visible")
		assert.Contains(t, buf.String(), "visible")
	})

	t.Run("IgnoresUnknownLevel", func(t *testing.T) {
		buf := captureOutput(t, "text")
		SetLevel("INFO")
		SetLevel("LOUD")
		Debug("hidden")
		Info("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
		assert.Equal(t, LevelInfo, GetLevel())
	})
}

func TestParseLevel(t *testing.T) {
	l, ok := ParseLevel("warning")
	assert.True(t, ok)
	assert.Equal(t, LevelWarn, l)

	_, ok = ParseLevel("verbose")
	assert.False(t, ok)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

// ============================================================================
// Formatting Tests
// ============================================================================

func TestTextFormat(t *testing.T) {
	buf := captureOutput(t, "text")

	Info("lease granted", KeyLevel, "batch", KeyConnID, uint64(7), KeyClientGUID, "a b")

	line := buf.String()
	assert.Contains(t, line, "[INFO] lease granted")
	assert.Contains(t, line, "level=batch")
	assert.Contains(t, line, "conn_id=7")
	assert.Contains(t, line, `client_guid="a b"`)
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestTextHandlerGroupsAndAttrs(t *testing.T) {
	buf := captureOutput(t, "text")

	l := With(KeyFile, "/share/a.txt").WithGroup("break")
	l.Info("sent", "transition", "to_read")

	line := buf.String()
	assert.Contains(t, line, "file=/share/a.txt")
	assert.Contains(t, line, "break.transition=to_read")
}

func TestJSONFormat(t *testing.T) {
	buf := captureOutput(t, "json")

	Warn("break timed out", KeyTransition, "to_read", KeyOutcome, "timed_out")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "break timed out", rec["msg"])
	assert.Equal(t, "to_read", rec[KeyTransition])
	assert.Equal(t, "timed_out", rec[KeyOutcome])
}

func TestSetFormatIgnoresUnknown(t *testing.T) {
	buf := captureOutput(t, "json")
	SetFormat("xml")
	Info("still json")

	var rec map[string]any
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
}

// ============================================================================
// Context Tests
// ============================================================================

func TestContextLogging(t *testing.T) {
	buf := captureOutput(t, "text")

	lc := NewLogContext(12).WithCommand("CREATE").WithSession(99, "0102")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "grant", KeyGranted, "read")

	line := buf.String()
	assert.Contains(t, line, "command=CREATE")
	assert.Contains(t, line, "conn_id=12")
	assert.Contains(t, line, "session_id=99")
	assert.Contains(t, line, "client_guid=0102")
	assert.Contains(t, line, "granted=read")
	assert.Less(t, strings.Index(line, "command="), strings.Index(line, "granted="))
}

func TestContextLoggingWithoutContext(t *testing.T) {
	buf := captureOutput(t, "text")
	WarnCtx(context.Background(), "plain")
	assert.Contains(t, buf.String(), "plain")
	assert.NotContains(t, buf.String(), "conn_id")
}

func TestLogContextCloneIsIndependent(t *testing.T) {
	base := NewLogContext(1)
	derived := base.WithCommand("CLOSE")

	assert.Empty(t, base.Command)
	assert.Equal(t, "CLOSE", derived.Command)
	assert.Nil(t, (*LogContext)(nil).Clone())
	assert.GreaterOrEqual(t, base.DurationMs(), 0.0)
}

// ============================================================================
// Field helpers
// ============================================================================

func TestFieldHelpers(t *testing.T) {
	var key [16]byte
	key[0], key[15] = 0xab, 0x01

	attr := LeaseKey(key)
	assert.Equal(t, KeyLeaseKey, attr.Key)
	assert.Equal(t, "ab000000000000000000000000000001", attr.Value.String())

	assert.Equal(t, "boom", Err(errors.New("boom")).Value.String())
	assert.True(t, Err(nil).Equal(slog.Attr{}))
	assert.Equal(t, uint64(5), FileID(5).Value.Uint64())
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentLogging(t *testing.T) {
	buf := captureOutput(t, "text")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Info("concurrent", "worker", n, "iter", j)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 20*50)
	for _, l := range lines {
		assert.True(t, strings.HasPrefix(l, "["), "interleaved line: %q", l)
	}
}
