package actionlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "config", "deploy.log"), nil)
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2026, 10, 19, 12, 30, 0, 0, time.UTC) }
	return l
}

func TestAppend_WritesTimestampedLine(t *testing.T) {
	l := newTestLog(t)
	l.Append("api: create %s: ok", "demo")

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, "[2026-10-19 12:30:00] api: create demo: ok\n", string(data))
}

func TestAppend_FlattensNewlines(t *testing.T) {
	l := newTestLog(t)
	l.Append("install failed:\nline one\nline two")

	lines, err := l.Tail(0)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "install failed: line one line two")
}

func TestTail_MissingFile(t *testing.T) {
	l := newTestLog(t)
	lines, err := l.Tail(5)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestTail_ReturnsLastLines(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 30; i++ {
		l.Append("event %d", i)
	}

	lines, err := l.Tail(0)
	require.NoError(t, err)
	require.Len(t, lines, DefaultTailLines)
	assert.Contains(t, lines[0], "event 10")
	assert.Contains(t, lines[len(lines)-1], "event 29")

	lines, err = l.Tail(3)
	require.NoError(t, err)
	assert.Len(t, lines, 3)
}

func TestTail_CapsCharacters(t *testing.T) {
	l := newTestLog(t)
	long := strings.Repeat("x", 500)
	for i := 0; i < 20; i++ {
		l.Append("%d %s", i, long)
	}

	lines, err := l.Tail(20)
	require.NoError(t, err)
	total := 0
	for _, line := range lines {
		total += len(line) + 1
	}
	assert.LessOrEqual(t, total, MaxTailChars)
	assert.Contains(t, lines[len(lines)-1], fmt.Sprintf("19 %s", long))
}

func TestClear(t *testing.T) {
	l := newTestLog(t)
	l.Append("something")
	require.NoError(t, l.Clear())

	lines, err := l.Tail(0)
	require.NoError(t, err)
	assert.Empty(t, lines)
}
