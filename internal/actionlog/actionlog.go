package actionlog

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TimeLayout is the timestamp format of every log line.
const TimeLayout = "2006-01-02 15:04:05"

// DefaultTailLines is how many lines Tail returns when n <= 0.
const DefaultTailLines = 20

// MaxTailChars caps the size of a Tail result; older text is cut first.
const MaxTailChars = 3000

// Log is an append-only, line-oriented record of lifecycle events.
type Log struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New returns a Log writing to path. The parent directory is created.
func New(path string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{path: path, logger: logger, now: time.Now}, nil
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Append writes one timestamped line. Failures are logged and swallowed so
// bookkeeping never fails the operation being recorded.
func (l *Log) Append(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	msg = strings.ReplaceAll(strings.TrimSpace(msg), "\n", " ")
	line := fmt.Sprintf("[%s] %s\n", l.now().Format(TimeLayout), msg)

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Warn("action log: open failed", "path", l.path, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(line); err != nil {
		l.logger.Warn("action log: write failed", "path", l.path, "error", err)
	}
}

// Tail returns the last n lines (DefaultTailLines when n <= 0), capped at
// MaxTailChars. A missing log yields an empty slice.
func (l *Log) Tail(n int) ([]string, error) {
	if n <= 0 {
		n = DefaultTailLines
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("open action log: %w", err)
	}
	defer func() { _ = f.Close() }()

	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(lines) == n {
			lines = lines[1:]
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read action log: %w", err)
	}

	total := 0
	for i := len(lines) - 1; i >= 0; i-- {
		total += len(lines[i]) + 1
		if total > MaxTailChars {
			return lines[i+1:], nil
		}
	}
	return lines, nil
}

// Clear truncates the log.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.WriteFile(l.path, nil, 0o644); err != nil {
		return fmt.Errorf("clear action log: %w", err)
	}
	return nil
}
