package util

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/1ureka/rpibridge/internal/clock"
)

// sessionTimeFormat renders the "[YYYY-MM-DD HH:MM:SS]" line prefix.
const sessionTimeFormat = "2006-01-02 15:04:05"

// SessionLog is the append-only host session log. Every line is
// "[local timestamp] message"; lines are also echoed to the console logger.
// The zero value is not usable; call OpenSessionLog.
type SessionLog struct {
	mu    sync.Mutex
	file  *os.File
	clock clock.Clock
}

// OpenSessionLog opens path for appending, creating it and its directory if
// needed. An empty path yields a console-only log.
func OpenSessionLog(path string, clk clock.Clock) (*SessionLog, error) {
	if clk == nil {
		clk = clock.Real()
	}
	l := &SessionLog{clock: clk}
	if path == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening session log %s: %w", path, err)
	}
	l.file = f
	return l, nil
}

// Printf appends one formatted line. Write failures are reported on the
// console and otherwise ignored; the session keeps running.
func (l *SessionLog) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	LogInfo("%s", msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	line := "[" + l.clock.Now().Local().Format(sessionTimeFormat) + "] " + msg + "\n"
	if _, err := l.file.WriteString(line); err != nil {
		LogWarning("session log write failed: %v", err)
	}
}

// Close closes the underlying file. Safe to call more than once.
func (l *SessionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
