// Package promptlog records outbound prompts for operator observability,
// the way the debug dumper mirrors request/response payloads to disk.
package promptlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Mode selects where prompts are logged.
type Mode string

const (
	// ModeNone disables prompt logging entirely.
	ModeNone Mode = "none"
	// ModeConsole logs each prompt through the structured logger.
	ModeConsole Mode = "console"
	// ModeFile appends each prompt to a rolling, date-suffixed file.
	ModeFile Mode = "file"
)

// Logger records outbound prompts per the configured Mode.
type Logger struct {
	mode     Mode
	baseName string
	logger   *slog.Logger

	mu          sync.Mutex
	currentDay  string
	currentFile *os.File
}

// New creates a Logger. baseName is the path prefix for file mode; the
// current UTC date is appended as "<baseName>-YYYY-MM-DD.log".
func New(mode Mode, baseName string, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{mode: mode, baseName: baseName, logger: logger}
}

// Log records one outbound prompt. accountUUID and model are attached for
// console mode; file mode writes a flat text line prefixed with a
// timestamp so the rolling file reads like a transcript.
func (l *Logger) Log(requestID, accountUUID, model, prompt string) {
	switch l.mode {
	case ModeConsole:
		l.logger.Info("outbound prompt",
			"request_id", requestID,
			"account", accountUUID,
			"model", model,
			"prompt", prompt,
		)
	case ModeFile:
		l.writeFile(requestID, accountUUID, model, prompt)
	}
}

func (l *Logger) writeFile(requestID, accountUUID, model, prompt string) {
	now := time.Now().UTC()
	day := now.Format("2006-01-02")

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentFile == nil || l.currentDay != day {
		if l.currentFile != nil {
			l.currentFile.Close()
		}
		path := fmt.Sprintf("%s-%s.log", l.baseName, day)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			l.logger.Error("prompt log: create dir failed", "error", err)
			return
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			l.logger.Error("prompt log: open failed", "error", err)
			return
		}
		l.currentFile = f
		l.currentDay = day
	}

	line := fmt.Sprintf("[%s] request=%s account=%s model=%s\n%s\n---\n",
		now.Format(time.RFC3339), requestID, accountUUID, model, prompt)
	if _, err := l.currentFile.WriteString(line); err != nil {
		l.logger.Error("prompt log: write failed", "error", err)
	}
}

// Close releases the current log file handle, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentFile != nil {
		err := l.currentFile.Close()
		l.currentFile = nil
		return err
	}
	return nil
}
