// Package logging provides session-based logging for the gateway,
// participant runtime, and bridge binaries. It writes full detail to a
// per-run session file while keeping console output terse, matching the
// teacher's split between "what the operator sees" and "what the audit
// trail records".
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mew-proto/mew/internal/envelope"
)

// SessionLogger writes to both a session file and (selectively) the
// console. Debug-level detail is file-only; user-facing events go to both.
type SessionLogger struct {
	sessionFile *os.File
	mu          sync.Mutex
	sessionPath string
	quietMode   bool
}

// New creates a session logger writing into logDir. quietMode suppresses
// Info-level console echo, keeping only UserMessage/Error on the console.
func New(logDir string, quietMode bool) (*SessionLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	sessionID := time.Now().Format("20060102-150405")
	sessionPath := filepath.Join(logDir, fmt.Sprintf("session-%s.log", sessionID))

	file, err := os.OpenFile(sessionPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create session log file: %w", err)
	}

	logger := &SessionLogger{
		sessionFile: file,
		sessionPath: sessionPath,
		quietMode:   quietMode,
	}

	logger.writeToFile("=== MEW session started ===\n")
	logger.writeToFile("Session ID: %s\n", sessionID)
	logger.writeToFile("Time: %s\n", time.Now().Format(time.RFC3339))
	logger.writeToFile("============================\n\n")

	log.SetOutput(file)
	log.SetFlags(log.Ldate | log.Ltime)

	return logger, nil
}

// Close finalizes the session file.
func (s *SessionLogger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionFile != nil {
		s.writeToFile("\n=== session ended %s ===\n", time.Now().Format(time.RFC3339))
		return s.sessionFile.Close()
	}
	return nil
}

// GetSessionPath returns the path of the active session log file.
func (s *SessionLogger) GetSessionPath() string {
	return s.sessionPath
}

// Debug writes file-only detail.
func (s *SessionLogger) Debug(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeToFile("[%s] DEBUG: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

// Info writes to the file always, and to the console unless quiet.
func (s *SessionLogger) Info(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := fmt.Sprintf(format, args...)
	s.writeToFile("[%s] INFO: %s\n", time.Now().Format("15:04:05"), message)
	if !s.quietMode {
		fmt.Println(message)
	}
}

// UserMessage always reaches the console, regardless of quiet mode.
func (s *SessionLogger) UserMessage(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := fmt.Sprintf(format, args...)
	s.writeToFile("[%s] USER: %s\n", time.Now().Format("15:04:05"), message)
	fmt.Println(message)
}

// Error always reaches the console (stderr) and the file.
func (s *SessionLogger) Error(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := fmt.Sprintf(format, args...)
	s.writeToFile("[%s] ERROR: %s\n", time.Now().Format("15:04:05"), message)
	fmt.Fprintf(os.Stderr, "error: %s\n", message)
}

// LogEnvelope records a one-line protocol trace of env's routing-relevant
// fields, file-only. Used by the participant runtime wherever the teacher
// would have called Debug on a raw message.
func (s *SessionLogger) LogEnvelope(direction string, env *envelope.Envelope) {
	s.Debug("%s %s from=%s to=%v kind=%s correlation_id=%v",
		direction, env.ID, env.From, env.To, env.Kind, env.CorrelationID)
}

func (s *SessionLogger) writeToFile(format string, args ...interface{}) {
	if s.sessionFile != nil {
		fmt.Fprintf(s.sessionFile, format, args...)
		s.sessionFile.Sync()
	}
}

// SetQuietMode toggles console echo of Info-level messages.
func (s *SessionLogger) SetQuietMode(quiet bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quietMode = quiet
}

var (
	globalLogger *SessionLogger
	globalMu     sync.Mutex
)

// SetGlobal installs the process-wide logger used by package-level helpers.
func SetGlobal(logger *SessionLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// Global returns the process-wide logger, or nil if none was installed.
func Global() *SessionLogger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalLogger
}
