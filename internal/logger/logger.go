package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Log file names, one per level.
const (
	InfoFile    = "info.log"
	WarningFile = "warning.log"
	ErrorFile   = "error.log"
)

// Logger provides leveled logging (info/warning/error) to stdout/stderr and,
// when a log directory is set, to one file per level.
type Logger struct {
	infoLog    *log.Logger
	warningLog *log.Logger
	errorLog   *log.Logger
	logDir     string
	files      []*os.File
	mu         sync.Mutex
}

// NewLogger creates a Logger. An empty logDir logs to stdout/stderr only;
// otherwise the directory is created and each level is mirrored to a file.
func NewLogger(logDir string) (*Logger, error) {
	l := &Logger{logDir: logDir}

	if logDir == "" {
		l.setupLoggers(os.Stdout, os.Stdout, os.Stderr)
		return l, nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	var writers [3]io.Writer
	for i, name := range []string{InfoFile, WarningFile, ErrorFile} {
		f, err := l.openLogFile(filepath.Join(logDir, name))
		if err != nil {
			l.Close()
			return nil, err
		}
		writers[i] = f
	}

	l.setupLoggers(
		io.MultiWriter(os.Stdout, writers[0]),
		io.MultiWriter(os.Stdout, writers[1]),
		io.MultiWriter(os.Stderr, writers[2]),
	)
	return l, nil
}

// New creates a Logger writing every level to w.
func New(w io.Writer) *Logger {
	l := &Logger{}
	l.setupLoggers(w, w, w)
	return l
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return New(io.Discard)
}

// setupLoggers initializes the per-level loggers.
func (l *Logger) setupLoggers(info, warning, errw io.Writer) {
	l.infoLog = log.New(info, "INFO    ", log.Ldate|log.Ltime|log.Lmicroseconds)
	l.warningLog = log.New(warning, "WARNING ", log.Ldate|log.Ltime|log.Lmicroseconds)
	l.errorLog = log.New(errw, "ERROR   ", log.Ldate|log.Ltime|log.Lmicroseconds)
}

// openLogFile opens or creates a log file for appending.
func (l *Logger) openLogFile(filename string) (*os.File, error) {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", filename, err)
	}
	l.files = append(l.files, file)
	return file, nil
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLog.Printf(format, v...)
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warningLog.Printf(format, v...)
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLog.Printf(format, v...)
}

// Dir returns the log directory, empty when logging to the console only.
func (l *Logger) Dir() string {
	return l.logDir
}

// CleanLogs truncates the specified log file.
func (l *Logger) CleanLogs(fileName string) error {
	if l.logDir == "" {
		return nil
	}
	filePath := filepath.Join(l.logDir, filepath.Base(fileName))
	if err := os.Truncate(filePath, 0); err != nil {
		l.Error("Error truncating %s: %v", fileName, err)
		return err
	}
	l.Info("Log %s has been cleared.", fileName)
	return nil
}

// Close closes the level files.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.files = nil
	return firstErr
}
