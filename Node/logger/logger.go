package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"

	configurations "lamport-kv/Configurations"
)

type Logger struct {
	file   *os.File
	logger *log.Logger
	mu     sync.Mutex
	muted  uint32
}

var loggers = make(map[configurations.NodeID]*Logger)
var loggerMu sync.Mutex

// GetLogger returns the file logger for a node, creating Logs/PrintLog_<id>.txt
// on first use.
func GetLogger(nodeID configurations.NodeID) *Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if logger, exists := loggers[nodeID]; exists {
		return logger
	}

	os.MkdirAll("Logs", 0755)
	filename := fmt.Sprintf("Logs/PrintLog_%d.txt", nodeID)
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Fatalf("Failed to create log file for node %d: %v", nodeID, err)
	}

	logger := &Logger{
		file:   file,
		logger: log.New(file, "", log.LstdFlags|log.Lmicroseconds),
	}
	loggers[nodeID] = logger
	return logger
}

// New returns a logger writing to w that is not backed by a file.
func New(w io.Writer) *Logger {
	return &Logger{
		logger: log.New(w, "", log.LstdFlags|log.Lmicroseconds),
	}
}

// Discard returns a logger that drops every line.
func Discard() *Logger {
	return New(io.Discard)
}

func (l *Logger) Log(format string, args ...interface{}) {
	if atomic.LoadUint32(&l.muted) == 1 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf(format, args...)
}

func (l *Logger) SetMuted(enabled bool) {
	if enabled {
		atomic.StoreUint32(&l.muted, 1)
		return
	}
	atomic.StoreUint32(&l.muted, 0)
}

func (l *Logger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	l.logger = log.New(l.file, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
	}
}

// PrintLogContent copies the log file to w. Loggers without a file print nothing.
func (l *Logger) PrintLogContent(w io.Writer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}

	filename := l.file.Name()
	l.file.Close()

	content, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read log file: %v", err)
	}
	if _, err := w.Write(content); err != nil {
		return err
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to reopen log file: %v", err)
	}
	l.file = file
	l.logger = log.New(file, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}
