package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize is the rotation threshold (100MB).
	DefaultMaxLogSize = 100 * 1024 * 1024
	logFileExtension  = ".jsonl"
	archiveDir        = "archive"
)

// LogEntry is a single audit log line.
type LogEntry struct {
	EventID   string                 `json:"event_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	TaskID    string                 `json:"task_id,omitempty"`
	StepID    string                 `json:"step_id,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditLogger appends JSONL entries with size-based rotation into an
// archive directory.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	rotationCounter int
}

// NewAuditLogger creates a new audit logger instance.
func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	logger := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	if err := logger.openLogFile(); err != nil {
		return nil, err
	}

	return logger, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record converts a bus event into a log entry and appends it.
func (l *AuditLogger) Record(event Event) error {
	entry := LogEntry{
		EventID:   event.ID,
		Timestamp: event.Timestamp,
		EventType: string(event.Type),
		Details:   event.Data,
	}

	if taskID, ok := event.Data["task_id"].(string); ok {
		entry.TaskID = taskID
	}
	if stepID, ok := event.Data["step_id"].(string); ok {
		entry.StepID = stepID
	}
	if runID, ok := event.Data["run_id"].(string); ok {
		entry.RunID = runID
	}

	return l.writeEntry(&entry)
}

func (l *AuditLogger) writeEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}

	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log file: %w", err)
	}

	dir := filepath.Join(filepath.Dir(l.logPath), archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	l.rotationCounter++
	baseName := filepath.Base(l.logPath)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		baseName[:len(baseName)-len(logFileExtension)],
		timestamp,
		l.rotationCounter,
		logFileExtension)

	if err := os.Rename(l.logPath, filepath.Join(dir, archiveName)); err != nil {
		return fmt.Errorf("archive log file: %w", err)
	}

	return l.openLogFile()
}

// Close flushes and closes the audit logger.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		return l.file.Close()
	}
	return nil
}

// AttachTo subscribes the audit logger to every event type on the bus.
// Returns a single unsubscribe function.
func (l *AuditLogger) AttachTo(bus *Bus) func() {
	types := []EventType{
		EventTaskSpawned, EventTaskMerged, EventTaskFailed, EventFixPromoted,
		EventStepStarted, EventStepFinished, EventBreakerTripped, EventOrphanRecovered,
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, bus.Subscribe(t, func(e Event) {
			_ = l.Record(e)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
