// Package logger implements the persistent log sink of the monitor node: a
// level-filtered ring buffer with asynchronous SD persistence and a
// critical-log mirror in non-volatile storage.
package logger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/canesp/monitor/pkg/rtc"
)

// MaxEntries is the capacity of the in-memory log ring.
const MaxEntries = 100

// MaxMessageSize bounds a single log message in bytes.
const MaxMessageSize = 128

// sdWriteRetries is the number of local attempts around a failing SD write
// before escalating to a critical alert.
const sdWriteRetries = 3

var (
	ErrNullInput = errors.New("logger: missing required input")
	ErrStorage   = errors.New("logger: storage failure")
)

// Level classifies log entries. Entries below the configured minimum level
// are dropped before timestamping.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Entry is one buffered log record. A zero timestamp marks an empty slot.
type Entry struct {
	Timestamp int64 `json:"timestamp"` // ms since epoch
	Level     Level `json:"level"`
	Message   string `json:"message"`
}

// AlertCallback is notified for warning and critical entries only.
type AlertCallback func(Entry)

// Storage is the SD card collaborator surface the logger depends on.
type Storage interface {
	WriteWithRotation(dir, prefix, line string) error
	WriteCSV(path string, rows [][]string) error
	WriteJSON(path string, v any) error
	AsyncQueue() chan string
	FreeSpace() (uint64, error)
	SetMaxFileSize(size int64)
	FormattedTimestamp() string
}

// KV is the non-volatile key-value collaborator used for the critical-log
// mirror.
type KV interface {
	SetBlob(key string, data []byte) error
	GetBlob(key string) ([]byte, error)
	Commit() error
}

const criticalLogsKey = "critical_logs"

// Logger owns the ring buffer. One mutex serialises every access; the RTC
// handle is obtained once at construction and held for the logger's
// lifetime.
type Logger struct {
	mu       sync.Mutex
	buffer   [MaxEntries]Entry
	index    int
	level    Level
	sdDir    string
	callback AlertCallback

	sd    Storage
	nvs   KV
	clock rtc.Clock

	maxFileSize        int64
	freeSpaceThreshold uint64

	log *logrus.Entry
}

// New creates a logger over the given collaborators.
func New(sd Storage, nvs KV, clock rtc.Clock) *Logger {
	return &Logger{
		level:              LevelInfo,
		sdDir:              "logs",
		sd:                 sd,
		nvs:                nvs,
		clock:              clock,
		freeSpaceThreshold: DefaultFreeSpaceThreshold,
		log:                logrus.WithField("component", "logger"),
	}
}

// Log records a formatted message at the given level. Messages below the
// minimum level are discarded before timestamping.
func (l *Logger) Log(level Level, format string, args ...any) {
	if format == "" || level < l.minLevel() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if len(msg) > MaxMessageSize {
		msg = msg[:MaxMessageSize]
	}

	l.mu.Lock()
	entry := Entry{
		Timestamp: rtc.Millis(l.clock),
		Level:     level,
		Message:   msg,
	}
	l.buffer[l.index] = entry
	l.index = (l.index + 1) % MaxEntries
	cb := l.callback
	l.mu.Unlock()

	if (level == LevelWarning || level == LevelCritical) && cb != nil {
		cb(entry)
	}
}

// LogAlert records an alert message with the "ALERTA:" prefix.
func (l *Logger) LogAlert(level Level, message string) {
	if message == "" {
		return
	}
	l.Log(level, "ALERTA: %s", message)
}

// RegisterAlertCallback sets the function notified for warning and critical
// entries.
func (l *Logger) RegisterAlertCallback(fn AlertCallback) {
	l.mu.Lock()
	l.callback = fn
	l.mu.Unlock()
}

// SetLevel updates the minimum level gate.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
	l.log.WithField("level", level).Info("minimum log level updated")
}

func (l *Logger) minLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetSDDirectory configures the directory used for SD persistence.
func (l *Logger) SetSDDirectory(dir string) error {
	if dir == "" {
		return ErrNullInput
	}
	l.mu.Lock()
	l.sdDir = dir
	l.mu.Unlock()
	l.log.WithField("dir", dir).Info("log directory updated")
	return nil
}

// SetMaxFileSize propagates the rotation size to the SD collaborator.
func (l *Logger) SetMaxFileSize(size int64) {
	l.mu.Lock()
	l.maxFileSize = size
	l.mu.Unlock()
	l.sd.SetMaxFileSize(size)
	l.log.WithField("size", size).Info("max log file size updated")
}

// SetFreeSpaceThreshold configures the free-space floor checked by the
// monitor task.
func (l *Logger) SetFreeSpaceThreshold(threshold uint64) {
	l.mu.Lock()
	l.freeSpaceThreshold = threshold
	l.mu.Unlock()
}

// PrintBuffer renders every populated entry through the component logger.
func (l *Logger) PrintBuffer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < MaxEntries; i++ {
		if l.buffer[i].Timestamp == 0 {
			continue
		}
		l.log.WithFields(logrus.Fields{
			"timestamp": l.buffer[i].Timestamp,
			"level":     l.buffer[i].Level.String(),
		}).Info(l.buffer[i].Message)
	}
}

// Entries returns a copy of the populated buffer slots in storage order.
func (l *Logger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, MaxEntries)
	for i := 0; i < MaxEntries; i++ {
		if l.buffer[i].Timestamp != 0 {
			out = append(out, l.buffer[i])
		}
	}
	return out
}

// AsyncWrite enqueues a copy of data for the asynchronous SD write task.
func (l *Logger) AsyncWrite(data string) error {
	if data == "" {
		return ErrNullInput
	}
	select {
	case l.sd.AsyncQueue() <- data:
		return nil
	default:
		l.log.Error("async write queue full, entry dropped")
		return ErrStorage
	}
}

// SendLogs forwards buffered logs to an external system.
//
// TODO: the export transport is undecided; the original placeholder named
// MQTT but never implemented it. Wire to pkg/transport/mqtt once the export
// topic contract exists.
func (l *Logger) SendLogs() {
	l.log.Info("log export not implemented")
}
