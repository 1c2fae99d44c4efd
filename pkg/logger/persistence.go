package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Persistence cadences of the background tasks.
const (
	FlushPeriod   = 60 * time.Second
	MonitorPeriod = 30 * time.Second

	// DefaultFreeSpaceThreshold is the free-space floor below which the
	// monitor task raises a critical alert (bytes).
	DefaultFreeSpaceThreshold = 1 << 20

	// monitorErrorThreshold is the consecutive-failure count after which
	// the monitor task resets and continues.
	monitorErrorThreshold = 5
)

// SaveToSD persists every populated entry through the rotation writer. Each
// entry write is retried locally before the failure escalates to a critical
// alert.
func (l *Logger) SaveToSD() error {
	l.mu.Lock()
	entries := make([]Entry, 0, MaxEntries)
	for i := 0; i < MaxEntries; i++ {
		if l.buffer[i].Timestamp != 0 {
			entries = append(entries, l.buffer[i])
		}
	}
	dir := l.sdDir
	l.mu.Unlock()

	var failed bool
	for _, e := range entries {
		line := fmt.Sprintf("%d,%d,%s", e.Timestamp, e.Level, e.Message)
		if err := l.writeWithRetries(dir, line); err != nil {
			l.log.WithError(err).WithField("entry", line).Error("failed to persist log entry")
			failed = true
		}
	}
	if failed {
		l.LogAlert(LevelCritical, "Falha persistente na gravacao de logs no SD Card!")
		return ErrStorage
	}
	return nil
}

func (l *Logger) writeWithRetries(dir, line string) error {
	var err error
	for attempt := 0; attempt < sdWriteRetries; attempt++ {
		if err = l.sd.WriteWithRotation(dir, "logs", line); err == nil {
			return nil
		}
	}
	return err
}

// SaveCriticalToNVS mirrors the warning and critical entries into the
// non-volatile store.
func (l *Logger) SaveCriticalToNVS() error {
	l.mu.Lock()
	critical := make([]Entry, 0, MaxEntries)
	for i := 0; i < MaxEntries; i++ {
		e := l.buffer[i]
		if e.Timestamp != 0 && e.Level >= LevelWarning {
			critical = append(critical, e)
		}
	}
	l.mu.Unlock()

	blob, err := json.Marshal(critical)
	if err != nil {
		return err
	}
	if err := l.nvs.SetBlob(criticalLogsKey, blob); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return l.nvs.Commit()
}

// LoadCriticalFromNVS restores mirrored entries into the buffer.
func (l *Logger) LoadCriticalFromNVS() error {
	blob, err := l.nvs.GetBlob(criticalLogsKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var entries []Entry
	if err := json.Unmarshal(blob, &entries); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		l.buffer[l.index] = e
		l.index = (l.index + 1) % MaxEntries
	}
	return nil
}

// ExportCSV writes the buffer to a timestamped CSV file in the log
// directory.
func (l *Logger) ExportCSV() error {
	entries := l.Entries()
	rows := make([][]string, 0, len(entries)+1)
	rows = append(rows, []string{"timestamp", "level", "message"})
	for _, e := range entries {
		rows = append(rows, []string{
			strconv.FormatInt(e.Timestamp, 10),
			e.Level.String(),
			e.Message,
		})
	}
	l.mu.Lock()
	dir := l.sdDir
	l.mu.Unlock()
	path := fmt.Sprintf("%s/logs_%s.csv", dir, l.sd.FormattedTimestamp())
	return l.sd.WriteCSV(path, rows)
}

// ExportJSON writes the buffer to a timestamped JSON file in the log
// directory.
func (l *Logger) ExportJSON() error {
	entries := l.Entries()
	l.mu.Lock()
	dir := l.sdDir
	l.mu.Unlock()
	path := fmt.Sprintf("%s/logs_%s.json", dir, l.sd.FormattedTimestamp())
	return l.sd.WriteJSON(path, entries)
}

// StartFlushTask launches the periodic critical-log mirror. The task exits
// only at teardown.
func (l *Logger) StartFlushTask(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(FlushPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.SaveCriticalToNVS(); err != nil {
					l.log.WithError(err).Error("periodic critical-log flush failed")
				} else {
					l.log.Debug("periodic critical-log flush completed")
				}
			}
		}
	}()
}

// StartAsyncWriteTask launches the worker draining the SD async queue into
// the rotation writer.
func (l *Logger) StartAsyncWriteTask(ctx context.Context) {
	go func() {
		queue := l.sd.AsyncQueue()
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-queue:
				l.mu.Lock()
				dir := l.sdDir
				l.mu.Unlock()
				if err := l.sd.WriteWithRotation(dir, "logs", data); err != nil {
					l.log.WithError(err).Error("async log write failed")
				}
			}
		}
	}()
}

// StartMonitorTask launches the self-monitoring loop: every period it
// checks free space, alerts and attempts persistence when the floor is
// crossed, and resets the consecutive-error counter after it saturates.
func (l *Logger) StartMonitorTask(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(MonitorPeriod)
		defer ticker.Stop()
		var errorCount int
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				free, err := l.sd.FreeSpace()
				if err != nil {
					l.LogAlert(LevelWarning, "Falha ao obter informacoes do sistema de arquivos!")
					continue
				}
				l.mu.Lock()
				threshold := l.freeSpaceThreshold
				l.mu.Unlock()
				if free >= threshold {
					continue
				}
				l.LogAlert(LevelCritical, "Espaco livre critico no SD Card detectado!")
				if err := l.SaveToSD(); err != nil {
					errorCount++
					l.log.WithField("count", errorCount).Error("persistent log save failure")
				} else {
					errorCount = 0
				}
				if errorCount >= monitorErrorThreshold {
					// Placeholder for a deeper recovery procedure.
					errorCount = 0
				}
			}
		}
	}()
}
