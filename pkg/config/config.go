// Package config owns the shared config.ini file: a flat KEY=VALUE store
// that is the single source of truth for every knob loaded at boot. All
// readers and writers serialise on the store's file lock; runtime mutations
// write the file back before reporting success.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileName is the canonical configuration file name.
const FileName = "config.ini"

var ErrNotFound = errors.New("config: key not found")

// Handler consumes the value of one known key during Apply.
type Handler func(value string) error

// Store is the in-memory image of config.ini. Key order is preserved across
// a load/save round trip; comment and blank lines are not kept, so a save
// writes only KEY=VALUE lines.
type Store struct {
	mu     sync.Mutex // file lock: guards values and all file I/O
	path   string
	order  []string
	values map[string]string
	logger *logrus.Entry
}

// NewStore creates a store bound to path. The file is not read until Load.
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		values: make(map[string]string),
		logger: logrus.WithField("component", "config"),
	}
}

// Path returns the bound file path.
func (s *Store) Path() string { return s.path }

// Load reads the file in a single pass: comment and blank lines are
// skipped, each remaining line is split on the first '=' and trimmed.
// Malformed lines warn and are ignored.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", s.path, err)
	}
	defer f.Close()

	s.order = s.order[:0]
	s.values = make(map[string]string)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			s.logger.WithField("line", line).Warn("malformed configuration line ignored")
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if _, exists := s.values[key]; !exists {
			s.order = append(s.order, key)
		}
		s.values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"path": s.path, "keys": len(s.values)}).Info("configuration loaded")
	return nil
}

// Save writes every key back in load order, via a temporary file renamed
// into place.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("config: write %s: %w", s.path, err)
	}
	w := bufio.NewWriter(f)
	for _, key := range s.order {
		fmt.Fprintf(w, "%s=%s\n", key, s.values[key])
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Get returns the raw value for key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// GetUint32 parses key as an unsigned integer, returning fallback when the
// key is absent or invalid.
func (s *Store) GetUint32(key string, fallback uint32) uint32 {
	v, ok := s.Get(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		s.logger.WithFields(logrus.Fields{"key": key, "value": v}).Warn("invalid configuration value, keeping default")
		return fallback
	}
	return uint32(n)
}

// GetDurationMS parses key as a millisecond count.
func (s *Store) GetDurationMS(key string, fallback time.Duration) time.Duration {
	v, ok := s.Get(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		s.logger.WithFields(logrus.Fields{"key": key, "value": v}).Warn("invalid configuration value, keeping default")
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

// Set updates a key in memory. New keys append to the write order.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.values[key]; !exists {
		s.order = append(s.order, key)
	}
	s.values[key] = value
}

// SetAndSave updates the given keys and writes the file back under the
// file lock. In-memory state stays updated even when the write fails.
func (s *Store) SetAndSave(kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range kv {
		if _, exists := s.values[key]; !exists {
			s.order = append(s.order, key)
		}
		s.values[key] = value
	}
	return s.saveLocked()
}

// Apply dispatches every loaded key through the handler table. Keys without
// a handler warn but do not fail; handler errors abort.
func (s *Store) Apply(handlers map[string]Handler) error {
	s.mu.Lock()
	snapshot := make(map[string]string, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, key := range order {
		h, ok := handlers[key]
		if !ok {
			s.logger.WithField("key", key).Warn("unknown configuration key")
			continue
		}
		if err := h(snapshot[key]); err != nil {
			return fmt.Errorf("config: key %s: %w", key, err)
		}
	}
	return nil
}

// Watch reports a tick whenever the file changes on disk. The watcher stops
// when done is closed; used by the supervisor's configuration task as a
// trigger in addition to its periodic reload.
func (s *Store) Watch(done <-chan struct{}) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: saves replace the file by rename, which would
	// orphan a watch on the file's inode.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, err
	}
	changes := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		defer close(changes)
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					select {
					case changes <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.WithError(err).Warn("configuration watcher error")
			}
		}
	}()
	return changes, nil
}
