// Package sd implements the SD card storage collaborator on top of a
// mounted filesystem: plain reads/writes, size-based log rotation, CSV and
// JSON export and the asynchronous write queue drained by the logger.
package sd

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/canesp/monitor/pkg/rtc"
)

// DefaultMaxLogFileSize is the rotation size applied until the config is
// loaded (bytes).
const DefaultMaxLogFileSize = 64 * 1024

const asyncQueueLength = 64

var ErrNotInitialized = errors.New("sd: store not initialized")

// Store is a filesystem-backed SD storage area rooted at a mount point.
type Store struct {
	mu          sync.Mutex
	root        string
	maxFileSize int64
	seq         map[string]int // rotation sequence per dir/prefix

	asyncQueue chan string
	clock      rtc.Clock
	logger     *logrus.Entry

	// freeSpace is replaceable for tests; defaults to statfs on root.
	freeSpace func(path string) (uint64, error)
}

// NewStore opens the storage area rooted at root, creating it when absent.
func NewStore(root string, clock rtc.Clock) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("sd: mount %s: %w", root, err)
	}
	return &Store{
		root:        root,
		maxFileSize: DefaultMaxLogFileSize,
		seq:         make(map[string]int),
		asyncQueue:  make(chan string, asyncQueueLength),
		clock:       clock,
		logger:      logrus.WithField("component", "sd"),
		freeSpace:   statfsFree,
	}, nil
}

func statfsFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bsize) * st.Bavail, nil
}

// Root returns the mount point.
func (s *Store) Root() string { return s.root }

func (s *Store) abs(path string) string {
	return filepath.Join(s.root, path)
}

// Write stores data at path, creating parent directories as needed.
func (s *Store) Write(path string, data []byte) error {
	full := s.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

// Read fills buf with at most len(buf) bytes from path, returning the count.
func (s *Store) Read(path string, buf []byte) (int, error) {
	f, err := os.Open(s.abs(path))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.Read(buf)
	if n > 0 {
		return n, nil
	}
	return n, err
}

// ReadFile returns the full contents of path.
func (s *Store) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(s.abs(path))
}

// CreateDirectory creates a directory (and parents) under the mount point.
func (s *Store) CreateDirectory(path string) error {
	return os.MkdirAll(s.abs(path), 0o755)
}

// DeleteFile removes path.
func (s *Store) DeleteFile(path string) error {
	return os.Remove(s.abs(path))
}

// SetMaxFileSize updates the rotation threshold.
func (s *Store) SetMaxFileSize(size int64) {
	s.mu.Lock()
	if size > 0 {
		s.maxFileSize = size
	}
	s.mu.Unlock()
}

// WriteWithRotation appends line to the current dir/prefix_NNN.log file,
// starting a new file once the current one exceeds the rotation size.
func (s *Store) WriteWithRotation(dir, prefix, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.abs(dir), 0o755); err != nil {
		return err
	}
	key := dir + "/" + prefix
	name := func() string {
		return s.abs(filepath.Join(dir, fmt.Sprintf("%s_%03d.log", prefix, s.seq[key])))
	}
	if info, err := os.Stat(name()); err == nil && info.Size() >= s.maxFileSize {
		s.seq[key]++
		s.logger.WithField("file", name()).Debug("rotating log file")
	}
	f, err := os.OpenFile(name(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// WriteCSV stores rows as a CSV file at path.
func (s *Store) WriteCSV(path string, rows [][]string) error {
	full := s.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	f, err := os.Create(full)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// WriteJSON stores v as an indented JSON file at path.
func (s *Store) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return s.Write(path, data)
}

// FormattedTimestamp returns the clock reading formatted for filenames.
func (s *Store) FormattedTimestamp() string {
	return s.clock.Now().Format("20060102_150405")
}

// AsyncQueue returns the queue drained by the logger's async write task.
func (s *Store) AsyncQueue() chan string {
	return s.asyncQueue
}

// FreeSpace reports the available bytes on the mount point.
func (s *Store) FreeSpace() (uint64, error) {
	return s.freeSpace(s.root)
}
