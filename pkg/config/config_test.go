package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	s := NewStore(path)
	require.NoError(t, s.Load())
	return s
}

func TestLoadParsesKeyValueLines(t *testing.T) {
	s := writeConfig(t, "ROUTING_DEFAULT_COST=1\n# comment\n; other comment\n\n  ROUTING_RETRY_COUNT = 3 \nBROKEN LINE\n")

	v, ok := s.Get("ROUTING_DEFAULT_COST")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	v, ok = s.Get("ROUTING_RETRY_COUNT")
	require.True(t, ok)
	assert.Equal(t, "3", v, "whitespace is trimmed")

	_, ok = s.Get("BROKEN LINE")
	assert.False(t, ok)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := writeConfig(t, "A=1\nB=two\nC=3\n")
	s.Set("B", "override")
	s.Set("D", "appended")
	require.NoError(t, s.Save())

	reloaded := NewStore(s.Path())
	require.NoError(t, reloaded.Load())

	for key, want := range map[string]string{"A": "1", "B": "override", "C": "3", "D": "appended"} {
		got, ok := reloaded.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, want, got)
	}
}

func TestSaveIsByteStable(t *testing.T) {
	s := writeConfig(t, "A=1\nB=2\n")
	require.NoError(t, s.Save())
	first, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	reloaded := NewStore(s.Path())
	require.NoError(t, reloaded.Load())
	require.NoError(t, reloaded.Save())
	second, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	assert.Equal(t, first, second, "save/load/save reproduces the file byte-for-byte")
}

func TestTypedGetters(t *testing.T) {
	s := writeConfig(t, "COUNT=5\nDELAY_MS=250\nBAD=zero\nZERO=0\n")

	assert.Equal(t, uint32(5), s.GetUint32("COUNT", 1))
	assert.Equal(t, uint32(9), s.GetUint32("MISSING", 9))
	assert.Equal(t, uint32(9), s.GetUint32("BAD", 9))
	assert.Equal(t, uint32(9), s.GetUint32("ZERO", 9), "zero values keep the default")

	assert.Equal(t, 250*time.Millisecond, s.GetDurationMS("DELAY_MS", time.Second))
	assert.Equal(t, time.Second, s.GetDurationMS("MISSING", time.Second))
}

func TestSetAndSave(t *testing.T) {
	s := writeConfig(t, "A=1\n")
	require.NoError(t, s.SetAndSave(map[string]string{"A": "2", "B": "new"}))

	reloaded := NewStore(s.Path())
	require.NoError(t, reloaded.Load())
	assert.Equal(t, uint32(2), reloaded.GetUint32("A", 0))
	v, ok := reloaded.Get("B")
	require.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestApplyDispatchesHandlers(t *testing.T) {
	s := writeConfig(t, "KNOWN=1\nUNKNOWN=2\n")

	var got string
	err := s.Apply(map[string]Handler{
		"KNOWN": func(value string) error {
			got = value
			return nil
		},
	})
	require.NoError(t, err, "unknown keys warn but do not fail")
	assert.Equal(t, "1", got)
}

func TestWatchReportsChanges(t *testing.T) {
	s := writeConfig(t, "A=1\n")
	done := make(chan struct{})
	defer close(done)

	changes, err := s.Watch(done)
	require.NoError(t, err)

	s.Set("A", "2")
	require.NoError(t, s.Save())

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification received")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.ini"))
	assert.Error(t, s.Load())
}
