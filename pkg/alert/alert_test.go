package alert

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canesp/monitor/pkg/canbus"
	"github.com/canesp/monitor/pkg/diagnosis"
	"github.com/canesp/monitor/pkg/logger"
	"github.com/canesp/monitor/pkg/rtc"
)

// sinkStorage satisfies logger.Storage minimally for the alert tests.
type sinkStorage struct {
	queue chan string
}

func (s *sinkStorage) WriteWithRotation(dir, prefix, line string) error { return nil }
func (s *sinkStorage) WriteCSV(path string, rows [][]string) error      { return nil }
func (s *sinkStorage) WriteJSON(path string, v any) error               { return nil }
func (s *sinkStorage) AsyncQueue() chan string                          { return s.queue }
func (s *sinkStorage) FreeSpace() (uint64, error)                       { return 10 << 20, nil }
func (s *sinkStorage) SetMaxFileSize(size int64)                        {}
func (s *sinkStorage) FormattedTimestamp() string                       { return "ts" }

type sinkKV struct{}

func (sinkKV) SetBlob(key string, data []byte) error { return nil }
func (sinkKV) GetBlob(key string) ([]byte, error)    { return nil, nil }
func (sinkKV) Commit() error                         { return nil }

func newTestSink() (*Sink, *logger.Logger) {
	clock := rtc.NewManualClock(time.Unix(1700000000, 0))
	log := logger.New(&sinkStorage{queue: make(chan string, 4)}, sinkKV{}, clock)
	return NewSink(log, clock), log
}

func TestBusOffEmitsCriticalAlert(t *testing.T) {
	s, log := newTestSink()
	sample := &diagnosis.Sample{CAN: canbus.Diagnostics{BusOff: true}}

	s.CheckConditions(sample)

	history := populated(s.History(HistorySize))
	require.Len(t, history, 1)
	assert.Equal(t, logger.LevelCritical, history[0].Level)
	assert.Equal(t, "Estado Bus-Off detectado!", history[0].Message)

	// The logger received the same alert.
	entries := log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "ALERTA: Estado Bus-Off detectado!", entries[0].Message)
	assert.Equal(t, logger.LevelCritical, entries[0].Level)
}

func TestErrorCounterRule(t *testing.T) {
	s, _ := newTestSink()

	s.CheckConditions(&diagnosis.Sample{CAN: canbus.Diagnostics{TxErrorCounter: 101}})
	s.CheckConditions(&diagnosis.Sample{CAN: canbus.Diagnostics{RxErrorCounter: 101}})

	history := populated(s.History(HistorySize))
	require.Len(t, history, 2)
	for _, e := range history {
		assert.Equal(t, logger.LevelWarning, e.Level)
		assert.True(t, strings.Contains(e.Message, "erros"))
	}
}

func TestBusLoadRule(t *testing.T) {
	s, _ := newTestSink()
	s.CheckConditions(&diagnosis.Sample{BusLoad: 81})

	history := populated(s.History(HistorySize))
	require.Len(t, history, 1)
	assert.Equal(t, logger.LevelWarning, history[0].Level)
}

func TestRetransmissionRule(t *testing.T) {
	s, _ := newTestSink()
	s.CheckConditions(&diagnosis.Sample{Retransmissions: 51})

	history := populated(s.History(HistorySize))
	require.Len(t, history, 1)
}

func TestBoundaryValuesDoNotTrigger(t *testing.T) {
	s, _ := newTestSink()
	s.CheckConditions(&diagnosis.Sample{
		CAN:             canbus.Diagnostics{TxErrorCounter: 100, RxErrorCounter: 100},
		BusLoad:         80,
		Retransmissions: 50,
	})
	assert.Empty(t, populated(s.History(HistorySize)))
}

func TestRuleOrderOnCombinedSample(t *testing.T) {
	s, _ := newTestSink()
	s.CheckConditions(&diagnosis.Sample{
		CAN:             canbus.Diagnostics{BusOff: true, TxErrorCounter: 200},
		BusLoad:         90,
		Retransmissions: 60,
	})

	history := populated(s.History(HistorySize))
	require.Len(t, history, 4)
	assert.Equal(t, logger.LevelCritical, history[0].Level)
	assert.Equal(t, "Estado Bus-Off detectado!", history[0].Message)
	assert.Contains(t, history[1].Message, "erros")
	assert.Contains(t, history[2].Message, "barramento")
	assert.Contains(t, history[3].Message, "retransmissoes")
}

func TestCustomThresholds(t *testing.T) {
	s, _ := newTestSink()
	s.SetThresholds(Thresholds{TxErrors: 5, RxErrors: 5, BusLoad: 10, Retransmissions: 1})

	s.CheckConditions(&diagnosis.Sample{BusLoad: 11})
	assert.Len(t, populated(s.History(HistorySize)), 1)
}

func TestNotificationCallback(t *testing.T) {
	s, _ := newTestSink()
	var mu sync.Mutex
	var got []Entry
	s.RegisterCallback(func(e Entry) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	s.CheckConditions(&diagnosis.Sample{CAN: canbus.Diagnostics{BusOff: true}})
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, logger.LevelCritical, got[0].Level)
}

func TestNilSampleIgnored(t *testing.T) {
	s, _ := newTestSink()
	s.CheckConditions(nil)
	assert.Empty(t, populated(s.History(HistorySize)))
}

// populated filters empty ring slots out of a history copy.
func populated(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Timestamp != 0 {
			out = append(out, e)
		}
	}
	return out
}
