package diagnosis

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canesp/monitor/pkg/canbus"
	"github.com/canesp/monitor/pkg/rtc"
)

// fakeSource feeds canned transport readings into the engine.
type fakeSource struct {
	diag     canbus.Diagnostics
	diagErr  error
	latency  canbus.LatencyMetrics
	queue    canbus.QueueStatus
	queueErr error
	busLoad  uint32
	retrans  uint32
	coll     uint32
	attempts uint32
}

func (f *fakeSource) Diagnostics() (canbus.Diagnostics, error) { return f.diag, f.diagErr }
func (f *fakeSource) LatencyMetrics() canbus.LatencyMetrics    { return f.latency }
func (f *fakeSource) QueueStatus() (canbus.QueueStatus, error) { return f.queue, f.queueErr }
func (f *fakeSource) BusLoad() uint32                          { return f.busLoad }
func (f *fakeSource) RetransmissionCount() uint32              { return f.retrans }
func (f *fakeSource) CollisionCount() uint32                   { return f.coll }
func (f *fakeSource) TransmissionAttempts() uint32             { return f.attempts }

func newTestEngine(src *fakeSource) *Engine {
	clock := rtc.NewManualClock(time.Unix(1700000000, 0))
	return NewEngine(src, clock)
}

func TestUpdateStoresSample(t *testing.T) {
	src := &fakeSource{
		diag:    canbus.Diagnostics{TxErrorCounter: 1, RxErrorCounter: 2},
		busLoad: 10,
	}
	e := newTestEngine(src)

	var s Sample
	require.NoError(t, e.Update(&s))
	assert.False(t, s.Abnormal)
	assert.NotZero(t, s.Timestamp)

	history := e.History(HistorySize)
	assert.NotZero(t, history[0].Timestamp)
	assert.Zero(t, history[1].Timestamp)
}

func TestUpdateNullSample(t *testing.T) {
	e := newTestEngine(&fakeSource{})
	assert.ErrorIs(t, e.Update(nil), ErrNullInput)
}

func TestUpdatePropagatesSourceFailure(t *testing.T) {
	src := &fakeSource{diagErr: errors.New("status read failed")}
	e := newTestEngine(src)
	var s Sample
	assert.Error(t, e.Update(&s))
}

func TestHistoryCountsMatchUpdates(t *testing.T) {
	src := &fakeSource{}
	e := newTestEngine(src)

	const k = 7
	for i := 0; i < k; i++ {
		var s Sample
		require.NoError(t, e.Update(&s))
	}
	var valid int
	for _, s := range e.History(HistorySize) {
		if s.Timestamp != 0 {
			valid++
		}
	}
	assert.Equal(t, k, valid)
}

func TestLatencyThresholdBoundary(t *testing.T) {
	src := &fakeSource{}
	e := newTestEngine(src)
	thresholds := DefaultThresholds()
	thresholds.MaxLatency = 5 * time.Millisecond
	e.SetThresholds(thresholds)

	src.latency = canbus.LatencyMetrics{Max: 5 * time.Millisecond, Samples: 1}
	var s Sample
	require.NoError(t, e.Update(&s))
	assert.False(t, s.Abnormal, "latency equal to threshold is not abnormal")

	src.latency.Max = 5*time.Millisecond + time.Microsecond
	require.NoError(t, e.Update(&s))
	assert.True(t, s.Abnormal, "latency strictly greater than threshold is abnormal")
}

func TestBusLoadTripNotifiesCallback(t *testing.T) {
	src := &fakeSource{busLoad: 81, latency: canbus.LatencyMetrics{Max: 2 * time.Millisecond}}
	e := newTestEngine(src)

	var notified int
	require.NoError(t, e.RegisterAlertCallback(func(s *Sample) {
		notified++
		assert.True(t, s.Abnormal)
	}))

	for i := 0; i < 3; i++ {
		var s Sample
		require.NoError(t, e.Update(&s))
		assert.True(t, s.Abnormal)
	}
	assert.Equal(t, 3, notified)

	mean, stddev := e.LatencyStatistics()
	assert.Equal(t, 2*time.Millisecond, mean)
	assert.Equal(t, time.Duration(0), stddev)
}

func TestLatencyStatisticsEmptyHistory(t *testing.T) {
	e := newTestEngine(&fakeSource{})
	mean, stddev := e.LatencyStatistics()
	assert.Zero(t, mean)
	assert.Zero(t, stddev)
}

func TestLatencyStatisticsSpread(t *testing.T) {
	src := &fakeSource{}
	e := newTestEngine(src)

	// Two samples at 1ms and 3ms: mean 2ms, population stddev 1ms.
	src.latency = canbus.LatencyMetrics{Max: time.Millisecond}
	var s Sample
	require.NoError(t, e.Update(&s))
	src.latency.Max = 3 * time.Millisecond
	require.NoError(t, e.Update(&s))

	mean, stddev := e.LatencyStatistics()
	assert.Equal(t, 2*time.Millisecond, mean)
	assert.InDelta(t, float64(time.Millisecond), float64(stddev), float64(time.Microsecond))
}

func TestRegisterAlertCallbackNil(t *testing.T) {
	e := newTestEngine(&fakeSource{})
	assert.ErrorIs(t, e.RegisterAlertCallback(nil), ErrNullInput)
}
