// Package diagnosis periodically fuses CAN transport counters into a
// circular history, evaluates configurable thresholds and notifies an alert
// callback with abnormal samples.
package diagnosis

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/canesp/monitor/pkg/canbus"
	"github.com/canesp/monitor/pkg/rtc"
)

// HistorySize is the capacity of the circular sample history.
const HistorySize = 50

var ErrNullInput = errors.New("diagnosis: missing required input")

// Source is the slice of the CAN transport the engine reads from.
type Source interface {
	Diagnostics() (canbus.Diagnostics, error)
	LatencyMetrics() canbus.LatencyMetrics
	QueueStatus() (canbus.QueueStatus, error)
	BusLoad() uint32
	RetransmissionCount() uint32
	CollisionCount() uint32
	TransmissionAttempts() uint32
}

// Sample is one diagnosis measurement. Abnormal is set when at least one
// threshold was breached during evaluation.
type Sample struct {
	CAN             canbus.Diagnostics
	Latency         canbus.LatencyMetrics
	Queue           canbus.QueueStatus
	BusLoad         uint32
	Retransmissions uint32
	Collisions      uint32
	Attempts        uint32
	Timestamp       int64 // µs since epoch; zero marks an empty slot
	Abnormal        bool
}

// Thresholds are the breach limits applied to every sample. A value is
// abnormal only when strictly greater than its threshold.
type Thresholds struct {
	TxErrors        uint32
	RxErrors        uint32
	BusLoad         uint32
	MaxLatency      time.Duration
	Retransmissions uint32
	Collisions      uint32
}

// DefaultThresholds returns the limits applied until SetThresholds is
// called.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TxErrors:        10,
		RxErrors:        10,
		BusLoad:         80,
		MaxLatency:      5 * time.Millisecond,
		Retransmissions: 5,
		Collisions:      5,
	}
}

// AlertCallback receives the full sample whenever a threshold is breached.
type AlertCallback func(*Sample)

// Engine owns the sample history. All state is guarded by a single mutex;
// updates happen in the supervisor's diagnosis acquisition task.
type Engine struct {
	mu         sync.Mutex
	source     Source
	history    [HistorySize]Sample
	index      int
	thresholds Thresholds
	callback   AlertCallback
	clock      rtc.Clock
	logger     *logrus.Entry
}

// NewEngine creates an engine reading from source and stamping samples with
// clock.
func NewEngine(source Source, clock rtc.Clock) *Engine {
	return &Engine{
		source:     source,
		thresholds: DefaultThresholds(),
		clock:      clock,
		logger:     logrus.WithField("component", "diagnosis"),
	}
}

// SetThresholds replaces the breach limits.
func (e *Engine) SetThresholds(t Thresholds) {
	e.mu.Lock()
	e.thresholds = t
	e.mu.Unlock()
	e.logger.WithFields(logrus.Fields{
		"txErrors": t.TxErrors,
		"rxErrors": t.RxErrors,
		"busLoad":  t.BusLoad,
		"latency":  t.MaxLatency,
	}).Info("diagnosis thresholds updated")
}

// RegisterAlertCallback sets the function notified with abnormal samples.
func (e *Engine) RegisterAlertCallback(fn AlertCallback) error {
	if fn == nil {
		return ErrNullInput
	}
	e.mu.Lock()
	e.callback = fn
	e.mu.Unlock()
	return nil
}

// Update reads every transport counter atomically with respect to the
// engine, evaluates the thresholds and appends the sample to the history.
// The sample is observable in the history only after its thresholds have
// been evaluated and the callback delivered.
func (e *Engine) Update(out *Sample) error {
	if out == nil {
		return ErrNullInput
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	diag, err := e.source.Diagnostics()
	if err != nil {
		return err
	}
	queue, err := e.source.QueueStatus()
	if err != nil {
		return err
	}

	out.CAN = diag
	out.Latency = e.source.LatencyMetrics()
	out.Queue = queue
	out.BusLoad = e.source.BusLoad()
	out.Retransmissions = e.source.RetransmissionCount()
	out.Collisions = e.source.CollisionCount()
	out.Attempts = e.source.TransmissionAttempts()
	out.Timestamp = rtc.Micros(e.clock)

	e.analyze(out)

	e.history[e.index] = *out
	e.index = (e.index + 1) % HistorySize
	return nil
}

// analyze compares each field against its threshold; caller holds the mutex.
func (e *Engine) analyze(s *Sample) {
	s.Abnormal = false
	t := e.thresholds

	if s.CAN.TxErrorCounter > t.TxErrors {
		e.logger.WithField("txErrors", s.CAN.TxErrorCounter).Warn("TX error counter over threshold")
		s.Abnormal = true
	}
	if s.CAN.RxErrorCounter > t.RxErrors {
		e.logger.WithField("rxErrors", s.CAN.RxErrorCounter).Warn("RX error counter over threshold")
		s.Abnormal = true
	}
	if s.BusLoad > t.BusLoad {
		e.logger.WithField("busLoad", s.BusLoad).Warn("bus load over threshold")
		s.Abnormal = true
	}
	if s.Latency.Max > t.MaxLatency {
		e.logger.WithField("maxLatency", s.Latency.Max).Warn("max latency over threshold")
		s.Abnormal = true
	}
	if s.Retransmissions > t.Retransmissions {
		e.logger.WithField("retransmissions", s.Retransmissions).Warn("retransmissions over threshold")
		s.Abnormal = true
	}
	if s.Collisions > t.Collisions {
		e.logger.WithField("collisions", s.Collisions).Warn("collisions over threshold")
		s.Abnormal = true
	}

	if s.Abnormal && e.callback != nil {
		e.callback(s)
	}
}

// History copies up to max samples in storage order.
func (e *Engine) History(max int) []Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	if max > HistorySize {
		max = HistorySize
	}
	out := make([]Sample, 0, max)
	for i := 0; i < max; i++ {
		out = append(out, e.history[i])
	}
	return out
}

// Print renders a sample through the component logger.
func (e *Engine) Print(s *Sample) {
	if s == nil {
		return
	}
	e.logger.WithFields(logrus.Fields{
		"txErrors":        s.CAN.TxErrorCounter,
		"rxErrors":        s.CAN.RxErrorCounter,
		"busOff":          s.CAN.BusOff,
		"busLoad":         s.BusLoad,
		"queueWaiting":    s.Queue.MessagesWaiting,
		"retransmissions": s.Retransmissions,
		"collisions":      s.Collisions,
		"attempts":        s.Attempts,
		"latencySamples":  s.Latency.Samples,
		"maxLatency":      s.Latency.Max,
		"timestamp":       s.Timestamp,
	}).Info("diagnosis sample")
	if s.Abnormal {
		e.logger.Warn("abnormal condition present in diagnosis sample")
	}
}

// LatencyStatistics computes the arithmetic mean and population standard
// deviation of max latency over valid history entries (nonzero timestamp).
// Both are zero when no valid samples exist.
func (e *Engine) LatencyStatistics() (mean, stddev time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sum, sumSq float64
	var valid int
	for i := 0; i < HistorySize; i++ {
		if e.history[i].Timestamp == 0 {
			continue
		}
		lat := float64(e.history[i].Latency.Max)
		sum += lat
		sumSq += lat * lat
		valid++
	}
	if valid == 0 {
		e.logger.Warn("no valid samples for latency statistics")
		return 0, 0
	}
	m := sum / float64(valid)
	variance := sumSq/float64(valid) - m*m
	if variance < 0 {
		variance = 0
	}
	return time.Duration(m), time.Duration(math.Sqrt(variance))
}
