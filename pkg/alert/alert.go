// Package alert keeps a ring-buffered alert history fed by diagnosis
// samples and forwards every emission to the persistent logger.
package alert

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/canesp/monitor/pkg/diagnosis"
	"github.com/canesp/monitor/pkg/logger"
	"github.com/canesp/monitor/pkg/rtc"
)

// HistorySize is the capacity of the alert ring.
const HistorySize = 100

// MaxMessageSize bounds a single alert message in bytes.
const MaxMessageSize = 128

// Entry is one recorded alert.
type Entry struct {
	Timestamp int64 // ms since epoch, from the RTC
	Level     logger.Level
	Message   string
}

// Thresholds configure the alert rules.
type Thresholds struct {
	TxErrors        uint32
	RxErrors        uint32
	BusLoad         uint32
	Retransmissions uint32
}

// DefaultThresholds returns the documented defaults: TX 100, RX 100,
// bus load 80 %, retransmissions 50.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TxErrors:        100,
		RxErrors:        100,
		BusLoad:         80,
		Retransmissions: 50,
	}
}

// NotificationCallback is invoked with every recorded alert.
type NotificationCallback func(Entry)

// Sink records alerts and forwards them to the logger's alert channel.
type Sink struct {
	mu         sync.Mutex
	history    [HistorySize]Entry
	index      int
	thresholds Thresholds
	callback   NotificationCallback

	sink  *logger.Logger
	clock rtc.Clock
	log   *logrus.Entry
}

// NewSink creates an alert sink forwarding to the given logger.
func NewSink(sink *logger.Logger, clock rtc.Clock) *Sink {
	return &Sink{
		thresholds: DefaultThresholds(),
		sink:       sink,
		clock:      clock,
		log:        logrus.WithField("component", "alert"),
	}
}

// SetThresholds replaces the alert rules' limits.
func (s *Sink) SetThresholds(t Thresholds) {
	s.mu.Lock()
	s.thresholds = t
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{
		"txErrors":        t.TxErrors,
		"rxErrors":        t.RxErrors,
		"busLoad":         t.BusLoad,
		"retransmissions": t.Retransmissions,
	}).Info("alert thresholds updated")
}

// RegisterCallback sets the subscriber notified on every alert.
func (s *Sink) RegisterCallback(fn NotificationCallback) {
	s.mu.Lock()
	s.callback = fn
	s.mu.Unlock()
}

// record appends an alert to the ring, forwards it to the logger and
// notifies the subscriber.
func (s *Sink) record(level logger.Level, message string) {
	if message == "" {
		return
	}
	if len(message) > MaxMessageSize {
		message = message[:MaxMessageSize]
	}
	entry := Entry{
		Timestamp: rtc.Millis(s.clock),
		Level:     level,
		Message:   message,
	}

	s.mu.Lock()
	s.history[s.index] = entry
	s.index = (s.index + 1) % HistorySize
	cb := s.callback
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"level":     level.String(),
		"timestamp": entry.Timestamp,
	}).Warn(message)

	s.sink.LogAlert(level, message)
	if cb != nil {
		cb(entry)
	}
}

// CheckConditions evaluates the alert rules against a diagnosis sample,
// emitting at most one alert per triggered rule, in fixed order.
func (s *Sink) CheckConditions(diag *diagnosis.Sample) {
	if diag == nil {
		return
	}
	s.mu.Lock()
	t := s.thresholds
	s.mu.Unlock()

	if diag.CAN.BusOff {
		s.record(logger.LevelCritical, "Estado Bus-Off detectado!")
	}
	if diag.CAN.TxErrorCounter > t.TxErrors || diag.CAN.RxErrorCounter > t.RxErrors {
		s.record(logger.LevelWarning, "Alta taxa de erros na rede CAN!")
	}
	if diag.BusLoad > t.BusLoad {
		s.record(logger.LevelWarning, "Carga do barramento CAN acima do limiar!")
	}
	if diag.Retransmissions > t.Retransmissions {
		s.record(logger.LevelWarning, "Alta taxa de retransmissoes na rede CAN!")
	}
}

// History copies up to max recorded alerts in storage order.
func (s *Sink) History(max int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max > HistorySize {
		max = HistorySize
	}
	out := make([]Entry, 0, max)
	for i := 0; i < max; i++ {
		out = append(out, s.history[i])
	}
	return out
}

// PrintHistory renders every populated alert through the component logger.
func (s *Sink) PrintHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < HistorySize; i++ {
		if s.history[i].Timestamp == 0 {
			continue
		}
		s.log.WithFields(logrus.Fields{
			"timestamp": s.history[i].Timestamp,
			"level":     s.history[i].Level.String(),
		}).Info(s.history[i].Message)
	}
}
