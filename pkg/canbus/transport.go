package canbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ReceiveCallback is invoked for every frame delivered by the receive task.
type ReceiveCallback func(Frame)

// TransmitCallback reports the terminal outcome of a transmission. err is
// nil on success, ErrTransmit after the retry budget is exhausted.
type TransmitCallback func(id uint32, data []byte, err error)

// LatencyMetrics aggregates driver transmit latency samples. Updated only
// by the transmit task, read under the transport's latency mutex.
type LatencyMetrics struct {
	Samples uint32
	Total   time.Duration
	Min     time.Duration
	Max     time.Duration
}

// Diagnostics is a snapshot of the controller error state.
type Diagnostics struct {
	TxErrorCounter uint32
	RxErrorCounter uint32
	BusOff         bool
}

// QueueStatus reports transmit queue occupancy.
type QueueStatus struct {
	MessagesWaiting int
	QueueCapacity   int
}

// Transport is the reliable, priority-aware CAN wire interface. All mutable
// state other than the transmit queue is guarded by the config and latency
// mutexes.
type Transport struct {
	configMu sync.Mutex
	cfg      Config
	running  bool

	driver  Driver
	txQueue *txQueue

	latencyMu sync.Mutex
	latency   LatencyMetrics

	busBusy      atomic.Int64 // accumulated transmit time, µs
	busLoadStart time.Time

	retransmissions atomic.Uint32
	collisions      atomic.Uint32
	attempts        atomic.Uint32

	txPriority atomic.Int32

	callbackMu sync.Mutex
	rxCallback ReceiveCallback
	txCallback TransmitCallback

	wg     sync.WaitGroup
	cancel context.CancelFunc

	now    func() time.Time
	logger *logrus.Entry
}

// NewTransport wires a transport over the given driver. The transport is
// inert until Start is called.
func NewTransport(driver Driver, cfg Config) *Transport {
	return &Transport{
		driver:  driver,
		cfg:     cfg,
		txQueue: newTxQueue(TxQueueLength),
		now:     time.Now,
		logger:  logrus.WithField("component", "canbus"),
	}
}

// Start installs and starts the driver, resets the bus-load measurement and
// launches the transmit task. It is the init entry point of the layer.
func (t *Transport) Start(ctx context.Context) error {
	t.configMu.Lock()
	defer t.configMu.Unlock()

	if t.running {
		return fmt.Errorf("canbus: transport already running")
	}
	if err := t.driver.Install(t.cfg); err != nil {
		t.logger.WithError(err).Error("CAN driver install failed")
		return fmt.Errorf("%w: %v", ErrDriverInstall, err)
	}
	if err := t.driver.Start(); err != nil {
		t.logger.WithError(err).Error("CAN driver start failed")
		return fmt.Errorf("%w: %v", ErrDriverStart, err)
	}

	t.busLoadStart = t.now()
	t.busBusy.Store(0)
	t.txPriority.Store(BaselineTxPriority)
	t.txQueue = newTxQueue(TxQueueLength)

	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.transmitTask(ctx)
	go func() {
		<-ctx.Done()
		t.txQueue.close()
	}()

	t.running = true
	t.logger.WithFields(logrus.Fields{
		"bitrate":   t.cfg.Bitrate,
		"interface": t.cfg.Interface,
		"checksum":  t.cfg.UseChecksum,
	}).Info("CAN transport started")
	return nil
}

// Stop shuts the transmit task down and tears the driver down. The worker
// is drained before the config mutex is taken so an in-flight transmit can
// finish its iteration.
func (t *Transport) Stop(ctx context.Context) error {
	t.configMu.Lock()
	if !t.running {
		t.configMu.Unlock()
		return nil
	}
	cancel := t.cancel
	t.configMu.Unlock()

	cancel()
	t.wg.Wait()

	t.configMu.Lock()
	defer t.configMu.Unlock()
	if err := t.driver.Stop(); err != nil {
		return fmt.Errorf("%w: %v", ErrDriverStop, err)
	}
	if err := t.driver.Uninstall(); err != nil {
		return fmt.Errorf("%w: %v", ErrDriverUninstall, err)
	}
	t.running = false
	t.logger.Info("CAN transport stopped")
	return nil
}

// Reconfigure drains and reinstalls the driver with a new configuration.
func (t *Transport) Reconfigure(cfg Config) error {
	t.configMu.Lock()
	defer t.configMu.Unlock()

	if t.running {
		if err := t.driver.Stop(); err != nil {
			return fmt.Errorf("%w: %v", ErrDriverStop, err)
		}
		if err := t.driver.Uninstall(); err != nil {
			return fmt.Errorf("%w: %v", ErrDriverUninstall, err)
		}
	}
	t.cfg = cfg
	if err := t.driver.Install(t.cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrDriverInstall, err)
	}
	if err := t.driver.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrDriverStart, err)
	}
	t.logger.WithField("bitrate", cfg.Bitrate).Info("CAN transport reconfigured")
	return nil
}

// SetFilter updates the acceptance filter and reinstalls the driver.
func (t *Transport) SetFilter(filter FilterConfig) error {
	t.configMu.Lock()
	cfg := t.cfg
	t.configMu.Unlock()
	cfg.Filter = filter
	return t.Reconfigure(cfg)
}

// SetTimeouts updates the transmit and receive timeouts in place.
func (t *Transport) SetTimeouts(tx, rx time.Duration) {
	t.configMu.Lock()
	t.cfg.TransmitTimeout = tx
	t.cfg.ReceiveTimeout = rx
	t.configMu.Unlock()
	t.logger.WithFields(logrus.Fields{"tx": tx, "rx": rx}).Info("CAN timeouts updated")
}

// Config returns a copy of the active configuration.
func (t *Transport) Config() Config {
	t.configMu.Lock()
	defer t.configMu.Unlock()
	return t.cfg
}

// RegisterReceiveCallback sets the handler invoked by the receive task.
func (t *Transport) RegisterReceiveCallback(fn ReceiveCallback) error {
	if fn == nil {
		return ErrNullInput
	}
	t.callbackMu.Lock()
	t.rxCallback = fn
	t.callbackMu.Unlock()
	return nil
}

// RegisterTransmitCallback sets the handler invoked with the outcome of
// every transmission.
func (t *Transport) RegisterTransmitCallback(fn TransmitCallback) {
	t.callbackMu.Lock()
	t.txCallback = fn
	t.callbackMu.Unlock()
}

// toDriverFrame converts an application frame, appending the checksum byte
// when checksum mode is active. The caller holds no locks; cfg is a copy.
func toDriverFrame(f Frame, cfg Config) (DriverFrame, error) {
	df := DriverFrame{
		ID:       f.ID,
		DLC:      f.Length,
		Extended: true,
		Self:     cfg.SelfRX,
	}
	copy(df.Data[:], f.Data[:f.Length])
	if cfg.UseChecksum {
		if f.Length >= MaxDataLength {
			return DriverFrame{}, ErrInvalidLength
		}
		df.Data[f.Length] = Checksum(f.Data[:f.Length])
		df.DLC = f.Length + 1
	}
	return df, nil
}

// SendSync transmits a frame synchronously with the configured timeout.
func (t *Transport) SendSync(id uint32, data []byte) error {
	if data == nil {
		return ErrNullInput
	}
	if len(data) > MaxDataLength {
		return ErrInvalidLength
	}
	t.configMu.Lock()
	cfg := t.cfg
	t.configMu.Unlock()

	f := Frame{ID: id, Length: uint8(len(data))}
	copy(f.Data[:], data)
	df, err := toDriverFrame(f, cfg)
	if err != nil {
		return err
	}
	if err := t.driver.Transmit(df, cfg.TransmitTimeout); err != nil {
		t.logger.WithError(err).WithField("id", fmt.Sprintf("0x%08X", id)).Error("synchronous transmit failed")
		t.notifyTransmit(id, data, ErrTransmit)
		return fmt.Errorf("%w: %v", ErrTransmit, err)
	}
	t.notifyTransmit(id, data, nil)
	return nil
}

// ReceiveSync blocks up to timeout for the next frame, verifying and
// stripping the checksum byte when checksum mode is active.
func (t *Transport) ReceiveSync(timeout time.Duration) (Frame, error) {
	df, err := t.driver.Receive(timeout)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	t.configMu.Lock()
	useChecksum := t.cfg.UseChecksum
	t.configMu.Unlock()

	f := Frame{ID: df.ID, Length: df.DLC}
	copy(f.Data[:], df.Data[:])
	if useChecksum {
		if f.Length < 1 {
			return Frame{}, fmt.Errorf("%w: frame carries no checksum", ErrReceive)
		}
		want := f.Data[f.Length-1]
		if got := Checksum(f.Data[:f.Length-1]); got != want {
			t.logger.WithField("id", fmt.Sprintf("0x%08X", f.ID)).Error("checksum mismatch on received frame")
			return Frame{}, fmt.Errorf("%w: checksum mismatch", ErrReceive)
		}
		f.Length--
	}
	return f, nil
}

// Enqueue queues a frame for asynchronous transmission. The retry budget is
// reset; high-priority frames are prepended.
func (t *Transport) Enqueue(f Frame, highPriority bool) error {
	if err := t.txQueue.push(txItem{frame: f}, highPriority); err != nil {
		return fmt.Errorf("%w: %v", ErrTransmit, err)
	}
	return nil
}

// transmitTask consumes the transmit queue until the context is cancelled.
func (t *Transport) transmitTask(ctx context.Context) {
	defer t.wg.Done()
	for {
		item, err := t.txQueue.pop()
		if err != nil {
			return
		}
		t.transmitOne(ctx, item)
		t.adjustPriority()
	}
}

// transmitOne performs a single transmit attempt including retry handling,
// latency sampling and bus-busy accounting.
func (t *Transport) transmitOne(ctx context.Context, item txItem) {
	t.configMu.Lock()
	cfg := t.cfg
	t.configMu.Unlock()

	df, err := toDriverFrame(item.frame, cfg)
	if err != nil {
		t.notifyTransmit(item.frame.ID, item.frame.Payload(), err)
		return
	}

	t.attempts.Add(1)
	start := t.now()
	if err := t.driver.Transmit(df, cfg.TransmitTimeout); err != nil {
		t.logger.WithError(err).WithField("id", fmt.Sprintf("0x%08X", item.frame.ID)).Error("transmit failed")
		if item.retries < MaxRetransmissions {
			item.retries++
			t.retransmissions.Add(1)
			t.collisions.Add(1)
			select {
			case <-time.After(RetryBackoff):
			case <-ctx.Done():
				return
			}
			// Reinsert at the front so the frame keeps its position ahead
			// of lower-priority traffic.
			if qErr := t.txQueue.push(item, true); qErr != nil {
				t.notifyTransmit(item.frame.ID, item.frame.Payload(), ErrTransmit)
			}
			return
		}
		t.notifyTransmit(item.frame.ID, item.frame.Payload(), ErrTransmit)
		return
	}

	latency := t.now().Sub(start)
	t.latencyMu.Lock()
	t.latency.Samples++
	t.latency.Total += latency
	if t.latency.Samples == 1 || latency < t.latency.Min {
		t.latency.Min = latency
	}
	if latency > t.latency.Max {
		t.latency.Max = latency
	}
	t.latencyMu.Unlock()
	t.busBusy.Add(latency.Microseconds())

	if cfg.DebugLevel >= 2 {
		t.logger.WithFields(logrus.Fields{
			"id":      fmt.Sprintf("0x%08X", item.frame.ID),
			"latency": latency,
		}).Debug("frame transmitted")
	}
	t.notifyTransmit(item.frame.ID, item.frame.Payload(), nil)
}

func (t *Transport) notifyTransmit(id uint32, data []byte, err error) {
	t.callbackMu.Lock()
	cb := t.txCallback
	t.callbackMu.Unlock()
	if cb != nil {
		cb(id, data, err)
	}
}

// adjustPriority raises the transmit task priority when the queue reaches
// the saturation threshold and restores the baseline once it drains below.
func (t *Transport) adjustPriority() {
	depth := t.txQueue.len()
	threshold := TxQueueLength * queueSaturationPercent / 100
	current := t.txPriority.Load()
	switch {
	case depth >= threshold && current < ElevatedTxPriority:
		t.txPriority.Store(ElevatedTxPriority)
		t.logger.WithField("depth", depth).Info("transmit queue saturated, raising task priority")
	case depth < threshold && current > BaselineTxPriority:
		t.txPriority.Store(BaselineTxPriority)
		t.logger.WithField("depth", depth).Info("transmit queue drained, restoring task priority")
	}
}

// TxPriority reports the current effective transmit task priority.
func (t *Transport) TxPriority() int {
	return int(t.txPriority.Load())
}

// StartReceiveTask launches the event-driven receive loop delivering frames
// to the registered callback. The loop exits only at teardown.
func (t *Transport) StartReceiveTask(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			f, err := t.ReceiveSync(DefaultReceiveTimeout)
			if err != nil {
				continue
			}
			t.callbackMu.Lock()
			cb := t.rxCallback
			t.callbackMu.Unlock()
			if cb != nil {
				cb(f)
			}
		}
	}()
}

// ProcessReceived polls once for a pending frame and dispatches it to the
// registered callback.
func (t *Transport) ProcessReceived() {
	f, err := t.ReceiveSync(DefaultProcessTimeout)
	if err != nil {
		return
	}
	t.configMu.Lock()
	debug := t.cfg.DebugLevel >= 2
	t.configMu.Unlock()
	if debug {
		t.logger.WithFields(logrus.Fields{
			"id":     fmt.Sprintf("0x%08X", f.ID),
			"length": f.Length,
		}).Debug("frame received")
	}
	t.callbackMu.Lock()
	cb := t.rxCallback
	t.callbackMu.Unlock()
	if cb != nil {
		cb(f)
	}
}

// Diagnostics reads the controller status and maps it into the diagnostics
// record consumed by the diagnosis engine.
func (t *Transport) Diagnostics() (Diagnostics, error) {
	info, err := t.driver.StatusInfo()
	if err != nil {
		return Diagnostics{}, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	return Diagnostics{
		TxErrorCounter: info.TxErrorCounter,
		RxErrorCounter: info.RxErrorCounter,
		BusOff:         info.State == BusStateBusOff,
	}, nil
}

// LatencyMetrics returns a copy of the transmit latency aggregates.
func (t *Transport) LatencyMetrics() LatencyMetrics {
	t.latencyMu.Lock()
	defer t.latencyMu.Unlock()
	return t.latency
}

// QueueStatus reports transmit queue occupancy and capacity.
func (t *Transport) QueueStatus() (QueueStatus, error) {
	if t.txQueue == nil {
		return QueueStatus{}, ErrUnknown
	}
	return QueueStatus{
		MessagesWaiting: t.txQueue.len(),
		QueueCapacity:   TxQueueLength,
	}, nil
}

// BusLoad reports the percentage of wall time spent transmitting since
// Start, clamped to 0 when no time has elapsed.
func (t *Transport) BusLoad() uint32 {
	t.configMu.Lock()
	start := t.busLoadStart
	t.configMu.Unlock()
	elapsed := t.now().Sub(start).Microseconds()
	if elapsed <= 0 {
		return 0
	}
	load := t.busBusy.Load() * 100 / elapsed
	if load < 0 {
		return 0
	}
	if load > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(load)
}

// RetransmissionCount returns the total number of retransmissions.
func (t *Transport) RetransmissionCount() uint32 {
	return t.retransmissions.Load()
}

// CollisionCount returns the collision proxy counter. The controller does
// not expose a collision counter, so this is derived from retransmissions.
func (t *Transport) CollisionCount() uint32 {
	return t.collisions.Load()
}

// CollisionRate returns collisions as a percentage of transmission attempts.
func (t *Transport) CollisionRate() uint32 {
	attempts := t.attempts.Load()
	if attempts == 0 {
		return 0
	}
	return uint32(uint64(t.collisions.Load()) * 100 / uint64(attempts))
}

// TransmissionAttempts returns the total number of transmit attempts,
// retransmissions included.
func (t *Transport) TransmissionAttempts() uint32 {
	return t.attempts.Load()
}

// MeasureRoundTrip performs a loopback self-test: it enables self
// reception, sends the current µs timestamp on the reserved identifier and
// measures the delay until the frame comes back. The previous self-rx
// setting is restored regardless of outcome.
func (t *Transport) MeasureRoundTrip(timeout time.Duration) (time.Duration, error) {
	t.configMu.Lock()
	originalSelfRX := t.cfg.SelfRX
	t.cfg.SelfRX = true
	t.configMu.Unlock()
	defer func() {
		t.configMu.Lock()
		t.cfg.SelfRX = originalSelfRX
		t.configMu.Unlock()
	}()

	sent := t.now()
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], uint64(sent.UnixMicro()))

	if err := t.SendSync(SelfTestID, payload[:]); err != nil {
		t.logger.WithError(err).Error("self-test transmit failed")
		return 0, err
	}
	rx, err := t.ReceiveSync(timeout)
	if err != nil {
		t.logger.WithError(err).Error("self-test receive failed")
		return 0, err
	}
	if rx.Length < 8 {
		return 0, fmt.Errorf("%w: short self-test payload", ErrReceive)
	}
	rtt := t.now().Sub(sent)
	t.logger.WithField("rtt", rtt).Info("self-test round-trip measured")
	return rtt, nil
}
