package canbus

import (
	"sync"
	"time"
)

// LoopbackDriver is an in-memory Driver for self-tests, simulations and the
// test suite. Frames transmitted with the self flag (or with EchoAll set)
// are delivered back to the receive path. Transmit failures and controller
// status can be injected.
type LoopbackDriver struct {
	mu        sync.Mutex
	installed bool
	started   bool

	// EchoAll delivers every transmitted frame back regardless of the
	// frame's self flag.
	EchoAll bool

	rx chan DriverFrame

	failRemaining int
	status        StatusInfo

	txDelay time.Duration
}

// NewLoopbackDriver creates a loopback driver with a 64-frame receive
// buffer.
func NewLoopbackDriver() *LoopbackDriver {
	return &LoopbackDriver{
		rx:     make(chan DriverFrame, 64),
		status: StatusInfo{State: BusStateStopped},
	}
}

func (d *LoopbackDriver) Install(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.installed = true
	return nil
}

func (d *LoopbackDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return ErrDriverStart
	}
	d.started = true
	d.status.State = BusStateRunning
	return nil
}

func (d *LoopbackDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	d.status.State = BusStateStopped
	return nil
}

func (d *LoopbackDriver) Uninstall() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.installed = false
	return nil
}

// FailNextTransmits makes the next n Transmit calls fail with ErrTransmit.
func (d *LoopbackDriver) FailNextTransmits(n int) {
	d.mu.Lock()
	d.failRemaining = n
	d.mu.Unlock()
}

// SetStatus overrides the controller status reported by StatusInfo.
func (d *LoopbackDriver) SetStatus(info StatusInfo) {
	d.mu.Lock()
	d.status = info
	d.mu.Unlock()
}

// SetTransmitDelay adds an artificial latency to every transmit.
func (d *LoopbackDriver) SetTransmitDelay(delay time.Duration) {
	d.mu.Lock()
	d.txDelay = delay
	d.mu.Unlock()
}

// Inject places a frame on the receive path as if it arrived from the bus.
func (d *LoopbackDriver) Inject(f DriverFrame) {
	d.rx <- f
}

func (d *LoopbackDriver) Transmit(f DriverFrame, timeout time.Duration) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return ErrTransmit
	}
	if d.failRemaining > 0 {
		d.failRemaining--
		d.mu.Unlock()
		return ErrTransmit
	}
	echo := d.EchoAll || f.Self
	delay := d.txDelay
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if echo {
		select {
		case d.rx <- f:
		default:
			// Receive buffer full, frame lost. Matches bus behaviour with
			// an overwhelmed listener.
		}
	}
	return nil
}

func (d *LoopbackDriver) Receive(timeout time.Duration) (DriverFrame, error) {
	if timeout <= 0 {
		f, ok := <-d.rx
		if !ok {
			return DriverFrame{}, ErrReceive
		}
		return f, nil
	}
	select {
	case f, ok := <-d.rx:
		if !ok {
			return DriverFrame{}, ErrReceive
		}
		return f, nil
	case <-time.After(timeout):
		return DriverFrame{}, ErrTimeout
	}
}

func (d *LoopbackDriver) StatusInfo() (StatusInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, nil
}
