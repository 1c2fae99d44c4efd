package canbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/brutella/can"
)

// SocketCAN identifier flags.
const (
	canEffFlag uint32 = 1 << 31
	canRtrFlag uint32 = 1 << 30
	canEffMask uint32 = 0x1FFFFFFF
)

// SocketCANDriver adapts a Linux SocketCAN interface to the Driver
// contract. The kernel does not expose TWAI-style error counters, so the
// adapter counts failed publishes and dropped received frames itself. The
// reported state is running or stopped only; bus-off is never reported.
type SocketCANDriver struct {
	mu      sync.Mutex
	iface   string
	bus     *can.Bus
	started bool

	rx chan DriverFrame

	txErrors uint32
	rxErrors uint32
	state    BusState
}

// NewSocketCANDriver creates a driver bound to the given interface name
// (e.g. "can0").
func NewSocketCANDriver(iface string) *SocketCANDriver {
	return &SocketCANDriver{
		iface: iface,
		rx:    make(chan DriverFrame, 256),
		state: BusStateStopped,
	}
}

func (d *SocketCANDriver) Install(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.Interface != "" {
		d.iface = cfg.Interface
	}
	bus, err := can.NewBusForInterfaceWithName(d.iface)
	if err != nil {
		return fmt.Errorf("socketcan %s: %w", d.iface, err)
	}
	d.bus = bus
	bus.SubscribeFunc(d.handleFrame)
	return nil
}

func (d *SocketCANDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return ErrDriverStart
	}
	go func() {
		// ConnectAndPublish blocks until Disconnect.
		_ = d.bus.ConnectAndPublish()
	}()
	d.started = true
	d.state = BusStateRunning
	return nil
}

func (d *SocketCANDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus != nil {
		if err := d.bus.Disconnect(); err != nil {
			return err
		}
	}
	d.started = false
	d.state = BusStateStopped
	return nil
}

func (d *SocketCANDriver) Uninstall() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bus = nil
	return nil
}

func (d *SocketCANDriver) handleFrame(frm can.Frame) {
	f := DriverFrame{
		ID:       frm.ID & canEffMask,
		DLC:      frm.Length,
		Extended: frm.ID&canEffFlag != 0,
		RTR:      frm.ID&canRtrFlag != 0,
	}
	copy(f.Data[:], frm.Data[:])
	select {
	case d.rx <- f:
	default:
		d.mu.Lock()
		d.rxErrors++
		d.mu.Unlock()
	}
}

func (d *SocketCANDriver) Transmit(f DriverFrame, timeout time.Duration) error {
	d.mu.Lock()
	bus := d.bus
	started := d.started
	d.mu.Unlock()
	if bus == nil || !started {
		return ErrTransmit
	}
	id := f.ID
	if f.Extended {
		id |= canEffFlag
	}
	if f.RTR {
		id |= canRtrFlag
	}
	frm := can.Frame{ID: id, Length: f.DLC}
	copy(frm.Data[:], f.Data[:])
	if err := bus.Publish(frm); err != nil {
		d.mu.Lock()
		d.txErrors++
		d.mu.Unlock()
		return fmt.Errorf("socketcan publish: %w", err)
	}
	return nil
}

func (d *SocketCANDriver) Receive(timeout time.Duration) (DriverFrame, error) {
	if timeout <= 0 {
		return <-d.rx, nil
	}
	select {
	case f := <-d.rx:
		return f, nil
	case <-time.After(timeout):
		return DriverFrame{}, ErrTimeout
	}
}

func (d *SocketCANDriver) StatusInfo() (StatusInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return StatusInfo{
		TxErrorCounter: d.txErrors,
		RxErrorCounter: d.rxErrors,
		State:          d.state,
	}, nil
}
