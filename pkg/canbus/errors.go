package canbus

import "errors"

// Error kinds surfaced at the transport boundary. Callers are expected to
// test with errors.Is; timeouts are non-fatal, driver errors are not
// recoverable at this layer.
var (
	ErrNullInput       = errors.New("canbus: missing required input")
	ErrInvalidLength   = errors.New("canbus: invalid data length")
	ErrTransmit        = errors.New("canbus: transmit failed")
	ErrReceive         = errors.New("canbus: receive failed")
	ErrTimeout         = errors.New("canbus: timed out")
	ErrDriverInstall   = errors.New("canbus: driver install failed")
	ErrDriverStart     = errors.New("canbus: driver start failed")
	ErrDriverStop      = errors.New("canbus: driver stop failed")
	ErrDriverUninstall = errors.New("canbus: driver uninstall failed")
	ErrQueueClosed     = errors.New("canbus: transmit queue closed")
	ErrUnknown         = errors.New("canbus: unknown failure")
)
