package canbus

import "time"

// Default timeouts and retry policy of the transmit path.
const (
	DefaultTransmitTimeout = 1000 * time.Millisecond
	DefaultReceiveTimeout  = 1000 * time.Millisecond
	DefaultProcessTimeout  = 10 * time.Millisecond

	MaxRetransmissions = 3
	RetryBackoff       = 50 * time.Millisecond

	TxQueueLength = 32
)

// Transmit task priorities. The task raises itself when the queue reaches
// the saturation threshold and restores the baseline once it drains below.
const (
	BaselineTxPriority = 10
	ElevatedTxPriority = 15

	queueSaturationPercent = 80
)

// FilterConfig is the acceptance filter installed into the driver.
// The zero value accepts everything.
type FilterConfig struct {
	AcceptanceCode uint32 `json:"acceptanceCode" yaml:"acceptanceCode"`
	AcceptanceMask uint32 `json:"acceptanceMask" yaml:"acceptanceMask"`
	SingleFilter   bool   `json:"singleFilter" yaml:"singleFilter"`
}

// AcceptAllFilter returns a filter matching every identifier.
func AcceptAllFilter() FilterConfig {
	return FilterConfig{AcceptanceMask: 0xFFFFFFFF}
}

// Config holds the dynamic configuration of the transport layer.
type Config struct {
	Bitrate         uint32        `json:"bitrate" yaml:"bitrate"`
	Interface       string        `json:"interface" yaml:"interface"`
	TransmitTimeout time.Duration `json:"transmitTimeout" yaml:"transmitTimeout"`
	ReceiveTimeout  time.Duration `json:"receiveTimeout" yaml:"receiveTimeout"`
	Filter          FilterConfig  `json:"filter" yaml:"filter"`
	AutoRetransmit  bool          `json:"autoRetransmit" yaml:"autoRetransmit"`
	DebugLevel      uint8         `json:"debugLevel" yaml:"debugLevel"`
	SelfRX          bool          `json:"selfRx" yaml:"selfRx"`
	UseChecksum     bool          `json:"useChecksum" yaml:"useChecksum"`
}

// DefaultConfig returns the configuration used when none is supplied:
// 1 Mbit/s, accept-all filter, checksum and self reception disabled.
func DefaultConfig() Config {
	return Config{
		Bitrate:         1000000,
		Interface:       "can0",
		TransmitTimeout: DefaultTransmitTimeout,
		ReceiveTimeout:  DefaultReceiveTimeout,
		Filter:          AcceptAllFilter(),
		AutoRetransmit:  true,
		DebugLevel:      2,
	}
}
