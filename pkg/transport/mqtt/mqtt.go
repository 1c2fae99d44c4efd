// Package mqtt implements the broker collaborator used for firmware
// advertisements and downloads: version queries on retained ECU topics and
// payload capture into SD storage.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotRunning       = errors.New("mqtt: client not running")
	ErrAlreadyRunning   = errors.New("mqtt: client already running")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscription failed")
	ErrNoPayload        = errors.New("mqtt: no payload received on topic")
	ErrConfiguration    = errors.New("mqtt: invalid configuration")
)

// Config mirrors the broker connection parameters.
type Config struct {
	Broker               string        `json:"broker" yaml:"broker"`
	ClientID             string        `json:"clientId" yaml:"clientId"`
	Username             string        `json:"username" yaml:"username"`
	Password             string        `json:"password" yaml:"password"`
	QoS                  byte          `json:"qos" yaml:"qos"`
	CleanSession         bool          `json:"cleanSession" yaml:"cleanSession"`
	KeepAlive            uint16        `json:"keepAlive" yaml:"keepAlive"`
	ConnectTimeout       time.Duration `json:"connectTimeout" yaml:"connectTimeout"`
	MaxReconnectInterval time.Duration `json:"maxReconnectInterval" yaml:"maxReconnectInterval"`
	AutoReconnect        bool          `json:"autoReconnect" yaml:"autoReconnect"`
}

// MessageCallback observes every message delivered on a subscribed topic.
type MessageCallback func(topic string, payload []byte)

// FileWriter is the storage surface DownloadFile persists firmware through.
type FileWriter interface {
	Write(path string, data []byte) error
}

// Client is the paho-backed broker client. The latest payload per
// subscribed topic is cached so version queries and downloads read the
// retained advertisement.
type Client struct {
	mu      sync.RWMutex
	cfg     Config
	client  paho.Client
	running bool

	latest   map[string][]byte
	callback MessageCallback

	writer FileWriter
	logger *logrus.Entry
}

// NewClient creates a client writing downloads through writer.
func NewClient(cfg Config, writer FileWriter) *Client {
	return &Client{
		cfg:    cfg,
		latest: make(map[string][]byte),
		writer: writer,
		logger: logrus.WithField("component", "mqtt"),
	}
}

func (c *Client) validateConfig() error {
	if c.cfg.Broker == "" {
		return fmt.Errorf("%w: broker URL is required", ErrConfiguration)
	}
	if c.cfg.ClientID == "" {
		return fmt.Errorf("%w: client ID is required", ErrConfiguration)
	}
	if c.cfg.QoS > 2 {
		return fmt.Errorf("%w: QoS must be 0, 1, or 2", ErrConfiguration)
	}
	if c.cfg.ConnectTimeout <= 0 {
		c.cfg.ConnectTimeout = 30 * time.Second
	}
	if c.cfg.MaxReconnectInterval <= 0 {
		c.cfg.MaxReconnectInterval = 30 * time.Minute
	}
	return nil
}

// Start connects to the broker.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}
	if err := c.validateConfig(); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"broker":    c.cfg.Broker,
		"client_id": c.cfg.ClientID,
	}).Info("starting MQTT client")

	opts := paho.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetCleanSession(c.cfg.CleanSession)
	opts.SetKeepAlive(time.Duration(c.cfg.KeepAlive) * time.Second)
	opts.SetAutoReconnect(c.cfg.AutoReconnect)
	opts.SetMaxReconnectInterval(c.cfg.MaxReconnectInterval)
	opts.OnConnect = func(paho.Client) {
		c.logger.WithField("broker", c.cfg.Broker).Info("MQTT connection established")
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		c.logger.WithError(err).Error("MQTT connection lost")
	}
	opts.OnReconnecting = func(paho.Client, *paho.ClientOptions) {
		c.logger.WithField("broker", c.cfg.Broker).Info("reconnecting to MQTT broker")
	}

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return ErrConnectionFailed
	}
	if token.Error() != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, token.Error())
	}

	c.running = true
	c.logger.Info("MQTT client started")
	return nil
}

// Stop disconnects from the broker.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	c.running = false
	c.logger.Info("MQTT client stopped")
	return nil
}

// RegisterMessageCallback observes every delivered message.
func (c *Client) RegisterMessageCallback(fn MessageCallback) {
	c.mu.Lock()
	c.callback = fn
	c.mu.Unlock()
}

// Subscribe attaches to a topic, caching the latest payload delivered.
func (c *Client) Subscribe(topic string) error {
	c.mu.RLock()
	running := c.running
	client := c.client
	qos := c.cfg.QoS
	c.mu.RUnlock()
	if !running || client == nil {
		return ErrNotRunning
	}

	token := client.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		c.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.cfg.ConnectTimeout) || token.Error() != nil {
		c.logger.WithError(token.Error()).WithField("topic", topic).Error("MQTT subscription failed")
		return ErrSubscribeFailed
	}
	c.logger.WithField("topic", topic).Info("subscribed to MQTT topic")
	return nil
}

func (c *Client) handleMessage(topic string, payload []byte) {
	c.mu.Lock()
	c.latest[topic] = append([]byte(nil), payload...)
	cb := c.callback
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"topic": topic,
		"size":  len(payload),
	}).Debug("MQTT message received")
	if cb != nil {
		cb(topic, payload)
	}
}

// Publish sends payload to topic with the configured QoS.
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	running := c.running
	client := c.client
	qos := c.cfg.QoS
	c.mu.RUnlock()
	if !running || client == nil {
		return ErrNotRunning
	}
	token := client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(c.cfg.ConnectTimeout) || token.Error() != nil {
		c.logger.WithError(token.Error()).WithField("topic", topic).Error("MQTT publish failed")
		return ErrPublishFailed
	}
	return nil
}

// UpdateVersion parses the latest payload on a firmware topic as a decimal
// version number.
func (c *Client) UpdateVersion(topic string) (uint32, error) {
	c.mu.RLock()
	payload, ok := c.latest[topic]
	c.mu.RUnlock()
	if !ok || len(payload) == 0 {
		return 0, ErrNoPayload
	}
	version, err := strconv.ParseUint(strings.TrimSpace(string(payload)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("mqtt: malformed version on %s: %w", topic, err)
	}
	return uint32(version), nil
}

// DownloadFile persists the latest payload on a firmware topic to storage
// under filename.
func (c *Client) DownloadFile(topic, filename string) error {
	c.mu.RLock()
	payload, ok := c.latest[topic]
	c.mu.RUnlock()
	if !ok || len(payload) == 0 {
		return ErrNoPayload
	}
	if err := c.writer.Write(filename, payload); err != nil {
		return fmt.Errorf("mqtt: store download %s: %w", filename, err)
	}
	c.logger.WithFields(logrus.Fields{
		"topic": topic,
		"file":  filename,
		"size":  len(payload),
	}).Info("firmware payload stored")
	return nil
}
