// Package ota orchestrates over-the-air firmware updates: a per-ECU
// download, segment, distribute and apply pipeline with rollback on
// terminal failure and durable version persistence in config.ini.
package ota

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/canesp/monitor/pkg/config"
	"github.com/canesp/monitor/pkg/routing"
)

// PacketSize is the firmware segment size distributed over the mesh.
const PacketSize = 1024

// MaxSubscribers bounds the OTA event subscriber list.
const MaxSubscribers = 5

var (
	ErrNullInput        = errors.New("ota: missing required input")
	ErrUpdateInProgress = errors.New("ota: update already in progress")
	ErrUnknownECU       = errors.New("ota: unknown ECU id")
	ErrNotSegmented     = errors.New("ota: firmware not segmented")
)

// State of the update pipeline.
type State int

const (
	StateIdle State = iota
	StateUpdateAvailable
	StateDownloading
	StateDistributing
	StateApplying
	StateSuccess
	StateFailure
	StateRollback
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUpdateAvailable:
		return "update-available"
	case StateDownloading:
		return "downloading"
	case StateDistributing:
		return "distributing"
	case StateApplying:
		return "applying"
	case StateSuccess:
		return "success"
	case StateFailure:
		return "failure"
	case StateRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// ECU identifiers of the vehicle network.
const (
	ECUMonitor      = "monitor_ecu"
	ECUAcceleration = "acceleration_control_ecu"
	ECUSteering     = "steering_control_ecu"
	ECUMotor        = "motor_control_ecu"
	ECUBrake        = "brake_control_ecu"
)

// ecuKeys maps an ECU id to its config.ini keys and default topic.
var ecuKeys = map[string]struct {
	versionKey   string
	topicKey     string
	defaultTopic string
}{
	ECUMonitor:      {"OTA_FIRMWARE_VERSION_MONITOR", "MQTT_TOPIC_MONITOR", "can-esp/firmware/update/monitor_ecu"},
	ECUAcceleration: {"OTA_FIRMWARE_VERSION_ACCELERATION", "MQTT_TOPIC_ACCELERATION", "can-esp/firmware/update/acceleration_control_ecu"},
	ECUSteering:     {"OTA_FIRMWARE_VERSION_STEERING", "MQTT_TOPIC_STEERING", "can-esp/firmware/update/steering_control_ecu"},
	ECUMotor:        {"OTA_FIRMWARE_VERSION_MOTOR", "MQTT_TOPIC_MOTOR", "can-esp/firmware/update/motor_control_ecu"},
	ECUBrake:        {"OTA_FIRMWARE_VERSION_BRAKE", "MQTT_TOPIC_BRAKE", "can-esp/firmware/update/brake_control_ecu"},
}

// FirmwareFileName returns the canonical SD file name for an ECU firmware
// image at the given version.
func FirmwareFileName(ecu string, version uint32) string {
	return fmt.Sprintf("firmware_%s_v%d.bin", ecu, version)
}

// MQTT is the broker collaborator surface the orchestrator depends on.
type MQTT interface {
	Subscribe(topic string) error
	UpdateVersion(topic string) (uint32, error)
	DownloadFile(topic, filename string) error
}

// Storage is the SD collaborator surface used for firmware files.
type Storage interface {
	ReadFile(path string) ([]byte, error)
	DeleteFile(path string) error
}

// Sender distributes firmware segments over the mesh.
type Sender interface {
	SendMessage(dest string, data []byte, mode routing.Mode) error
}

// Applier is the platform OTA collaborator committing an image to the boot
// partition.
type Applier interface {
	Begin(size int) error
	Write(data []byte) error
	End() error
	SetBoot() error
}

// Subscriber receives every state transition.
type Subscriber interface {
	OnEvent(state State, ecu string, data any)
}

// Segment is a non-owning view into the firmware buffer.
type Segment struct {
	Offset int
	Length int
}

// Orchestrator drives the update pipeline. It is serialised by the single
// OTA task; the mutex only protects against accidental cross-task reads of
// the state and configuration.
type Orchestrator struct {
	mu sync.Mutex

	state      State
	currentECU string
	firmware   []byte
	segments   []Segment
	inProgress bool

	subscribers []Subscriber

	versions      map[string]uint32
	targets       map[string]uint32
	topics        map[string]string
	checkInterval uint32 // ms

	mqtt    MQTT
	sd      Storage
	sender  Sender
	applier Applier
	store   *config.Store

	logger *logrus.Entry
}

// NewOrchestrator wires the pipeline over its collaborators. store may be
// nil for memory-only configuration.
func NewOrchestrator(mqtt MQTT, sd Storage, sender Sender, applier Applier, store *config.Store) *Orchestrator {
	o := &Orchestrator{
		state:         StateIdle,
		versions:      make(map[string]uint32),
		targets:       make(map[string]uint32),
		topics:        make(map[string]string),
		checkInterval: 60000,
		mqtt:          mqtt,
		sd:            sd,
		sender:        sender,
		applier:       applier,
		store:         store,
		logger:        logrus.WithField("component", "ota"),
	}
	for ecu, keys := range ecuKeys {
		o.versions[ecu] = 1
		o.topics[ecu] = keys.defaultTopic
	}
	return o
}

// Init loads the persisted configuration and subscribes to every ECU
// firmware topic.
func (o *Orchestrator) Init() error {
	if err := o.RefreshConfig(); err != nil {
		o.logger.WithError(err).Warn("OTA configuration not loaded, using defaults")
	}
	o.mu.Lock()
	topics := make([]string, 0, len(o.topics))
	for _, topic := range o.topics {
		topics = append(topics, topic)
	}
	o.mu.Unlock()
	for _, topic := range topics {
		if err := o.mqtt.Subscribe(topic); err != nil {
			return fmt.Errorf("ota: subscribe %s: %w", topic, err)
		}
	}
	o.logger.Info("OTA module initialized")
	return nil
}

// RegisterSubscriber adds an event subscriber; the list is bounded.
func (o *Orchestrator) RegisterSubscriber(sub Subscriber) error {
	if sub == nil {
		return ErrNullInput
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.subscribers) >= MaxSubscribers {
		return fmt.Errorf("ota: subscriber limit of %d reached", MaxSubscribers)
	}
	o.subscribers = append(o.subscribers, sub)
	return nil
}

// setState transitions the machine and notifies every subscriber.
func (o *Orchestrator) setState(state State, ecu string, data any) {
	o.mu.Lock()
	o.state = state
	subs := append([]Subscriber(nil), o.subscribers...)
	o.mu.Unlock()
	o.logger.WithFields(logrus.Fields{"state": state.String(), "ecu": ecu}).Info("OTA state transition")
	for _, sub := range subs {
		sub.OnEvent(state, ecu, data)
	}
}

// State returns the current pipeline state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// InstalledVersion reports the installed firmware version of an ECU.
func (o *Orchestrator) InstalledVersion(ecu string) (uint32, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.versions[ecu]
	if !ok {
		return 0, ErrUnknownECU
	}
	return v, nil
}

// Topic reports the MQTT topic of an ECU.
func (o *Orchestrator) Topic(ecu string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.topics[ecu]
	if !ok {
		return "", ErrUnknownECU
	}
	return t, nil
}

// CheckInterval returns the update polling cadence in milliseconds.
func (o *Orchestrator) CheckInterval() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.checkInterval
}

// CheckUpdate polls the broker for an advertised monitor firmware version
// and compares it with the installed one.
func (o *Orchestrator) CheckUpdate() (bool, error) {
	o.mu.Lock()
	topic := o.topics[ECUMonitor]
	o.mu.Unlock()

	o.logger.WithField("topic", topic).Debug("checking for firmware update")
	available, err := o.mqtt.UpdateVersion(topic)
	if err != nil {
		o.logger.WithError(err).Debug("no update version advertised")
		return false, nil
	}
	return o.CheckVersion(ECUMonitor, available), nil
}

// CheckVersion compares an advertised version with the installed one for
// any ECU, transitioning to UpdateAvailable on a newer version.
func (o *Orchestrator) CheckVersion(ecu string, available uint32) bool {
	o.mu.Lock()
	installed, ok := o.versions[ecu]
	if !ok {
		o.mu.Unlock()
		o.logger.WithField("ecu", ecu).Error("unknown ECU for version check")
		return false
	}
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"ecu":       ecu,
		"installed": installed,
		"available": available,
	}).Info("firmware version check")
	if available <= installed {
		return false
	}
	o.mu.Lock()
	o.currentECU = ecu
	o.targets[ecu] = available
	o.mu.Unlock()
	o.setState(StateUpdateAvailable, ecu, available)
	return true
}

// LoadFirmware reads a firmware image from the SD card into the OTA buffer.
func (o *Orchestrator) LoadFirmware(filename string) error {
	if filename == "" {
		return ErrNullInput
	}
	data, err := o.sd.ReadFile(filename)
	if err != nil || len(data) == 0 {
		return fmt.Errorf("ota: load firmware %s: %w", filename, err)
	}
	o.mu.Lock()
	o.firmware = data
	o.mu.Unlock()
	o.logger.WithFields(logrus.Fields{"file": filename, "size": len(data)}).Info("firmware loaded")
	return nil
}

// DownloadFirmware fetches the advertised firmware for an ECU, writes it to
// the SD card under the canonical name and loads it into the buffer.
// A second update while one is alive is refused.
func (o *Orchestrator) DownloadFirmware(ecu string) error {
	if ecu == "" {
		return ErrNullInput
	}
	o.mu.Lock()
	if o.inProgress {
		o.mu.Unlock()
		o.logger.Warn("an update is already in progress")
		return ErrUpdateInProgress
	}
	topic, ok := o.topics[ecu]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownECU
	}
	version := o.versions[ecu]
	if target, ok := o.targets[ecu]; ok {
		version = target
	}
	o.inProgress = true
	o.currentECU = ecu
	o.mu.Unlock()

	o.setState(StateDownloading, ecu, nil)
	filename := FirmwareFileName(ecu, version)
	o.logger.WithFields(logrus.Fields{"topic": topic, "file": filename}).Info("downloading firmware")

	if err := o.mqtt.DownloadFile(topic, filename); err != nil {
		o.logger.WithError(err).WithField("ecu", ecu).Error("firmware download failed")
		o.failUpdate(ecu)
		return fmt.Errorf("ota: download: %w", err)
	}
	if err := o.LoadFirmware(filename); err != nil {
		o.logger.WithError(err).WithField("ecu", ecu).Error("firmware load failed")
		o.failUpdate(ecu)
		return err
	}
	return nil
}

func (o *Orchestrator) failUpdate(ecu string) {
	o.mu.Lock()
	o.inProgress = false
	o.mu.Unlock()
	o.setState(StateFailure, ecu, nil)
}

// SegmentFirmware produces non-owning segment views over the firmware
// buffer: ⌈size/PacketSize⌉ descriptors, the last carrying the remainder.
func (o *Orchestrator) SegmentFirmware(data []byte) error {
	if len(data) == 0 {
		return ErrNullInput
	}
	count := (len(data) + PacketSize - 1) / PacketSize
	segments := make([]Segment, 0, count)
	for i := 0; i < count; i++ {
		offset := i * PacketSize
		length := PacketSize
		if remaining := len(data) - offset; remaining < PacketSize {
			length = remaining
		}
		segments = append(segments, Segment{Offset: offset, Length: length})
	}
	o.mu.Lock()
	o.firmware = data
	o.segments = segments
	o.mu.Unlock()
	o.logger.WithField("segments", count).Info("firmware segmented")
	return nil
}

// Firmware returns the buffered image loaded by DownloadFirmware.
func (o *Orchestrator) Firmware() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.firmware
}

// Segments returns the current segment views.
func (o *Orchestrator) Segments() []Segment {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Segment(nil), o.segments...)
}

// DistributeFirmware unicasts every segment to the target ECU over the
// routing layer. Any failure aborts distribution and discards the
// segments; the descriptors are dropped on completion regardless.
func (o *Orchestrator) DistributeFirmware(ecu string) error {
	if ecu == "" {
		return ErrNullInput
	}
	o.mu.Lock()
	if len(o.segments) == 0 {
		o.mu.Unlock()
		return ErrNotSegmented
	}
	segments := append([]Segment(nil), o.segments...)
	firmware := o.firmware
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.segments = nil
		o.mu.Unlock()
	}()

	o.setState(StateDistributing, ecu, nil)
	for i, seg := range segments {
		chunk := firmware[seg.Offset : seg.Offset+seg.Length]
		if err := o.sender.SendMessage(ecu, chunk, routing.ModeUnicast); err != nil {
			o.logger.WithError(err).WithFields(logrus.Fields{"ecu": ecu, "segment": i}).Error("segment distribution failed")
			o.setState(StateFailure, ecu, nil)
			return fmt.Errorf("ota: distribute segment %d: %w", i, err)
		}
	}
	o.logger.WithField("ecu", ecu).Info("firmware distribution completed")
	return nil
}

// ApplyUpdate commits the buffered image through the platform OTA
// collaborator. Any failing step transitions to Failure and triggers
// rollback; success persists the new installed version and releases the
// buffer.
func (o *Orchestrator) ApplyUpdate(ecu string) error {
	if ecu == "" {
		return ErrNullInput
	}
	o.mu.Lock()
	firmware := o.firmware
	o.mu.Unlock()

	o.setState(StateApplying, ecu, nil)

	fail := func(step string, err error) error {
		o.logger.WithError(err).WithField("step", step).Error("firmware apply failed")
		o.setState(StateFailure, ecu, nil)
		o.RollbackUpdate(ecu)
		return fmt.Errorf("ota: %s: %w", step, err)
	}

	if err := o.applier.Begin(len(firmware)); err != nil {
		return fail("begin", err)
	}
	if err := o.applier.Write(firmware); err != nil {
		_ = o.applier.End()
		return fail("write", err)
	}
	if err := o.applier.End(); err != nil {
		return fail("end", err)
	}
	if err := o.applier.SetBoot(); err != nil {
		return fail("set-boot", err)
	}

	o.mu.Lock()
	if target, ok := o.targets[ecu]; ok {
		o.versions[ecu] = target
		delete(o.targets, ecu)
	} else {
		o.versions[ecu]++
	}
	o.firmware = nil
	o.inProgress = false
	o.mu.Unlock()

	o.setState(StateSuccess, ecu, nil)
	if err := o.UpdateConfig(); err != nil {
		o.logger.WithError(err).Warn("failed to persist OTA configuration")
	}
	o.setState(StateIdle, ecu, nil)
	o.logger.WithField("ecu", ecu).Info("firmware update applied")
	return nil
}

// RollbackUpdate restores the pipeline after a terminal failure. The
// rollback outcome itself is tracked only through the notification channel.
func (o *Orchestrator) RollbackUpdate(ecu string) bool {
	o.logger.WithField("ecu", ecu).Warn("initiating firmware rollback")
	o.setState(StateRollback, ecu, nil)
	o.mu.Lock()
	o.firmware = nil
	o.segments = nil
	o.inProgress = false
	o.mu.Unlock()
	o.setState(StateIdle, ecu, nil)
	return true
}

// DeleteFirmware removes a downloaded firmware image from the SD card.
func (o *Orchestrator) DeleteFirmware(filename string) error {
	if filename == "" {
		return ErrNullInput
	}
	if err := o.sd.DeleteFile(filename); err != nil {
		return fmt.Errorf("ota: delete %s: %w", filename, err)
	}
	o.logger.WithField("file", filename).Info("firmware file deleted")
	return nil
}
