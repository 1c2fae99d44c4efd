// Package monitor hosts the supervisor of the monitor node: it brings the
// subsystems up in dependency order, owns the periodic task set and the
// shared configuration knobs, and is the only entity that spawns tasks.
package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/canesp/monitor/pkg/alert"
	"github.com/canesp/monitor/pkg/canbus"
	"github.com/canesp/monitor/pkg/config"
	"github.com/canesp/monitor/pkg/diagnosis"
	"github.com/canesp/monitor/pkg/logger"
	"github.com/canesp/monitor/pkg/mesh"
	"github.com/canesp/monitor/pkg/ota"
	"github.com/canesp/monitor/pkg/routing"
	"github.com/canesp/monitor/pkg/rtc"
)

// Knobs are the supervisor parameters externalised in config.ini under the
// MONITOR_ prefix.
type Knobs struct {
	MaxRetryCount       uint32
	RetryDelay          time.Duration
	ConfigCheckInterval time.Duration
	DiagPersistInterval time.Duration
	CANReceiveTimeout   time.Duration
	DiagAcqInterval     time.Duration
	CommInterval        time.Duration
}

// DefaultKnobs returns the parameters applied when config.ini omits them.
func DefaultKnobs() Knobs {
	return Knobs{
		MaxRetryCount:       3,
		RetryDelay:          2 * time.Second,
		ConfigCheckInterval: 300 * time.Second,
		DiagPersistInterval: 60 * time.Second,
		CANReceiveTimeout:   10 * time.Millisecond,
		DiagAcqInterval:     time.Second,
		CommInterval:        time.Second,
	}
}

// canAcqPause is the fixed pause of the CAN acquisition loop.
const canAcqPause = 5 * time.Millisecond

// Lifecycle is the opaque bring-up contract of the Wi-Fi/MQTT
// collaborators.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Deps collects the component instances the supervisor owns. The
// supervisor hands out references; no component reaches for another behind
// its back.
type Deps struct {
	Store  *config.Store
	CAN    *canbus.Transport
	Diag   *diagnosis.Engine
	Alerts *alert.Sink
	Log    *logger.Logger
	Router *routing.Router
	OTA    *ota.Orchestrator
	MQTT   Lifecycle
	Mesh   mesh.Network
	Clock  rtc.Clock
}

// Supervisor owns the component set and the periodic tasks.
type Supervisor struct {
	deps  Deps
	knobs Knobs

	canFramesReceived atomic.Uint32
	currentTimeMS     atomic.Int64
	lastDiagPersistMS atomic.Int64

	group  *errgroup.Group
	cancel context.CancelFunc
	logger *logrus.Entry
}

// New creates a supervisor over its dependencies.
func New(deps Deps) *Supervisor {
	return &Supervisor{
		deps:   deps,
		knobs:  DefaultKnobs(),
		logger: logrus.WithField("component", "monitor"),
	}
}

// Knobs returns the active supervisor parameters.
func (s *Supervisor) Knobs() Knobs {
	return s.knobs
}

// CANFramesReceived reports the acquisition statistics counter.
func (s *Supervisor) CANFramesReceived() uint32 {
	return s.canFramesReceived.Load()
}

// CurrentTimeMS reports the supervisor's time base. The supervisor is its
// only writer.
func (s *Supervisor) CurrentTimeMS() int64 {
	return s.currentTimeMS.Load()
}

// loadKnobs pulls the MONITOR_ keys out of the shared store. Missing or
// invalid values keep their defaults.
func (s *Supervisor) loadKnobs() {
	store := s.deps.Store
	if store == nil {
		return
	}
	s.knobs.MaxRetryCount = store.GetUint32("MONITOR_MAX_RETRY_COUNT", s.knobs.MaxRetryCount)
	s.knobs.RetryDelay = store.GetDurationMS("MONITOR_RETRY_DELAY_MS", s.knobs.RetryDelay)
	s.knobs.ConfigCheckInterval = store.GetDurationMS("MONITOR_CONFIG_CHECK_INTERVAL_MS", s.knobs.ConfigCheckInterval)
	s.knobs.DiagPersistInterval = store.GetDurationMS("MONITOR_DIAG_PERSIST_INTERVAL_MS", s.knobs.DiagPersistInterval)
	s.knobs.CANReceiveTimeout = store.GetDurationMS("MONITOR_CAN_RECEIVE_TIMEOUT_MS", s.knobs.CANReceiveTimeout)
	s.knobs.DiagAcqInterval = store.GetDurationMS("MONITOR_DIAG_ACQ_INTERVAL_MS", s.knobs.DiagAcqInterval)
	s.knobs.CommInterval = store.GetDurationMS("MONITOR_COMM_INTERVAL_MS", s.knobs.CommInterval)
	s.logger.WithFields(logrus.Fields{
		"maxRetryCount":       s.knobs.MaxRetryCount,
		"retryDelay":          s.knobs.RetryDelay,
		"configCheckInterval": s.knobs.ConfigCheckInterval,
		"diagPersistInterval": s.knobs.DiagPersistInterval,
		"canReceiveTimeout":   s.knobs.CANReceiveTimeout,
		"diagAcqInterval":     s.knobs.DiagAcqInterval,
		"commInterval":        s.knobs.CommInterval,
	}).Info("monitor parameters loaded")
}

// onMeshEvent adapts radio topology events into the routing event queue.
func (s *Supervisor) onMeshEvent(event mesh.Event) {
	switch event.ID {
	case mesh.EventNeighbourChange:
		neighbours := make([]routing.NeighbourEntry, 0, len(event.Neighbours))
		for _, n := range event.Neighbours {
			neighbours = append(neighbours, routing.NeighbourEntry{
				NeighbourID: n.ID,
				RSSI:        n.RSSI,
				LinkQuality: n.LinkQuality,
			})
		}
		if err := s.deps.Router.QueueMeshEvent(routing.MeshEventNeighbourChange, neighbours); err != nil {
			s.logger.WithError(err).Warn("failed to queue neighbour change")
		}
	case mesh.EventParentConnected:
		_ = s.deps.Router.QueueMeshEvent(routing.MeshEventParentConnected, event.Parent)
	case mesh.EventRootSwitched:
		_ = s.deps.Router.QueueMeshEvent(routing.MeshEventRootSwitched, event.Parent)
	default:
		s.logger.WithField("event", event.ID).Warn("unhandled mesh event")
	}
}

// otaStatusHandler logs every OTA transition through the supervisor.
type otaStatusHandler struct {
	logger *logrus.Entry
}

func (h *otaStatusHandler) OnEvent(state ota.State, ecu string, data any) {
	entry := h.logger.WithFields(logrus.Fields{"state": state.String(), "ecu": ecu})
	switch state {
	case ota.StateFailure:
		entry.Error("OTA update failure")
	case ota.StateRollback:
		entry.Warn("OTA update rollback")
	default:
		entry.Info("OTA status")
	}
}

// Init brings the subsystems up in dependency order. Any failure aborts
// initialisation.
func (s *Supervisor) Init(ctx context.Context) error {
	s.logger.Info("initializing monitor node")

	if s.deps.MQTT != nil {
		if err := s.deps.MQTT.Start(ctx); err != nil {
			return fmt.Errorf("monitor: MQTT bring-up: %w", err)
		}
	}
	if s.deps.Mesh != nil {
		if err := s.deps.Mesh.Start(ctx); err != nil {
			return fmt.Errorf("monitor: mesh bring-up: %w", err)
		}
		s.deps.Mesh.RegisterCallback(s.onMeshEvent)
		s.deps.Router.SetTransmitFunc(func(nextHop, dest string, data []byte, mode routing.Mode) error {
			target := nextHop
			if target == "" {
				target = dest
			}
			return s.deps.Mesh.Send(target, data)
		})
	}

	if err := s.deps.CAN.Start(ctx); err != nil {
		return fmt.Errorf("monitor: CAN bring-up: %w", err)
	}
	if err := s.deps.Router.Start(ctx); err != nil {
		return fmt.Errorf("monitor: routing start: %w", err)
	}
	if err := s.deps.OTA.Init(); err != nil {
		return fmt.Errorf("monitor: OTA init: %w", err)
	}
	if err := s.deps.OTA.RegisterSubscriber(&otaStatusHandler{logger: s.logger}); err != nil {
		return fmt.Errorf("monitor: OTA status handler: %w", err)
	}

	// Diagnosis breaches feed the alert sink.
	if err := s.deps.Diag.RegisterAlertCallback(func(sample *diagnosis.Sample) {
		s.deps.Alerts.CheckConditions(sample)
	}); err != nil {
		return fmt.Errorf("monitor: diagnosis callback: %w", err)
	}

	s.loadKnobs()
	s.logger.Info("monitor node initialized")
	return nil
}

// Start spawns the periodic task set. The tasks exit only when ctx is
// cancelled at teardown.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)

	s.deps.Log.StartFlushTask(ctx)
	s.deps.Log.StartAsyncWriteTask(ctx)
	s.deps.Log.StartMonitorTask(ctx)

	s.group.Go(func() error { return s.canAcquisitionTask(ctx) })
	s.group.Go(func() error { return s.diagnosisAcquisitionTask(ctx) })
	s.group.Go(func() error { return s.communicationTask(ctx) })
	s.group.Go(func() error { return s.configUpdateTask(ctx) })
	s.group.Go(func() error { return s.otaTask(ctx) })

	s.logger.Info("monitor tasks started")
	return nil
}

// Stop cancels the task set and waits for it to drain.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil && err != context.Canceled {
			return err
		}
	}
	s.logger.Info("monitor tasks stopped")
	return nil
}
