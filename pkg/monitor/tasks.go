package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/canesp/monitor/pkg/canbus"
	"github.com/canesp/monitor/pkg/diagnosis"
	"github.com/canesp/monitor/pkg/ota"
	"github.com/canesp/monitor/pkg/rtc"
)

// canAcquisitionTask drains the CAN receive path, counting frames and
// decoding extended identifiers for the debug trace.
func (s *Supervisor) canAcquisitionTask(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		frame, err := s.deps.CAN.ReceiveSync(s.knobs.CANReceiveTimeout)
		if err == nil {
			total := s.canFramesReceived.Add(1)
			priority, module, command := canbus.DecodeID(frame.ID)
			s.logger.WithFields(logrus.Fields{
				"id":       fmt.Sprintf("0x%08X", frame.ID),
				"priority": priority,
				"module":   fmt.Sprintf("0x%03X", module),
				"command":  fmt.Sprintf("0x%04X", command),
				"length":   frame.Length,
				"total":    total,
			}).Debug("CAN frame acquired")
		}
		select {
		case <-time.After(canAcqPause):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// diagnosisAcquisitionTask updates the diagnosis engine and persists a
// summary when the sample is abnormal or the persistence interval elapsed.
func (s *Supervisor) diagnosisAcquisitionTask(ctx context.Context) error {
	ticker := time.NewTicker(s.knobs.DiagAcqInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		var sample diagnosis.Sample
		if err := s.deps.Diag.Update(&sample); err != nil {
			s.logger.WithError(err).Warn("diagnosis update failed")
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"busLoad":  sample.BusLoad,
			"txErrors": sample.CAN.TxErrorCounter,
			"rxErrors": sample.CAN.RxErrorCounter,
		}).Info("diagnosis update")

		nowMS := rtc.Millis(s.deps.Clock)
		s.currentTimeMS.Store(nowMS)
		persistInterval := s.knobs.DiagPersistInterval.Milliseconds()
		if sample.Abnormal || nowMS-s.lastDiagPersistMS.Load() >= persistInterval {
			summary := fmt.Sprintf(
				"Diag Summary: Time=%d ms, Bus Load=%d%%, TX_Err=%d, RX_Err=%d, Retrans=%d, Collisions=%d, Latency(Max)=%d us",
				nowMS, sample.BusLoad, sample.CAN.TxErrorCounter,
				sample.CAN.RxErrorCounter, sample.Retransmissions,
				sample.Collisions, sample.Latency.Max.Microseconds())
			if err := s.deps.Log.AsyncWrite(summary); err != nil {
				s.logger.WithError(err).Warn("failed to enqueue diagnosis summary")
			}
			s.lastDiagPersistMS.Store(nowMS)
		}
	}
}

// communicationTask keeps the routing table fresh.
func (s *Supervisor) communicationTask(ctx context.Context) error {
	ticker := time.NewTicker(s.knobs.CommInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.deps.Router.RecalculateRoutes(); err != nil {
				s.logger.WithError(err).Warn("route recalculation failed")
			}
		}
	}
}

// configUpdateTask reloads the OTA parameters and the monitor knobs, either
// on the periodic cadence or when config.ini changes on disk.
func (s *Supervisor) configUpdateTask(ctx context.Context) error {
	ticker := time.NewTicker(s.knobs.ConfigCheckInterval)
	defer ticker.Stop()

	var changes <-chan struct{}
	if s.deps.Store != nil {
		if ch, err := s.deps.Store.Watch(ctx.Done()); err == nil {
			changes = ch
		} else {
			s.logger.WithError(err).Warn("configuration watcher unavailable")
		}
	}

	reload := func() {
		if err := s.deps.OTA.RefreshConfig(); err != nil {
			s.logger.WithError(err).Warn("OTA configuration refresh failed")
		} else {
			s.logger.Info("OTA configuration refreshed")
		}
		s.loadKnobs()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reload()
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.logger.Info("configuration file changed on disk")
			reload()
		}
	}
}

// otaTask runs the update pipeline on the configured cadence, retrying each
// step up to the configured budget and rolling back on exhaustion.
func (s *Supervisor) otaTask(ctx context.Context) error {
	interval := time.Duration(s.deps.OTA.CheckInterval()) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		available, err := s.deps.OTA.CheckUpdate()
		if err != nil || !available {
			continue
		}
		s.runUpdatePipeline(ctx, ota.ECUMonitor)
	}
}

// retryStep runs one pipeline step with the supervisor retry budget.
func (s *Supervisor) retryStep(ctx context.Context, name string, step func() error) bool {
	var attempts uint32
	for {
		err := step()
		if err == nil {
			return true
		}
		attempts++
		s.logger.WithError(err).WithFields(logrus.Fields{
			"step":    name,
			"attempt": attempts,
		}).Warn("OTA step failed")
		if attempts >= s.knobs.MaxRetryCount {
			s.logger.WithField("step", name).Error("OTA step failed after all retries")
			return false
		}
		select {
		case <-time.After(s.knobs.RetryDelay):
		case <-ctx.Done():
			return false
		}
	}
}

// runUpdatePipeline drives download → segment → distribute → apply for one
// ECU, rolling back when a post-download step exhausts its retries.
func (s *Supervisor) runUpdatePipeline(ctx context.Context, ecu string) {
	o := s.deps.OTA

	if !s.retryStep(ctx, "download", func() error { return o.DownloadFirmware(ecu) }) {
		return
	}
	firmware := o.Firmware()
	if len(firmware) == 0 {
		s.logger.Error("downloaded firmware buffer is empty")
		return
	}
	if !s.retryStep(ctx, "segment", func() error { return o.SegmentFirmware(firmware) }) {
		o.RollbackUpdate(ecu)
		return
	}
	if !s.retryStep(ctx, "distribute", func() error { return o.DistributeFirmware(ecu) }) {
		o.RollbackUpdate(ecu)
		return
	}
	if !s.retryStep(ctx, "apply", func() error { return o.ApplyUpdate(ecu) }) {
		o.RollbackUpdate(ecu)
		return
	}
	s.logger.WithField("ecu", ecu).Info("OTA pipeline completed")
}
