package ota

import (
	"fmt"
)

// RefreshConfig re-reads the OTA keys from config.ini without restarting
// the pipeline.
func (o *Orchestrator) RefreshConfig() error {
	if o.store == nil {
		return fmt.Errorf("ota: no configuration store bound")
	}
	if err := o.store.Load(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for ecu, keys := range ecuKeys {
		o.versions[ecu] = o.store.GetUint32(keys.versionKey, o.versions[ecu])
		if topic, ok := o.store.Get(keys.topicKey); ok && topic != "" {
			o.topics[ecu] = topic
		}
	}
	o.checkInterval = o.store.GetUint32("OTA_CHECK_INTERVAL_MS", o.checkInterval)
	o.logger.WithField("checkIntervalMs", o.checkInterval).Info("OTA configuration refreshed")
	return nil
}

// UpdateConfig persists the firmware versions, topics and polling interval
// back to config.ini under the shared file lock.
func (o *Orchestrator) UpdateConfig() error {
	if o.store == nil {
		return fmt.Errorf("ota: no configuration store bound")
	}
	o.mu.Lock()
	kv := make(map[string]string, 2*len(ecuKeys)+1)
	for ecu, keys := range ecuKeys {
		kv[keys.versionKey] = fmt.Sprintf("%d", o.versions[ecu])
		kv[keys.topicKey] = o.topics[ecu]
	}
	kv["OTA_CHECK_INTERVAL_MS"] = fmt.Sprintf("%d", o.checkInterval)
	o.mu.Unlock()

	if err := o.store.SetAndSave(kv); err != nil {
		return fmt.Errorf("ota: persist configuration: %w", err)
	}
	o.logger.Info("OTA configuration persisted")
	return nil
}
