package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Start launches the event, send and receive tasks. The workers exit only
// when ctx is cancelled at teardown.
func (r *Router) Start(ctx context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started {
		return fmt.Errorf("routing: already started")
	}
	r.wg.Add(3)
	go r.eventTask(ctx)
	go r.sendTask(ctx)
	go r.receiveTask(ctx)
	r.started = true
	r.logger.Info("routing module started")
	return nil
}

// Stop waits for the worker tasks to drain after ctx cancellation.
func (r *Router) Stop(ctx context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if !r.started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.started = false
	r.logger.Info("routing module stopped")
	return nil
}

// QueueMeshEvent enqueues a topology event and signals the event task.
func (r *Router) QueueMeshEvent(id MeshEventID, data any) error {
	select {
	case r.eventQueue <- meshEventItem{id: id, data: data}:
	default:
		r.logger.WithField("event", id).Error("mesh event queue full")
		return ErrQueueFull
	}
	select {
	case r.eventSignal <- struct{}{}:
	default:
	}
	return nil
}

// ProcessMeshEvent handles one topology event synchronously.
func (r *Router) ProcessMeshEvent(id MeshEventID, data any) error {
	switch id {
	case MeshEventNeighbourChange:
		neighbours, ok := data.([]NeighbourEntry)
		if !ok {
			return ErrNullInput
		}
		r.logger.Info("processing neighbour change event")
		return r.UpdateTopology(neighbours)
	case MeshEventParentConnected:
		r.logger.Info("processing parent connected event")
		return r.RecalculateRoutes()
	case MeshEventRootSwitched:
		r.logger.Info("processing root switched event")
		return r.RecalculateRoutes()
	default:
		r.logger.WithField("event", id).Warn("unhandled mesh event")
		return fmt.Errorf("routing: unhandled mesh event %d", id)
	}
}

// eventTask waits for the event signal and drains the event FIFO.
func (r *Router) eventTask(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.eventSignal:
		}
		r.drainEvents()
	}
}

// drainEvents empties the event FIFO without blocking.
func (r *Router) drainEvents() {
	for {
		select {
		case item := <-r.eventQueue:
			if err := r.ProcessMeshEvent(item.id, item.data); err != nil {
				r.logger.WithError(err).Warn("mesh event processing failed")
			}
		default:
			return
		}
	}
}

// SendMessage enqueues a message for the send task. The boolean dispatch
// outcome is delivered through the subscriber events.
func (r *Router) SendMessage(dest string, data []byte, mode Mode) error {
	if len(data) == 0 {
		r.notify(EventRouteFailure, dest)
		return ErrNullInput
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("routing: message exceeds %d bytes", MaxMessageSize)
	}
	// Blocks while the queue is full; the send task drains it.
	r.sendQueue <- sendItem{destID: dest, data: append([]byte(nil), data...), mode: mode}
	return nil
}

// sendTask drains the send FIFO, applying the per-mode dispatch semantics.
func (r *Router) sendTask(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-r.sendQueue:
			r.dispatch(ctx, item)
		}
	}
}

// dispatch implements unicast fallback retries, multicast group matching
// and broadcast.
func (r *Router) dispatch(ctx context.Context, item sendItem) {
	switch item.mode {
	case ModeUnicast:
		nextHop, found := r.lookupNextHop(item.destID)
		r.configMu.Lock()
		retries := int(r.cfg.RetryCount)
		delay := time.Duration(r.cfg.RetryDelayMS) * time.Millisecond
		r.configMu.Unlock()

		attempts := 0
		for !found && attempts < retries {
			r.logger.WithFields(logrus.Fields{
				"dest":    item.destID,
				"attempt": attempts + 1,
				"retries": retries,
			}).Warn("route not found, retrying after recompute")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			_ = r.RecalculateRoutes()
			nextHop, found = r.lookupNextHop(item.destID)
			attempts++
		}
		if !found {
			r.logger.WithFields(logrus.Fields{"dest": item.destID, "attempts": retries}).Error("route not found, dropping message")
			r.notify(EventRouteFailure, item.destID)
			return
		}
		r.logger.WithFields(logrus.Fields{"nextHop": nextHop, "size": len(item.data)}).Info("sending unicast message")
		r.forward(nextHop, item)

	case ModeMulticast:
		count := r.countGroupMembers(item.destID)
		if count == 0 {
			r.logger.WithField("group", item.destID).Warn("no multicast routes found")
			r.notify(EventRouteFailure, item.destID)
			return
		}
		r.logger.WithFields(logrus.Fields{"group": item.destID, "routes": count, "size": len(item.data)}).Info("sending multicast message")
		r.forward("", item)

	case ModeBroadcast:
		r.tableMu.Lock()
		neighbours := len(r.neighbourTable)
		r.tableMu.Unlock()
		if neighbours == 0 {
			r.logger.Warn("broadcast with no neighbours")
			r.notify(EventRouteFailure, item.destID)
			return
		}
		r.logger.WithField("size", len(item.data)).Info("sending broadcast message")
		r.forward("", item)

	default:
		r.logger.WithField("mode", item.mode).Error("invalid routing mode")
	}
}

func (r *Router) forward(nextHop string, item sendItem) {
	r.tableMu.Lock()
	tx := r.transmit
	r.tableMu.Unlock()
	if tx == nil {
		return
	}
	if err := tx(nextHop, item.destID, item.data, item.mode); err != nil {
		r.logger.WithError(err).WithField("dest", item.destID).Error("radio hand-off failed")
		r.notify(EventRouteFailure, item.destID)
	}
}

// ReceiveMessage accepts an inbound payload and queues it for subscriber
// delivery. The receive task owns the allocated message until subscribers
// take it over.
func (r *Router) ReceiveMessage(src string, data []byte) error {
	if src == "" || len(data) == 0 {
		return ErrNullInput
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("routing: message exceeds %d bytes", MaxMessageSize)
	}
	r.rxQueue <- &ReceivedMessage{
		ID:    uuid.New(),
		SrcID: src,
		Data:  append([]byte(nil), data...),
	}
	return nil
}

// receiveTask drains the receive FIFO and notifies subscribers.
func (r *Router) receiveTask(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.rxQueue:
			r.logger.WithFields(logrus.Fields{"src": msg.SrcID, "size": len(msg.Data)}).Info("processing received message")
			r.notify(EventMessageReceived, msg)
		}
	}
}
