// Package mesh defines the mesh radio collaborator contract: topology
// event delivery and raw payload transport between nodes. The radio itself
// is opaque; the monitor consumes its events and hands it outbound
// segments.
package mesh

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// EventID identifies a topology event.
type EventID uint8

const (
	EventNeighbourChange EventID = iota + 5
	EventParentConnected
	EventRootSwitched
)

func (e EventID) String() string {
	switch e {
	case EventNeighbourChange:
		return "neighbour-change"
	case EventParentConnected:
		return "parent-connected"
	case EventRootSwitched:
		return "root-switched"
	default:
		return "unknown"
	}
}

// Neighbour describes one adjacent node.
type Neighbour struct {
	ID          string
	RSSI        int8
	LinkQuality uint8
}

// Event is a topology notification. Neighbours is populated for
// EventNeighbourChange; Parent for EventParentConnected.
type Event struct {
	ID         EventID
	Neighbours []Neighbour
	Parent     string
}

// EventCallback observes topology events.
type EventCallback func(Event)

// Network is the mesh radio contract.
type Network interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	RegisterCallback(fn EventCallback)
	Topology() ([]Neighbour, error)
	Send(dest string, data []byte) error
}

var ErrNotStarted = errors.New("mesh: network not started")

// InMemoryNetwork is a mesh implementation backed by process memory, used
// by the test suite. Topology changes are injected
// with SetNeighbours and fan out to registered callbacks.
type InMemoryNetwork struct {
	mu         sync.Mutex
	started    bool
	neighbours []Neighbour
	callbacks  []EventCallback
	sent       map[string][][]byte
	logger     *logrus.Entry
}

// NewInMemoryNetwork creates an empty in-memory mesh.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{
		sent:   make(map[string][][]byte),
		logger: logrus.WithField("component", "mesh"),
	}
}

func (n *InMemoryNetwork) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = true
	n.logger.Info("mesh network started")
	return nil
}

func (n *InMemoryNetwork) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = false
	n.logger.Info("mesh network stopped")
	return nil
}

// RegisterCallback adds a topology event observer.
func (n *InMemoryNetwork) RegisterCallback(fn EventCallback) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.callbacks = append(n.callbacks, fn)
	n.mu.Unlock()
}

// Topology returns the current neighbour list.
func (n *InMemoryNetwork) Topology() ([]Neighbour, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil, ErrNotStarted
	}
	return append([]Neighbour(nil), n.neighbours...), nil
}

// Send records an outbound payload for dest.
func (n *InMemoryNetwork) Send(dest string, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return ErrNotStarted
	}
	n.sent[dest] = append(n.sent[dest], append([]byte(nil), data...))
	return nil
}

// Sent returns the payloads recorded for dest.
func (n *InMemoryNetwork) Sent(dest string) [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([][]byte, len(n.sent[dest]))
	copy(out, n.sent[dest])
	return out
}

// SetNeighbours replaces the topology and emits a neighbour-change event.
func (n *InMemoryNetwork) SetNeighbours(neighbours []Neighbour) {
	n.mu.Lock()
	n.neighbours = append([]Neighbour(nil), neighbours...)
	n.mu.Unlock()
	n.Emit(Event{ID: EventNeighbourChange, Neighbours: neighbours})
}

// Emit fans an event out to every registered callback.
func (n *InMemoryNetwork) Emit(event Event) {
	n.mu.Lock()
	callbacks := append([]EventCallback(nil), n.callbacks...)
	n.mu.Unlock()
	n.logger.WithField("event", event.ID.String()).Debug("mesh event emitted")
	for _, cb := range callbacks {
		cb(event)
	}
}
