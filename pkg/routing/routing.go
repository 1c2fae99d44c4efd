// Package routing maintains the mesh routing and neighbour tables, reacts
// to topology events and dispatches unicast, multicast and broadcast
// messages with fallback retries on route misses.
package routing

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/canesp/monitor/pkg/config"
	"github.com/canesp/monitor/pkg/rtc"
)

// Table capacities.
const (
	MaxRoutingEntries   = 16
	MaxNeighbourEntries = 8
	MaxSubscribers      = 10
	MaxMessageSize      = 1024

	eventQueueLength = 10
	sendQueueLength  = 16
)

var (
	ErrNullInput    = errors.New("routing: missing required input")
	ErrTableFull    = errors.New("routing: routing table full")
	ErrDuplicate    = errors.New("routing: entry already exists")
	ErrNotFound     = errors.New("routing: entry not found")
	ErrRouteFailure = errors.New("routing: no route to destination")
	ErrQueueFull    = errors.New("routing: queue full")
)

// Mode selects the dispatch strategy of SendMessage.
type Mode uint8

const (
	ModeUnicast Mode = iota
	ModeMulticast
	ModeBroadcast
)

func (m Mode) String() string {
	switch m {
	case ModeUnicast:
		return "unicast"
	case ModeMulticast:
		return "multicast"
	case ModeBroadcast:
		return "broadcast"
	default:
		return "invalid"
	}
}

// Event identifies a subscriber notification.
type Event uint8

const (
	EventTableUpdated Event = iota
	EventNeighbourTableUpdated
	EventRouteFailure
	EventMessageReceived
)

// MeshEventID identifies a topology event from the mesh radio.
type MeshEventID uint8

const (
	MeshEventNeighbourChange MeshEventID = iota + 5
	MeshEventParentConnected
	MeshEventRootSwitched
)

// Entry is one routing table row. DestID is unique across the table.
type Entry struct {
	DestID    string
	NextHop   string
	Cost      uint8
	Timestamp uint32 // ms tick of the last update
}

// NeighbourEntry is one neighbour table row.
type NeighbourEntry struct {
	NeighbourID string
	RSSI        int8
	LinkQuality uint8
}

// Config holds the dynamic routing parameters persisted in config.ini.
type Config struct {
	DefaultCost  uint8
	RetryCount   uint8
	RetryDelayMS uint32
}

// DefaultRoutingConfig returns the parameters applied until the persisted
// configuration is loaded.
func DefaultRoutingConfig() Config {
	return Config{DefaultCost: 1, RetryCount: 3, RetryDelayMS: 500}
}

// Subscriber receives routing notifications. Dispatch is a plain loop over
// the bounded subscriber list.
type Subscriber interface {
	OnEvent(event Event, payload any)
}

// ReceivedMessage is an inbound mesh payload. The receive task hands the
// message to subscribers, which take ownership.
type ReceivedMessage struct {
	ID    uuid.UUID
	SrcID string
	Data  []byte
}

// sendItem is one queued outbound message.
type sendItem struct {
	destID string
	data   []byte
	mode   Mode
}

// meshEventItem is one queued topology event.
type meshEventItem struct {
	id   MeshEventID
	data any
}

// TransmitFunc hands a resolved message to the radio. nextHop is empty for
// multicast and broadcast dispatch.
type TransmitFunc func(nextHop string, destID string, data []byte, mode Mode) error

// Router owns the routing state. The routing and neighbour tables share one
// mutex; the configuration has its own.
type Router struct {
	tableMu        sync.Mutex
	routingTable   []Entry
	neighbourTable []NeighbourEntry

	configMu sync.Mutex
	cfg      Config

	subMu       sync.Mutex
	subscribers []Subscriber

	eventQueue  chan meshEventItem
	eventSignal chan struct{}
	sendQueue   chan sendItem
	rxQueue     chan *ReceivedMessage

	transmit TransmitFunc
	store    *config.Store
	clock    rtc.Clock
	logger   *logrus.Entry

	wg      sync.WaitGroup
	started bool
	startMu sync.Mutex
}

// NewRouter creates a router persisting its configuration through store.
// store may be nil, in which case configuration changes are memory-only.
func NewRouter(store *config.Store, clock rtc.Clock) *Router {
	r := &Router{
		routingTable:   make([]Entry, 0, MaxRoutingEntries),
		neighbourTable: make([]NeighbourEntry, 0, MaxNeighbourEntries),
		cfg:            DefaultRoutingConfig(),
		eventQueue:     make(chan meshEventItem, eventQueueLength),
		eventSignal:    make(chan struct{}, 1),
		sendQueue:      make(chan sendItem, sendQueueLength),
		rxQueue:        make(chan *ReceivedMessage, sendQueueLength),
		store:          store,
		clock:          clock,
		logger:         logrus.WithField("component", "routing"),
	}
	r.loadConfig()
	return r
}

// loadConfig pulls the ROUTING_* keys out of the shared store.
func (r *Router) loadConfig() {
	if r.store == nil {
		return
	}
	r.configMu.Lock()
	defer r.configMu.Unlock()
	r.cfg.DefaultCost = uint8(r.store.GetUint32("ROUTING_DEFAULT_COST", uint32(r.cfg.DefaultCost)))
	r.cfg.RetryCount = uint8(r.store.GetUint32("ROUTING_RETRY_COUNT", uint32(r.cfg.RetryCount)))
	r.cfg.RetryDelayMS = r.store.GetUint32("ROUTING_RETRY_DELAY_MS", r.cfg.RetryDelayMS)
	r.logger.WithFields(logrus.Fields{
		"defaultCost":  r.cfg.DefaultCost,
		"retryCount":   r.cfg.RetryCount,
		"retryDelayMs": r.cfg.RetryDelayMS,
	}).Info("routing configuration loaded")
}

// SetTransmitFunc installs the radio hand-off used by the send task.
func (r *Router) SetTransmitFunc(fn TransmitFunc) {
	r.tableMu.Lock()
	r.transmit = fn
	r.tableMu.Unlock()
}

// RegisterSubscriber adds a notification subscriber. Registration is
// idempotent; the list is bounded.
func (r *Router) RegisterSubscriber(sub Subscriber) error {
	if sub == nil {
		return ErrNullInput
	}
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, existing := range r.subscribers {
		if existing == sub {
			return nil
		}
	}
	if len(r.subscribers) >= MaxSubscribers {
		return fmt.Errorf("routing: subscriber limit of %d reached", MaxSubscribers)
	}
	r.subscribers = append(r.subscribers, sub)
	return nil
}

// UnregisterSubscriber removes a previously registered subscriber.
func (r *Router) UnregisterSubscriber(sub Subscriber) error {
	if sub == nil {
		return ErrNullInput
	}
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for i, existing := range r.subscribers {
		if existing == sub {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (r *Router) notify(event Event, payload any) {
	r.subMu.Lock()
	subs := append([]Subscriber(nil), r.subscribers...)
	r.subMu.Unlock()
	for _, sub := range subs {
		sub.OnEvent(event, payload)
	}
}

// UpdateTopology replaces the neighbour table and triggers a route
// recompute. The table is truncated at capacity.
func (r *Router) UpdateTopology(neighbours []NeighbourEntry) error {
	if neighbours == nil {
		return ErrNullInput
	}
	if len(neighbours) > MaxNeighbourEntries {
		neighbours = neighbours[:MaxNeighbourEntries]
	}
	r.tableMu.Lock()
	r.neighbourTable = append(r.neighbourTable[:0], neighbours...)
	count := len(r.neighbourTable)
	r.tableMu.Unlock()

	r.logger.WithField("neighbours", count).Info("neighbour table updated")
	r.notify(EventNeighbourTableUpdated, r.NeighbourTable())
	return r.RecalculateRoutes()
}

// RecalculateRoutes rebuilds the routing table from the neighbour table:
// every neighbour becomes a direct route at the default cost.
func (r *Router) RecalculateRoutes() error {
	r.configMu.Lock()
	cost := r.cfg.DefaultCost
	r.configMu.Unlock()

	now := uint32(rtc.Millis(r.clock))

	r.tableMu.Lock()
	r.routingTable = r.routingTable[:0]
	for _, n := range r.neighbourTable {
		if len(r.routingTable) >= MaxRoutingEntries {
			break
		}
		r.routingTable = append(r.routingTable, Entry{
			DestID:    n.NeighbourID,
			NextHop:   n.NeighbourID,
			Cost:      cost,
			Timestamp: now,
		})
	}
	count := len(r.routingTable)
	r.tableMu.Unlock()

	r.logger.WithField("entries", count).Info("routes recalculated")
	r.notify(EventTableUpdated, r.RoutingTable())
	return nil
}

// InsertRoute adds a new entry. Insertion with an existing destination is
// rejected.
func (r *Router) InsertRoute(entry Entry) error {
	if entry.DestID == "" {
		return ErrNullInput
	}
	r.tableMu.Lock()
	for _, e := range r.routingTable {
		if e.DestID == entry.DestID {
			r.tableMu.Unlock()
			r.logger.WithField("dest", entry.DestID).Warn("entry already exists, use UpdateRoute")
			return ErrDuplicate
		}
	}
	if len(r.routingTable) >= MaxRoutingEntries {
		r.tableMu.Unlock()
		return ErrTableFull
	}
	r.routingTable = append(r.routingTable, entry)
	r.tableMu.Unlock()

	r.logger.WithField("dest", entry.DestID).Info("route inserted")
	r.notify(EventTableUpdated, r.RoutingTable())
	return nil
}

// UpdateRoute replaces the entry with the same destination.
func (r *Router) UpdateRoute(entry Entry) error {
	if entry.DestID == "" {
		return ErrNullInput
	}
	r.tableMu.Lock()
	for i, e := range r.routingTable {
		if e.DestID == entry.DestID {
			r.routingTable[i] = entry
			r.tableMu.Unlock()
			r.logger.WithField("dest", entry.DestID).Info("route updated")
			r.notify(EventTableUpdated, r.RoutingTable())
			return nil
		}
	}
	r.tableMu.Unlock()
	r.logger.WithField("dest", entry.DestID).Warn("route not found for update")
	return ErrNotFound
}

// RemoveRoute deletes the entry for dest. A miss notifies RouteFailure.
func (r *Router) RemoveRoute(dest string) error {
	if dest == "" {
		return ErrNullInput
	}
	r.tableMu.Lock()
	for i, e := range r.routingTable {
		if e.DestID == dest {
			r.routingTable = append(r.routingTable[:i], r.routingTable[i+1:]...)
			r.tableMu.Unlock()
			r.logger.WithField("dest", dest).Info("route removed")
			r.notify(EventTableUpdated, r.RoutingTable())
			return nil
		}
	}
	r.tableMu.Unlock()
	r.logger.WithField("dest", dest).Warn("route not found for removal")
	r.notify(EventRouteFailure, dest)
	return ErrNotFound
}

// RoutingTable returns a copy of the routing table.
func (r *Router) RoutingTable() []Entry {
	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	return append([]Entry(nil), r.routingTable...)
}

// NeighbourTable returns a copy of the neighbour table.
func (r *Router) NeighbourTable() []NeighbourEntry {
	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	return append([]NeighbourEntry(nil), r.neighbourTable...)
}

// SetConfig updates the routing parameters and persists them. In-memory
// state stays updated even when the write-back fails.
func (r *Router) SetConfig(cfg Config) error {
	r.configMu.Lock()
	r.cfg = cfg
	r.configMu.Unlock()
	r.logger.WithFields(logrus.Fields{
		"defaultCost":  cfg.DefaultCost,
		"retryCount":   cfg.RetryCount,
		"retryDelayMs": cfg.RetryDelayMS,
	}).Info("routing configuration updated")

	if r.store == nil {
		return nil
	}
	return r.store.SetAndSave(map[string]string{
		"ROUTING_DEFAULT_COST":   fmt.Sprintf("%d", cfg.DefaultCost),
		"ROUTING_RETRY_COUNT":    fmt.Sprintf("%d", cfg.RetryCount),
		"ROUTING_RETRY_DELAY_MS": fmt.Sprintf("%d", cfg.RetryDelayMS),
	})
}

// GetConfig returns a copy of the active routing parameters.
func (r *Router) GetConfig() Config {
	r.configMu.Lock()
	defer r.configMu.Unlock()
	return r.cfg
}

// lookupNextHop resolves dest in the routing table.
func (r *Router) lookupNextHop(dest string) (string, bool) {
	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	for _, e := range r.routingTable {
		if e.DestID == dest {
			return e.NextHop, true
		}
	}
	return "", false
}

// countGroupMembers counts routing entries whose destination contains the
// multicast group id as a substring.
func (r *Router) countGroupMembers(group string) int {
	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	var count int
	for _, e := range r.routingTable {
		if strings.Contains(e.DestID, group) {
			count++
		}
	}
	return count
}
