package routing

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canesp/monitor/pkg/config"
	"github.com/canesp/monitor/pkg/rtc"
)

// recordingSubscriber captures routing events for assertions.
type recordingSubscriber struct {
	mu     sync.Mutex
	events []Event
	data   []any
}

func (s *recordingSubscriber) OnEvent(event Event, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.data = append(s.data, payload)
}

func (s *recordingSubscriber) find(event Event) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.events {
		if e == event {
			return s.data[i], true
		}
	}
	return nil, false
}

func newTestRouter() *Router {
	return NewRouter(nil, rtc.SystemClock{})
}

func TestInsertRouteRejectsDuplicates(t *testing.T) {
	r := newTestRouter()
	entry := Entry{DestID: "motor_control_ecu", NextHop: "motor_control_ecu", Cost: 1}
	require.NoError(t, r.InsertRoute(entry))
	assert.ErrorIs(t, r.InsertRoute(entry), ErrDuplicate)
	assert.Len(t, r.RoutingTable(), 1)
}

func TestInsertRemoveRestoresTable(t *testing.T) {
	r := newTestRouter()
	before := r.RoutingTable()

	entry := Entry{DestID: "brake_control_ecu", NextHop: "brake_control_ecu", Cost: 2}
	require.NoError(t, r.InsertRoute(entry))
	require.NoError(t, r.RemoveRoute(entry.DestID))

	assert.Equal(t, before, r.RoutingTable())
}

func TestRemoveMissingRouteNotifiesFailure(t *testing.T) {
	r := newTestRouter()
	sub := &recordingSubscriber{}
	require.NoError(t, r.RegisterSubscriber(sub))

	assert.ErrorIs(t, r.RemoveRoute("ghost"), ErrNotFound)
	payload, ok := sub.find(EventRouteFailure)
	require.True(t, ok)
	assert.Equal(t, "ghost", payload)
}

func TestUpdateRoute(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.InsertRoute(Entry{DestID: "steering_control_ecu", NextHop: "a", Cost: 1}))
	require.NoError(t, r.UpdateRoute(Entry{DestID: "steering_control_ecu", NextHop: "b", Cost: 4}))

	table := r.RoutingTable()
	require.Len(t, table, 1)
	assert.Equal(t, "b", table[0].NextHop)
	assert.Equal(t, uint8(4), table[0].Cost)

	assert.ErrorIs(t, r.UpdateRoute(Entry{DestID: "missing"}), ErrNotFound)
}

func TestTableCapacity(t *testing.T) {
	r := newTestRouter()
	for i := 0; i < MaxRoutingEntries; i++ {
		require.NoError(t, r.InsertRoute(Entry{DestID: string(rune('a' + i))}))
	}
	assert.ErrorIs(t, r.InsertRoute(Entry{DestID: "overflow"}), ErrTableFull)
}

func TestRecalculateRoutesFromNeighbours(t *testing.T) {
	r := newTestRouter()
	sub := &recordingSubscriber{}
	require.NoError(t, r.RegisterSubscriber(sub))

	neighbours := []NeighbourEntry{
		{NeighbourID: "motor_control_ecu", RSSI: -40, LinkQuality: 90},
		{NeighbourID: "brake_control_ecu", RSSI: -55, LinkQuality: 80},
	}
	require.NoError(t, r.UpdateTopology(neighbours))

	table := r.RoutingTable()
	require.Len(t, table, 2)
	for i, e := range table {
		assert.Equal(t, neighbours[i].NeighbourID, e.DestID)
		assert.Equal(t, neighbours[i].NeighbourID, e.NextHop)
		assert.Equal(t, r.GetConfig().DefaultCost, e.Cost)
		assert.NotZero(t, e.Timestamp)
	}
	_, ok := sub.find(EventNeighbourTableUpdated)
	assert.True(t, ok)
	_, ok = sub.find(EventTableUpdated)
	assert.True(t, ok)
}

func TestProcessMeshEvents(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.ProcessMeshEvent(MeshEventNeighbourChange, []NeighbourEntry{{NeighbourID: "n1"}}))
	assert.Len(t, r.RoutingTable(), 1)

	require.NoError(t, r.ProcessMeshEvent(MeshEventParentConnected, nil))
	require.NoError(t, r.ProcessMeshEvent(MeshEventRootSwitched, nil))
	assert.Error(t, r.ProcessMeshEvent(MeshEventID(99), nil))
}

func TestUnicastFallbackEmitsRouteFailure(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.SetConfig(Config{DefaultCost: 1, RetryCount: 3, RetryDelayMS: 100}))

	sub := &recordingSubscriber{}
	require.NoError(t, r.RegisterSubscriber(sub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	start := time.Now()
	require.NoError(t, r.SendMessage("ECU_X", make([]byte, 8), ModeUnicast))

	require.Eventually(t, func() bool {
		_, ok := sub.find(EventRouteFailure)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond, "three retry delays must elapse before the failure")

	payload, _ := sub.find(EventRouteFailure)
	assert.Equal(t, "ECU_X", payload)
}

func TestUnicastResolvesAfterRecompute(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.SetConfig(Config{DefaultCost: 1, RetryCount: 3, RetryDelayMS: 10}))
	require.NoError(t, r.UpdateTopology([]NeighbourEntry{{NeighbourID: "motor_control_ecu"}}))

	var mu sync.Mutex
	var sent []string
	r.SetTransmitFunc(func(nextHop, dest string, data []byte, mode Mode) error {
		mu.Lock()
		sent = append(sent, nextHop)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	require.NoError(t, r.SendMessage("motor_control_ecu", []byte{1, 2, 3}, ModeUnicast))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "motor_control_ecu", sent[0])
	mu.Unlock()
}

func TestMulticastWithNoMembersFails(t *testing.T) {
	r := newTestRouter()
	sub := &recordingSubscriber{}
	require.NoError(t, r.RegisterSubscriber(sub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	require.NoError(t, r.SendMessage("control", []byte{1}, ModeMulticast))
	require.Eventually(t, func() bool {
		_, ok := sub.find(EventRouteFailure)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestMulticastMatchesSubstringGroups(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.UpdateTopology([]NeighbourEntry{
		{NeighbourID: "motor_control_ecu"},
		{NeighbourID: "brake_control_ecu"},
		{NeighbourID: "monitor_ecu"},
	}))
	assert.Equal(t, 2, r.countGroupMembers("control"))
}

func TestBroadcastWithoutNeighboursFails(t *testing.T) {
	r := newTestRouter()
	sub := &recordingSubscriber{}
	require.NoError(t, r.RegisterSubscriber(sub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	require.NoError(t, r.SendMessage("", []byte{1}, ModeBroadcast))
	require.Eventually(t, func() bool {
		_, ok := sub.find(EventRouteFailure)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestReceiveMessageNotifiesSubscribers(t *testing.T) {
	r := newTestRouter()
	sub := &recordingSubscriber{}
	require.NoError(t, r.RegisterSubscriber(sub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	require.NoError(t, r.ReceiveMessage("motor_control_ecu", []byte{0xAA, 0xBB}))
	require.Eventually(t, func() bool {
		_, ok := sub.find(EventMessageReceived)
		return ok
	}, time.Second, 5*time.Millisecond)

	payload, _ := sub.find(EventMessageReceived)
	msg, ok := payload.(*ReceivedMessage)
	require.True(t, ok)
	assert.Equal(t, "motor_control_ecu", msg.SrcID)
	assert.Equal(t, []byte{0xAA, 0xBB}, msg.Data)
	assert.NotEqual(t, [16]byte{}, [16]byte(msg.ID))
}

func TestReceiveMessageValidation(t *testing.T) {
	r := newTestRouter()
	assert.ErrorIs(t, r.ReceiveMessage("", []byte{1}), ErrNullInput)
	assert.ErrorIs(t, r.ReceiveMessage("src", nil), ErrNullInput)
	assert.Error(t, r.ReceiveMessage("src", make([]byte, MaxMessageSize+1)))
}

func TestQueueMeshEventDrainedByEventTask(t *testing.T) {
	r := newTestRouter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	require.NoError(t, r.QueueMeshEvent(MeshEventNeighbourChange, []NeighbourEntry{{NeighbourID: "n1"}}))
	require.Eventually(t, func() bool {
		return len(r.RoutingTable()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSetConfigPersistsKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	require.NoError(t, os.WriteFile(path, []byte("ROUTING_DEFAULT_COST=2\n"), 0o644))

	store := config.NewStore(path)
	require.NoError(t, store.Load())

	r := NewRouter(store, rtc.SystemClock{})
	assert.Equal(t, uint8(2), r.GetConfig().DefaultCost)

	require.NoError(t, r.SetConfig(Config{DefaultCost: 5, RetryCount: 7, RetryDelayMS: 250}))

	reloaded := config.NewStore(path)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, uint32(5), reloaded.GetUint32("ROUTING_DEFAULT_COST", 0))
	assert.Equal(t, uint32(7), reloaded.GetUint32("ROUTING_RETRY_COUNT", 0))
	assert.Equal(t, uint32(250), reloaded.GetUint32("ROUTING_RETRY_DELAY_MS", 0))
}

func TestSubscriberRegistration(t *testing.T) {
	r := newTestRouter()
	sub := &recordingSubscriber{}
	require.NoError(t, r.RegisterSubscriber(sub))
	require.NoError(t, r.RegisterSubscriber(sub), "duplicate registration is idempotent")
	require.NoError(t, r.UnregisterSubscriber(sub))
	assert.ErrorIs(t, r.UnregisterSubscriber(sub), ErrNotFound)
}
