package messaging_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmartin/batfleet/internal/fleet"
	"github.com/lmartin/batfleet/internal/messaging"
	"github.com/lmartin/batfleet/internal/state"
)

type published struct {
	topic   string
	qos     messaging.QoS
	retain  bool
	payload []byte
}

// memBroker records publishes and subscriptions instead of talking to a
// real broker.
type memBroker struct {
	mu       sync.Mutex
	prefix   string
	sent     []published
	subTopic string
	handler  func(ctx context.Context, topic string, payload []byte)
}

func (b *memBroker) Connect(ctx context.Context) error { return nil }
func (b *memBroker) Close(ctx context.Context) error   { return nil }
func (b *memBroker) IsConnected() bool                 { return true }

func (b *memBroker) Publish(ctx context.Context, topic string, qos messaging.QoS, retain bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, published{topic: topic, qos: qos, retain: retain, payload: payload})
	return nil
}

func (b *memBroker) PublishJSON(ctx context.Context, topic string, qos messaging.QoS, retain bool, v interface{}) error {
	return b.Publish(ctx, topic, qos, retain, nil)
}

func (b *memBroker) Subscribe(ctx context.Context, topic string, qos messaging.QoS, handler func(context.Context, string, []byte)) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subTopic = topic
	b.handler = handler
	return nil, nil
}

// deliver plays an incoming message into the registered handler.
func (b *memBroker) deliver(payload string) {
	b.handler(context.Background(), b.subTopic, []byte(payload))
}

func (b *memBroker) Topic(parts ...string) string {
	return b.prefix + "/" + strings.Join(parts, "/")
}

func (b *memBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *memBroker) last() published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[len(b.sent)-1]
}

func goodEntry(soc int) state.CacheEntry {
	return state.CacheEntry{
		Status:     fleet.DeviceStatus{Battery: &fleet.BatteryReading{SOC: soc}},
		AcceptedAt: time.Now(),
	}
}

var dev = fleet.Device{BleMac: "aa:01", Name: "cellar", Host: "10.0.0.1", Port: 30000}

func TestPublishStatusRetainedOnDeviceTopic(t *testing.T) {
	raw := &memBroker{prefix: "batfleet/home"}
	fb := messaging.NewFleetBroker(raw, time.Hour)

	fb.PublishStatus(context.Background(), dev, goodEntry(42))

	require.Equal(t, 1, raw.count())
	msg := raw.last()
	assert.Equal(t, "batfleet/home/device/aa:01/status", msg.topic)
	assert.True(t, msg.retain, "status must survive for late subscribers")
	assert.Contains(t, string(msg.payload), `"soc":42`)
}

func TestPublishStatusSuppressesUnchangedPayload(t *testing.T) {
	raw := &memBroker{prefix: "batfleet/home"}
	fb := messaging.NewFleetBroker(raw, time.Hour)

	entry := goodEntry(42)
	fb.PublishStatus(context.Background(), dev, entry)
	fb.PublishStatus(context.Background(), dev, entry)
	assert.Equal(t, 1, raw.count(), "identical payload within the heartbeat window is dropped")

	fb.PublishStatus(context.Background(), dev, goodEntry(43))
	assert.Equal(t, 2, raw.count(), "a changed payload always goes out")
}

func TestPublishStatusHeartbeatAfterInterval(t *testing.T) {
	raw := &memBroker{prefix: "batfleet/home"}
	fb := messaging.NewFleetBroker(raw, 20*time.Millisecond)

	entry := goodEntry(42)
	fb.PublishStatus(context.Background(), dev, entry)
	time.Sleep(40 * time.Millisecond)
	fb.PublishStatus(context.Background(), dev, entry)

	assert.Equal(t, 2, raw.count(), "unchanged payload resends once the heartbeat elapses")
}

func TestSubscribeCommandsParsesActions(t *testing.T) {
	raw := &memBroker{prefix: "batfleet/home"}
	fb := messaging.NewFleetBroker(raw, time.Hour)

	var got []messaging.FleetCommand
	_, err := fb.SubscribeCommands(context.Background(), func(ctx context.Context, cmd messaging.FleetCommand) {
		got = append(got, cmd)
	})
	require.NoError(t, err)
	assert.Equal(t, "batfleet/home/fleet/cmd", raw.subTopic)

	raw.deliver(`{"action":"precharge"}`)
	raw.deliver(`not json`)
	raw.deliver(`{"action":"auto"}`)

	require.Len(t, got, 2, "undecodable commands are dropped")
	assert.Equal(t, "precharge", got[0].Action)
	assert.Equal(t, "auto", got[1].Action)
}

func TestNotifyRoutesDeviceAndFleetEvents(t *testing.T) {
	raw := &memBroker{prefix: "batfleet/home"}
	fb := messaging.NewFleetBroker(raw, time.Hour)

	fb.Notify(context.Background(), fleet.Event{Name: fleet.EventConnectionLost, Device: "aa:01"})
	fb.Notify(context.Background(), fleet.Event{Name: fleet.EventElevatedTomorrow})

	require.Equal(t, 2, raw.count())
	assert.Equal(t, "batfleet/home/device/aa:01/event", raw.sent[0].topic)
	assert.Equal(t, "batfleet/home/fleet/event", raw.sent[1].topic)
	assert.Equal(t, messaging.AtLeastOnce, raw.sent[0].qos)
}
