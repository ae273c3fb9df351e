package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lmartin/batfleet/internal/fleet"
	"github.com/lmartin/batfleet/internal/logging"
	"github.com/lmartin/batfleet/internal/state"
)

// FleetBroker layers the fleet topics on top of the raw broker: retained
// per-device status on <prefix>/device/<id>/status and health events on
// <prefix>/device/<id>/event or <prefix>/fleet/event. It satisfies both
// the notifier and the refresh status sink.
type FleetBroker struct {
	Broker
	heartbeatInterval time.Duration

	mu       sync.Mutex
	lastSent map[string]publishedStatus
}

type publishedStatus struct {
	// canonical is the payload with timestamps zeroed, so a sweep that
	// produced identical readings compares equal.
	canonical []byte
	sentAt    time.Time
}

func NewFleetBroker(broker Broker, heartbeatInterval time.Duration) *FleetBroker {
	return &FleetBroker{
		Broker:            broker,
		heartbeatInterval: heartbeatInterval,
		lastSent:          make(map[string]publishedStatus),
	}
}

// statusMessage is the wire form of one device status.
type statusMessage struct {
	Device string             `json:"device"`
	Name   string             `json:"name"`
	Status fleet.DeviceStatus `json:"status"`
	Stale  bool               `json:"stale"`
	AgeSec int                `json:"ageSec"`
}

// PublishStatus pushes the accepted cache entry, retained, suppressing
// repeats: an unchanged payload goes out again only when the heartbeat
// interval has elapsed since the last send.
func (b *FleetBroker) PublishStatus(ctx context.Context, dev fleet.Device, entry state.CacheEntry) {
	msg := statusMessage{
		Device: dev.BleMac,
		Name:   dev.Name,
		Status: entry.Status,
		Stale:  entry.Stale,
		AgeSec: int(entry.Age(time.Now()).Seconds()),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		logging.Error("status marshal failed", "device", dev.BleMac, "error", err)
		return
	}

	cmp := msg
	cmp.Status.FetchedAt = time.Time{}
	cmp.AgeSec = 0
	canonical, err := json.Marshal(cmp)
	if err != nil {
		logging.Error("status marshal failed", "device", dev.BleMac, "error", err)
		return
	}

	b.mu.Lock()
	prev, hasPrev := b.lastSent[dev.BleMac]
	changed := !hasPrev || !bytes.Equal(prev.canonical, canonical)
	needsHeartbeat := !changed && b.heartbeatInterval > 0 && time.Since(prev.sentAt) > b.heartbeatInterval
	b.mu.Unlock()

	if !changed && !needsHeartbeat {
		return
	}

	topic := b.Topic("device", dev.BleMac, "status")
	if err := b.Publish(ctx, topic, FireAndForget, true, payload); err != nil {
		logging.Warn("status publish failed", "device", dev.BleMac, "topic", topic, "error", err)
		return
	}
	b.mu.Lock()
	b.lastSent[dev.BleMac] = publishedStatus{canonical: canonical, sentAt: time.Now()}
	b.mu.Unlock()
}

// FleetCommand is an operator command received on the fleet command
// topic. Action names the transition to run.
type FleetCommand struct {
	Action string `json:"action"`
}

// SubscribeCommands listens on <prefix>/fleet/cmd and hands each decoded
// command to handler. Malformed payloads are logged and dropped. The
// handler runs on the broker's delivery goroutine.
func (b *FleetBroker) SubscribeCommands(ctx context.Context, handler func(ctx context.Context, cmd FleetCommand)) (Subscription, error) {
	topic := b.Topic("fleet", "cmd")
	return b.Subscribe(ctx, topic, AtLeastOnce, func(ctx context.Context, topic string, payload []byte) {
		var cmd FleetCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			logging.Warn("undecodable fleet command", "topic", topic, "error", err)
			return
		}
		logging.Info("fleet command received", "action", cmd.Action)
		handler(ctx, cmd)
	})
}

// Notify implements fleet.Notifier. Delivery is best effort; a broker
// outage must never fail the sweep that raised the event.
func (b *FleetBroker) Notify(ctx context.Context, ev fleet.Event) {
	var topic string
	if ev.Device != "" {
		topic = b.Topic("device", ev.Device, "event")
	} else {
		topic = b.Topic("fleet", "event")
	}
	if err := b.PublishJSON(ctx, topic, AtLeastOnce, false, ev); err != nil {
		logging.Warn("event publish failed", "event", ev.Name, "topic", topic, "error", err)
	}
}
