package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/lmartin/batfleet/internal/fleet"
	"github.com/lmartin/batfleet/internal/logging"
	"github.com/lmartin/batfleet/internal/state"
	"github.com/lmartin/batfleet/internal/venus"
)

// StatusSink receives the accepted cache entry after every device
// refresh. Optional; typically the MQTT publisher.
type StatusSink interface {
	PublishStatus(ctx context.Context, dev fleet.Device, entry state.CacheEntry)
}

// Refresher runs the periodic status sweep: for each active device, the
// three reads in a fixed order with the inter-call delay between them,
// failures contained per read. The battery read alone decides
// reachability; the other two only enrich the snapshot.
type Refresher struct {
	api      DeviceAPI
	registry Registry
	cache    *state.StatusCache
	history  *state.ConnHistory
	notifier fleet.Notifier
	sink     StatusSink
	delays   Delays
}

func NewRefresher(api DeviceAPI, registry Registry, cache *state.StatusCache, history *state.ConnHistory, notifier fleet.Notifier, sink StatusSink, delays Delays) *Refresher {
	if notifier == nil {
		notifier = fleet.NoopNotifier{}
	}
	return &Refresher{
		api:      api,
		registry: registry,
		cache:    cache,
		history:  history,
		notifier: notifier,
		sink:     sink,
		delays:   delays,
	}
}

// RefreshAll sweeps every active device sequentially.
func (r *Refresher) RefreshAll(ctx context.Context) {
	devices, err := r.registry.Active(ctx)
	if err != nil {
		logging.Error("active device snapshot failed", "error", err)
		return
	}
	if len(devices) == 0 {
		logging.Debug("no active devices to refresh")
		return
	}
	logging.Info("refreshing fleet status", "devices", len(devices))
	for i, dev := range devices {
		if i > 0 {
			if !sleep(ctx, r.delays.InterDevice) {
				return
			}
		}
		r.RefreshDevice(ctx, dev)
	}
}

// RefreshDevice probes one device and records the result in the cache
// and the connectivity history. It always returns the entry the cache
// settled on, stale or not.
func (r *Refresher) RefreshDevice(ctx context.Context, dev fleet.Device) state.CacheEntry {
	status := fleet.DeviceStatus{FetchedAt: time.Now()}

	battery, err := r.api.ReadBattery(ctx, dev)
	r.recordConnectivity(ctx, dev, err)
	if err != nil {
		logging.Warn("battery read failed", "device", dev.BleMac, "name", dev.Name, "error", err)
		status.Errors = append(status.Errors, "battery: "+err.Error())
	} else {
		status.Battery = &battery
		if terr := r.registry.TouchLastSeen(ctx, dev.BleMac, time.Now()); terr != nil {
			logging.Warn("last-seen update failed", "device", dev.BleMac, "error", terr)
		}
	}

	if sleep(ctx, r.delays.InterCall) {
		flow, err := r.api.ReadEnergyFlow(ctx, dev)
		if err != nil {
			logging.Warn("energy flow read failed", "device", dev.BleMac, "error", err)
			status.Errors = append(status.Errors, "energyFlow: "+err.Error())
		} else {
			status.EnergyFlow = &flow
		}
	}

	if sleep(ctx, r.delays.InterCall) {
		mode, err := r.api.ReadMode(ctx, dev)
		if err != nil {
			logging.Warn("mode read failed", "device", dev.BleMac, "error", err)
			status.Errors = append(status.Errors, "mode: "+err.Error())
		} else {
			status.Mode = &mode
		}
	}

	entry := r.cache.Accept(dev.BleMac, status)
	if r.sink != nil {
		r.sink.PublishStatus(ctx, dev, entry)
	}
	return entry
}

// recordConnectivity feeds the battery-read outcome into the history and
// turns the derived edge, if any, into a notification.
func (r *Refresher) recordConnectivity(ctx context.Context, dev fleet.Device, err error) {
	ev := state.ConnectivityEvent{Time: time.Now(), OK: err == nil, Address: dev.Addr()}
	if err != nil {
		ev.Kind = classifyErr(err)
		ev.Message = err.Error()
	}
	out := r.history.Record(dev.BleMac, ev)

	switch out.Signal {
	case state.SignalLost:
		logging.Warn("device connection lost", "device", dev.BleMac, "name", dev.Name, "address", dev.Addr())
		r.notifier.Notify(ctx, fleet.Event{
			Name:   fleet.EventConnectionLost,
			Device: dev.BleMac,
			Time:   ev.Time,
			Detail: map[string]any{"address": dev.Addr(), "error": ev.Message},
		})
	case state.SignalRestored:
		logging.Info("device connection restored", "device", dev.BleMac, "name", dev.Name)
		r.notifier.Notify(ctx, fleet.Event{
			Name:   fleet.EventConnectionRestored,
			Device: dev.BleMac,
			Time:   ev.Time,
		})
	case state.SignalEscalated:
		logging.Error("device unreachable, failure streak",
			"device", dev.BleMac, "name", dev.Name, "consecutiveFailures", out.ConsecutiveFailures)
		r.notifier.Notify(ctx, fleet.Event{
			Name:   fleet.EventFailureEscalation,
			Device: dev.BleMac,
			Time:   ev.Time,
			Detail: map[string]any{"consecutiveFailures": out.ConsecutiveFailures, "error": ev.Message},
		})
	}
}

func classifyErr(err error) state.ErrorKind {
	var pe *venus.ProtocolError
	switch {
	case errors.As(err, &pe):
		return state.ErrKindProtocol
	case errors.Is(err, venus.ErrMalformedResponse):
		return state.ErrKindMalformed
	case errors.Is(err, venus.ErrTimeout):
		return state.ErrKindTimeout
	default:
		return state.ErrKindOther
	}
}
