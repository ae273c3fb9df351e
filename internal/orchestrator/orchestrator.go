// Package orchestrator sequences commands and refreshes across the
// fleet. Everything here is deliberately sequential: the devices corrupt
// their own state under concurrent or rapid-fire requests, so the
// inter-call and inter-device delays are correctness requirements, not
// throughput tuning.
package orchestrator

import (
	"context"
	"time"

	"github.com/lmartin/batfleet/internal/fleet"
	"github.com/lmartin/batfleet/internal/logging"
)

// DeviceAPI is what the orchestrator needs from the protocol adapter.
type DeviceAPI interface {
	ReadBattery(ctx context.Context, dev fleet.Device) (fleet.BatteryReading, error)
	ReadEnergyFlow(ctx context.Context, dev fleet.Device) (fleet.EnergyFlowReading, error)
	ReadMode(ctx context.Context, dev fleet.Device) (fleet.ModeReading, error)
	SetMode(ctx context.Context, dev fleet.Device, cmd fleet.ModeCommand) (bool, error)
}

// Registry supplies the active-device snapshot taken once per sweep.
type Registry interface {
	Active(ctx context.Context) ([]fleet.Device, error)
	TouchLastSeen(ctx context.Context, bleMac string, t time.Time) error
}

// TariffAdvisor answers the day-ahead precharge question.
type TariffAdvisor interface {
	ShouldPrecharge(ctx context.Context) bool
}

// Delays is the rate budget, injectable so tests run with zeros.
type Delays struct {
	InterCall   time.Duration // between sub-reads of one device
	InterDevice time.Duration // between devices in a sweep
	InterRound  time.Duration // between retry rounds
	RetryRounds int           // extra rounds over failed devices
}

// NightPolicy configures the nightly transition.
type NightPolicy struct {
	StandbyStart      string // "22:00"
	StandbyEnd        string // "06:00"
	PrechargePower    int    // negative watts
	PrechargeDuration time.Duration
}

func DefaultNightPolicy() NightPolicy {
	return NightPolicy{
		StandbyStart:      "22:00",
		StandbyEnd:        "06:00",
		PrechargePower:    -1000,
		PrechargeDuration: 8 * time.Hour,
	}
}

type Orchestrator struct {
	api      DeviceAPI
	registry Registry
	advisor  TariffAdvisor
	notifier fleet.Notifier
	delays   Delays
	night    NightPolicy
}

func New(api DeviceAPI, registry Registry, advisor TariffAdvisor, notifier fleet.Notifier, delays Delays, night NightPolicy) *Orchestrator {
	if notifier == nil {
		notifier = fleet.NoopNotifier{}
	}
	return &Orchestrator{
		api:      api,
		registry: registry,
		advisor:  advisor,
		notifier: notifier,
		delays:   delays,
		night:    night,
	}
}

// ApplyToAll sends one command to every active device and returns the
// per-device outcome map. Zero active devices yields an empty map.
func (o *Orchestrator) ApplyToAll(ctx context.Context, cmd fleet.ModeCommand) map[string]bool {
	devices, err := o.registry.Active(ctx)
	if err != nil {
		logging.Error("active device snapshot failed", "error", err)
		return map[string]bool{}
	}
	if len(devices) == 0 {
		logging.Warn("no active devices for mode change", "mode", cmd.Mode)
		return map[string]bool{}
	}
	return o.dispatchWithRetry(ctx, devices, cmd)
}

// dispatchWithRetry is the one orchestration primitive every named
// transition reuses: a full sequential sweep, then bounded extra rounds
// over only the failed devices. A later round's success overwrites an
// earlier failure, never the reverse.
func (o *Orchestrator) dispatchWithRetry(ctx context.Context, devices []fleet.Device, cmd fleet.ModeCommand) map[string]bool {
	logging.Info("dispatching mode command", "mode", cmd.Mode, "devices", len(devices))

	results := make(map[string]bool, len(devices))
	o.sweep(ctx, devices, cmd, results)

	for round := 1; round <= o.delays.RetryRounds; round++ {
		var failed []fleet.Device
		for _, d := range devices {
			if !results[d.BleMac] {
				failed = append(failed, d)
			}
		}
		if len(failed) == 0 {
			break
		}
		if ctx.Err() != nil {
			break
		}
		logging.Info("retrying failed devices", "round", round, "failed", len(failed))
		if !sleep(ctx, o.delays.InterRound) {
			break
		}
		o.sweep(ctx, failed, cmd, results)
	}

	for _, d := range devices {
		o.notifier.Notify(ctx, fleet.Event{
			Name:   fleet.EventModeChangeResult,
			Device: d.BleMac,
			Time:   time.Now(),
			Detail: map[string]any{"mode": string(cmd.Mode), "success": results[d.BleMac]},
		})
	}

	okCount := 0
	for _, ok := range results {
		if ok {
			okCount++
		}
	}
	if okCount < len(results) {
		logging.Warn("mode change partial failure", "mode", cmd.Mode, "ok", okCount, "total", len(results))
	} else {
		logging.Info("mode change complete", "mode", cmd.Mode, "devices", len(results))
	}
	return results
}

// sweep visits devices in their given (stable) order, one at a time,
// honoring the inter-device delay before every device after the first.
// Per-device failures are contained and recorded as false.
func (o *Orchestrator) sweep(ctx context.Context, devices []fleet.Device, cmd fleet.ModeCommand, results map[string]bool) {
	for i, dev := range devices {
		if i > 0 {
			if !sleep(ctx, o.delays.InterDevice) {
				return
			}
		}
		ok, err := o.api.SetMode(ctx, dev, cmd)
		if err != nil {
			logging.Error("mode set failed", "device", dev.BleMac, "name", dev.Name, "mode", cmd.Mode, "error", err)
			ok = false
		} else {
			logging.Info("mode set", "device", dev.BleMac, "name", dev.Name, "mode", cmd.Mode, "accepted", ok)
		}
		// toward success only
		if ok || !results[dev.BleMac] {
			results[dev.BleMac] = ok
		}
	}
}

// SwitchToAuto puts every active device into Auto for the day window.
func (o *Orchestrator) SwitchToAuto(ctx context.Context) map[string]bool {
	return o.ApplyToAll(ctx, fleet.AutoCommand())
}

// SwitchToNight picks the nightly command: a forced-charge Passive
// command when tomorrow is the elevated-tariff color and today is not,
// otherwise the default Manual standby window.
func (o *Orchestrator) SwitchToNight(ctx context.Context) map[string]bool {
	if o.advisor != nil && o.advisor.ShouldPrecharge(ctx) {
		logging.Info("elevated tariff tomorrow, charging instead of standby",
			"power", o.night.PrechargePower, "countdown", o.night.PrechargeDuration)
		return o.ApplyToAll(ctx, fleet.PrechargeCommand(o.night.PrechargePower, o.night.PrechargeDuration))
	}
	logging.Info("switching to nightly standby", "start", o.night.StandbyStart, "end", o.night.StandbyEnd)
	return o.ApplyToAll(ctx, fleet.StandbyCommand(o.night.StandbyStart, o.night.StandbyEnd))
}

// ActivatePrecharge forces grid import on every active device. Used by
// the day-ahead check job; power must be negative.
func (o *Orchestrator) ActivatePrecharge(ctx context.Context, power int, countdown time.Duration) map[string]bool {
	logging.Info("activating precharge", "power", power, "countdown", countdown)
	return o.ApplyToAll(ctx, fleet.PrechargeCommand(power, countdown))
}

// CheckDayAhead runs the midday tariff check: when tomorrow is elevated
// and today is not, it raises the tariff event and starts the precharge.
func (o *Orchestrator) CheckDayAhead(ctx context.Context) {
	if o.advisor == nil || !o.advisor.ShouldPrecharge(ctx) {
		logging.Debug("precharge not needed")
		return
	}
	o.notifier.Notify(ctx, fleet.Event{
		Name: fleet.EventElevatedTomorrow,
		Time: time.Now(),
	})
	o.ActivatePrecharge(ctx, o.night.PrechargePower, o.night.PrechargeDuration)
}

// sleep waits the given duration unless the context ends first; a zero
// duration returns immediately. Reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
