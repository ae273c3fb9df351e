package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmartin/batfleet/internal/fleet"
	"github.com/lmartin/batfleet/internal/orchestrator"
)

/* ==========
   Fakes
   ========== */

type fakeAPI struct {
	mu           sync.Mutex
	setModeCalls []setModeCall
	setMode      func(dev fleet.Device, cmd fleet.ModeCommand) (bool, error)
	readBattery  func(dev fleet.Device) (fleet.BatteryReading, error)
	readEnergy   func(dev fleet.Device) (fleet.EnergyFlowReading, error)
	readMode     func(dev fleet.Device) (fleet.ModeReading, error)
}

type setModeCall struct {
	device string
	cmd    fleet.ModeCommand
}

func (f *fakeAPI) SetMode(ctx context.Context, dev fleet.Device, cmd fleet.ModeCommand) (bool, error) {
	f.mu.Lock()
	f.setModeCalls = append(f.setModeCalls, setModeCall{device: dev.BleMac, cmd: cmd})
	f.mu.Unlock()
	if f.setMode == nil {
		return true, nil
	}
	return f.setMode(dev, cmd)
}

func (f *fakeAPI) ReadBattery(ctx context.Context, dev fleet.Device) (fleet.BatteryReading, error) {
	if f.readBattery == nil {
		return fleet.BatteryReading{SOC: 50}, nil
	}
	return f.readBattery(dev)
}

func (f *fakeAPI) ReadEnergyFlow(ctx context.Context, dev fleet.Device) (fleet.EnergyFlowReading, error) {
	if f.readEnergy == nil {
		return fleet.EnergyFlowReading{}, nil
	}
	return f.readEnergy(dev)
}

func (f *fakeAPI) ReadMode(ctx context.Context, dev fleet.Device) (fleet.ModeReading, error) {
	if f.readMode == nil {
		return fleet.ModeReading{Mode: fleet.ModeAuto}, nil
	}
	return f.readMode(dev)
}

func (f *fakeAPI) callsFor(device string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.setModeCalls {
		if c.device == device {
			n++
		}
	}
	return n
}

func (f *fakeAPI) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.setModeCalls))
	for i, c := range f.setModeCalls {
		out[i] = c.device
	}
	return out
}

type fakeRegistry struct {
	devices []fleet.Device
	mu      sync.Mutex
	touched []string
}

func (f *fakeRegistry) Active(ctx context.Context) ([]fleet.Device, error) {
	return f.devices, nil
}

func (f *fakeRegistry) TouchLastSeen(ctx context.Context, bleMac string, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, bleMac)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []fleet.Event
}

func (f *fakeNotifier) Notify(ctx context.Context, ev fleet.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeNotifier) byName(name string) []fleet.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fleet.Event
	for _, ev := range f.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type advisorFunc bool

func (a advisorFunc) ShouldPrecharge(ctx context.Context) bool { return bool(a) }

func devices(ids ...string) []fleet.Device {
	out := make([]fleet.Device, len(ids))
	for i, id := range ids {
		out[i] = fleet.Device{BleMac: id, Name: "batt-" + id, Host: "10.0.0." + id, Port: 30000, Active: true}
	}
	return out
}

// zeroDelays keeps tests fast; the delay plumbing itself is injectable.
func zeroDelays(rounds int) orchestrator.Delays {
	return orchestrator.Delays{RetryRounds: rounds}
}

func newOrch(api *fakeAPI, reg *fakeRegistry, advisor orchestrator.TariffAdvisor, notifier fleet.Notifier, rounds int) *orchestrator.Orchestrator {
	return orchestrator.New(api, reg, advisor, notifier, zeroDelays(rounds), orchestrator.DefaultNightPolicy())
}

/* ==========
   Dispatch
   ========== */

func TestApplyToAllEmptyFleet(t *testing.T) {
	orch := newOrch(&fakeAPI{}, &fakeRegistry{}, nil, nil, 3)

	results := orch.ApplyToAll(context.Background(), fleet.AutoCommand())
	require.NotNil(t, results)
	assert.Empty(t, results)
}

func TestDispatchVisitsDevicesInOrder(t *testing.T) {
	api := &fakeAPI{}
	reg := &fakeRegistry{devices: devices("1", "2", "3")}
	orch := newOrch(api, reg, nil, nil, 0)

	results := orch.ApplyToAll(context.Background(), fleet.AutoCommand())
	assert.Equal(t, map[string]bool{"1": true, "2": true, "3": true}, results)
	assert.Equal(t, []string{"1", "2", "3"}, api.callOrder())
}

func TestDispatchRetriesOnlyFailedDevices(t *testing.T) {
	failures := map[string]int{"2": 2} // device 2 fails its first two attempts
	api := &fakeAPI{}
	api.setMode = func(dev fleet.Device, cmd fleet.ModeCommand) (bool, error) {
		if failures[dev.BleMac] > 0 {
			failures[dev.BleMac]--
			return false, errors.New("timeout")
		}
		return true, nil
	}
	reg := &fakeRegistry{devices: devices("1", "2", "3")}
	orch := newOrch(api, reg, nil, nil, 3)

	results := orch.ApplyToAll(context.Background(), fleet.AutoCommand())
	assert.Equal(t, map[string]bool{"1": true, "2": true, "3": true}, results)
	assert.Equal(t, 1, api.callsFor("1"), "healthy devices are not re-sent")
	assert.Equal(t, 3, api.callsFor("2"), "failed device gets the retry rounds")
	assert.Equal(t, 1, api.callsFor("3"))
}

func TestDispatchExhaustsRetryBudget(t *testing.T) {
	api := &fakeAPI{}
	api.setMode = func(dev fleet.Device, cmd fleet.ModeCommand) (bool, error) {
		return false, errors.New("timeout")
	}
	reg := &fakeRegistry{devices: devices("1")}
	orch := newOrch(api, reg, nil, nil, 3)

	results := orch.ApplyToAll(context.Background(), fleet.AutoCommand())
	assert.Equal(t, map[string]bool{"1": false}, results)
	assert.Equal(t, 4, api.callsFor("1"), "initial sweep plus three retry rounds")
}

func TestDispatchRefusalWithoutErrorIsRetriedToo(t *testing.T) {
	calls := 0
	api := &fakeAPI{}
	api.setMode = func(dev fleet.Device, cmd fleet.ModeCommand) (bool, error) {
		calls++
		return calls > 1, nil // refused once, then accepted
	}
	reg := &fakeRegistry{devices: devices("1")}
	orch := newOrch(api, reg, nil, nil, 3)

	results := orch.ApplyToAll(context.Background(), fleet.AutoCommand())
	assert.Equal(t, map[string]bool{"1": true}, results)
	assert.Equal(t, 2, calls)
}

func TestDispatchEmitsModeChangeEvents(t *testing.T) {
	api := &fakeAPI{}
	api.setMode = func(dev fleet.Device, cmd fleet.ModeCommand) (bool, error) {
		return dev.BleMac != "2", nil
	}
	notifier := &fakeNotifier{}
	reg := &fakeRegistry{devices: devices("1", "2")}
	orch := newOrch(api, reg, nil, notifier, 0)

	orch.ApplyToAll(context.Background(), fleet.AutoCommand())

	events := notifier.byName(fleet.EventModeChangeResult)
	require.Len(t, events, 2)
	outcomes := map[string]any{}
	for _, ev := range events {
		outcomes[ev.Device] = ev.Detail["success"]
	}
	assert.Equal(t, map[string]any{"1": true, "2": false}, outcomes)
}

/* ==========
   Named transitions
   ========== */

func TestSwitchToNightUsesStandbyByDefault(t *testing.T) {
	api := &fakeAPI{}
	reg := &fakeRegistry{devices: devices("1")}
	orch := newOrch(api, reg, advisorFunc(false), nil, 0)

	orch.SwitchToNight(context.Background())

	require.Len(t, api.setModeCalls, 1)
	cmd := api.setModeCalls[0].cmd
	assert.Equal(t, fleet.ModeManual, cmd.Mode)
	require.NotNil(t, cmd.Manual)
	assert.Equal(t, 0, cmd.Manual.Power)
}

func TestSwitchToNightPrechargesBeforeRedDay(t *testing.T) {
	api := &fakeAPI{}
	reg := &fakeRegistry{devices: devices("1")}
	orch := newOrch(api, reg, advisorFunc(true), nil, 0)

	orch.SwitchToNight(context.Background())

	require.Len(t, api.setModeCalls, 1)
	cmd := api.setModeCalls[0].cmd
	assert.Equal(t, fleet.ModePassive, cmd.Mode)
	require.NotNil(t, cmd.Passive)
	assert.Negative(t, cmd.Passive.Power, "precharge means grid import")
}

func TestCheckDayAheadTriggersPrechargeAndEvent(t *testing.T) {
	api := &fakeAPI{}
	notifier := &fakeNotifier{}
	reg := &fakeRegistry{devices: devices("1")}
	orch := newOrch(api, reg, advisorFunc(true), notifier, 0)

	orch.CheckDayAhead(context.Background())

	assert.Len(t, notifier.byName(fleet.EventElevatedTomorrow), 1)
	require.Len(t, api.setModeCalls, 1)
	assert.Equal(t, fleet.ModePassive, api.setModeCalls[0].cmd.Mode)
}

func TestCheckDayAheadNoActionWhenNotNeeded(t *testing.T) {
	api := &fakeAPI{}
	notifier := &fakeNotifier{}
	reg := &fakeRegistry{devices: devices("1")}
	orch := newOrch(api, reg, advisorFunc(false), notifier, 0)

	orch.CheckDayAhead(context.Background())

	assert.Empty(t, notifier.events)
	assert.Empty(t, api.setModeCalls)
}
