package fleet_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lmartin/batfleet/internal/fleet"
)

func TestModeFromCode(t *testing.T) {
	tests := []struct {
		code int
		want fleet.Mode
	}{
		{0, fleet.ModeAuto},
		{1, fleet.ModeAI},
		{2, fleet.ModeManual},
		{3, fleet.ModePassive},
		{4, fleet.ModeUnknown},
		{-1, fleet.ModeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fleet.ModeFromCode(tt.code), "code %d", tt.code)
	}
}

func TestDeviceAddr(t *testing.T) {
	dev := fleet.Device{Host: "192.168.1.50", Port: 30000}
	assert.Equal(t, "192.168.1.50:30000", dev.Addr())
}

func TestStandbyCommand(t *testing.T) {
	cmd := fleet.StandbyCommand("22:00", "06:00")

	assert.Equal(t, fleet.ModeManual, cmd.Mode)
	if assert.NotNil(t, cmd.Manual) {
		assert.Equal(t, "22:00", cmd.Manual.StartTime)
		assert.Equal(t, "06:00", cmd.Manual.EndTime)
		assert.Equal(t, 127, cmd.Manual.WeekSet, "all weekdays")
		assert.Equal(t, 0, cmd.Manual.Power, "standby means zero power")
		assert.True(t, cmd.Manual.Enable)
	}
}

func TestPrechargeCommand(t *testing.T) {
	cmd := fleet.PrechargeCommand(-1000, 8*time.Hour)

	assert.Equal(t, fleet.ModePassive, cmd.Mode)
	if assert.NotNil(t, cmd.Passive) {
		assert.Equal(t, -1000, cmd.Passive.Power)
		assert.Equal(t, 8*time.Hour, cmd.Passive.Countdown)
	}
}

func TestAutoCommand(t *testing.T) {
	cmd := fleet.AutoCommand()
	assert.Equal(t, fleet.ModeAuto, cmd.Mode)
	if assert.NotNil(t, cmd.Auto) {
		assert.True(t, cmd.Auto.Enable)
	}
}

func TestDeviceStatusComplete(t *testing.T) {
	var s fleet.DeviceStatus
	assert.False(t, s.Complete())

	s.Battery = &fleet.BatteryReading{SOC: 50}
	assert.True(t, s.Complete(), "battery reading alone makes the status usable")
}
