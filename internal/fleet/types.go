package fleet

import (
	"context"
	"strconv"
	"time"
)

// Mode is the operating strategy reported by or commanded to a device.
type Mode string

const (
	ModeAuto    Mode = "Auto"
	ModeAI      Mode = "AI"
	ModeManual  Mode = "Manual"
	ModePassive Mode = "Passive"
	ModeUnknown Mode = "Unknown"
)

// ModeFromCode translates the integer mode code some firmware versions send.
func ModeFromCode(code int) Mode {
	switch code {
	case 0:
		return ModeAuto
	case 1:
		return ModeAI
	case 2:
		return ModeManual
	case 3:
		return ModePassive
	}
	return ModeUnknown
}

// Device is one networked storage unit. BleMac is the stable identity;
// the network address may change across rediscoveries.
type Device struct {
	BleMac   string    `json:"bleMac"`
	Name     string    `json:"name"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	WifiMac  string    `json:"wifiMac,omitempty"`
	Active   bool      `json:"active"`
	LastSeen time.Time `json:"lastSeen"`
}

func (d Device) Addr() string {
	return d.Host + ":" + strconv.Itoa(d.Port)
}

// BatteryReading is the Bat.GetStatus payload after normalization.
// SOC arrives as string or number on some firmware; absent optional
// fields stay nil rather than failing the read.
type BatteryReading struct {
	SOC           int      `json:"soc"`
	ChargeOK      bool     `json:"chargeOk"`
	DischargeOK   bool     `json:"dischargeOk"`
	Temperature   *float64 `json:"temperature,omitempty"`
	Capacity      *float64 `json:"capacity,omitempty"`
	RatedCapacity *float64 `json:"ratedCapacity,omitempty"`
}

// EnergyFlowReading is the ES.GetStatus payload. Devices under load may
// omit any sub-reading.
type EnergyFlowReading struct {
	BatteryPower *float64 `json:"batteryPower,omitempty"`
	PVPower      *float64 `json:"pvPower,omitempty"`
	OngridPower  *float64 `json:"ongridPower,omitempty"`
	OffgridPower *float64 `json:"offgridPower,omitempty"`
}

// ModeReading is the ES.GetMode payload.
type ModeReading struct {
	Mode         Mode     `json:"mode"`
	OngridPower  *float64 `json:"ongridPower,omitempty"`
	OffgridPower *float64 `json:"offgridPower,omitempty"`
	SOC          *int     `json:"soc,omitempty"`
}

// DeviceStatus aggregates one refresh pass over a device. Complete only
// when the battery read succeeded; energy flow and mode are best effort.
type DeviceStatus struct {
	Battery    *BatteryReading    `json:"battery,omitempty"`
	EnergyFlow *EnergyFlowReading `json:"energyFlow,omitempty"`
	Mode       *ModeReading       `json:"mode,omitempty"`
	FetchedAt  time.Time          `json:"fetchedAt"`
	Errors     []string           `json:"errors,omitempty"`
}

func (s DeviceStatus) Complete() bool { return s.Battery != nil }

// ModeCommand is a closed union over the mode payloads. Exactly one of
// the config fields is set, matching Mode.
type ModeCommand struct {
	Mode    Mode
	Auto    *AutoConfig
	Manual  *ManualConfig
	Passive *PassiveConfig
}

type AutoConfig struct {
	Enable bool
}

type ManualConfig struct {
	TimeNum   int    // period slot index
	StartTime string // "22:00"
	EndTime   string // "06:00"
	WeekSet   int    // weekday bitmap, 127 = whole week
	Power     int    // watts, >= 0
	Enable    bool
}

type PassiveConfig struct {
	Power     int // watts, negative = import/charge
	Countdown time.Duration
}

// AutoCommand is the daytime default.
func AutoCommand() ModeCommand {
	return ModeCommand{Mode: ModeAuto, Auto: &AutoConfig{Enable: true}}
}

// StandbyCommand parks the device at 0W over the given nightly window.
func StandbyCommand(start, end string) ModeCommand {
	return ModeCommand{Mode: ModeManual, Manual: &ManualConfig{
		TimeNum:   0,
		StartTime: start,
		EndTime:   end,
		WeekSet:   127,
		Power:     0,
		Enable:    true,
	}}
}

// PrechargeCommand forces grid import at the given (negative) power.
func PrechargeCommand(power int, countdown time.Duration) ModeCommand {
	return ModeCommand{Mode: ModePassive, Passive: &PassiveConfig{
		Power:     power,
		Countdown: countdown,
	}}
}

// DeviceAnnouncement is one broadcast discovery response.
type DeviceAnnouncement struct {
	Device   string `json:"device"`
	Version  int    `json:"ver"`
	BleMac   string `json:"ble_mac"`
	WifiMac  string `json:"wifi_mac"`
	WifiName string `json:"wifi_name,omitempty"`
	IP       string `json:"ip"`
}

// Event names raised toward the notification sink. The sink owns
// formatting and delivery; the core only names what happened.
const (
	EventConnectionLost     = "connection-lost"
	EventConnectionRestored = "connection-restored"
	EventFailureEscalation  = "consecutive-failures-escalation"
	EventModeChangeResult   = "mode-change-result"
	EventElevatedTomorrow   = "elevated-tariff-tomorrow"
)

// Event is the structured payload handed to the notification sink.
type Event struct {
	Name   string         `json:"name"`
	Device string         `json:"device,omitempty"` // ble mac
	Time   time.Time      `json:"ts"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Notifier receives named health and orchestration events.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NoopNotifier discards events; used in tests and broker-less runs.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Event) {}
