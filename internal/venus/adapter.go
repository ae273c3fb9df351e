package venus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/lmartin/batfleet/internal/fleet"
	"github.com/lmartin/batfleet/internal/logging"
)

// Protocol methods (Marstek Device Open API).
const (
	methodGetDevice = "Marstek.GetDevice"
	methodBatStatus = "Bat.GetStatus"
	methodESStatus  = "ES.GetStatus"
	methodESGetMode = "ES.GetMode"
	methodESSetMode = "ES.SetMode"
)

// Caller is what the adapter needs from the transport; satisfied by
// *Client, faked in tests.
type Caller interface {
	Call(ctx context.Context, addr, method string, params any) (json.RawMessage, error)
}

// Adapter translates the domain reads and writes into protocol calls and
// normalizes the quirky payload encodings firmware versions disagree on.
type Adapter struct {
	caller     Caller
	instanceID int
}

func NewAdapter(caller Caller) *Adapter {
	return &Adapter{caller: caller}
}

/* ==========
   Raw payloads
   ========== */

// flexInt tolerates a number arriving as a JSON string. Unparsable text
// decodes to zero rather than failing the surrounding read.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		logging.Warn("unparsable numeric field, defaulting to 0", "raw", string(b))
		*f = 0
		return nil
	}
	*f = flexInt(v)
	return nil
}

// flexBool tolerates 0/1, true/false and their string forms.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	switch s {
	case "1", "true", "True":
		*f = true
	default:
		*f = false
	}
	return nil
}

// flexMode tolerates the mode arriving as an integer code or a name.
type flexMode fleet.Mode

func (f *flexMode) UnmarshalJSON(b []byte) error {
	if code, err := strconv.Atoi(string(b)); err == nil {
		*f = flexMode(fleet.ModeFromCode(code))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*f = flexMode(fleet.ModeUnknown)
		return nil
	}
	switch fleet.Mode(s) {
	case fleet.ModeAuto, fleet.ModeAI, fleet.ModeManual, fleet.ModePassive:
		*f = flexMode(fleet.Mode(s))
	default:
		*f = flexMode(fleet.ModeUnknown)
	}
	return nil
}

type batStatusPayload struct {
	SOC           flexInt  `json:"soc"`
	ChargFlag     flexBool `json:"charg_flag"`
	DischrgFlag   flexBool `json:"dischrg_flag"`
	BatTemp       *float64 `json:"bat_temp"`
	BatCapacity   *float64 `json:"bat_capacity"`
	RatedCapacity *float64 `json:"rated_capacity"`
}

type esStatusPayload struct {
	BatPower     *float64 `json:"bat_power"`
	PVPower      *float64 `json:"pv_power"`
	OngridPower  *float64 `json:"ongrid_power"`
	OffgridPower *float64 `json:"offgrid_power"`
}

type esModePayload struct {
	Mode         flexMode `json:"mode"`
	OngridPower  *float64 `json:"ongrid_power"`
	OffgridPower *float64 `json:"offgrid_power"`
	BatSOC       *int     `json:"bat_soc"`
}

type setModeResult struct {
	SetResult bool `json:"set_result"`
}

/* ==========
   Domain reads
   ========== */

func (a *Adapter) ReadBattery(ctx context.Context, dev fleet.Device) (fleet.BatteryReading, error) {
	raw, err := a.caller.Call(ctx, dev.Addr(), methodBatStatus, map[string]any{"id": a.instanceID})
	if err != nil {
		return fleet.BatteryReading{}, err
	}
	var p batStatusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fleet.BatteryReading{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return fleet.BatteryReading{
		SOC:           int(p.SOC),
		ChargeOK:      bool(p.ChargFlag),
		DischargeOK:   bool(p.DischrgFlag),
		Temperature:   p.BatTemp,
		Capacity:      p.BatCapacity,
		RatedCapacity: p.RatedCapacity,
	}, nil
}

func (a *Adapter) ReadEnergyFlow(ctx context.Context, dev fleet.Device) (fleet.EnergyFlowReading, error) {
	raw, err := a.caller.Call(ctx, dev.Addr(), methodESStatus, map[string]any{"id": a.instanceID})
	if err != nil {
		return fleet.EnergyFlowReading{}, err
	}
	var p esStatusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fleet.EnergyFlowReading{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return fleet.EnergyFlowReading{
		BatteryPower: p.BatPower,
		PVPower:      p.PVPower,
		OngridPower:  p.OngridPower,
		OffgridPower: p.OffgridPower,
	}, nil
}

func (a *Adapter) ReadMode(ctx context.Context, dev fleet.Device) (fleet.ModeReading, error) {
	raw, err := a.caller.Call(ctx, dev.Addr(), methodESGetMode, map[string]any{"id": a.instanceID})
	if err != nil {
		return fleet.ModeReading{}, err
	}
	var p esModePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fleet.ModeReading{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	mode := fleet.Mode(p.Mode)
	if mode == "" {
		mode = fleet.ModeUnknown
	}
	return fleet.ModeReading{
		Mode:         mode,
		OngridPower:  p.OngridPower,
		OffgridPower: p.OffgridPower,
		SOC:          p.BatSOC,
	}, nil
}

// Identify asks one device for its announcement record. Cheap probe,
// also used after manual registration to confirm the address.
func (a *Adapter) Identify(ctx context.Context, dev fleet.Device) (fleet.DeviceAnnouncement, error) {
	raw, err := a.caller.Call(ctx, dev.Addr(), methodGetDevice, map[string]string{"ble_mac": dev.BleMac})
	if err != nil {
		return fleet.DeviceAnnouncement{}, err
	}
	var ann fleet.DeviceAnnouncement
	if err := json.Unmarshal(raw, &ann); err != nil {
		return fleet.DeviceAnnouncement{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return ann, nil
}

/* ==========
   Domain writes
   ========== */

// SetMode pushes one mode command. The boolean reflects whether the
// device accepted the change; a protocol failure is an error, distinct
// from an accepted-but-false result.
func (a *Adapter) SetMode(ctx context.Context, dev fleet.Device, cmd fleet.ModeCommand) (bool, error) {
	cfg, err := encodeModeConfig(cmd)
	if err != nil {
		return false, err
	}
	raw, err := a.caller.Call(ctx, dev.Addr(), methodESSetMode, map[string]any{
		"id":     a.instanceID,
		"config": cfg,
	})
	if err != nil {
		return false, err
	}
	var res setModeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return res.SetResult, nil
}

func encodeModeConfig(cmd fleet.ModeCommand) (map[string]any, error) {
	switch cmd.Mode {
	case fleet.ModeAuto:
		if cmd.Auto == nil {
			return nil, fmt.Errorf("venus: auto command without auto config")
		}
		return map[string]any{
			"mode":     "Auto",
			"auto_cfg": map[string]any{"enable": boolToInt(cmd.Auto.Enable)},
		}, nil
	case fleet.ModeManual:
		if cmd.Manual == nil {
			return nil, fmt.Errorf("venus: manual command without manual config")
		}
		m := cmd.Manual
		if m.Power < 0 {
			return nil, fmt.Errorf("venus: manual power must be >= 0, got %d", m.Power)
		}
		return map[string]any{
			"mode": "Manual",
			"manual_cfg": map[string]any{
				"time_num":   m.TimeNum,
				"start_time": m.StartTime,
				"end_time":   m.EndTime,
				"week_set":   m.WeekSet,
				"power":      m.Power,
				"enable":     boolToInt(m.Enable),
			},
		}, nil
	case fleet.ModePassive:
		if cmd.Passive == nil {
			return nil, fmt.Errorf("venus: passive command without passive config")
		}
		return map[string]any{
			"mode": "Passive",
			"passive_cfg": map[string]any{
				"power":   cmd.Passive.Power,
				"cd_time": int(cmd.Passive.Countdown / time.Second),
			},
		}, nil
	}
	return nil, fmt.Errorf("venus: unsupported command mode %q", cmd.Mode)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
