// Package config loads and validates the fleet configuration: strict
// JSON with comment support, unknown fields rejected, and defaults
// applied during validation.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

/* =========================
   Types
   ========================= */

type FleetConfig struct {
	Devices   []DeviceConfig  `json:"devices"`
	Transport TransportConfig `json:"transport"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Tempo     TempoConfig     `json:"tempo"`
	Redis     RedisConfig     `json:"redis"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Scheduler SchedulerConfig `json:"scheduler"`
	DBPath    string          `json:"dbPath"`
}

type DeviceConfig struct {
	BleMac string `json:"bleMac"`
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Active *bool  `json:"active,omitempty"` // default true
}

type TransportConfig struct {
	TimeoutMs     int `json:"timeoutMs"`     // per-attempt wait for a matching response
	MaxAttempts   int `json:"maxAttempts"`   // total attempts per call
	BackoffMs     int `json:"backoffMs"`     // base for backoff * 2^(attempt-1)
	BroadcastPort int `json:"broadcastPort"` // discovery target port
}

// DispatchConfig carries the rate budget the devices require. The delays
// are correctness parameters, not tuning knobs: the hardware destabilizes
// under back-to-back requests.
type DispatchConfig struct {
	InterCallMs   int `json:"interCallMs"`   // between sub-reads of one device
	InterDeviceMs int `json:"interDeviceMs"` // between devices in a sweep
	InterRoundMs  int `json:"interRoundMs"`  // between retry rounds
	RetryRounds   int `json:"retryRounds"`   // extra rounds over failed devices
}

type TempoConfig struct {
	Enabled          bool   `json:"enabled"`
	BaseURL          string `json:"baseUrl"`
	TimeoutMs        int    `json:"timeoutMs"`
	PublicationHour  int    `json:"publicationHour"`  // tomorrow's color authoritative from this hour
	PrechargePower   int    `json:"prechargePower"`   // watts, negative = charge
	PrechargeHours   int    `json:"prechargeHours"`   // passive countdown
	PrechargeMinutes int    `json:"prechargeMinutes"` // extra minutes, usually 0
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
}

type MQTTConfig struct {
	BrokerURL   string `json:"brokerUrl"`
	ClientName  string `json:"clientName"`
	TopicPrefix string `json:"topicPrefix"`
}

// SchedulerConfig hours are pointers so an explicit 0 (midnight) is
// distinguishable from an absent field, which gets the default.
type SchedulerConfig struct {
	AutoHour           *int `json:"autoHour"` // switch-to-auto
	AutoMinute         int  `json:"autoMinute"`
	NightHour          *int `json:"nightHour"` // switch-to-night
	NightMinute        int  `json:"nightMinute"`
	TempoCheckHour     *int `json:"tempoCheckHour"` // day-ahead color check
	TempoCheckMinute   int  `json:"tempoCheckMinute"`
	RefreshIntervalMin int  `json:"refreshIntervalMin"`
	MisfireGraceSec    int  `json:"misfireGraceSec"`
}

/* =========================
   Helpers
   ========================= */

func (t TransportConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}
func (t TransportConfig) Backoff() time.Duration {
	return time.Duration(t.BackoffMs) * time.Millisecond
}

func (d DispatchConfig) InterCall() time.Duration {
	return time.Duration(d.InterCallMs) * time.Millisecond
}
func (d DispatchConfig) InterDevice() time.Duration {
	return time.Duration(d.InterDeviceMs) * time.Millisecond
}
func (d DispatchConfig) InterRound() time.Duration {
	return time.Duration(d.InterRoundMs) * time.Millisecond
}

func (t TempoConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}
func (t TempoConfig) PrechargeDuration() time.Duration {
	return time.Duration(t.PrechargeHours)*time.Hour + time.Duration(t.PrechargeMinutes)*time.Minute
}

func (s SchedulerConfig) MisfireGrace() time.Duration {
	return time.Duration(s.MisfireGraceSec) * time.Second
}
func (s SchedulerConfig) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalMin) * time.Minute
}

// AutoAt, NightAt and TempoCheckAt are only valid after Validate has
// filled the defaults in.
func (s SchedulerConfig) AutoAt() (hour, minute int)  { return *s.AutoHour, s.AutoMinute }
func (s SchedulerConfig) NightAt() (hour, minute int) { return *s.NightHour, s.NightMinute }
func (s SchedulerConfig) TempoCheckAt() (hour, minute int) {
	return *s.TempoCheckHour, s.TempoCheckMinute
}

func (d DeviceConfig) IsActive() bool { return d.Active == nil || *d.Active }

/* =========================
   Strict load + validate
   ========================= */

func LoadFleetConfig(path string) (*FleetConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseFleetConfig(raw)
}

func LoadFleetConfigFromReader(r io.Reader) (*FleetConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return parseFleetConfig(raw)
}

func parseFleetConfig(raw []byte) (*FleetConfig, error) {
	clean := stripJSONComments(raw)

	dec := json.NewDecoder(strings.NewReader(string(clean)))
	dec.DisallowUnknownFields()

	var cfg FleetConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *FleetConfig) Validate() error {
	var errs multiErr

	/* Devices */
	seenMac := map[string]int{}
	seenName := map[string]int{}
	for i := range c.Devices {
		d := &c.Devices[i]
		if strings.TrimSpace(d.BleMac) == "" {
			errs.addf("devices[%d]: bleMac is required", i)
		} else if j, ok := seenMac[d.BleMac]; ok {
			errs.addf("devices[%d]: duplicate bleMac %q (also at devices[%d])", i, d.BleMac, j)
		} else {
			seenMac[d.BleMac] = i
		}
		if strings.TrimSpace(d.Name) == "" {
			d.Name = fmt.Sprintf("Batt%d", i+1)
		}
		if j, ok := seenName[d.Name]; ok {
			errs.addf("devices[%d]: duplicate name %q (also at devices[%d])", i, d.Name, j)
		} else {
			seenName[d.Name] = i
		}
		if strings.TrimSpace(d.Host) == "" {
			errs.addf("devices[%d/%s]: host is required", i, d.Name)
		}
		if d.Port <= 0 || d.Port > 65535 {
			d.Port = 30000
		}
	}

	/* Transport */
	if c.Transport.TimeoutMs <= 0 {
		c.Transport.TimeoutMs = 5000
	}
	if c.Transport.MaxAttempts <= 0 {
		c.Transport.MaxAttempts = 3
	}
	if c.Transport.BackoffMs <= 0 {
		c.Transport.BackoffMs = 1000
	}
	if c.Transport.BroadcastPort <= 0 {
		c.Transport.BroadcastPort = 30000
	}

	/* Dispatch rate budget */
	if c.Dispatch.InterCallMs < 0 || c.Dispatch.InterDeviceMs < 0 || c.Dispatch.InterRoundMs < 0 {
		errs.add("dispatch delays cannot be negative")
	}
	if c.Dispatch.InterCallMs == 0 {
		c.Dispatch.InterCallMs = 45000
	}
	if c.Dispatch.InterDeviceMs == 0 {
		c.Dispatch.InterDeviceMs = 30000
	}
	if c.Dispatch.InterRoundMs == 0 {
		c.Dispatch.InterRoundMs = 60000
	}
	if c.Dispatch.RetryRounds <= 0 {
		c.Dispatch.RetryRounds = 3
	}

	/* Tempo */
	if c.Tempo.Enabled {
		if strings.TrimSpace(c.Tempo.BaseURL) == "" {
			errs.add("tempo.baseUrl is required when tempo is enabled")
		}
		if strings.TrimSpace(c.Redis.Addr) == "" {
			errs.add("redis.addr is required when tempo is enabled")
		}
	}
	if c.Tempo.TimeoutMs <= 0 {
		c.Tempo.TimeoutMs = 10000
	}
	if c.Tempo.PublicationHour <= 0 || c.Tempo.PublicationHour > 23 {
		c.Tempo.PublicationHour = 11
	}
	if c.Tempo.PrechargePower == 0 {
		c.Tempo.PrechargePower = -1000
	}
	if c.Tempo.PrechargePower > 0 {
		errs.addf("tempo.prechargePower must be negative (charge), got %d", c.Tempo.PrechargePower)
	}
	if c.Tempo.PrechargeHours <= 0 {
		c.Tempo.PrechargeHours = 8
	}

	/* MQTT */
	if strings.TrimSpace(c.MQTT.BrokerURL) != "" {
		if strings.TrimSpace(c.MQTT.ClientName) == "" {
			errs.add("mqtt.clientName is required when mqtt.brokerUrl is set")
		}
		if strings.TrimSpace(c.MQTT.TopicPrefix) == "" {
			c.MQTT.TopicPrefix = "batfleet/" + c.MQTT.ClientName
		}
	}

	/* Scheduler */
	s := &c.Scheduler
	for _, h := range []struct {
		name string
		v    *int
	}{{"autoHour", s.AutoHour}, {"nightHour", s.NightHour}, {"tempoCheckHour", s.TempoCheckHour}} {
		if h.v != nil && (*h.v < 0 || *h.v > 23) {
			errs.addf("scheduler.%s must be 0..23", h.name)
		}
	}
	for _, m := range []struct {
		name string
		v    int
	}{{"autoMinute", s.AutoMinute}, {"nightMinute", s.NightMinute}, {"tempoCheckMinute", s.TempoCheckMinute}} {
		if m.v < 0 || m.v > 59 {
			errs.addf("scheduler.%s must be 0..59", m.name)
		}
	}
	if s.AutoHour == nil {
		s.AutoHour = intp(6)
	}
	if s.NightHour == nil {
		s.NightHour = intp(22)
	}
	if s.TempoCheckHour == nil {
		s.TempoCheckHour = intp(11)
		if s.TempoCheckMinute == 0 {
			s.TempoCheckMinute = 30
		}
	}
	if s.RefreshIntervalMin <= 0 {
		s.RefreshIntervalMin = 10
	}
	if s.MisfireGraceSec <= 0 {
		s.MisfireGraceSec = 300
	}

	/* Storage */
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = "batfleet.db"
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

/* =========================
   Comment stripping + utils
   ========================= */

// stripJSONComments removes // and /* */ comments outside string
// literals. A naive regex would eat the tail of every URL value
// ("https://..."), and URLs are half this config.
func stripJSONComments(in []byte) []byte {
	out := make([]byte, 0, len(in))
	inString := false
	for i := 0; i < len(in); i++ {
		c := in[i]
		if inString {
			out = append(out, c)
			if c == '\\' && i+1 < len(in) {
				i++
				out = append(out, in[i])
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(in) && in[i+1] == '/':
			for i < len(in) && in[i] != '\n' && in[i] != '\r' {
				i++
			}
			i-- // keep the line break
		case c == '/' && i+1 < len(in) && in[i+1] == '*':
			i += 2
			for i+1 < len(in) && !(in[i] == '*' && in[i+1] == '/') {
				i++
			}
			i++ // past the closing slash
		default:
			out = append(out, c)
		}
	}
	return out
}

func intp(v int) *int { return &v }

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }
