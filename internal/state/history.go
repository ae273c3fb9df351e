package state

import (
	"sync"
	"time"
)

// DefaultHistorySize is the per-device ring capacity.
const DefaultHistorySize = 32

// Escalation thresholds: the Nth consecutive failure raises a signal
// exactly once; a success resets the streak.
var escalationThresholds = []int{3, 10}

// ErrorKind classifies a failed probe for the history record.
type ErrorKind string

const (
	ErrKindNone      ErrorKind = ""
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindProtocol  ErrorKind = "protocol"
	ErrKindMalformed ErrorKind = "malformed"
	ErrKindOther     ErrorKind = "other"
)

// ConnectivityEvent is one probe outcome.
type ConnectivityEvent struct {
	Time    time.Time `json:"ts"`
	OK      bool      `json:"ok"`
	Address string    `json:"address"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Signal is an edge-triggered health transition derived from the history.
type Signal int

const (
	SignalNone Signal = iota
	SignalLost
	SignalRestored
	SignalEscalated
)

// Outcome is what Record derived from the newest event.
type Outcome struct {
	Signal              Signal
	ConsecutiveFailures int
}

type deviceHistory struct {
	ring  []ConnectivityEvent
	next  int // write position
	count int // filled slots, <= cap
	fails int // current consecutive-failure streak
}

// ConnHistory keeps a bounded ring of probe outcomes per device and
// derives lost/restored/escalation transitions.
type ConnHistory struct {
	mu       sync.Mutex
	capacity int
	devices  map[string]*deviceHistory
}

func NewConnHistory(capacity int) *ConnHistory {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &ConnHistory{capacity: capacity, devices: make(map[string]*deviceHistory)}
}

// Record appends one probe outcome, evicting the oldest when full, and
// returns the derived signal. Lost fires on a success-to-failure edge,
// Restored on the first success after failures, Escalated exactly when
// the streak reaches a threshold.
func (h *ConnHistory) Record(deviceID string, ev ConnectivityEvent) Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()

	d := h.devices[deviceID]
	if d == nil {
		d = &deviceHistory{ring: make([]ConnectivityEvent, h.capacity)}
		h.devices[deviceID] = d
	}

	prevOK, hasPrev := d.lastOutcome()

	d.ring[d.next] = ev
	d.next = (d.next + 1) % len(d.ring)
	if d.count < len(d.ring) {
		d.count++
	}

	if ev.OK {
		restored := hasPrev && !prevOK
		d.fails = 0
		if restored {
			return Outcome{Signal: SignalRestored}
		}
		return Outcome{}
	}

	d.fails++
	out := Outcome{ConsecutiveFailures: d.fails}
	if hasPrev && prevOK {
		out.Signal = SignalLost
		return out
	}
	for _, t := range escalationThresholds {
		if d.fails == t {
			out.Signal = SignalEscalated
			return out
		}
	}
	return out
}

// ConsecutiveFailures reports the current failure streak for a device.
func (h *ConnHistory) ConsecutiveFailures(deviceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d := h.devices[deviceID]; d != nil {
		return d.fails
	}
	return 0
}

// Events returns the recorded history, oldest first.
func (h *ConnHistory) Events(deviceID string) []ConnectivityEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.devices[deviceID]
	if d == nil {
		return nil
	}
	out := make([]ConnectivityEvent, 0, d.count)
	start := d.next - d.count
	if start < 0 {
		start += len(d.ring)
	}
	for i := 0; i < d.count; i++ {
		out = append(out, d.ring[(start+i)%len(d.ring)])
	}
	return out
}

func (d *deviceHistory) lastOutcome() (ok, has bool) {
	if d.count == 0 {
		return false, false
	}
	last := d.next - 1
	if last < 0 {
		last += len(d.ring)
	}
	return d.ring[last].OK, true
}
