// Package state owns the two pieces of shared mutable state: the last
// known-good status per device and the bounded connectivity history.
// Both are keyed by device id and updated atomically per device.
package state

import (
	"errors"
	"sync"
	"time"

	"github.com/lmartin/batfleet/internal/fleet"
	"github.com/lmartin/batfleet/internal/logging"
)

// ErrNotFound is returned before the very first refresh of a device ever
// completed. Once any refresh has been recorded, Get never fails again.
var ErrNotFound = errors.New("state: no status recorded for device")

// CacheEntry is the last accepted status plus retention bookkeeping.
type CacheEntry struct {
	Status     fleet.DeviceStatus `json:"status"`
	AcceptedAt time.Time          `json:"acceptedAt"`
	Stale      bool               `json:"stale"`
}

// Age is how long ago the entry was accepted as current.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.AcceptedAt)
}

type StatusCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

func NewStatusCache() *StatusCache {
	return &StatusCache{entries: make(map[string]CacheEntry)}
}

// Accept applies the promotion rule to one refresh result: the result
// becomes current iff its battery read succeeded. Otherwise the previous
// good entry is kept and marked stale, so a query never regresses to
// empty after the first success. Only when no good entry ever existed
// does a failing result become current.
func (c *StatusCache) Accept(deviceID string, status fleet.DeviceStatus) CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if status.Complete() {
		entry := CacheEntry{Status: status, AcceptedAt: now}
		c.entries[deviceID] = entry
		logging.Debug("status cache updated", "device", deviceID)
		return entry
	}

	prev, ok := c.entries[deviceID]
	if ok && prev.Status.Complete() {
		prev.Stale = true
		c.entries[deviceID] = prev
		logging.Warn("refresh incomplete, keeping previous status",
			"device", deviceID, "ageSeconds", int(now.Sub(prev.AcceptedAt).Seconds()))
		return prev
	}

	// No good data has ever been seen; store the failure so callers can
	// tell "never reachable" from "not yet polled".
	entry := CacheEntry{Status: status, AcceptedAt: now, Stale: true}
	c.entries[deviceID] = entry
	logging.Warn("refresh incomplete, no previous status to keep", "device", deviceID)
	return entry
}

// Get returns the cached entry, or ErrNotFound before the first refresh.
func (c *StatusCache) Get(deviceID string) (CacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[deviceID]
	if !ok {
		return CacheEntry{}, ErrNotFound
	}
	return entry, nil
}

// Snapshot returns a copy of every entry, for bulk queries.
func (c *StatusCache) Snapshot() map[string]CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]CacheEntry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}
