// Package registry persists the device fleet: the configured devices
// plus whatever broadcast discovery found, keyed by the stable BLE MAC.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lmartin/batfleet/internal/config"
	"github.com/lmartin/batfleet/internal/fleet"
	"github.com/lmartin/batfleet/internal/logging"
)

type Registry struct {
	db *sql.DB
}

func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Seed upserts the statically configured devices. Configuration wins for
// name, address and the active flag; last-seen is preserved.
func (r *Registry) Seed(ctx context.Context, devices []config.DeviceConfig) error {
	for _, d := range devices {
		dev := fleet.Device{
			BleMac: d.BleMac,
			Name:   d.Name,
			Host:   d.Host,
			Port:   d.Port,
			Active: d.IsActive(),
		}
		if err := r.Upsert(ctx, dev); err != nil {
			return fmt.Errorf("registry: seed %s: %w", d.BleMac, err)
		}
	}
	return nil
}

// Upsert inserts or updates one device by BLE MAC. It never clears
// last_seen; that column is owned by TouchLastSeen.
func (r *Registry) Upsert(ctx context.Context, dev fleet.Device) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO devices (ble_mac, name, host, port, wifi_mac, active, created_at) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT(ble_mac) DO UPDATE SET "+
			"name = excluded.name, host = excluded.host, port = excluded.port, "+
			"wifi_mac = excluded.wifi_mac, active = excluded.active",
		dev.BleMac, dev.Name, dev.Host, dev.Port, dev.WifiMac,
		boolToInt(dev.Active), time.Now().Unix(),
	)
	return err
}

// SetActive flips the active flag without touching anything else.
func (r *Registry) SetActive(ctx context.Context, bleMac string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE devices SET active = ? WHERE ble_mac = ?", boolToInt(active), bleMac)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("registry: unknown device %s", bleMac)
	}
	return nil
}

// TouchLastSeen records a successful contact.
func (r *Registry) TouchLastSeen(ctx context.Context, bleMac string, t time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE devices SET last_seen = ? WHERE ble_mac = ?", t.Unix(), bleMac)
	return err
}

// Active returns the enabled devices in stable BLE MAC order. Sweeps
// iterate this snapshot, so the order decides dispatch order too.
func (r *Registry) Active(ctx context.Context) ([]fleet.Device, error) {
	return r.query(ctx, "WHERE active = 1")
}

// All returns every known device, enabled or not.
func (r *Registry) All(ctx context.Context) ([]fleet.Device, error) {
	return r.query(ctx, "")
}

// Get returns one device by BLE MAC.
func (r *Registry) Get(ctx context.Context, bleMac string) (fleet.Device, error) {
	devices, err := r.query(ctx, "WHERE ble_mac = ?", bleMac)
	if err != nil {
		return fleet.Device{}, err
	}
	if len(devices) == 0 {
		return fleet.Device{}, fmt.Errorf("registry: unknown device %s", bleMac)
	}
	return devices[0], nil
}

func (r *Registry) query(ctx context.Context, where string, args ...any) ([]fleet.Device, error) {
	q := "SELECT ble_mac, name, host, port, wifi_mac, active, last_seen FROM devices " +
		where + " ORDER BY ble_mac"
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fleet.Device
	for rows.Next() {
		var dev fleet.Device
		var active int
		var lastSeen sql.NullInt64
		if err := rows.Scan(&dev.BleMac, &dev.Name, &dev.Host, &dev.Port,
			&dev.WifiMac, &active, &lastSeen); err != nil {
			return nil, err
		}
		dev.Active = active != 0
		if lastSeen.Valid {
			dev.LastSeen = time.Unix(lastSeen.Int64, 0)
		}
		out = append(out, dev)
	}
	return out, rows.Err()
}

// RegisterDiscovered merges broadcast announcements into the registry.
// The BLE MAC is the identity; a known device keeps its name and active
// flag but gets its address refreshed, since the devices sit on DHCP.
// New devices come in active, named from the model and MAC tail.
func (r *Registry) RegisterDiscovered(ctx context.Context, anns []fleet.DeviceAnnouncement, port int) (added, updated int, err error) {
	for _, ann := range anns {
		if ann.BleMac == "" || ann.IP == "" {
			continue
		}
		existing, gerr := r.Get(ctx, ann.BleMac)
		if gerr == nil {
			if existing.Host != ann.IP {
				logging.Info("discovered device moved", "device", ann.BleMac,
					"oldHost", existing.Host, "newHost", ann.IP)
			}
			existing.Host = ann.IP
			existing.WifiMac = ann.WifiMac
			if err := r.Upsert(ctx, existing); err != nil {
				return added, updated, err
			}
			updated++
			continue
		}

		dev := fleet.Device{
			BleMac:  ann.BleMac,
			Name:    deviceName(ann),
			Host:    ann.IP,
			Port:    port,
			WifiMac: ann.WifiMac,
			Active:  true,
		}
		logging.Info("registering discovered device", "device", ann.BleMac,
			"name", dev.Name, "host", dev.Host)
		if err := r.Upsert(ctx, dev); err != nil {
			return added, updated, err
		}
		added++
	}
	return added, updated, nil
}

func deviceName(ann fleet.DeviceAnnouncement) string {
	model := ann.Device
	if model == "" {
		model = "venus"
	}
	tail := ann.BleMac
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return strings.ToLower(model) + "-" + strings.ToLower(tail)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
