// Package venus speaks the Marstek Venus open API: JSON-RPC style
// request/response over UDP, correlated by id, plus broadcast discovery.
package venus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lmartin/batfleet/internal/fleet"
	"github.com/lmartin/batfleet/internal/logging"
)

const maxDatagram = 4096

var (
	// ErrTimeout means no matching response arrived within the retry budget.
	ErrTimeout = errors.New("venus: timeout waiting for response")
	// ErrMalformedResponse means the device answered with an undecodable
	// payload; for retry purposes it counts as a timeout.
	ErrMalformedResponse = errors.New("venus: malformed response payload")
)

// ProtocolError is an explicit rejection from the device. It is a final
// answer, never retried.
type ProtocolError struct {
	Code    int
	Message string
	Method  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("venus: %s rejected (code %d): %s", e.Method, e.Code, e.Message)
}

type ClientConfig struct {
	Timeout     time.Duration // per-attempt wait for a matching datagram
	MaxAttempts int           // total attempts per call
	Backoff     time.Duration // base backoff, doubled per attempt
}

// Client sends correlated requests over UDP. Each call uses a fresh
// ephemeral socket; the devices answer to the sender address.
type Client struct {
	cfg    ClientConfig
	nextID atomic.Int64
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Client{cfg: cfg}
}

type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type response struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call sends one request and waits for the response carrying the same id.
// Datagrams with a different id are discarded and the wait continues;
// stray retransmissions and broadcast echoes are expected here, not
// exceptional. A timeout or undecodable payload is retried with
// exponential backoff; an application-level error object is not.
func (c *Client) Call(ctx context.Context, addr, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	payload, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("venus: marshal %s: %w", method, err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		result, err := c.exchange(ctx, addr, method, id, payload)
		if err == nil {
			return result, nil
		}
		var pe *ProtocolError
		if errors.As(err, &pe) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		logging.Warn("venus call attempt failed", "addr", addr, "method", method,
			"attempt", attempt, "maxAttempts", c.cfg.MaxAttempts, "error", err)

		if attempt < c.cfg.MaxAttempts {
			wait := c.cfg.Backoff * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return nil, fmt.Errorf("%w: %s to %s after %d attempts: %v",
		ErrTimeout, method, addr, c.cfg.MaxAttempts, lastErr)
}

// exchange performs one send-and-wait attempt.
func (c *Client) exchange(ctx context.Context, addr, method string, id int64, payload []byte) (json.RawMessage, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("venus: dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("venus: send %s: %w", method, err)
	}

	buf := make([]byte, maxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("venus: recv %s: %w", method, err)
		}

		var resp response
		if err := json.Unmarshal(buf[:n], &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if resp.ID == nil || *resp.ID != id {
			logging.Warn("venus response id mismatch, discarding",
				"addr", addr, "method", method, "want", id, "got", resp.ID)
			continue
		}
		if resp.Error != nil {
			return nil, &ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message, Method: method}
		}
		return resp.Result, nil
	}
}

// Discover broadcasts one identification request and collects every
// well-formed announcement until the listen window closes. Cardinality
// is unknown up front, so this never fails on silence; it returns
// whatever answered.
func (c *Client) Discover(ctx context.Context, broadcastAddr string, timeout time.Duration) ([]fleet.DeviceAnnouncement, error) {
	dst, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("venus: resolve broadcast addr: %w", err)
	}

	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("venus: open discovery socket: %w", err)
	}
	defer pc.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := pc.SetDeadline(deadline); err != nil {
		return nil, err
	}

	probe, _ := json.Marshal(request{ID: 0, Method: methodGetDevice, Params: map[string]string{"ble_mac": "0"}})
	if _, err := pc.WriteTo(probe, dst); err != nil {
		return nil, fmt.Errorf("venus: broadcast: %w", err)
	}
	logging.Info("discovery started", "broadcast", broadcastAddr, "timeout", timeout)

	var found []fleet.DeviceAnnouncement
	seen := map[string]bool{}
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return found, fmt.Errorf("venus: discovery recv: %w", err)
		}

		var resp struct {
			Result *fleet.DeviceAnnouncement `json:"result"`
		}
		if err := json.Unmarshal(buf[:n], &resp); err != nil || resp.Result == nil || resp.Result.BleMac == "" {
			logging.Warn("discarding invalid discovery response", "from", from)
			continue
		}
		if seen[resp.Result.BleMac] {
			continue
		}
		seen[resp.Result.BleMac] = true
		found = append(found, *resp.Result)
		logging.Info("device discovered", "device", resp.Result.Device,
			"bleMac", resp.Result.BleMac, "ip", resp.Result.IP)
	}
	logging.Info("discovery complete", "devicesFound", len(found))
	return found, nil
}

func enableBroadcast(network, address string, conn syscall.RawConn) error {
	var opErr error
	err := conn.Control(func(fd uintptr) {
		opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
