// Package agent implements the forwarder agent: a long-lived process
// that holds a persistent link to a coordinator and drives one local
// BLE endpoint on the coordinator's behalf.
package agent

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodewire/blearbiter/pkg/bleendpoint"
	"github.com/nodewire/blearbiter/pkg/codec"
	"github.com/nodewire/blearbiter/pkg/logger"
	"github.com/nodewire/blearbiter/pkg/wire"
)

// Config configures an Agent.
type Config struct {
	ServerURL string
	Token     string
	NodeID    string

	StatusInterval   time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	BatteryEchoDelay time.Duration
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the package defaults.
func DefaultConfig() Config {
	return Config{
		StatusInterval:   10 * time.Second,
		BackoffInitial:   1 * time.Second,
		BackoffMax:       30 * time.Second,
		BatteryEchoDelay: 1 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
}

// Agent is the forwarder agent runtime.
type Agent struct {
	config   Config
	endpoint *bleendpoint.Endpoint
	log      *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	backoff time.Duration
}

// New builds an Agent bound to its own BLE endpoint.
func New(config Config, endpoint *bleendpoint.Endpoint, log *logger.Logger) *Agent {
	if config.StatusInterval == 0 {
		defaults := DefaultConfig()
		defaults.ServerURL, defaults.Token, defaults.NodeID = config.ServerURL, config.Token, config.NodeID
		config = defaults
	}
	if log == nil {
		log = logger.Global()
	}
	a := &Agent{
		config:   config,
		endpoint: endpoint,
		log:      log,
		backoff:  config.BackoffInitial,
	}
	endpoint.SetEventHandler(bleendpoint.EventHandlerFunc(a.onBLEEvent))
	return a
}

// Run connects to the coordinator and serves forever until ctx is
// cancelled, reconnecting with exponential backoff across failures.
func (a *Agent) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := a.runOnce(ctx); err != nil {
			a.log.Warn("agent link failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.backoff):
		}
		a.growBackoff()
	}
}

func (a *Agent) growBackoff() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backoff *= 2
	if a.backoff > a.config.BackoffMax {
		a.backoff = a.config.BackoffMax
	}
}

func (a *Agent) resetBackoff() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backoff = a.config.BackoffInitial
}

func (a *Agent) runOnce(ctx context.Context) error {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, a.config.ServerURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	authMsg, err := wire.Encode(wire.Envelope{
		Type:   wire.TypeAuth,
		Token:  a.config.Token,
		NodeID: a.config.NodeID,
	})
	if err != nil {
		return err
	}
	if err := a.send(authMsg); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(a.config.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	conn.SetReadDeadline(time.Time{})

	env, err := wire.Decode(raw)
	if err != nil || env.Type != wire.TypeAuthResult {
		return errors.New("agent: expected auth_result as first reply")
	}
	if env.Success == nil || !*env.Success {
		return errors.New("agent: authentication rejected")
	}

	a.resetBackoff()
	a.log.Info("authenticated with coordinator")

	statusCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.statusLoop(statusCtx)

	a.sendStatus()

	return a.readLoop(ctx, conn)
}

func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := wire.Decode(raw)
		if err != nil {
			continue // malformed: silently discard, never close the link
		}

		a.dispatch(ctx, env)
	}
}

func (a *Agent) dispatch(ctx context.Context, env wire.Envelope) {
	switch env.Type {
	case wire.TypeCommand:
		a.handleCommand(env)
	case wire.TypeGetBattery:
		a.handleGetBattery()
	case wire.TypeGetRSSI:
		a.handleGetRSSI()
	case wire.TypeScan:
		a.handleScan(ctx, env)
	case wire.TypeConnect:
		a.endpoint.Connect()
	case wire.TypeDisconnectBLE:
		a.endpoint.Disconnect()
		a.sendStatus()
	}
}

func (a *Agent) handleCommand(env wire.Envelope) {
	if env.ID == nil {
		return
	}
	data, err := hex.DecodeString(env.Data)
	success := false
	if err == nil {
		success = a.endpoint.Write(codec.Frame(data))
	}

	id := *env.ID
	msg, err := wire.Encode(wire.Envelope{
		Type:    wire.TypeCommandResult,
		ID:      &id,
		Success: &success,
	})
	if err == nil {
		a.send(msg)
	}
}

// handleGetBattery preserves a deliberate quirk of the upstream device:
// it replies with the last known battery value shortly after the
// request, without awaiting a fresh BLE round trip.
func (a *Agent) handleGetBattery() {
	a.endpoint.RequestBattery()

	go func() {
		time.Sleep(a.config.BatteryEchoDelay)
		level, ok := a.endpoint.LastBattery()
		if !ok {
			return
		}
		msg, err := wire.Encode(wire.Envelope{Type: wire.TypeBattery, Level: &level})
		if err == nil {
			a.send(msg)
		}
	}()
}

func (a *Agent) handleGetRSSI() {
	rssi, ok := a.endpoint.ReadRSSI()
	if !ok {
		return
	}
	msg, err := wire.Encode(wire.Envelope{Type: wire.TypeRSSI, Value: &rssi})
	if err == nil {
		a.send(msg)
	}
}

func (a *Agent) handleScan(ctx context.Context, env wire.Envelope) {
	duration := 10 * time.Second
	if env.Duration != nil {
		duration = time.Duration(*env.Duration) * time.Millisecond
	}

	results, err := a.endpoint.Scan(ctx, duration)
	devices := make([]wire.ScanDevice, 0, len(results))
	if err == nil {
		for _, r := range results {
			devices = append(devices, wire.ScanDevice{
				Address: r.Address,
				Name:    r.Name,
				RSSI:    r.RSSI,
			})
		}
	}

	msg, err := wire.Encode(wire.Envelope{Type: wire.TypeScanResult, Devices: devices})
	if err == nil {
		a.send(msg)
	}
}

func (a *Agent) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendStatus()
		}
	}
}

func (a *Agent) onBLEEvent(e bleendpoint.Event) {
	switch e.Type {
	case bleendpoint.EventConnected, bleendpoint.EventDisconnected:
		a.sendStatus()
	case bleendpoint.EventBattery:
		level := e.Battery
		msg, err := wire.Encode(wire.Envelope{Type: wire.TypeBattery, Level: &level})
		if err == nil {
			a.send(msg)
		}
	}
}

func (a *Agent) sendStatus() {
	connected := a.endpoint.Ready()
	var batteryPtr *int
	if level, ok := a.endpoint.LastBattery(); ok {
		batteryPtr = &level
	}

	msg, err := wire.Encode(wire.Envelope{
		Type:         wire.TypeStatus,
		BLEConnected: &connected,
		Battery:      batteryPtr,
	})
	if err != nil {
		return
	}
	a.send(msg)
}

func (a *Agent) send(data []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return errors.New("agent: no active link")
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}
