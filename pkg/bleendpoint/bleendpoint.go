// Package bleendpoint wraps one host BLE stack's relationship with the
// device: discovery, the single active peripheral connection, writes to
// the UART TX characteristic, and notifications from RX. It is used
// identically by the coordinator (for its local radio) and by every
// forwarder agent.
package bleendpoint

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/nodewire/blearbiter/pkg/codec"
)

// UART service/characteristic UUIDs the device exposes.
const (
	uartServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	uartTXUUID      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	uartRXUUID      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// State is the endpoint's connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateDiscovering
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Config holds endpoint configuration, mirroring the configuration
// surface for the local BLE endpoint.
type Config struct {
	DeviceAddress        string
	AddressType          string // "public" or "random"
	HCIInterfaceIndex    int
	NamePatterns         []string
	ScanDuration         time.Duration
	ReconnectDelay       time.Duration
	BatteryCheckInterval time.Duration
}

// DefaultConfig returns the package defaults.
func DefaultConfig() Config {
	return Config{
		ScanDuration:         10 * time.Second,
		ReconnectDelay:       5 * time.Second,
		BatteryCheckInterval: 30 * time.Minute,
	}
}

// EventType distinguishes the endpoint's emitted events.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventBattery
)

// Event is emitted to the configured EventHandler.
type Event struct {
	Type    EventType
	Battery int // valid when Type == EventBattery
}

// EventHandler receives endpoint lifecycle and battery events.
type EventHandler interface {
	OnEvent(Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(Event)

// OnEvent implements EventHandler.
func (f EventHandlerFunc) OnEvent(e Event) { f(e) }

// ScanResult is one compatible peripheral discovered during Scan.
type ScanResult struct {
	Address         string
	Name            string
	RSSI            int
	DetectionMethod string // "service-uuid" or "name-pattern"
}

// Common errors.
var (
	ErrNotFound     = errors.New("bleendpoint: device not found")
	ErrNotConnected = errors.New("bleendpoint: not connected")
)

// Endpoint owns at most one active connection to the device.
type Endpoint struct {
	mu sync.RWMutex

	config  Config
	adapter *bluetooth.Adapter

	state         State
	autoReconnect bool
	handler       EventHandler

	device  *bluetooth.Device
	service *bluetooth.DeviceService
	txChar  *bluetooth.DeviceCharacteristic
	rxChar  *bluetooth.DeviceCharacteristic

	lastBattery   int
	haveBattery   bool
	batteryTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc

	runLoop sync.WaitGroup
}

// New creates an Endpoint bound to the default BLE adapter.
func New(config Config) *Endpoint {
	if config.ScanDuration == 0 {
		config.ScanDuration = DefaultConfig().ScanDuration
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = DefaultConfig().ReconnectDelay
	}
	if config.BatteryCheckInterval == 0 {
		config.BatteryCheckInterval = DefaultConfig().BatteryCheckInterval
	}
	return &Endpoint{
		config:  config,
		adapter: bluetooth.DefaultAdapter,
		state:   StateIdle,
	}
}

// SetEventHandler sets the endpoint's event handler.
func (e *Endpoint) SetEventHandler(h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// State returns the current connection state.
func (e *Endpoint) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Ready reports whether the endpoint currently holds a usable link.
func (e *Endpoint) Ready() bool {
	return e.State() == StateReady
}

// Connect is idempotent with respect to an in-flight attempt: calling it
// again while already connecting/ready/reconnecting has no effect beyond
// arming auto-reconnect. It runs the connect-and-retry loop in the
// background and returns immediately; success/failure surface as events.
func (e *Endpoint) Connect() {
	e.mu.Lock()
	if e.autoReconnect {
		e.mu.Unlock()
		return
	}
	e.autoReconnect = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	ctx := e.ctx
	e.mu.Unlock()

	e.runLoop.Add(1)
	go e.connectLoop(ctx)
}

// Disconnect tears down the link and stops auto-reconnect.
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	e.autoReconnect = false
	cancel := e.cancel
	dev := e.device
	ticker := e.batteryTicker
	e.batteryTicker = nil
	e.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if dev != nil {
		dev.Disconnect()
	}

	e.mu.Lock()
	wasReady := e.state != StateDisconnected && e.state != StateIdle
	e.state = StateDisconnected
	e.device = nil
	e.service = nil
	e.txChar = nil
	e.rxChar = nil
	handler := e.handler
	e.mu.Unlock()

	if wasReady && handler != nil {
		handler.OnEvent(Event{Type: EventDisconnected})
	}
}

// connectLoop retries failed connect attempts with a constant delay while
// auto-reconnect is armed. Once a connection succeeds the loop ends when
// Disconnect is called; a link lost from the device side is not detected
// here and is not followed by a reconnect attempt.
func (e *Endpoint) connectLoop(ctx context.Context) {
	defer e.runLoop.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := e.connectOnce(ctx); err != nil {
			e.mu.RLock()
			delay := e.config.ReconnectDelay
			e.mu.RUnlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		e.mu.RLock()
		auto := e.autoReconnect
		e.mu.RUnlock()
		if !auto {
			return
		}

		// Connected: wait until Disconnect cancels the context, then stop.
		<-ctx.Done()
		return
	}
}

func (e *Endpoint) connectOnce(ctx context.Context) error {
	e.mu.Lock()
	e.state = StateConnecting
	e.mu.Unlock()

	if err := e.adapter.Enable(); err != nil {
		return err
	}

	result, err := e.discoverPeripheral(ctx)
	if err != nil {
		return err
	}

	device, err := e.adapter.Connect(result.address, bluetooth.ConnectionParams{})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.state = StateDiscovering
	e.device = &device
	e.mu.Unlock()

	srvUUID, _ := bluetooth.ParseUUID(uartServiceUUID)
	services, err := device.DiscoverServices([]bluetooth.UUID{srvUUID})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return errors.New("bleendpoint: uart service not found")
	}

	txUUID, _ := bluetooth.ParseUUID(uartTXUUID)
	rxUUID, _ := bluetooth.ParseUUID(uartRXUUID)
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{txUUID, rxUUID})
	if err != nil || len(chars) < 2 {
		device.Disconnect()
		return errors.New("bleendpoint: uart characteristics not found")
	}

	var tx, rx *bluetooth.DeviceCharacteristic
	for i := range chars {
		c := chars[i]
		switch c.UUID() {
		case txUUID:
			tx = &c
		case rxUUID:
			rx = &c
		}
	}
	if tx == nil || rx == nil {
		device.Disconnect()
		return errors.New("bleendpoint: uart characteristics not found")
	}

	if err := rx.EnableNotifications(e.onNotification); err != nil {
		device.Disconnect()
		return err
	}

	e.mu.Lock()
	e.service = &services[0]
	e.txChar = tx
	e.rxChar = rx
	e.state = StateReady
	handler := e.handler
	interval := e.config.BatteryCheckInterval
	e.mu.Unlock()

	if handler != nil {
		handler.OnEvent(Event{Type: EventConnected})
	}

	e.startBatteryTicker(interval)

	return nil
}

type discoveredPeripheral struct {
	address bluetooth.Address
}

// discoverPeripheral scans until it finds a peripheral matching the
// configured address, service UUID advertisement, or name pattern, or
// until the configured scan duration elapses.
func (e *Endpoint) discoverPeripheral(ctx context.Context) (discoveredPeripheral, error) {
	e.mu.RLock()
	cfg := e.config
	e.mu.RUnlock()

	found := make(chan bluetooth.ScanResult, 1)
	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanDuration)
	defer cancel()

	// adapter.Scan blocks until StopScan; end it when the window closes.
	go func() {
		<-scanCtx.Done()
		e.adapter.StopScan()
	}()

	err := e.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if cfg.DeviceAddress != "" {
			if result.Address.String() == cfg.DeviceAddress {
				select {
				case found <- result:
					adapter.StopScan()
				default:
				}
			}
			return
		}

		if matchesUART(result) || matchesNamePattern(result.LocalName(), cfg.NamePatterns) {
			select {
			case found <- result:
				adapter.StopScan()
			default:
			}
		}
	})
	if err != nil {
		return discoveredPeripheral{}, err
	}

	select {
	case result := <-found:
		return discoveredPeripheral{address: result.Address}, nil
	case <-scanCtx.Done():
		e.adapter.StopScan()
		return discoveredPeripheral{}, ErrNotFound
	}
}

func matchesUART(result bluetooth.ScanResult) bool {
	for _, uuid := range result.AdvertisementPayload.Services() {
		want, err := bluetooth.ParseUUID(uartServiceUUID)
		if err == nil && uuid == want {
			return true
		}
	}
	return false
}

func matchesNamePattern(name string, patterns []string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Write writes a frame using write-without-response semantics. It
// succeeds only when the endpoint is ready; failures are logged by the
// caller and are not fatal to the endpoint.
func (e *Endpoint) Write(f codec.Frame) bool {
	e.mu.RLock()
	ready := e.state == StateReady
	tx := e.txChar
	e.mu.RUnlock()

	if !ready || tx == nil {
		return false
	}

	_, err := tx.WriteWithoutResponse(f)
	return err == nil
}

// RequestBattery writes the battery-query frame. The result arrives
// asynchronously via an EventBattery event once the device notifies.
func (e *Endpoint) RequestBattery() {
	e.Write(codec.EncodeBatteryQuery())
}

// ReadRSSI returns a live RSSI reading from the active peripheral, if
// any.
func (e *Endpoint) ReadRSSI() (int, bool) {
	e.mu.RLock()
	dev := e.device
	ready := e.state == StateReady
	e.mu.RUnlock()

	if !ready || dev == nil {
		return 0, false
	}

	rssi, err := dev.RSSI()
	if err != nil {
		return 0, false
	}
	return int(rssi), true
}

// Scan performs a timed discovery pass and returns every compatible
// peripheral found, deduplicated by address.
func (e *Endpoint) Scan(ctx context.Context, duration time.Duration) ([]ScanResult, error) {
	e.mu.RLock()
	patterns := e.config.NamePatterns
	e.mu.RUnlock()

	seen := make(map[string]bool)
	var results []ScanResult

	scanCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	// adapter.Scan blocks until StopScan; end it when the window closes.
	go func() {
		<-scanCtx.Done()
		e.adapter.StopScan()
	}()

	err := e.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()
		if seen[addr] {
			return
		}

		uartMatch := matchesUART(result)
		nameMatch := matchesNamePattern(result.LocalName(), patterns)
		if !uartMatch && !nameMatch {
			return
		}

		method := "name-pattern"
		if uartMatch {
			method = "service-uuid"
		}

		seen[addr] = true
		results = append(results, ScanResult{
			Address:         addr,
			Name:            result.LocalName(),
			RSSI:            int(result.RSSI),
			DetectionMethod: method,
		})
	})
	if err != nil {
		return nil, err
	}

	<-scanCtx.Done()
	e.adapter.StopScan()

	return results, nil
}

func (e *Endpoint) startBatteryTicker(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)

	e.mu.Lock()
	e.batteryTicker = ticker
	ctx := e.ctx
	e.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				e.RequestBattery()
			}
		}
	}()
}

func (e *Endpoint) onNotification(buf []byte) {
	data := make([]byte, len(buf))
	copy(data, buf)

	report, ok := codec.ParseNotification(data)
	if !ok {
		return
	}

	e.mu.Lock()
	e.lastBattery = int(report.Percent)
	e.haveBattery = true
	handler := e.handler
	e.mu.Unlock()

	if handler != nil {
		handler.OnEvent(Event{Type: EventBattery, Battery: int(report.Percent)})
	}
}

// LastBattery returns the last known battery percentage and whether one
// has ever been observed.
func (e *Endpoint) LastBattery() (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastBattery, e.haveBattery
}
