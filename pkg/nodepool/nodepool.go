// Package nodepool implements the coordinator's registry of forwarder
// agents, the single-active invariant, and the RSSI-driven handoff
// election. It is the heart of the system: every routing decision made
// by the coordinator ultimately reads the pool's active node.
package nodepool

import (
	"sync"
	"time"

	"github.com/nodewire/blearbiter/pkg/election"
	"github.com/nodewire/blearbiter/pkg/logger"
	"github.com/nodewire/blearbiter/pkg/metrics"
	"github.com/nodewire/blearbiter/pkg/wire"
)

// Link is the coordinator-side handle to one agent's bidirectional
// message channel. Implementations wrap a transport connection (a
// WebSocket in the reference deployment).
type Link interface {
	Send(wire.Envelope) error
	Ping() error
	Close() error
	RemoteAddr() string
}

// LivenessState tracks whether a node's periodic liveness ping is current.
type LivenessState int

const (
	LivenessHealthy LivenessState = iota
	LivenessAwaitingResponse
)

// HandoffState is the pool-wide election phase.
type HandoffState int

const (
	HandoffIdle HandoffState = iota
	HandoffScanning
	HandoffAwaitingConnect
)

func (s HandoffState) String() string {
	switch s {
	case HandoffScanning:
		return "scanning"
	case HandoffAwaitingConnect:
		return "awaiting_connect"
	default:
		return "idle"
	}
}

// ScanReport is one (name, rssi) pair collected during a handoff scan.
type ScanReport struct {
	Name string
	RSSI int
}

// NodeEntry is one registered forwarder agent.
type NodeEntry struct {
	NodeID       string
	Link         Link
	BLEConnected bool
	LastBattery  *int
	LastSeen     time.Time
	IsActive     bool
	Liveness     LivenessState

	// Diagnostics only; never consulted by election or routing.
	AuthenticatedAt time.Time
	RemoteAddr      string

	awaitingPong bool
}

// EventType distinguishes pool-level events.
type EventType int

const (
	EventNodeConnected EventType = iota
	EventNodeRemoved
	EventActiveChanged
	EventNoActive
	EventBattery
	EventRSSI
)

// Event is broadcast to subscribers on pool state transitions.
type Event struct {
	Type    EventType
	NodeID  string
	Battery int
	RSSI    int
}

// Config holds the pool's timing parameters.
type Config struct {
	PingInterval   time.Duration
	StaleTimeout   time.Duration
	HandoffTimeout time.Duration
	ScanDuration   time.Duration
}

// DefaultConfig returns the package defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		StaleTimeout:   60 * time.Second,
		HandoffTimeout: 30 * time.Second,
		ScanDuration:   10 * time.Second,
	}
}

type pendingCommand struct {
	done  chan bool
	timer *time.Timer
}

type batteryWaiter struct {
	nodeID string
	ch     chan int
}

type rssiWaiter struct {
	nodeID string
	ch     chan int
}

// NodePool is the coordinator's registry of authenticated agents.
type NodePool struct {
	mu sync.Mutex

	config Config
	log    *logger.Logger

	nodes        map[string]*NodeEntry
	activeNodeID string

	handoffState      HandoffState
	handoffGeneration uint64
	pendingResults    map[string][]ScanReport
	scanOrder         []string

	pendingCommands map[int64]*pendingCommand
	commandCounter  int64

	batteryWaiters []*batteryWaiter
	rssiWaiters    []*rssiWaiter

	subscribers []chan Event
	subMu       sync.RWMutex

	pingTickers map[string]*livenessTicker

	scorer election.Scorer
}

// livenessTicker pairs a node's ping ticker with the signal that stops its
// monitoring goroutine when the node is removed by any path.
type livenessTicker struct {
	ticker *time.Ticker
	stop   chan struct{}
}

// New creates an empty NodePool.
func New(config Config, log *logger.Logger) *NodePool {
	if config.PingInterval == 0 {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.Global()
	}
	return &NodePool{
		config:          config,
		log:             log,
		scorer:          election.RSSIScorer{},
		nodes:           make(map[string]*NodeEntry),
		pendingResults:  make(map[string][]ScanReport),
		pendingCommands: make(map[int64]*pendingCommand),
		pingTickers:     make(map[string]*livenessTicker),
	}
}

// SetScorer replaces the handoff scoring function used by electNode.
// Passing nil restores the default pure-RSSI scorer.
func (p *NodePool) SetScorer(scorer election.Scorer) {
	if scorer == nil {
		scorer = election.RSSIScorer{}
	}
	p.mu.Lock()
	p.scorer = scorer
	p.mu.Unlock()
}

// Subscribe returns a channel receiving pool events.
func (p *NodePool) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	p.subMu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.subMu.Unlock()
	return ch
}

// Unsubscribe removes a prior subscription.
func (p *NodePool) Unsubscribe(ch <-chan Event) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for i, sub := range p.subscribers {
		if sub == ch {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}

func (p *NodePool) emit(e Event) {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Snapshot is a consistent, read-only view of one node, safe to hand to
// callers outside the pool's mutation domain (e.g. an admin surface).
type Snapshot struct {
	NodeID       string
	BLEConnected bool
	LastBattery  *int
	LastSeen     time.Time
	IsActive     bool
}

// Snapshot returns a point-in-time copy of every registered node plus the
// active node id ("" means none).
func (p *NodePool) Snapshot() ([]Snapshot, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Snapshot, 0, len(p.nodes))
	for id, n := range p.nodes {
		var battery *int
		if n.LastBattery != nil {
			b := *n.LastBattery
			battery = &b
		}
		out = append(out, Snapshot{
			NodeID:       id,
			BLEConnected: n.BLEConnected,
			LastBattery:  battery,
			LastSeen:     n.LastSeen,
			IsActive:     n.IsActive,
		})
	}
	return out, p.activeNodeID
}

// ActiveNodeID returns the current active node id, or "" for none.
func (p *NodePool) ActiveNodeID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeNodeID
}

// size returns the current node count. Callers must not hold p.mu.
func (p *NodePool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nodes)
}

// AddNode registers a newly authenticated agent, evicting any prior
// entry with the same nodeId.
func (p *NodePool) AddNode(nodeID string, link Link, remoteAddr string) {
	p.mu.Lock()
	if existing, ok := p.nodes[nodeID]; ok {
		p.removeNodeLocked(nodeID, existing)
	}

	now := time.Now()
	p.nodes[nodeID] = &NodeEntry{
		NodeID:          nodeID,
		Link:            link,
		LastSeen:        now,
		AuthenticatedAt: now,
		RemoteAddr:      remoteAddr,
		Liveness:        LivenessHealthy,
	}
	p.mu.Unlock()

	p.emit(Event{Type: EventNodeConnected, NodeID: nodeID})
	p.armPingTicker(nodeID)
	metrics.SetPoolSize(p.size())
}

// RemoveNode tears down and deletes a node entry. If it was active, a
// handoff is triggered for the remaining pool.
func (p *NodePool) RemoveNode(nodeID string) {
	p.mu.Lock()
	entry, ok := p.nodes[nodeID]
	if !ok {
		p.mu.Unlock()
		return
	}
	wasActive := p.removeNodeLocked(nodeID, entry)
	p.mu.Unlock()

	p.emit(Event{Type: EventNodeRemoved, NodeID: nodeID})
	metrics.SetPoolSize(p.size())
	if wasActive {
		p.TriggerHandoff()
	}
}

// removeNodeLocked must be called with p.mu held. It returns whether the
// removed node was the active one.
func (p *NodePool) removeNodeLocked(nodeID string, entry *NodeEntry) bool {
	if pt, ok := p.pingTickers[nodeID]; ok {
		pt.ticker.Stop()
		close(pt.stop)
		delete(p.pingTickers, nodeID)
	}
	entry.Link.Close()
	delete(p.nodes, nodeID)

	wasActive := entry.IsActive
	if wasActive {
		p.activeNodeID = ""
	}
	return wasActive
}

func (p *NodePool) armPingTicker(nodeID string) {
	pt := &livenessTicker{
		ticker: time.NewTicker(p.config.PingInterval),
		stop:   make(chan struct{}),
	}

	p.mu.Lock()
	p.pingTickers[nodeID] = pt
	p.mu.Unlock()

	go func() {
		defer pt.ticker.Stop()
		for {
			select {
			case <-pt.ticker.C:
				if p.checkLiveness(nodeID) {
					return
				}
			case <-pt.stop:
				return
			}
		}
	}()
}

// checkLiveness runs one ping tick for nodeID. It returns true if the
// node was removed (stale) and the ticker loop should stop.
func (p *NodePool) checkLiveness(nodeID string) bool {
	p.mu.Lock()
	entry, ok := p.nodes[nodeID]
	if !ok {
		p.mu.Unlock()
		return true
	}

	stale := entry.awaitingPong || time.Since(entry.LastSeen) > p.config.StaleTimeout
	if stale {
		p.mu.Unlock()
		p.RemoveNode(nodeID)
		return true
	}

	entry.awaitingPong = true
	entry.Liveness = LivenessAwaitingResponse
	link := entry.Link
	p.mu.Unlock()

	link.Ping()
	return false
}

// HandlePong clears the awaiting-response flag for nodeID and refreshes
// its liveness timestamp.
func (p *NodePool) HandlePong(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.nodes[nodeID]; ok {
		entry.awaitingPong = false
		entry.Liveness = LivenessHealthy
		entry.LastSeen = time.Now()
	}
}

// Dispatch handles one inbound message from nodeID.
func (p *NodePool) Dispatch(nodeID string, env wire.Envelope) {
	switch env.Type {
	case wire.TypeStatus:
		p.handleStatus(nodeID, env)
	case wire.TypeScanResult:
		p.handleScanResult(nodeID, env)
	case wire.TypeBattery:
		p.handleBattery(nodeID, env)
	case wire.TypeRSSI:
		p.handleRSSI(nodeID, env)
	case wire.TypeCommandResult:
		p.handleCommandResult(env)
	}
}

func (p *NodePool) handleStatus(nodeID string, env wire.Envelope) {
	p.mu.Lock()
	entry, ok := p.nodes[nodeID]
	if !ok {
		p.mu.Unlock()
		return
	}
	entry.LastSeen = time.Now()

	wasConnected := entry.BLEConnected
	if env.BLEConnected != nil {
		entry.BLEConnected = *env.BLEConnected
	}
	if env.Battery != nil {
		b := *env.Battery
		entry.LastBattery = &b
	}
	nowConnected := entry.BLEConnected
	wasActive := entry.IsActive
	p.mu.Unlock()

	if !wasConnected && nowConnected {
		p.TryPromote(nodeID)
		return
	}
	if wasConnected && !nowConnected && wasActive {
		p.mu.Lock()
		entry.IsActive = false
		p.activeNodeID = ""
		p.mu.Unlock()
		p.emit(Event{Type: EventActiveChanged, NodeID: ""})
		p.TriggerHandoff()
	}
}

func (p *NodePool) handleScanResult(nodeID string, env wire.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handoffState != HandoffScanning {
		return
	}
	if _, ok := p.nodes[nodeID]; !ok {
		return
	}

	if _, seen := p.pendingResults[nodeID]; !seen {
		p.scanOrder = append(p.scanOrder, nodeID)
	}
	for _, d := range env.Devices {
		p.pendingResults[nodeID] = append(p.pendingResults[nodeID], ScanReport{Name: d.Name, RSSI: d.RSSI})
	}
}

func (p *NodePool) handleBattery(nodeID string, env wire.Envelope) {
	if env.Level == nil {
		return
	}
	level := *env.Level

	p.mu.Lock()
	entry, ok := p.nodes[nodeID]
	isActive := ok && entry.IsActive
	if ok {
		entry.LastBattery = &level
	}
	p.mu.Unlock()

	p.deliverBattery(nodeID, level)

	if isActive {
		p.emit(Event{Type: EventBattery, NodeID: nodeID, Battery: level})
	}
}

func (p *NodePool) handleRSSI(nodeID string, env wire.Envelope) {
	if env.Value == nil {
		return
	}
	value := *env.Value

	p.mu.Lock()
	entry, ok := p.nodes[nodeID]
	isActive := ok && entry.IsActive
	p.mu.Unlock()

	p.deliverRSSI(nodeID, value)

	if isActive {
		p.emit(Event{Type: EventRSSI, NodeID: nodeID, RSSI: value})
	}
}

func (p *NodePool) handleCommandResult(env wire.Envelope) {
	if env.ID == nil {
		return
	}
	success := env.Success != nil && *env.Success

	p.mu.Lock()
	pc, ok := p.pendingCommands[*env.ID]
	if ok {
		delete(p.pendingCommands, *env.ID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	pc.timer.Stop()
	select {
	case pc.done <- success:
	default:
	}
}

// TryPromote makes nodeID active if no one else is, or instructs it to
// yield if another node already holds the device.
func (p *NodePool) TryPromote(nodeID string) {
	p.mu.Lock()
	entry, ok := p.nodes[nodeID]
	if !ok || !entry.BLEConnected {
		p.mu.Unlock()
		return
	}

	if p.activeNodeID == "" {
		p.activeNodeID = nodeID
		entry.IsActive = true
		p.handoffState = HandoffIdle
		p.mu.Unlock()
		p.emit(Event{Type: EventActiveChanged, NodeID: nodeID})
		return
	}

	if p.activeNodeID != nodeID {
		link := entry.Link
		p.mu.Unlock()
		link.Send(wire.Envelope{Type: wire.TypeDisconnectBLE})
		return
	}
	p.mu.Unlock()
}

// TriggerHandoff starts the scan-and-elect cycle. Concurrent triggers
// coalesce into the one already in progress.
func (p *NodePool) TriggerHandoff() {
	p.mu.Lock()
	if p.handoffState != HandoffIdle {
		p.mu.Unlock()
		return
	}
	if len(p.nodes) == 0 {
		p.mu.Unlock()
		metrics.IncHandoff(metrics.HandoffNoActive)
		p.emit(Event{Type: EventNoActive})
		return
	}

	p.handoffState = HandoffScanning
	p.handoffGeneration++
	generation := p.handoffGeneration
	p.pendingResults = make(map[string][]ScanReport)
	p.scanOrder = nil

	durationMS := int64(p.config.ScanDuration / time.Millisecond)
	links := make([]Link, 0, len(p.nodes))
	for _, n := range p.nodes {
		links = append(links, n.Link)
	}
	p.mu.Unlock()

	for _, l := range links {
		l.Send(wire.Envelope{Type: wire.TypeScan, Duration: &durationMS})
	}

	electAfter := p.config.ScanDuration + 3*time.Second
	time.AfterFunc(electAfter, func() { p.electNode(generation) })
	time.AfterFunc(p.config.HandoffTimeout+electAfter, func() { p.handoffRetry(generation) })
}

// electNode picks the node with the numerically largest reported score
// (RSSI, unless a custom scorer is configured), first-found breaking
// ties, and sends it a connect instruction.
func (p *NodePool) electNode(generation uint64) {
	p.mu.Lock()
	if p.handoffGeneration != generation || p.handoffState != HandoffScanning {
		p.mu.Unlock()
		return
	}

	var winnerID string
	var winnerLink Link
	haveWinner := false
	bestScore := 0
	bestRSSI := 0

	for _, nodeID := range p.scanOrder {
		entry, ok := p.nodes[nodeID]
		if !ok {
			continue
		}
		reports := p.pendingResults[nodeID]
		for _, r := range reports {
			score := p.scorer.Score(nodeID, r.Name, r.RSSI)
			if !haveWinner || score > bestScore {
				haveWinner = true
				bestScore = score
				bestRSSI = r.RSSI
				winnerID = nodeID
				winnerLink = entry.Link
			}
		}
	}

	p.pendingResults = make(map[string][]ScanReport)
	p.scanOrder = nil

	if !haveWinner {
		p.mu.Unlock()
		return
	}

	p.handoffState = HandoffAwaitingConnect
	p.mu.Unlock()

	metrics.IncHandoff(metrics.HandoffElected)
	p.log.Info("handoff elected node", "nodeId", winnerID, "rssi", bestRSSI)
	winnerLink.Send(wire.Envelope{Type: wire.TypeConnect})
}

func (p *NodePool) handoffRetry(generation uint64) {
	p.mu.Lock()
	if p.handoffGeneration != generation {
		p.mu.Unlock()
		return
	}
	if p.activeNodeID != "" || len(p.nodes) == 0 || p.handoffState == HandoffIdle {
		p.mu.Unlock()
		return
	}
	p.handoffState = HandoffIdle
	p.mu.Unlock()

	p.TriggerHandoff()
}

// SendCommand routes a command frame to the active node and waits for
// its command_result, up to 5s.
func (p *NodePool) SendCommand(data string) bool {
	return p.sendCommandWithTimeout(data, 5*time.Second)
}

func (p *NodePool) sendCommandWithTimeout(data string, timeout time.Duration) bool {
	p.mu.Lock()
	active := p.activeNodeID
	entry, ok := p.nodes[active]
	if active == "" || !ok {
		p.mu.Unlock()
		return false
	}

	p.commandCounter++
	id := p.commandCounter
	done := make(chan bool, 1)
	timer := time.AfterFunc(timeout, func() { p.timeoutCommand(id) })
	p.pendingCommands[id] = &pendingCommand{done: done, timer: timer}
	link := entry.Link
	p.mu.Unlock()

	if err := link.Send(wire.Envelope{Type: wire.TypeCommand, ID: &id, Data: data}); err != nil {
		p.timeoutCommand(id)
		return false
	}

	return <-done
}

func (p *NodePool) timeoutCommand(id int64) {
	p.mu.Lock()
	pc, ok := p.pendingCommands[id]
	if ok {
		delete(p.pendingCommands, id)
	}
	p.mu.Unlock()
	if ok {
		select {
		case pc.done <- false:
		default:
		}
	}
}

// RequestBattery asks the active node for a fresh battery reading,
// falling back to its last known value on a 3s timeout.
func (p *NodePool) RequestBattery() (int, bool) {
	p.mu.Lock()
	active := p.activeNodeID
	entry, ok := p.nodes[active]
	if active == "" || !ok {
		p.mu.Unlock()
		return 0, false
	}

	w := &batteryWaiter{nodeID: active, ch: make(chan int, 1)}
	p.batteryWaiters = append(p.batteryWaiters, w)
	link := entry.Link
	p.mu.Unlock()

	link.Send(wire.Envelope{Type: wire.TypeGetBattery})

	select {
	case v := <-w.ch:
		return v, true
	case <-time.After(3 * time.Second):
		p.removeBatteryWaiter(w)
		p.mu.Lock()
		entry, ok := p.nodes[active]
		p.mu.Unlock()
		if ok && entry.LastBattery != nil {
			return *entry.LastBattery, true
		}
		return 0, false
	}
}

func (p *NodePool) deliverBattery(nodeID string, level int) {
	p.mu.Lock()
	var matched []*batteryWaiter
	remaining := p.batteryWaiters[:0]
	for _, w := range p.batteryWaiters {
		if w.nodeID == nodeID {
			matched = append(matched, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	p.batteryWaiters = remaining
	p.mu.Unlock()

	for _, w := range matched {
		select {
		case w.ch <- level:
		default:
		}
	}
}

func (p *NodePool) removeBatteryWaiter(target *batteryWaiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.batteryWaiters[:0]
	for _, w := range p.batteryWaiters {
		if w != target {
			out = append(out, w)
		}
	}
	p.batteryWaiters = out
}

// RequestRSSI asks the active node for a live RSSI reading, timing out
// after 3s with "unknown" (false).
func (p *NodePool) RequestRSSI() (int, bool) {
	p.mu.Lock()
	active := p.activeNodeID
	entry, ok := p.nodes[active]
	if active == "" || !ok {
		p.mu.Unlock()
		return 0, false
	}

	w := &rssiWaiter{nodeID: active, ch: make(chan int, 1)}
	p.rssiWaiters = append(p.rssiWaiters, w)
	link := entry.Link
	p.mu.Unlock()

	link.Send(wire.Envelope{Type: wire.TypeGetRSSI})

	select {
	case v := <-w.ch:
		return v, true
	case <-time.After(3 * time.Second):
		p.removeRSSIWaiter(w)
		return 0, false
	}
}

func (p *NodePool) deliverRSSI(nodeID string, value int) {
	p.mu.Lock()
	var matched []*rssiWaiter
	remaining := p.rssiWaiters[:0]
	for _, w := range p.rssiWaiters {
		if w.nodeID == nodeID {
			matched = append(matched, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	p.rssiWaiters = remaining
	p.mu.Unlock()

	for _, w := range matched {
		select {
		case w.ch <- value:
		default:
		}
	}
}

func (p *NodePool) removeRSSIWaiter(target *rssiWaiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.rssiWaiters[:0]
	for _, w := range p.rssiWaiters {
		if w != target {
			out = append(out, w)
		}
	}
	p.rssiWaiters = out
}
