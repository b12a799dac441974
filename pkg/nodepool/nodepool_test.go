package nodepool

import (
	"sync"
	"testing"
	"time"

	"github.com/nodewire/blearbiter/pkg/wire"
)

type fakeLink struct {
	mu   sync.Mutex
	sent []wire.Envelope
	pongs int
}

func (f *fakeLink) Send(env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeLink) Ping() error { return nil }
func (f *fakeLink) Close() error { return nil }
func (f *fakeLink) RemoteAddr() string { return "test" }

func (f *fakeLink) messages() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func testConfig() Config {
	return Config{
		PingInterval:   time.Hour,
		StaleTimeout:   time.Hour,
		HandoffTimeout: 10 * time.Millisecond,
		ScanDuration:   10 * time.Millisecond,
	}
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func TestAddNodeEvictsDuplicateNodeID(t *testing.T) {
	p := New(testConfig(), nil)
	a := &fakeLink{}
	b := &fakeLink{}

	p.AddNode("n1", a, "addr-a")
	p.AddNode("n1", b, "addr-b")

	p.mu.Lock()
	entry := p.nodes["n1"]
	count := len(p.nodes)
	p.mu.Unlock()

	if count != 1 {
		t.Fatalf("expected exactly one entry, got %d", count)
	}
	if entry.Link != Link(b) {
		t.Fatal("expected second registration's link to win")
	}
}

func TestTryPromoteRequiresBLEConnected(t *testing.T) {
	p := New(testConfig(), nil)
	a := &fakeLink{}
	p.AddNode("n1", a, "addr")

	p.TryPromote("n1")
	if p.ActiveNodeID() != "" {
		t.Fatal("expected no promotion without bleConnected")
	}
}

func TestTryPromoteSetsActiveNode(t *testing.T) {
	p := New(testConfig(), nil)
	a := &fakeLink{}
	p.AddNode("n1", a, "addr")
	p.Dispatch("n1", wire.Envelope{Type: wire.TypeStatus, BLEConnected: boolPtr(true)})

	if p.ActiveNodeID() != "n1" {
		t.Fatalf("ActiveNodeID() = %q, want n1", p.ActiveNodeID())
	}
}

func TestSecondNodeReportingConnectedIsToldToYield(t *testing.T) {
	p := New(testConfig(), nil)
	a := &fakeLink{}
	b := &fakeLink{}
	p.AddNode("a", a, "")
	p.AddNode("b", b, "")

	p.Dispatch("a", wire.Envelope{Type: wire.TypeStatus, BLEConnected: boolPtr(true)})
	p.Dispatch("b", wire.Envelope{Type: wire.TypeStatus, BLEConnected: boolPtr(true)})

	if p.ActiveNodeID() != "a" {
		t.Fatalf("ActiveNodeID() = %q, want a (first promoted stays active)", p.ActiveNodeID())
	}

	found := false
	for _, m := range b.messages() {
		if m.Type == wire.TypeDisconnectBLE {
			found = true
		}
	}
	if !found {
		t.Fatal("expected node b to receive disconnect_ble")
	}
}

func TestActiveNodeLosingBLEDemotesAndTriggersHandoff(t *testing.T) {
	p := New(testConfig(), nil)
	a := &fakeLink{}
	p.AddNode("a", a, "")
	p.Dispatch("a", wire.Envelope{Type: wire.TypeStatus, BLEConnected: boolPtr(true)})
	if p.ActiveNodeID() != "a" {
		t.Fatal("expected a to be active")
	}

	p.Dispatch("a", wire.Envelope{Type: wire.TypeStatus, BLEConnected: boolPtr(false)})
	if p.ActiveNodeID() != "" {
		t.Fatalf("expected no active node after demotion, got %q", p.ActiveNodeID())
	}

	time.Sleep(5 * time.Millisecond)
	found := false
	for _, m := range a.messages() {
		if m.Type == wire.TypeScan {
			found = true
		}
	}
	if !found {
		t.Fatal("expected handoff to broadcast a scan to remaining node")
	}
}

func TestTriggerHandoffOnEmptyPoolEmitsNoActive(t *testing.T) {
	p := New(testConfig(), nil)
	events := p.Subscribe()
	defer p.Unsubscribe(events)

	p.TriggerHandoff()

	select {
	case e := <-events:
		if e.Type != EventNoActive {
			t.Fatalf("got event %v, want EventNoActive", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected no:active event")
	}
}

func TestElectNodePicksLargestRSSI(t *testing.T) {
	p := New(testConfig(), nil)
	a := &fakeLink{}
	b := &fakeLink{}
	p.AddNode("a", a, "")
	p.AddNode("b", b, "")

	p.TriggerHandoff()

	p.Dispatch("a", wire.Envelope{Type: wire.TypeScanResult, Devices: []wire.ScanDevice{{RSSI: -70}}})
	p.Dispatch("b", wire.Envelope{Type: wire.TypeScanResult, Devices: []wire.ScanDevice{{RSSI: -50}}})

	// Election runs ScanDuration + 3s of network slack after the trigger.
	time.Sleep(p.config.ScanDuration + 3*time.Second + 50*time.Millisecond)

	found := false
	for _, m := range b.messages() {
		if m.Type == wire.TypeConnect {
			found = true
		}
	}
	if !found {
		t.Fatal("expected node b (-50 dBm, strongest) to receive connect")
	}
	for _, m := range a.messages() {
		if m.Type == wire.TypeConnect {
			t.Fatal("node a should not be elected over a stronger signal")
		}
	}
}

func TestSendCommandTimesOutWithoutReply(t *testing.T) {
	p := New(testConfig(), nil)
	a := &fakeLink{}
	p.AddNode("a", a, "")
	p.Dispatch("a", wire.Envelope{Type: wire.TypeStatus, BLEConnected: boolPtr(true)})

	start := time.Now()
	ok := p.sendCommandWithTimeout("aabbcc", 20*time.Millisecond)
	if ok {
		t.Fatal("expected command to fail without a reply")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("expected to wait out the timeout")
	}
}

func TestSendCommandResolvesOnCommandResult(t *testing.T) {
	p := New(testConfig(), nil)
	a := &fakeLink{}
	p.AddNode("a", a, "")
	p.Dispatch("a", wire.Envelope{Type: wire.TypeStatus, BLEConnected: boolPtr(true)})

	go func() {
		time.Sleep(5 * time.Millisecond)
		p.mu.Lock()
		var id int64
		for cmdID := range p.pendingCommands {
			id = cmdID
		}
		p.mu.Unlock()
		p.Dispatch("a", wire.Envelope{Type: wire.TypeCommandResult, ID: &id, Success: boolPtr(true)})
	}()

	if !p.SendCommand("aabbcc") {
		t.Fatal("expected command to succeed")
	}
}

func TestRequestBatteryFallsBackToLastKnownOnTimeout(t *testing.T) {
	p := New(testConfig(), nil)
	a := &fakeLink{}
	p.AddNode("a", a, "")
	p.Dispatch("a", wire.Envelope{Type: wire.TypeStatus, BLEConnected: boolPtr(true), Battery: intPtr(77)})

	level, ok := p.RequestBattery()
	if !ok || level != 77 {
		t.Fatalf("RequestBattery() = (%d, %v), want (77, true)", level, ok)
	}
}
