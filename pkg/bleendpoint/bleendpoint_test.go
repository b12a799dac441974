package bleendpoint

import (
	"testing"

	"github.com/nodewire/blearbiter/pkg/codec"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateIdle:         "idle",
		StateConnecting:   "connecting",
		StateDiscovering:  "discovering",
		StateReady:        "ready",
		StateDisconnected: "disconnected",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestMatchesNamePattern(t *testing.T) {
	cases := []struct {
		name     string
		patterns []string
		want     bool
	}{
		{"Shock-Collar-01", []string{"shock-collar"}, true},
		{"SHOCK-COLLAR-01", []string{"shock-collar"}, true},
		{"Some Other Device", []string{"shock-collar"}, false},
		{"", []string{"shock-collar"}, false},
		{"Collar", []string{}, false},
		{"Collar", []string{""}, false},
	}
	for _, c := range cases {
		if got := matchesNamePattern(c.name, c.patterns); got != c.want {
			t.Fatalf("matchesNamePattern(%q, %v) = %v, want %v", c.name, c.patterns, got, c.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ScanDuration <= 0 || cfg.ReconnectDelay <= 0 || cfg.BatteryCheckInterval <= 0 {
		t.Fatalf("expected positive defaults, got %+v", cfg)
	}
}

func TestNewFillsZeroDurationsFromDefaults(t *testing.T) {
	e := New(Config{})
	if e.config.ScanDuration != DefaultConfig().ScanDuration {
		t.Fatalf("expected ScanDuration default to be applied")
	}
	if e.config.ReconnectDelay != DefaultConfig().ReconnectDelay {
		t.Fatalf("expected ReconnectDelay default to be applied")
	}
	if e.config.BatteryCheckInterval != DefaultConfig().BatteryCheckInterval {
		t.Fatalf("expected BatteryCheckInterval default to be applied")
	}
}

func TestWriteFailsWhenNotReady(t *testing.T) {
	e := New(Config{})
	if e.Write(codec.EncodeFind()) {
		t.Fatal("expected Write to fail when endpoint is not ready")
	}
}

func TestReadRSSIFailsWhenNotReady(t *testing.T) {
	e := New(Config{})
	if _, ok := e.ReadRSSI(); ok {
		t.Fatal("expected ReadRSSI to fail when endpoint is not ready")
	}
}

func TestLastBatteryUnknownInitially(t *testing.T) {
	e := New(Config{})
	if _, ok := e.LastBattery(); ok {
		t.Fatal("expected no battery reading before any notification")
	}
}

func TestOnNotificationUpdatesLastBattery(t *testing.T) {
	e := New(Config{})
	e.onNotification([]byte{0xAA, 0x07, 0x00, 0x00, 0x00, 0x4B, 0xBB})
	level, ok := e.LastBattery()
	if !ok || level != 0x4B {
		t.Fatalf("LastBattery() = (%d, %v), want (75, true)", level, ok)
	}
}

func TestOnNotificationIgnoresNonBatteryFrames(t *testing.T) {
	e := New(Config{})
	e.onNotification([]byte{0xEE, 0x02, 0xBB})
	if _, ok := e.LastBattery(); ok {
		t.Fatal("expected non-battery notification to be ignored")
	}
}
