package coordinator

import (
	"testing"

	"github.com/nodewire/blearbiter/pkg/bleendpoint"
	"github.com/nodewire/blearbiter/pkg/codec"
	"github.com/nodewire/blearbiter/pkg/nodepool"
)

func TestSubmitReturnsFalseWithNoPath(t *testing.T) {
	local := bleendpoint.New(bleendpoint.Config{})
	pool := nodepool.New(nodepool.DefaultConfig(), nil)
	r := NewRouter(local, pool, nil, nil)

	if r.Submit(codec.EncodeCommand(50, 0, 0)) {
		t.Fatal("expected submit to fail with neither local nor remote path available")
	}
}

func TestRequestBatteryReturnsFalseWithNoPath(t *testing.T) {
	local := bleendpoint.New(bleendpoint.Config{})
	pool := nodepool.New(nodepool.DefaultConfig(), nil)
	r := NewRouter(local, pool, nil, nil)

	if _, ok := r.RequestBattery(); ok {
		t.Fatal("expected no battery reading with no path available")
	}
}

func TestRequestRSSIReturnsFalseWithNoPath(t *testing.T) {
	local := bleendpoint.New(bleendpoint.Config{})
	pool := nodepool.New(nodepool.DefaultConfig(), nil)
	r := NewRouter(local, pool, nil, nil)

	if _, ok := r.RequestRSSI(); ok {
		t.Fatal("expected no RSSI reading with no path available")
	}
}
