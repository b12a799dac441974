package coordinator

import (
	"encoding/hex"
	"time"

	"github.com/nodewire/blearbiter/pkg/audit"
	"github.com/nodewire/blearbiter/pkg/bleendpoint"
	"github.com/nodewire/blearbiter/pkg/codec"
	"github.com/nodewire/blearbiter/pkg/logger"
	"github.com/nodewire/blearbiter/pkg/metrics"
	"github.com/nodewire/blearbiter/pkg/nodepool"
)

// commandDoubleSendGap is the delay between the first and second write of
// a shock-class command frame.
const commandDoubleSendGap = 300 * time.Millisecond

// Router implements the coordinator's command-submission interface,
// preferring the local BLE endpoint and falling back to the active
// forwarder agent. It is the boundary the out-of-scope user-facing
// control API would call into.
type Router struct {
	local *bleendpoint.Endpoint
	pool  *nodepool.NodePool
	log   *logger.Logger
	trail *audit.Trail
}

// NewRouter builds a Router over the coordinator's own endpoint and pool.
// trail may be nil, in which case completed submissions go unrecorded.
func NewRouter(local *bleendpoint.Endpoint, pool *nodepool.NodePool, log *logger.Logger, trail *audit.Trail) *Router {
	if log == nil {
		log = logger.Global()
	}
	return &Router{local: local, pool: pool, log: log, trail: trail}
}

// Submit routes one frame to whichever endpoint currently holds the
// device, writing shock-class command frames twice with a 300ms gap.
func (r *Router) Submit(f codec.Frame) bool {
	if r.local.Ready() {
		metrics.SetActiveEndpoint(metrics.ActiveLocal)
		return r.writeLocal(f)
	}
	if r.pool.ActiveNodeID() == "" {
		metrics.SetActiveEndpoint(metrics.ActiveNone)
		return false
	}
	metrics.SetActiveEndpoint(metrics.ActiveRemote)
	return r.sendRemote(f)
}

func (r *Router) writeLocal(f codec.Frame) bool {
	ok := r.local.Write(f)
	recordCommand(metrics.EndpointLocal, ok)
	r.record(audit.EndpointLocal, f, ok)
	if ok && codec.IsCommandFrame(f) {
		go func() {
			time.Sleep(commandDoubleSendGap)
			r.local.Write(f)
		}()
	}
	return ok
}

func (r *Router) sendRemote(f codec.Frame) bool {
	data := hex.EncodeToString(f)
	ok := r.pool.SendCommand(data)
	recordCommand(metrics.EndpointRemote, ok)
	r.record(audit.EndpointRemote, f, ok)
	if ok && codec.IsCommandFrame(f) {
		go func() {
			time.Sleep(commandDoubleSendGap)
			r.pool.SendCommand(data)
		}()
	}
	return ok
}

func (r *Router) record(endpoint string, f codec.Frame, ok bool) {
	if r.trail == nil {
		return
	}
	if err := r.trail.RecordCommand(endpoint, f, ok); err != nil {
		r.log.Warn("failed to record command to audit trail", "error", err)
	}
}

func recordCommand(endpoint string, ok bool) {
	result := metrics.ResultFailure
	if ok {
		result = metrics.ResultSuccess
	}
	metrics.IncCommand(endpoint, result)
}

// RequestBattery prefers the local endpoint's last known reading, else
// queries the active agent.
func (r *Router) RequestBattery() (int, bool) {
	if r.local.Ready() {
		return r.local.LastBattery()
	}
	if r.pool.ActiveNodeID() == "" {
		return 0, false
	}
	return r.pool.RequestBattery()
}

// RequestRSSI prefers a live local reading, else queries the active
// agent.
func (r *Router) RequestRSSI() (int, bool) {
	if r.local.Ready() {
		return r.local.ReadRSSI()
	}
	if r.pool.ActiveNodeID() == "" {
		return 0, false
	}
	return r.pool.RequestRSSI()
}
