// Package admin exposes an HTTP status surface over the coordinator's
// node pool and local BLE endpoint, plus one operator debug route for
// manually submitting a command frame outside the (out-of-scope)
// user-facing control API. Every observability route is a GET; the
// pool's election history is never persisted or replayed from here,
// only the current state.
package admin

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodewire/blearbiter/pkg/bleendpoint"
	"github.com/nodewire/blearbiter/pkg/codec"
	"github.com/nodewire/blearbiter/pkg/nodepool"
)

// Submitter is the command-submission surface exposed for operator
// debugging. *coordinator.Router satisfies it.
type Submitter interface {
	Submit(f codec.Frame) bool
}

// Server is the admin HTTP server.
type Server struct {
	pool  *nodepool.NodePool
	local *bleendpoint.Endpoint
	srv   *http.Server
}

// NewServer builds an admin server bound to addr. submitter may be nil,
// in which case the debug submit route is not registered.
func NewServer(addr string, pool *nodepool.NodePool, local *bleendpoint.Endpoint, submitter Submitter) *Server {
	s := &Server{pool: pool, local: local}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/nodes", s.handleNodes).Methods("GET")
	if submitter != nil {
		r.HandleFunc("/debug/submit", s.handleDebugSubmit(submitter)).Methods("POST")
	}

	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// ListenAndServe blocks serving admin HTTP requests until the server is
// stopped or an unrecoverable error occurs.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the admin server down.
func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type statusResponse struct {
	ActiveNodeID  string `json:"activeNodeId"`
	LocalBLEReady bool   `json:"localBleReady"`
	LocalBLEState string `json:"localBleState"`
	PoolSize      int    `json:"poolSize"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	nodes, active := s.pool.Snapshot()
	respondJSON(w, http.StatusOK, statusResponse{
		ActiveNodeID:  active,
		LocalBLEReady: s.local.Ready(),
		LocalBLEState: s.local.State().String(),
		PoolSize:      len(nodes),
	})
}

type nodeResponse struct {
	NodeID       string    `json:"nodeId"`
	BLEConnected bool      `json:"bleConnected"`
	Battery      *int      `json:"battery,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`
	IsActive     bool      `json:"isActive"`
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes, active := s.pool.Snapshot()

	out := make([]nodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeResponse{
			NodeID:       n.NodeID,
			BLEConnected: n.BLEConnected,
			Battery:      n.LastBattery,
			LastSeen:     n.LastSeen,
			IsActive:     n.NodeID == active,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type submitRequest struct {
	FrameHex string `json:"frameHex"`
}

func (s *Server) handleDebugSubmit(submitter Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var req submitRequest
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON")
			return
		}

		frame, err := hex.DecodeString(req.FrameHex)
		if err != nil {
			respondError(w, http.StatusBadRequest, "frameHex is not valid hex")
			return
		}

		ok := submitter.Submit(codec.Frame(frame))
		respondJSON(w, http.StatusOK, map[string]bool{"submitted": ok})
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
