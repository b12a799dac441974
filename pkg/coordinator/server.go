// Package coordinator hosts the agent-facing channel server and the
// command routing layer that together with pkg/nodepool form the
// coordinator core: the agent-facing WebSocket server.
package coordinator

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodewire/blearbiter/pkg/bleendpoint"
	"github.com/nodewire/blearbiter/pkg/logger"
	"github.com/nodewire/blearbiter/pkg/nodepool"
	"github.com/nodewire/blearbiter/pkg/wire"
)

var (
	errWriterClosed   = errors.New("coordinator: link closed")
	errSendBufferFull = errors.New("coordinator: send buffer full")
)

// ServerConfig configures the agent channel server.
type ServerConfig struct {
	BindAddr         string
	Path             string
	Token            string
	JWTSecret        string
	HandshakeTimeout time.Duration
}

// DefaultServerConfig returns spec-documented defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BindAddr:         ":8090",
		Path:             "/agent",
		HandshakeTimeout: 5 * time.Second,
	}
}

// Server accepts forwarder agent links and feeds them to a NodePool.
type Server struct {
	config   ServerConfig
	pool     *nodepool.NodePool
	verifier *wire.TokenVerifier
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewServer builds the agent channel server.
func NewServer(config ServerConfig, pool *nodepool.NodePool, log *logger.Logger) *Server {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = DefaultServerConfig().HandshakeTimeout
	}
	if log == nil {
		log = logger.Global()
	}
	return &Server{
		config:   config,
		pool:     pool,
		verifier: wire.NewTokenVerifier(config.Token, config.JWTSecret),
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler to mount at config.Path.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	link := newAgentLink(conn)
	go link.writePump()

	nodeID, ok := s.handshake(conn, link)
	if !ok {
		link.Close()
		return
	}

	conn.SetPongHandler(func(string) error {
		s.pool.HandlePong(nodeID)
		return nil
	})

	s.pool.AddNode(nodeID, link, link.RemoteAddr())

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.pool.RemoveNode(nodeID)
			return
		}

		env, err := wire.Decode(raw)
		if err != nil {
			continue // malformed: discard, never close the link
		}
		s.pool.Dispatch(nodeID, env)
	}
}

// handshake enforces the protocol rule that the first message must be auth
// within the handshake window, and a bad token closes the link.
func (s *Server) handshake(conn *websocket.Conn, link *agentLink) (string, bool) {
	conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}

	env, err := wire.Decode(raw)
	if err != nil || env.Type != wire.TypeAuth {
		s.rejectAuth(link)
		return "", false
	}

	if !s.verifier.Verify(env.Token) {
		s.rejectAuth(link)
		return "", false
	}

	nodeID := env.NodeID
	if nodeID == "" {
		nodeID = generateNodeID()
	}

	success := true
	link.Send(wire.Envelope{Type: wire.TypeAuthResult, Success: &success})
	return nodeID, true
}

func (s *Server) rejectAuth(link *agentLink) {
	failure := false
	link.Send(wire.Envelope{Type: wire.TypeAuthResult, Success: &failure})
}

// LocalEndpointEventHandler wires a coordinator's own BLE endpoint into
// nothing more than logging: the local endpoint is never enrolled in the
// NodePool (LocalEndpointState), so its transitions only
// drive the routing layer's own ready check.
type LocalEndpointEventHandler struct {
	log *logger.Logger
}

// NewLocalEndpointEventHandler builds a handler for the coordinator's own
// endpoint, purely for observability.
func NewLocalEndpointEventHandler(log *logger.Logger) *LocalEndpointEventHandler {
	if log == nil {
		log = logger.Global()
	}
	return &LocalEndpointEventHandler{log: log}
}

// OnEvent implements bleendpoint.EventHandler.
func (h *LocalEndpointEventHandler) OnEvent(e bleendpoint.Event) {
	switch e.Type {
	case bleendpoint.EventConnected:
		h.log.Info("local endpoint connected")
	case bleendpoint.EventDisconnected:
		h.log.Info("local endpoint disconnected")
	case bleendpoint.EventBattery:
		h.log.Debug("local endpoint battery", "level", e.Battery)
	}
}
