// Package telemetry publishes a periodic, read-only snapshot of the
// node pool to an MQTT broker. It is a one-way egress path: nothing in
// the coordinator subscribes to or acts on anything arriving over MQTT.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nodewire/blearbiter/pkg/logger"
	"github.com/nodewire/blearbiter/pkg/nodepool"
)

// Config controls the MQTT publisher.
type Config struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Interval time.Duration
}

// DefaultConfig returns sensible defaults for the publisher.
func DefaultConfig() Config {
	return Config{
		ClientID: fmt.Sprintf("blearbiter-coordinator-%d", time.Now().Unix()),
		Topic:    "blearbiter/pool",
		QoS:      0,
		Interval: 10 * time.Second,
	}
}

// Snapshot is the published JSON document shape.
type Snapshot struct {
	ActiveNodeID string         `json:"activeNodeId"`
	Nodes        []nodeSnapshot `json:"nodes"`
	PublishedAt  time.Time      `json:"publishedAt"`
}

type nodeSnapshot struct {
	NodeID       string `json:"nodeId"`
	BLEConnected bool   `json:"bleConnected"`
	IsActive     bool   `json:"isActive"`
	Battery      *int   `json:"battery,omitempty"`
}

// Publisher periodically publishes pool snapshots to MQTT.
type Publisher struct {
	config Config
	pool   *nodepool.NodePool
	log    *logger.Logger
	client mqtt.Client
}

// NewPublisher connects to the broker and returns a Publisher, or an
// error if the initial connection fails.
func NewPublisher(config Config, pool *nodepool.NodePool, log *logger.Logger) (*Publisher, error) {
	defaults := DefaultConfig()
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.ClientID == "" {
		config.ClientID = defaults.ClientID
	}
	if config.Topic == "" {
		config.Topic = defaults.Topic
	}
	if log == nil {
		log = logger.Global()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(config.ClientID).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	return &Publisher{config: config, pool: pool, log: log, client: client}, nil
}

// Run publishes a snapshot every config.Interval until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.client.Disconnect(250)
			return
		case <-ticker.C:
			p.publishOnce()
		}
	}
}

func (p *Publisher) publishOnce() {
	nodes, active := p.pool.Snapshot()

	snap := Snapshot{
		ActiveNodeID: active,
		Nodes:        make([]nodeSnapshot, 0, len(nodes)),
		PublishedAt:  time.Now().UTC(),
	}
	for _, n := range nodes {
		snap.Nodes = append(snap.Nodes, nodeSnapshot{
			NodeID:       n.NodeID,
			BLEConnected: n.BLEConnected,
			IsActive:     n.IsActive,
			Battery:      n.LastBattery,
		})
	}

	data, err := json.Marshal(snap)
	if err != nil {
		p.log.Warn("failed to marshal pool snapshot", "error", err)
		return
	}

	token := p.client.Publish(p.config.Topic, p.config.QoS, false, data)
	token.WaitTimeout(2 * time.Second)
	if err := token.Error(); err != nil {
		p.log.Warn("failed to publish pool snapshot", "error", err)
	}
}

// Close disconnects the MQTT client.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
