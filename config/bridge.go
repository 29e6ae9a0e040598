package config

import (
	"fmt"
	"time"
)

// Transport names accepted in ConnectionSpec.Transport.
const (
	TransportAMQP   = "amqp"
	TransportNATS   = "nats"
	TransportSQLite = "sqlite"
)

// ConnectionSpec describes one broker endpoint.
type ConnectionSpec struct {
	// Transport selects the client implementation. Empty means the process
	// wide default transport.
	Transport        string `json:"transport,omitempty" yaml:"transport,omitempty"`
	QueueManagerName string `json:"queueManagerName" yaml:"queueManagerName"`
	// ConnectionName is host(port).
	ConnectionName string `json:"connectionName" yaml:"connectionName"`
	UserID         string `json:"userId" yaml:"userId"`
	Password       string `json:"password" yaml:"password"`

	UseTLS        bool   `json:"useTls" yaml:"useTls"`
	SslCipherSpec string `json:"sslCipherSpec,omitempty" yaml:"sslCipherSpec,omitempty"`
	// SslKeyRepository is a PEM bundle of trusted CA certificates.
	SslKeyRepository string `json:"sslKeyRepository,omitempty" yaml:"sslKeyRepository,omitempty"`
	SslPeerName      string `json:"sslPeerName,omitempty" yaml:"sslPeerName,omitempty"`
}

// QueuePair is one directional bridge from an inbound queue to an outbound queue.
type QueuePair struct {
	InboundConnection   string `json:"inboundConnection" yaml:"inboundConnection"`
	InboundChannel      string `json:"inboundChannel" yaml:"inboundChannel"`
	InboundQueue        string `json:"inboundQueue" yaml:"inboundQueue"`
	OutboundConnection  string `json:"outboundConnection" yaml:"outboundConnection"`
	OutboundChannel     string `json:"outboundChannel" yaml:"outboundChannel"`
	OutboundQueue       string `json:"outboundQueue" yaml:"outboundQueue"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds" yaml:"pollIntervalSeconds"`
}

// Name identifies the pair in logs, metrics and status output.
func (p QueuePair) Name() string {
	return fmt.Sprintf("%s:%s->%s:%s", p.InboundConnection, p.InboundQueue, p.OutboundConnection, p.OutboundQueue)
}

// PollInterval is the configured poll interval, zero when unset.
func (p QueuePair) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// BridgeConfig is the root aggregate: connection definitions and the pairs
// bridged between them.
type BridgeConfig struct {
	Connections map[string]ConnectionSpec `json:"connections" yaml:"connections"`
	QueuePairs  []QueuePair               `json:"queuePairs" yaml:"queuePairs"`
}

// Connection resolves a connection identifier.
func (c *BridgeConfig) Connection(id string) (ConnectionSpec, bool) {
	spec, ok := c.Connections[id]
	return spec, ok
}

// ReferencedConnections lists the connection identifiers used by the pairs,
// without duplicates, in order of first appearance.
func (c *BridgeConfig) ReferencedConnections() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, p := range c.QueuePairs {
		for _, id := range []string{p.InboundConnection, p.OutboundConnection} {
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
