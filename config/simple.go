package config

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

// Connection identifiers produced by SimpleConfig.Expand.
const (
	InConnection  = "In"
	OutConnection = "Out"
)

// SimpleConnection is a connection plus the default channel for every queue
// bridged through it.
type SimpleConnection struct {
	ConnectionSpec `yaml:",inline"`
	Channel        string `json:"channel" yaml:"channel"`
}

// SimpleQueue is one shorthand pair. A bare string is accepted and names a
// queue with the same name on both sides.
type SimpleQueue struct {
	Queue               string `json:"queue" yaml:"queue"`
	OutboundQueue       string `json:"outboundQueue,omitempty" yaml:"outboundQueue,omitempty"`
	InboundChannel      string `json:"inboundChannel,omitempty" yaml:"inboundChannel,omitempty"`
	OutboundChannel     string `json:"outboundChannel,omitempty" yaml:"outboundChannel,omitempty"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds,omitempty" yaml:"pollIntervalSeconds,omitempty"`
}

type simpleQueueFields SimpleQueue

func (q *SimpleQueue) UnmarshalJSON(data []byte) error {
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, `"`) {
		*q = SimpleQueue{}
		return json.Unmarshal(data, &q.Queue)
	}
	return json.Unmarshal(data, (*simpleQueueFields)(q))
}

func (q *SimpleQueue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*q = SimpleQueue{Queue: node.Value}
		return nil
	}
	return node.Decode((*simpleQueueFields)(q))
}

// SimpleConfig is the reduced configuration form: one inbound and one
// outbound connection and a list of queues bridged between them.
type SimpleConfig struct {
	In                  SimpleConnection `json:"in" yaml:"in"`
	Out                 SimpleConnection `json:"out" yaml:"out"`
	PollIntervalSeconds int              `json:"pollIntervalSeconds,omitempty" yaml:"pollIntervalSeconds,omitempty"`
	Queues              []SimpleQueue    `json:"queues" yaml:"queues"`
}

// Expand rewrites the reduced form into the canonical BridgeConfig. Per-queue
// values win over the connection and top-level defaults.
func (s *SimpleConfig) Expand() *BridgeConfig {
	cfg := &BridgeConfig{
		Connections: map[string]ConnectionSpec{
			InConnection:  s.In.ConnectionSpec,
			OutConnection: s.Out.ConnectionSpec,
		},
		QueuePairs: make([]QueuePair, 0, len(s.Queues)),
	}

	for _, q := range s.Queues {
		inboundChannel := firstNonEmpty(q.InboundChannel, s.In.Channel)
		pair := QueuePair{
			InboundConnection:   InConnection,
			InboundChannel:      inboundChannel,
			InboundQueue:        q.Queue,
			OutboundConnection:  OutConnection,
			OutboundChannel:     firstNonEmpty(q.OutboundChannel, s.Out.Channel, inboundChannel),
			OutboundQueue:       firstNonEmpty(q.OutboundQueue, q.Queue),
			PollIntervalSeconds: q.PollIntervalSeconds,
		}
		if pair.PollIntervalSeconds == 0 {
			pair.PollIntervalSeconds = s.PollIntervalSeconds
		}
		cfg.QueuePairs = append(cfg.QueuePairs, pair)
	}

	return cfg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
