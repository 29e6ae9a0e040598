package bridge

import (
	"context"
	"errors"
	"fmt"

	"mq-bridge/config"
	"mq-bridge/queue"
)

// Connector turns a connection definition into an open connection and queue.
type Connector struct {
	registry *queue.Registry
}

func NewConnector(registry *queue.Registry) *Connector {
	return &Connector{registry: registry}
}

// Params builds the transport parameters for spec on the given channel.
func Params(spec config.ConnectionSpec, channel string) (queue.ConnectParams, error) {
	host, port, err := config.ParseConnectionName(spec.ConnectionName)
	if err != nil {
		return queue.ConnectParams{}, err
	}

	tlsConf, err := spec.TLSConfig()
	if err != nil {
		return queue.ConnectParams{}, err
	}

	return queue.ConnectParams{
		QueueManager: spec.QueueManagerName,
		Host:         host,
		Port:         port,
		Channel:      channel,
		UserID:       spec.UserID,
		Password:     spec.Password,
		TLS:          tlsConf,
	}, nil
}

// Open connects to the broker described by spec and opens queueName in mode.
// The connection is closed again if the queue cannot be opened.
func (c *Connector) Open(ctx context.Context, spec config.ConnectionSpec, channel, queueName string, mode queue.OpenMode) (queue.Connection, queue.Queue, error) {
	params, err := Params(spec, channel)
	if err != nil {
		return nil, nil, err
	}

	conn, err := c.registry.Connect(ctx, spec.Transport, params)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s (%s:%d): %w", spec.QueueManagerName, params.Host, params.Port, err)
	}

	q, err := conn.OpenQueue(ctx, queueName, mode)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open %s queue %s: %w", mode, queueName, err)
	}

	return conn, q, nil
}

// isFatal reports errors that no amount of reconnecting will fix.
func isFatal(err error) bool {
	return errors.Is(err, config.ErrInvalidTLS) ||
		errors.Is(err, config.ErrInvalidConnectionName) ||
		errors.Is(err, queue.ErrUnknownTransport)
}
