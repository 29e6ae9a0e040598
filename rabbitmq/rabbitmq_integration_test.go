//go:build integration

package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"mq-bridge/queue"

	"github.com/docker/go-connections/nat"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	rabbitImage = "rabbitmq:3-management-alpine"
	rabbitPort  = "5672/tcp"
)

func startRabbit(t *testing.T) queue.ConnectParams {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        rabbitImage,
		ExposedPorts: []string{rabbitPort},
		WaitingFor: wait.ForLog("Server startup complete").
			WithStartupTimeout(90 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(rabbitPort))
	require.NoError(t, err)
	port, err := strconv.Atoi(mapped.Port())
	require.NoError(t, err)

	return queue.ConnectParams{
		QueueManager: "QM1",
		Host:         host,
		Port:         port,
		Channel:      "/",
		UserID:       "guest",
		Password:     "guest",
	}
}

func connect(t *testing.T, tr *Transport, params queue.ConnectParams) queue.Connection {
	t.Helper()
	conn, err := tr.Connect(context.Background(), params)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func depthOf(t *testing.T, params queue.ConnectParams, name string) int {
	t.Helper()
	conn, err := amqp091.Dial(URL(params))
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	n, err := Depth(ch, name)
	require.NoError(t, err)
	return n
}

func TestTransactionalTransfer(t *testing.T) {
	ctx := context.Background()
	params := startRabbit(t)
	tr := New(slog.New(slog.NewTextHandler(io.Discard, nil)), true)

	producer := connect(t, tr, params)
	out, err := producer.OpenQueue(ctx, "BRIDGE.IN", queue.ModeOutput)
	require.NoError(t, err)

	require.NoError(t, out.Send(ctx, &queue.Message{ID: []byte("M1"), CorrelationID: []byte("C1"), Payload: []byte("hello")}))
	assert.Zero(t, depthOf(t, params, "BRIDGE.IN"), "uncommitted publish must not be visible")
	require.NoError(t, producer.Commit(ctx))
	require.Eventually(t, func() bool { return depthOf(t, params, "BRIDGE.IN") == 1 }, 10*time.Second, 100*time.Millisecond)

	consumer := connect(t, tr, params)
	in, err := consumer.OpenQueue(ctx, "BRIDGE.IN", queue.ModeInput)
	require.NoError(t, err)

	res, err := in.Receive(ctx, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, queue.ReceiveMessage, res.Status)
	assert.Equal(t, "hello", string(res.Message.Payload))
	assert.Equal(t, "C1", string(res.Message.CorrelationID))

	require.NoError(t, consumer.Backout(ctx))

	res, err = in.Receive(ctx, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, queue.ReceiveMessage, res.Status, "backed out message is redelivered")
	assert.Equal(t, "M1", string(res.Message.ID))
	require.NoError(t, consumer.Commit(ctx))

	res, err = in.Receive(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, queue.ReceiveEmpty, res.Status)
}

func TestOpenUnknownQueue(t *testing.T) {
	params := startRabbit(t)
	tr := New(slog.New(slog.NewTextHandler(io.Discard, nil)), false)

	conn := connect(t, tr, params)
	_, err := conn.OpenQueue(context.Background(), "NOPE", queue.ModeInput)
	require.ErrorIs(t, err, queue.ErrUnknownQueue)
	assert.Eventually(t, func() bool { return !conn.IsConnected() }, 5*time.Second, 50*time.Millisecond)
}
