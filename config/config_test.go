package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const canonicalJSON = `{
  "logLevel": "debug",
  "backoffMaxSeconds": 600,
  "mqBridge": {
    "connections": {
      "A": {"queueManagerName": "QM1", "connectionName": "a(1414)", "userId": "app", "password": "secret"},
      "B": {"transport": "sqlite", "queueManagerName": "QM2", "connectionName": "localhost(1)"}
    },
    "queuePairs": [
      {
        "inboundConnection": "A", "inboundChannel": "CH1", "inboundQueue": "Q.IN",
        "outboundConnection": "B", "outboundChannel": "CH2", "outboundQueue": "Q.OUT",
        "pollIntervalSeconds": 10
      }
    ]
  }
}`

const simpleYAML = `
logFormat: text
failurePolicy: cancel-all
simpleBridge:
  in:
    queueManagerName: QM1
    connectionName: in-host(1414)
    channel: IN.CHL
    useTls: true
    sslCipherSpec: ANY_TLS12
  out:
    transport: nats
    queueManagerName: QM2
    connectionName: out-host(4222)
    channel: OUT.CHL
  pollIntervalSeconds: 20
  queues:
    - ORDERS
    - queue: INVOICES
      outboundQueue: INVOICES.ARCHIVE
      outboundChannel: ARCHIVE.CHL
      pollIntervalSeconds: 5
`

func TestLoad(t *testing.T) {
	t.Run("canonical json", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "bridge.json", canonicalJSON))
		require.NoError(t, err)

		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 5, cfg.BackoffMinSeconds)
		assert.Equal(t, 600, cfg.BackoffMaxSeconds)
		assert.Equal(t, PolicyIsolate, cfg.FailurePolicy)
		assert.Equal(t, "json", cfg.LogFormat)
		assert.Equal(t, ":8080", cfg.MetricsAddr)

		bridge, err := cfg.Bridge()
		require.NoError(t, err)
		require.NoError(t, Validate(bridge))
		require.Len(t, bridge.QueuePairs, 1)
		assert.Equal(t, "app", bridge.Connections["A"].UserID)
		assert.Equal(t, TransportSQLite, bridge.Connections["B"].Transport)
		assert.Equal(t, 10, bridge.QueuePairs[0].PollIntervalSeconds)
		assert.Equal(t, "A:Q.IN->B:Q.OUT", bridge.QueuePairs[0].Name())
	})

	t.Run("simple yaml", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "bridge.yaml", simpleYAML))
		require.NoError(t, err)

		assert.Equal(t, "text", cfg.LogFormat)
		assert.Equal(t, PolicyCancelAll, cfg.FailurePolicy)

		bridge, err := cfg.Bridge()
		require.NoError(t, err)
		require.NoError(t, Validate(bridge))

		assert.True(t, bridge.Connections[InConnection].UseTLS)
		assert.Equal(t, TransportNATS, bridge.Connections[OutConnection].Transport)

		require.Len(t, bridge.QueuePairs, 2)
		assert.Equal(t, QueuePair{
			InboundConnection:   InConnection,
			InboundChannel:      "IN.CHL",
			InboundQueue:        "ORDERS",
			OutboundConnection:  OutConnection,
			OutboundChannel:     "OUT.CHL",
			OutboundQueue:       "ORDERS",
			PollIntervalSeconds: 20,
		}, bridge.QueuePairs[0])
		assert.Equal(t, QueuePair{
			InboundConnection:   InConnection,
			InboundChannel:      "IN.CHL",
			InboundQueue:        "INVOICES",
			OutboundConnection:  OutConnection,
			OutboundChannel:     "ARCHIVE.CHL",
			OutboundQueue:       "INVOICES.ARCHIVE",
			PollIntervalSeconds: 5,
		}, bridge.QueuePairs[1])
	})

	t.Run("simple json accepts bare queue names", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "bridge.json", `{
			"simpleBridge": {
				"in": {"queueManagerName": "QM1", "connectionName": "a(1)", "channel": "C1"},
				"out": {"queueManagerName": "QM2", "connectionName": "b(2)", "channel": "C2"},
				"queues": ["Q1", {"queue": "Q2", "outboundQueue": "Q2.OUT"}]
			}
		}`))
		require.NoError(t, err)

		bridge, err := cfg.Bridge()
		require.NoError(t, err)
		require.Len(t, bridge.QueuePairs, 2)
		assert.Equal(t, "Q1", bridge.QueuePairs[0].OutboundQueue)
		assert.Equal(t, "Q2.OUT", bridge.QueuePairs[1].OutboundQueue)
		assert.Equal(t, "C2", bridge.QueuePairs[1].OutboundChannel)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("MQBRIDGE_LOG_LEVEL", "warn")
		t.Setenv("MQBRIDGE_BACKOFF_MIN_SECONDS", "2")
		t.Setenv("MQBRIDGE_SHUTDOWN_TIMEOUT_SECONDS", "7")
		t.Setenv("MQBRIDGE_METRICS_ADDR", "")

		cfg, err := Load(writeFile(t, "bridge.json", canonicalJSON))
		require.NoError(t, err)

		assert.Equal(t, "warn", cfg.LogLevel)
		assert.Equal(t, 2, cfg.BackoffMinSeconds)
		assert.Equal(t, 600, cfg.BackoffMaxSeconds)
		assert.Equal(t, 7, cfg.ShutdownTimeout)
		assert.Empty(t, cfg.MetricsAddr)
	})

	t.Run("both bridge forms", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "bridge.yml", "mqBridge: {}\nsimpleBridge: {}\n"))
		require.NoError(t, err)

		_, err = cfg.Bridge()
		assert.ErrorIs(t, err, ErrAmbiguousBridge)
	})

	t.Run("no bridge section fails validation", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "bridge.json", `{"metricsAddr": ":9090"}`))
		require.NoError(t, err)

		bridge, err := cfg.Bridge()
		require.NoError(t, err)
		assert.ErrorIs(t, Validate(bridge), ErrEmptyPairs)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("malformed file", func(t *testing.T) {
		_, err := Load(writeFile(t, "bridge.json", "{"))
		assert.Error(t, err)
	})

	t.Run("invalid settings", func(t *testing.T) {
		_, err := Load(writeFile(t, "bridge.json", `{"failurePolicy": "panic"}`))
		assert.ErrorContains(t, err, "unknown failure policy")
	})
}
