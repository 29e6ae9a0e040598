package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mq-bridge/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, "bridge.yaml", `
simpleBridge:
  in:
    queueManagerName: QM1
    connectionName: mq1.local(1414)
    channel: DEV.APP.SVRCONN
  out:
    queueManagerName: QM2
    connectionName: mq2.local(1414)
  queues:
    - ORDERS
    - queue: INVOICES
      outboundQueue: INVOICES.COPY
`)

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid: 2 pairs, 2 connections")
	assert.Contains(t, out, "In:INVOICES->Out:INVOICES.COPY")
}

func TestValidateCommandReportsMissingConnections(t *testing.T) {
	path := writeConfig(t, "bridge.json", `{
  "mqBridge": {
    "connections": {},
    "queuePairs": [{
      "inboundConnection": "A", "inboundChannel": "CH", "inboundQueue": "Q",
      "outboundConnection": "B", "outboundChannel": "CH", "outboundQueue": "Q"
    }]
  }
}`)

	_, err := execute(t, "validate", "--config", path)
	require.ErrorIs(t, err, config.ErrMissingConnection)
	assert.Contains(t, err.Error(), "A, B")
}

func TestLadderCommand(t *testing.T) {
	out, err := execute(t, "ladder")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 10)
	assert.Contains(t, lines[0], "5000 ms")
	assert.Contains(t, lines[1], "7030 ms")
	assert.Contains(t, lines[9], "1800000 ms")

	_, err = execute(t, "ladder", "--min", "10", "--max", "5")
	require.Error(t, err)
}

func TestLocalQueueCommands(t *testing.T) {
	dir := t.TempDir()
	local := func(args ...string) string {
		t.Helper()
		out, err := execute(t, append([]string{"local", "--data-dir", dir, "--qm", "QM1"}, args...)...)
		require.NoError(t, err)
		return out
	}

	assert.Contains(t, local("define", "IN", "--max-depth", "10", "--max-length", "64"), "max depth 10")

	id := strings.TrimSpace(local("put", "IN", "hello", "--correlation-id", "C1", "--property", "origin=billing"))
	assert.Len(t, id, 48)
	local("put", "IN", "world")

	assert.Equal(t, "2\n", local("depth", "IN"))
	assert.Equal(t, "IN\t2\n", local("depth"))

	drained := local("drain", "IN", "--limit", "1")
	assert.Equal(t, id+"\tcorrelation=C1\thello\n", drained)
	assert.Equal(t, "1\n", local("depth", "IN"))

	_, err := execute(t, "local", "--data-dir", dir, "depth", "IN")
	require.Error(t, err, "--qm is required")
}
