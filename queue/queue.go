// Package queue defines the transactional queue resource the bridge moves
// messages through. Transports (rabbitmq, nats, storage) implement it.
package queue

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MessageIDLength is the length of identifiers assigned by the local transports.
const MessageIDLength = 24

var (
	// ErrNotConnected is returned by operations on a closed connection.
	ErrNotConnected = errors.New("queue: not connected")
	// ErrWrongMode is returned when receiving from an output queue or sending to an input queue.
	ErrWrongMode = errors.New("queue: operation not allowed in this open mode")
	// ErrUnknownQueue is returned when the named queue does not exist on the broker.
	ErrUnknownQueue = errors.New("queue: unknown queue")
	// ErrQueueFull is returned when a put would exceed the queue's maximum depth.
	ErrQueueFull = errors.New("queue: queue full")
	// ErrMessageTooLarge is returned when a payload exceeds the queue's maximum message length.
	ErrMessageTooLarge = errors.New("queue: message too large for queue")
)

// OpenMode selects how a queue handle is opened.
type OpenMode int

const (
	ModeInput OpenMode = iota
	ModeOutput
)

func (m OpenMode) String() string {
	switch m {
	case ModeInput:
		return "input"
	case ModeOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Message is one broker message. ID is assigned by the broker and is only used
// for duplicate detection.
type Message struct {
	ID            []byte
	CorrelationID []byte
	Payload       []byte
	Properties    map[string]string
}

// ReceiveStatus tags the outcome of a receive.
type ReceiveStatus int

const (
	// ReceiveEmpty means no message arrived within the wait interval.
	ReceiveEmpty ReceiveStatus = iota
	// ReceiveMessage means Message holds a message under the open unit of work.
	ReceiveMessage
)

// ReceiveResult is either a message or the empty signal.
type ReceiveResult struct {
	Status  ReceiveStatus
	Message *Message
}

// Empty is the idle receive result.
func Empty() ReceiveResult {
	return ReceiveResult{Status: ReceiveEmpty}
}

// Received wraps a message in a receive result.
func Received(msg *Message) ReceiveResult {
	return ReceiveResult{Status: ReceiveMessage, Message: msg}
}

// ConnectParams is everything a transport needs to reach one broker endpoint.
type ConnectParams struct {
	QueueManager string
	Host         string
	Port         int
	Channel      string
	UserID       string
	Password     string
	// TLS is nil when TLS is disabled.
	TLS *tls.Config
}

// Transport opens transactional connections to a broker.
type Transport interface {
	Connect(ctx context.Context, params ConnectParams) (Connection, error)
}

// Connection is a transactional session with one broker. Receives and sends
// made through its queues are provisional until Commit and reversed by Backout.
type Connection interface {
	OpenQueue(ctx context.Context, name string, mode OpenMode) (Queue, error)
	Commit(ctx context.Context) error
	Backout(ctx context.Context) error
	IsConnected() bool
	Close() error
}

// Queue is an open queue handle.
type Queue interface {
	// Receive waits up to wait for a message. A timeout is reported as
	// ReceiveEmpty, not as an error.
	Receive(ctx context.Context, wait time.Duration) (ReceiveResult, error)
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// NewMessageID returns a fresh broker-style identifier: 16 random bytes
// followed by the big-endian creation time in nanoseconds.
func NewMessageID() []byte {
	id := make([]byte, MessageIDLength)
	u := uuid.New()
	copy(id, u[:])
	binary.BigEndian.PutUint64(id[16:], uint64(time.Now().UnixNano()))
	return id
}
