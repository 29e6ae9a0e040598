package bridge

import (
	"bytes"

	"mq-bridge/backoff"
)

// State is the lifecycle position of a pair worker.
type State int

const (
	StateConnecting State = iota
	StateTransferring
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateTransferring:
		return "transferring"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event drives state transitions.
type Event int

const (
	// EventConnected: both queues are open.
	EventConnected Event = iota
	// EventMessage: one message was forwarded or discarded as a duplicate.
	EventMessage
	// EventIdle: the receive wait elapsed with no message.
	EventIdle
	// EventFailure: a transient error tore the session down.
	EventFailure
	// EventBackoffElapsed: the reconnect delay is over.
	EventBackoffElapsed
	// EventCancelled: shutdown was requested.
	EventCancelled
	// EventFatal: an error that retrying cannot fix.
	EventFatal
)

// Next is the worker transition function. Events that make no sense in the
// current state leave it unchanged.
func Next(s State, e Event) State {
	if s == StateStopped || e == EventCancelled || e == EventFatal {
		return StateStopped
	}

	switch s {
	case StateConnecting:
		switch e {
		case EventConnected:
			return StateTransferring
		case EventFailure:
			return StateBackoff
		}
	case StateTransferring:
		switch e {
		case EventMessage:
			return StateTransferring
		case EventIdle:
			return StateConnecting
		case EventFailure:
			return StateBackoff
		}
	case StateBackoff:
		if e == EventBackoffElapsed {
			return StateConnecting
		}
	}
	return s
}

// retryState walks the ladder across consecutive failures.
type retryState struct {
	ladder   backoff.Ladder
	index    int
	failures int
}

// Failure records one more consecutive failure and returns the delay to wait
// and whether it is the ladder maximum.
func (r *retryState) Failure() (delayIndex int, atMax bool) {
	if r.failures == 0 {
		r.index = 0
	} else {
		r.index = r.ladder.Next(r.index)
	}
	r.failures++
	return r.index, r.ladder.IsMax(r.index)
}

func (r *retryState) Reset() {
	r.index = 0
	r.failures = 0
}

// lastForwarded remembers the identifier of the last message committed to the
// outbound queue. One slot is enough because a pair never has more than one
// message in flight.
type lastForwarded struct {
	id []byte
}

func (l *lastForwarded) Seen(id []byte) bool {
	return len(id) > 0 && bytes.Equal(l.id, id)
}

func (l *lastForwarded) Record(id []byte) {
	l.id = append(l.id[:0], id...)
}
