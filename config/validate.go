package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyPairs            = errors.New("at least one queue pair must be configured")
	ErrMissingConnection     = errors.New("missing connection keys")
	ErrMissingQueueName      = errors.New("queue pair is missing a queue name")
	ErrMissingChannelName    = errors.New("queue pair is missing a channel name")
	ErrInvalidConnectionName = errors.New("invalid connection name, expected host(port)")
	ErrInvalidTLS            = errors.New("invalid TLS configuration")
	ErrUnknownTransport      = errors.New("unknown transport")
)

// ValidationError reports the first configuration rule that failed.
type ValidationError struct {
	// Err is one of the Err* sentinels above.
	Err error
	// Keys holds the offending connection identifiers, if any.
	Keys []string
	// Pair is the index of the offending queue pair, -1 when not pair specific.
	Pair   int
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validate checks cfg rule by rule and returns the first failure.
func Validate(cfg *BridgeConfig) error {
	if cfg == nil || len(cfg.QueuePairs) == 0 {
		return &ValidationError{Err: ErrEmptyPairs, Pair: -1}
	}

	referenced := cfg.ReferencedConnections()

	var missing []string
	for _, id := range referenced {
		if _, ok := cfg.Connections[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{
			Err:    ErrMissingConnection,
			Keys:   missing,
			Pair:   -1,
			Detail: strings.Join(missing, ", "),
		}
	}

	for i, p := range cfg.QueuePairs {
		if p.InboundQueue == "" || p.OutboundQueue == "" {
			return &ValidationError{Err: ErrMissingQueueName, Pair: i, Detail: pairDetail(i, p)}
		}
	}

	for i, p := range cfg.QueuePairs {
		if p.InboundChannel == "" || p.OutboundChannel == "" {
			return &ValidationError{Err: ErrMissingChannelName, Pair: i, Detail: pairDetail(i, p)}
		}
	}

	for _, id := range referenced {
		spec := cfg.Connections[id]

		if _, _, err := ParseConnectionName(spec.ConnectionName); err != nil {
			return &ValidationError{
				Err:    ErrInvalidConnectionName,
				Keys:   []string{id},
				Pair:   -1,
				Detail: fmt.Sprintf("connection %s: %q", id, spec.ConnectionName),
			}
		}

		if spec.UseTLS {
			if _, err := resolveCipherSpec(spec.SslCipherSpec); err != nil {
				return &ValidationError{
					Err:    ErrInvalidTLS,
					Keys:   []string{id},
					Pair:   -1,
					Detail: fmt.Sprintf("connection %s: %v", id, err),
				}
			}
		}

		if spec.Transport != "" && !knownTransport(spec.Transport) {
			return &ValidationError{
				Err:    ErrUnknownTransport,
				Keys:   []string{id},
				Pair:   -1,
				Detail: fmt.Sprintf("connection %s: %q", id, spec.Transport),
			}
		}
	}

	return nil
}

func pairDetail(i int, p QueuePair) string {
	return fmt.Sprintf("pair %d (%s)", i, p.Name())
}

func knownTransport(name string) bool {
	switch strings.ToLower(name) {
	case TransportAMQP, TransportNATS, TransportSQLite:
		return true
	default:
		return false
	}
}
