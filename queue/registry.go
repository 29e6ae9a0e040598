package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownTransport is returned when no transport is registered under a name.
var ErrUnknownTransport = errors.New("queue: unknown transport")

// Registry resolves transports by the name used in connection definitions.
type Registry struct {
	transports map[string]Transport
	fallback   string
}

// NewRegistry creates an empty registry. fallback names the transport used
// when a connection does not specify one.
func NewRegistry(fallback string) *Registry {
	return &Registry{
		transports: make(map[string]Transport),
		fallback:   fallback,
	}
}

// Register adds or replaces a transport.
func (r *Registry) Register(name string, t Transport) {
	r.transports[strings.ToLower(name)] = t
}

// Lookup returns the transport registered under name.
func (r *Registry) Lookup(name string) (Transport, error) {
	if name == "" {
		name = r.fallback
	}
	t, ok := r.transports[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
	return t, nil
}

// Names lists the registered transports in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect resolves the named transport and connects through it.
func (r *Registry) Connect(ctx context.Context, name string, params ConnectParams) (Connection, error) {
	t, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return t.Connect(ctx, params)
}
