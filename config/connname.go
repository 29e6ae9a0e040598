package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseConnectionName splits an endpoint written as host(port). The host is
// everything before the first '(' and the port is the integer between it and
// the matching ')'.
func ParseConnectionName(name string) (string, int, error) {
	start := strings.IndexByte(name, '(')
	if start < 0 {
		return "", 0, fmt.Errorf("%w: %q has no port", ErrInvalidConnectionName, name)
	}

	end := strings.IndexByte(name[start+1:], ')')
	if end < 0 {
		return "", 0, fmt.Errorf("%w: %q is missing ')'", ErrInvalidConnectionName, name)
	}
	end += start + 1

	host := strings.TrimSpace(name[:start])
	if host == "" {
		return "", 0, fmt.Errorf("%w: %q has an empty host", ErrInvalidConnectionName, name)
	}

	port, err := strconv.Atoi(strings.TrimSpace(name[start+1 : end]))
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w: %q has an invalid port", ErrInvalidConnectionName, name)
	}

	return host, port, nil
}
