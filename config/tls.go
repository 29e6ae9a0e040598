package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
)

type cipherSelection struct {
	minVersion uint16
	maxVersion uint16
	suites     []uint16
}

// resolveCipherSpec maps a cipher spec name onto Go TLS settings. The ANY_*
// family selects a protocol floor; anything else must name a cipher suite Go
// supports, with or without the TLS_ prefix and the WITH_ infix.
func resolveCipherSpec(spec string) (cipherSelection, error) {
	name := strings.ToUpper(strings.TrimSpace(spec))

	switch name {
	case "":
		return cipherSelection{}, errors.New("cipher spec is required when TLS is enabled")
	case "ANY", "ANY_TLS12", "ANY_TLS12_OR_HIGHER":
		return cipherSelection{minVersion: tls.VersionTLS12}, nil
	case "ANY_TLS13", "ANY_TLS13_OR_HIGHER":
		return cipherSelection{minVersion: tls.VersionTLS13}, nil
	}

	want := normalizeCipherName(name)
	for _, suite := range tls.CipherSuites() {
		if normalizeCipherName(suite.Name) != want {
			continue
		}
		if slices.Equal(suite.SupportedVersions, []uint16{tls.VersionTLS13}) {
			// Go does not allow restricting TLS 1.3 suites, pin the version instead.
			return cipherSelection{minVersion: tls.VersionTLS13, maxVersion: tls.VersionTLS13}, nil
		}
		return cipherSelection{
			minVersion: tls.VersionTLS12,
			maxVersion: tls.VersionTLS12,
			suites:     []uint16{suite.ID},
		}, nil
	}

	return cipherSelection{}, fmt.Errorf("unsupported cipher spec %q", spec)
}

func normalizeCipherName(name string) string {
	name = strings.TrimPrefix(strings.ToUpper(name), "TLS_")
	return strings.Replace(name, "WITH_", "", 1)
}

// TLSConfig builds the client TLS configuration for the connection, or nil
// when TLS is disabled.
func (c ConnectionSpec) TLSConfig() (*tls.Config, error) {
	if !c.UseTLS {
		return nil, nil
	}

	sel, err := resolveCipherSpec(c.SslCipherSpec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTLS, err)
	}

	conf := &tls.Config{
		MinVersion:   sel.minVersion,
		MaxVersion:   sel.maxVersion,
		CipherSuites: sel.suites,
		ServerName:   c.SslPeerName,
	}

	if c.SslKeyRepository != "" {
		pem, err := os.ReadFile(c.SslKeyRepository)
		if err != nil {
			return nil, fmt.Errorf("%w: read key repository: %w", ErrInvalidTLS, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrInvalidTLS, c.SslKeyRepository)
		}
		conf.RootCAs = pool
	}

	return conf, nil
}
