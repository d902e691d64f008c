// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlsconfig builds tls.Config values for the bridge's TLS clients and listeners.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrInvalidCA is returned when a CA file holds no usable certificate.
	ErrInvalidCA = errors.New("no valid PEM certificates in CA file")

	// ErrMissingKeyPair is returned when a server certificate or key path is empty.
	ErrMissingKeyPair = errors.New("certificate and key files are both required")
)

// Client describes TLS settings for an outbound connection.
type Client struct {
	// CAFile pins the server to certificates issued by this CA. When empty
	// the system roots are used.
	CAFile string

	// CertFile and KeyFile enable mutual TLS when both are set.
	CertFile string
	KeyFile  string

	// InsecureSkipVerify accepts any server certificate. Explicit opt-in only.
	InsecureSkipVerify bool
}

// MutualTLS reports whether a complete client key pair is configured.
func (c Client) MutualTLS() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// IncompletePair reports whether only one of CertFile and KeyFile is set.
func (c Client) IncompletePair() bool {
	return (c.CertFile == "") != (c.KeyFile == "")
}

// LoadClient builds a client tls.Config from c.
func LoadClient(c Client) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // explicit operator opt-in
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", c.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse CA file %s: %w", c.CAFile, ErrInvalidCA)
		}
		cfg.RootCAs = pool
	}

	if c.MutualTLS() {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// LoadServer builds a listener tls.Config from a certificate and key pair.
func LoadServer(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, ErrMissingKeyPair
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}
