// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls loads listener TLS material.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	errLoadCerts    = errors.New("failed to load certificates")
	errLoadClientCA = errors.New("failed to load Client CA")
	errAppendCA     = errors.New("failed to append client ca to tls.Config")
	errClientAuth   = errors.New("unsupported client auth mode")
)

// Client authentication modes.
const (
	ClientAuthNone    = "none"
	ClientAuthRequest = "request"
	ClientAuthRequire = "require"
)

type Config struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"ca_file"`
	ClientAuth   string `yaml:"client_auth"` // none, request, require
}

// Enabled reports whether a certificate pair is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Validate checks the configuration without touching the filesystem.
func (c Config) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	switch c.ClientAuth {
	case "", ClientAuthNone:
	case ClientAuthRequest, ClientAuthRequire:
		if c.ClientCAFile == "" {
			return fmt.Errorf("ca_file required when client_auth is %q", c.ClientAuth)
		}
	default:
		return fmt.Errorf("%w: %q", errClientAuth, c.ClientAuth)
	}
	return nil
}

// Load returns a server TLS configuration, or nil when no certificate is
// configured.
func Load(c *Config) (*tls.Config, error) {
	if c == nil || !c.Enabled() {
		return nil, nil
	}

	certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Join(errLoadCerts, err)
	}

	config := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{certificate},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		},
	}

	if c.ClientCAFile != "" {
		clientCA, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, errors.Join(errLoadClientCA, err)
		}
		config.ClientCAs = x509.NewCertPool()
		if !config.ClientCAs.AppendCertsFromPEM(clientCA) {
			return nil, errAppendCA
		}
	}

	switch c.ClientAuth {
	case ClientAuthRequest:
		config.ClientAuth = tls.VerifyClientCertIfGiven
	case ClientAuthRequire:
		config.ClientAuth = tls.RequireAndVerifyClientCert
	case "", ClientAuthNone:
		config.ClientAuth = tls.NoClientCert
	default:
		return nil, fmt.Errorf("%w: %q", errClientAuth, c.ClientAuth)
	}

	return config, nil
}

// SecurityStatus returns log message from TLS config.
func SecurityStatus(c *tls.Config) string {
	if c == nil {
		return "no TLS"
	}
	ret := "TLS"
	if len(c.Certificates) == 0 {
		ret = "no server certificates"
	}
	if c.ClientCAs != nil {
		ret += " and " + c.ClientAuth.String()
	}
	return ret
}
