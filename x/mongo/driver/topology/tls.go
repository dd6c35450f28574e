// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"github.com/ferrumdb/godriver/internal/tlsutil"
	"github.com/ferrumdb/godriver/x/mongo/driver/ocsp"
)

// NewTLSConfig assembles a tls.Config from optional CA and client
// certificate PEM blocks. The client key may be PKCS8-encrypted, matching
// the tlsCertificateKeyFile/tlsCertificateKeyFilePassword connection
// options.
func NewTLSConfig(caPEM, certKeyPEM []byte, keyPassword string) (*tls.Config, error) {
	cfg := &tls.Config{}

	if len(caPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("topology: CA PEM contained no parsable certificates")
		}
		cfg.RootCAs = pool
	}

	if len(certKeyPEM) > 0 {
		cert, err := tlsutil.LoadClientCertificate(certKeyPEM, keyPassword)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// WithTLSConfig layers TLS over the configured Dialer: every connection is
// dialed raw, upgraded, and its stapled OCSP response (if any) checked
// before use.
func WithTLSConfig(tlsCfg *tls.Config, checker ocsp.RevocationChecker) Option {
	return func(c *Config) {
		base := c.Dialer
		if base == nil {
			base = DialerFunc(defaultDial)
		}
		c.Dialer = DialerFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
			nc, err := base.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			cfg := tlsCfg.Clone()
			if cfg.ServerName == "" {
				host, _, splitErr := net.SplitHostPort(addr)
				if splitErr != nil {
					host = addr
				}
				cfg.ServerName = host
			}

			tc := tls.Client(nc, cfg)
			if err := tc.HandshakeContext(ctx); err != nil {
				_ = nc.Close()
				return nil, err
			}

			state := tc.ConnectionState()
			if len(state.PeerCertificates) >= 2 {
				if err := checker.Check(state.OCSPResponse, state.PeerCertificates[0], state.PeerCertificates[1]); err != nil {
					_ = tc.Close()
					return nil, err
				}
			}
			return tc, nil
		})
	}
}
