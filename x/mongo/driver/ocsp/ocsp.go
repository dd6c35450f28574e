// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package ocsp implements the revocation check consulted by the TLS
// dialer before a connection is trusted.
package ocsp

import (
	"crypto/x509"
	"fmt"

	"golang.org/x/crypto/ocsp"
)

// RevocationChecker verifies a leaf certificate against its issuer's OCSP
// responder using a raw stapled response obtained during the TLS handshake
// (crypto/tls's ConnectionState.OCSPResponse).
type RevocationChecker struct {
	// MustStaple, when true, treats an absent stapled response as a
	// failure rather than "unknown".
	MustStaple bool
}

// ErrRevoked is returned when the OCSP responder (or staple) reports the
// certificate as revoked.
var ErrRevoked = fmt.Errorf("ocsp: certificate has been revoked")

// Check parses a stapled OCSP response and validates it against leaf/issuer.
// An empty staple is treated as "unknown" unless MustStaple is set.
func (c RevocationChecker) Check(staple []byte, leaf, issuer *x509.Certificate) error {
	if len(staple) == 0 {
		if c.MustStaple {
			return fmt.Errorf("ocsp: must-staple certificate presented no stapled response")
		}
		return nil
	}

	resp, err := ocsp.ParseResponseForCert(staple, leaf, issuer)
	if err != nil {
		return fmt.Errorf("ocsp: parsing stapled response: %w", err)
	}

	switch resp.Status {
	case ocsp.Revoked:
		return ErrRevoked
	case ocsp.Good, ocsp.Unknown:
		return nil
	default:
		return fmt.Errorf("ocsp: unrecognized response status %d", resp.Status)
	}
}
