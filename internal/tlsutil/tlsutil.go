// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package tlsutil loads client certificates whose private key is encrypted
// with PKCS8, which the standard library's tls.X509KeyPair cannot decrypt
// on its own.
package tlsutil

import (
	"crypto/tls"
	"encoding/pem"
	"fmt"

	"github.com/youmark/pkcs8"
)

// LoadClientCertificate builds a tls.Certificate from a PEM file containing
// a certificate and a (possibly PKCS8-encrypted) private key, as named by
// the tlsCertificateKeyFile connection option and decrypted with
// tlsCertificateKeyFilePassword.
func LoadClientCertificate(certKeyPEM []byte, keyPassword string) (tls.Certificate, error) {
	var certBlocks [][]byte
	var keyDER []byte

	rest := certKeyPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		switch block.Type {
		case "CERTIFICATE":
			certBlocks = append(certBlocks, block.Bytes)
		case "PRIVATE KEY", "ENCRYPTED PRIVATE KEY":
			if keyPassword != "" {
				key, _, err := pkcs8.ParsePrivateKey(block.Bytes, []byte(keyPassword))
				if err != nil {
					return tls.Certificate{}, fmt.Errorf("tlsutil: decrypting PKCS8 private key: %w", err)
				}
				der, err := marshalPKCS8Unencrypted(key)
				if err != nil {
					return tls.Certificate{}, err
				}
				keyDER = der
			} else {
				keyDER = block.Bytes
			}
		case "RSA PRIVATE KEY", "EC PRIVATE KEY":
			keyDER = block.Bytes
		}
	}

	if len(certBlocks) == 0 || keyDER == nil {
		return tls.Certificate{}, fmt.Errorf("tlsutil: PEM input did not contain both a certificate and a private key")
	}

	var certPEM []byte
	for _, der := range certBlocks {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return tls.X509KeyPair(certPEM, keyPEM)
}

func marshalPKCS8Unencrypted(key interface{}) ([]byte, error) {
	return pkcs8.MarshalPrivateKey(key, nil, nil)
}
